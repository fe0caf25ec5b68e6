package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicelab/conductor/internal/allocator"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/internal/multinode"
	"github.com/devicelab/conductor/pkg/types"
)

// fakeDriver mimics the executor contract: it records dispatch order,
// optionally blocks until canceled, and writes the terminal status to the
// store before returning.
type fakeDriver struct {
	store jobstore.JobStore

	mu    sync.Mutex
	order []string

	block      atomic.Bool
	dispatched chan string
}

func newFakeDriver(store jobstore.JobStore) *fakeDriver {
	return &fakeDriver{store: store, dispatched: make(chan string, 16)}
}

func (d *fakeDriver) Dispatch(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error) {
	d.mu.Lock()
	d.order = append(d.order, job.ID)
	d.mu.Unlock()
	d.dispatched <- job.ID

	status := types.JobStatusComplete
	if d.block.Load() {
		<-ctx.Done()
		status = types.JobStatusCanceled
	}
	d.store.UpdateJobStatus(context.Background(), job.ID, status, "")
	return status, nil
}

func (d *fakeDriver) dispatchOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

func qemuDevice(id string) *types.Device {
	return &types.Device{ID: id, DeviceType: "qemu", Health: types.HealthGood}
}

func qemuJob(name string, prio types.Priority) *types.JobDefinition {
	return &types.JobDefinition{
		Name:     name,
		Priority: prio,
		Timeout:  time.Minute,
		Selector: types.DeviceSelector{DeviceType: "qemu"},
	}
}

func groupJobs(n int) []*types.JobDefinition {
	jobs := make([]*types.JobDefinition, n)
	for i := range jobs {
		jobs[i] = qemuJob("member", types.PriorityMedium)
		jobs[i].Role = "node"
		jobs[i].SubID = i
		jobs[i].GroupSize = n
		jobs[i].GroupID = "pending" // parser marks membership; Submit reassigns
	}
	return jobs
}

func newTestScheduler(t *testing.T, devices ...*types.Device) (*Scheduler, *fakeDriver, *allocator.Pool, jobstore.JobStore) {
	t.Helper()
	store := jobstore.NewMemoryStore(nil)
	pool := allocator.NewPool()
	for _, d := range devices {
		pool.Add(d)
	}
	driver := newFakeDriver(store)
	s := New(store, allocator.New(pool), multinode.New(), driver, time.Second, nil)
	return s, driver, pool, store
}

func waitDispatch(t *testing.T, driver *fakeDriver, n int) []string {
	t.Helper()
	got := make([]string, 0, n)
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case id := <-driver.dispatched:
			got = append(got, id)
		case <-deadline:
			t.Fatalf("timed out waiting for dispatches: got %d, want %d", len(got), n)
		}
	}
	return got
}

func waitStatus(t *testing.T, store jobstore.JobStore, jobID string, want types.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		meta, err := store.GetJobMeta(context.Background(), jobID)
		if err == nil && meta.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	meta, _ := store.GetJobMeta(context.Background(), jobID)
	t.Fatalf("job %s status = %s, want %s", jobID, meta.Status, want)
}

func TestSubmit_AssignsIdentity(t *testing.T) {
	s, _, _, store := newTestScheduler(t, qemuDevice("q1"))
	job := qemuJob("smoke", types.PriorityMedium)

	ids, err := s.Submit(context.Background(), []*types.JobDefinition{job})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("ids = %v", ids)
	}
	if job.SubmittedAt.IsZero() {
		t.Error("submitted_at not assigned")
	}
	if job.GroupID != "" {
		t.Error("single job must not get a group id")
	}
	meta, err := store.GetJobMeta(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.Status != types.JobStatusQueued {
		t.Errorf("status = %s, want queued", meta.Status)
	}
}

func TestScheduling_PriorityOrder(t *testing.T) {
	// One device, three jobs submitted low first. Dispatch order must
	// follow priority, not arrival.
	s, driver, _, _ := newTestScheduler(t, qemuDevice("q1"))
	ctx := context.Background()

	var want []string
	for _, prio := range []types.Priority{types.PriorityLow, types.PriorityMedium, types.PriorityHigh} {
		ids, err := s.Submit(ctx, []*types.JobDefinition{qemuJob("j", prio)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		want = append([]string{ids[0]}, want...) // reversed: high first
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.Run(runCtx)

	waitDispatch(t, driver, 3)
	got := driver.dispatchOrder()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestScheduling_TieBreakBySubmissionThenID(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	early := qemuJob("early", types.PriorityMedium)
	late := qemuJob("late", types.PriorityMedium)
	if _, err := s.Submit(ctx, []*types.JobDefinition{early}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Submit(ctx, []*types.JobDefinition{late}); err != nil {
		t.Fatal(err)
	}

	metas, err := s.store.ListByStatus(ctx, types.JobStatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	entries := s.buildQueue(ctx, metas)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].head().ID != early.ID {
		t.Errorf("queue head = %s, want the earlier submission", entries[0].head().Name)
	}
}

func TestScheduling_NoMatchingDeviceFailsJob(t *testing.T) {
	s, _, _, store := newTestScheduler(t, qemuDevice("q1"))
	ctx := context.Background()
	job := qemuJob("bad", types.PriorityMedium)
	job.Selector.DeviceType = "beaglebone"

	ids, err := s.Submit(ctx, []*types.JobDefinition{job})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.pass(ctx)
	waitStatus(t, store, ids[0], types.JobStatusFailed)
}

func TestScheduling_BusyDeviceKeepsJobQueued(t *testing.T) {
	s, driver, _, store := newTestScheduler(t, qemuDevice("q1"))
	ctx := context.Background()
	driver.block.Store(true)

	first, err := s.Submit(ctx, []*types.JobDefinition{qemuJob("first", types.PriorityMedium)})
	if err != nil {
		t.Fatal(err)
	}
	s.pass(ctx)
	waitDispatch(t, driver, 1)

	second, err := s.Submit(ctx, []*types.JobDefinition{qemuJob("second", types.PriorityMedium)})
	if err != nil {
		t.Fatal(err)
	}
	s.pass(ctx)

	meta, err := store.GetJobMeta(ctx, second[0])
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != types.JobStatusQueued {
		t.Fatalf("second job status = %s, want queued while device busy", meta.Status)
	}

	// Cancel the first; its release frees the device for the second.
	driver.block.Store(false)
	if err := s.Cancel(ctx, first[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, store, first[0], types.JobStatusCanceled)
	s.pass(ctx)
	waitDispatch(t, driver, 1)
	waitStatus(t, store, second[0], types.JobStatusComplete)
}

func TestScheduling_GroupAllOrNothing(t *testing.T) {
	s, driver, pool, store := newTestScheduler(t, qemuDevice("q1"), qemuDevice("q2"))
	ctx := context.Background()

	ids, err := s.Submit(ctx, groupJobs(3))
	if err != nil {
		t.Fatalf("submit group: %v", err)
	}
	s.pass(ctx)

	// Two devices cannot hold a three-member group: nothing dispatches,
	// nothing stays reserved.
	select {
	case id := <-driver.dispatched:
		t.Fatalf("member %s dispatched with insufficient devices", id)
	case <-time.After(100 * time.Millisecond):
	}
	for _, d := range pool.List() {
		if d.ReservedBy != "" {
			t.Fatalf("device %s left reserved at %s", d.ID, d.ReservedBy)
		}
	}

	pool.Add(qemuDevice("q3"))
	s.pass(ctx)
	waitDispatch(t, driver, 3)
	for _, id := range ids {
		waitStatus(t, store, id, types.JobStatusComplete)
	}
}

func TestScheduling_MaxConcurrentJobs(t *testing.T) {
	s, driver, _, store := newTestScheduler(t, qemuDevice("q1"), qemuDevice("q2"))
	s.SetMaxConcurrentJobs(1)
	ctx := context.Background()
	driver.block.Store(true)

	first, err := s.Submit(ctx, []*types.JobDefinition{qemuJob("first", types.PriorityMedium)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Submit(ctx, []*types.JobDefinition{qemuJob("second", types.PriorityMedium)})
	if err != nil {
		t.Fatal(err)
	}
	s.pass(ctx)
	waitDispatch(t, driver, 1)
	s.pass(ctx)

	// A device is free, but the concurrency cap holds the second job back.
	meta, err := store.GetJobMeta(ctx, second[0])
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != types.JobStatusQueued {
		t.Fatalf("second job status = %s, want queued under the cap", meta.Status)
	}

	driver.block.Store(false)
	if err := s.Cancel(ctx, first[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, store, first[0], types.JobStatusCanceled)
	deadline := time.Now().Add(5 * time.Second)
	for s.activeJobs() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.pass(ctx)
	waitDispatch(t, driver, 1)
	waitStatus(t, store, second[0], types.JobStatusComplete)
}

func TestCancel_QueuedJob(t *testing.T) {
	s, _, _, store := newTestScheduler(t) // no devices: job stays queued
	ctx := context.Background()

	ids, err := s.Submit(ctx, []*types.JobDefinition{qemuJob("stuck", types.PriorityMedium)})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, ids[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, store, ids[0], types.JobStatusCanceled)

	// Terminal jobs are no longer cancelable.
	if err := s.Cancel(ctx, ids[0]); err != ErrJobNotCancelable {
		t.Errorf("second cancel = %v, want ErrJobNotCancelable", err)
	}
}

func TestCancel_RunningJobReleasesDevice(t *testing.T) {
	s, driver, pool, store := newTestScheduler(t, qemuDevice("q1"))
	ctx := context.Background()
	driver.block.Store(true)

	ids, err := s.Submit(ctx, []*types.JobDefinition{qemuJob("long", types.PriorityMedium)})
	if err != nil {
		t.Fatal(err)
	}
	s.pass(ctx)
	waitDispatch(t, driver, 1)

	if err := s.Cancel(ctx, ids[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, store, ids[0], types.JobStatusCanceled)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d, ok := pool.Get("q1"); ok && d.ReservedBy == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("device not released after cancel")
}

func TestRecover_OrphansMarkedIncomplete(t *testing.T) {
	s, _, _, store := newTestScheduler(t, qemuDevice("q1"))
	ctx := context.Background()

	job := qemuJob("orphan", types.PriorityMedium)
	job.ID = "orphan-1"
	job.SubmittedAt = time.Now().UTC()
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	for _, st := range []types.JobStatus{types.JobStatusQueued, types.JobStatusRunning} {
		if err := store.UpdateJobStatus(ctx, job.ID, st, ""); err != nil {
			t.Fatal(err)
		}
	}

	s.Recover(ctx)
	waitStatus(t, store, job.ID, types.JobStatusIncomplete)
}
