package dispatch

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devicelab/conductor/internal/allocator"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/pkg/types"
)

// blockableRunner mimics a pipeline: it appends one result to the worker's
// local store and either finishes or blocks until canceled.
type blockableRunner struct {
	store jobstore.JobStore
	block bool
}

func (r *blockableRunner) Run(ctx context.Context, job *types.JobDefinition, device *types.Device) types.JobStatus {
	r.store.AppendResult(ctx, job.ID, &types.ActionResult{
		JobID:     job.ID,
		Action:    "deploy-image",
		Kind:      types.ActionKindDeploy,
		Status:    types.ResultPass,
		Timestamp: time.Now().UTC(),
	})
	if r.block {
		<-ctx.Done()
		return types.JobStatusCanceled
	}
	return types.JobStatusComplete
}

func startWorker(t *testing.T, hub *Hub, block bool) (*Worker, jobstore.JobStore) {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	localStore := jobstore.NewMemoryStore(nil)
	devices := []types.Device{{
		ID:         "board-01",
		DeviceType: "beaglebone",
		Health:     types.HealthGood,
	}}
	worker := NewWorker("worker-a", wsURL, devices, &blockableRunner{store: localStore, block: block}, localStore, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.Run(ctx)
	return worker, localStore
}

func waitDeviceRegistered(t *testing.T, pool *allocator.Pool, id string) types.Device {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := pool.Get(id); ok {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("device %s never registered", id)
	return types.Device{}
}

func dispatchJob(id string) *types.JobDefinition {
	return &types.JobDefinition{
		ID:          id,
		Name:        "remote smoke",
		Timeout:     time.Minute,
		Selector:    types.DeviceSelector{DeviceType: "beaglebone"},
		SubmittedAt: time.Now().UTC(),
	}
}

func TestHub_DispatchRoundTrip(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	pool := allocator.NewPool()
	hub := NewHub(store, pool, nil)
	startWorker(t, hub, false)

	device := waitDeviceRegistered(t, pool, "board-01")
	if device.WorkerID != "worker-a" {
		t.Fatalf("device worker = %q, want worker-a", device.WorkerID)
	}

	job := dispatchJob("remote-1")
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	status, err := hub.Dispatch(context.Background(), job, &device)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != types.JobStatusComplete {
		t.Fatalf("status = %s, want complete", status)
	}

	// The worker's result was mirrored into the orchestrator store.
	results, err := store.GetResults(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Action != "deploy-image" {
		t.Fatalf("results = %+v, want the forwarded deploy result", results)
	}
}

func TestHub_DispatchPersistsJobStatus(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	pool := allocator.NewPool()
	hub := NewHub(store, pool, nil)
	startWorker(t, hub, false)

	device := waitDeviceRegistered(t, pool, "board-01")
	job := dispatchJob("remote-4")
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Dispatch(context.Background(), job, &device); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The pipeline ran in the worker's process against the worker's local
	// store; the orchestrator's own record must still reach a terminal
	// status or the job reads as stuck forever.
	meta, err := store.GetJobMeta(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != types.JobStatusComplete {
		t.Fatalf("orchestrator store status = %q, want complete", meta.Status)
	}
}

func TestHub_CancelForwarded(t *testing.T) {
	store := jobstore.NewMemoryStore(nil)
	pool := allocator.NewPool()
	hub := NewHub(store, pool, nil)
	startWorker(t, hub, true)

	device := waitDeviceRegistered(t, pool, "board-01")
	job := dispatchJob("remote-2")
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	status, err := hub.Dispatch(ctx, job, &device)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != types.JobStatusCanceled {
		t.Fatalf("status = %s, want canceled", status)
	}
	meta, err := store.GetJobMeta(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != types.JobStatusCanceled {
		t.Fatalf("orchestrator store status = %q, want canceled", meta.Status)
	}
}

func TestHub_DispatchUnknownWorker(t *testing.T) {
	hub := NewHub(jobstore.NewMemoryStore(nil), allocator.NewPool(), nil)
	device := &types.Device{ID: "ghost", WorkerID: "nobody"}
	if _, err := hub.Dispatch(context.Background(), dispatchJob("remote-3"), device); err == nil {
		t.Fatal("expected error dispatching to unknown worker")
	}
}
