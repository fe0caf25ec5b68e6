// Package scheduler owns the job lifecycle between submission and dispatch:
// it assigns identities, keeps the pending queue ordered, matches jobs to
// devices through the allocator, and hands matched jobs to a dispatch
// driver. One scheduling pass runs at a time; passes are triggered by a
// timer, by submissions, and by device releases.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab/conductor/internal/allocator"
	"github.com/devicelab/conductor/internal/dispatch"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/internal/metrics"
	"github.com/devicelab/conductor/internal/multinode"
	"github.com/devicelab/conductor/pkg/types"
)

// ErrJobNotCancelable is returned when a cancel request targets a job that
// already reached a terminal status.
var ErrJobNotCancelable = errors.New("job is not cancelable")

// Scheduler matches queued jobs to idle devices and dispatches them.
type Scheduler struct {
	store    jobstore.JobStore
	alloc    *allocator.Allocator
	coord    *multinode.Coordinator
	driver   dispatch.Driver
	interval time.Duration
	logger   *slog.Logger

	// maxConcurrent caps dispatched-but-unfinished jobs; 0 is unlimited.
	maxConcurrent int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	// groupLeft counts still-active members per MultiNode group so the
	// coordinator group is torn down exactly once.
	groupLeft map[string]int

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. interval bounds how stale the queue may go
// without an external trigger.
func New(store jobstore.JobStore, alloc *allocator.Allocator, coord *multinode.Coordinator, driver dispatch.Driver, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Scheduler{
		store:     store,
		alloc:     alloc,
		coord:     coord,
		driver:    driver,
		interval:  interval,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
		groupLeft: make(map[string]int),
		wake:      make(chan struct{}, 1),
	}
}

// SetMaxConcurrentJobs caps how many jobs may run at once across all
// devices. Zero or negative means no cap.
func (s *Scheduler) SetMaxConcurrentJobs(n int) {
	s.maxConcurrent = n
}

// Submit accepts the jobs produced by one parsed submission: a single job,
// or every member of a MultiNode group. Identity is assigned here, not in
// the parser, so parsing stays deterministic. All members of a group are
// queued atomically in submission order.
func (s *Scheduler) Submit(ctx context.Context, jobs []*types.JobDefinition) ([]string, error) {
	if len(jobs) == 0 {
		return nil, errors.New("empty submission")
	}
	now := time.Now().UTC()
	groupID := ""
	if jobs[0].IsMultiNode() || len(jobs) > 1 {
		groupID = uuid.NewString()
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		job.ID = uuid.NewString()
		job.SubmittedAt = now
		if groupID != "" {
			job.GroupID = groupID
		}
		ids = append(ids, job.ID)
	}
	if groupID != "" && s.coord != nil {
		if _, err := s.coord.CreateGroup(groupID, len(jobs)); err != nil {
			return nil, fmt.Errorf("create group: %w", err)
		}
	}
	for i, job := range jobs {
		if err := s.store.CreateJob(ctx, job); err != nil {
			// A half-created group is unrecoverable for its peers.
			for _, created := range jobs[:i] {
				s.failJob(ctx, created.ID, fmt.Sprintf("group member %s failed to persist", job.ID))
			}
			if groupID != "" && s.coord != nil {
				s.coord.CloseGroup(groupID)
			}
			return nil, fmt.Errorf("persist job: %w", err)
		}
		if err := s.store.UpdateJobStatus(ctx, job.ID, types.JobStatusQueued, ""); err != nil {
			return nil, fmt.Errorf("queue job: %w", err)
		}
		s.logger.Info("job queued",
			slog.String("job_id", job.ID),
			slog.Int("priority", int(job.Priority)),
			slog.String("group_id", job.GroupID))
	}
	if groupID != "" {
		s.mu.Lock()
		s.groupLeft[groupID] = len(jobs)
		s.mu.Unlock()
	}
	s.kick()
	return ids, nil
}

// Cancel requests cancellation of a job. Queued jobs transition to
// canceled immediately; running jobs get their pipeline context canceled
// and reach canceled once always-run actions complete.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	cancel, running := s.cancels[jobID]
	s.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	meta, err := s.store.GetJobMeta(ctx, jobID)
	if err != nil {
		return err
	}
	switch meta.Status {
	case types.JobStatusSubmitted, types.JobStatusQueued:
		return s.store.UpdateJobStatus(ctx, jobID, types.JobStatusCanceled, "canceled before dispatch")
	case types.JobStatusScheduled, types.JobStatusRunning:
		// The cancel func has not been registered yet or belongs to
		// another process; the dispatch path re-checks status.
		return s.store.UpdateJobStatus(ctx, jobID, types.JobStatusCanceled, "canceled")
	default:
		return ErrJobNotCancelable
	}
}

// Run drives scheduling passes until ctx is canceled, then waits for
// in-flight pipelines to reach their terminal status.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Recover(ctx)
	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
		case <-s.wake:
		case <-s.alloc.Pool().Released():
		}
	}
}

// Recover re-adopts jobs left non-terminal by a previous process. Queued
// jobs simply re-enter the queue on the next pass. Scheduled and running
// jobs are re-attached when the driver supports it, otherwise marked
// incomplete so their devices are not silently leaked.
func (s *Scheduler) Recover(ctx context.Context) {
	metas, err := s.store.ListByStatus(ctx, types.JobStatusScheduled, types.JobStatusRunning)
	if err != nil {
		s.logger.Error("recover: list jobs", "error", err)
		return
	}
	reattacher, canReattach := s.driver.(dispatch.Reattacher)
	for _, meta := range metas {
		job, err := s.store.GetJob(ctx, meta.ID)
		if err != nil {
			s.logger.Error("recover: load job", "error", err, "job_id", meta.ID)
			continue
		}
		device, haveDevice := s.alloc.Pool().Get(meta.DeviceID)
		if canReattach && haveDevice {
			s.logger.Info("re-attaching job", slog.String("job_id", job.ID), slog.String("device", device.ID))
			s.startJob(job, &device, func(runCtx context.Context, j *types.JobDefinition, d *types.Device) (types.JobStatus, error) {
				return reattacher.Reattach(runCtx, j, d)
			})
			continue
		}
		s.logger.Warn("orphaned job marked incomplete", slog.String("job_id", meta.ID))
		if err := s.store.UpdateJobStatus(ctx, meta.ID, types.JobStatusIncomplete, "orchestrator restarted during execution"); err != nil {
			s.logger.Error("recover: mark incomplete", "error", err, "job_id", meta.ID)
		}
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// queueEntry is one schedulable unit: a single job or a whole MultiNode
// group.
type queueEntry struct {
	jobs []*types.JobDefinition
}

func (q *queueEntry) head() *types.JobDefinition { return q.jobs[0] }

// pass runs one scheduling pass over the pending queue in strict order:
// priority descending, then submission time, then job ID as a stable
// tie-break.
func (s *Scheduler) pass(ctx context.Context) {
	metrics.SchedulePasses.Inc()
	metas, err := s.store.ListByStatus(ctx, types.JobStatusQueued)
	if err != nil {
		s.logger.Error("list queued jobs", "error", err)
		return
	}
	metrics.JobsQueued.Set(float64(len(metas)))
	if len(metas) == 0 {
		return
	}

	entries := s.buildQueue(ctx, metas)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if s.maxConcurrent > 0 && s.activeJobs() >= s.maxConcurrent {
			return
		}
		if len(entry.jobs) == 1 {
			s.tryDispatch(ctx, entry.head())
		} else {
			s.tryDispatchGroup(ctx, entry.jobs)
		}
	}
}

// buildQueue loads definitions, folds MultiNode members into group
// entries, and sorts. Groups whose members are not all queued yet are held
// back.
func (s *Scheduler) buildQueue(ctx context.Context, metas []*types.JobMeta) []*queueEntry {
	groups := make(map[string]*queueEntry)
	var entries []*queueEntry
	for _, meta := range metas {
		job, err := s.store.GetJob(ctx, meta.ID)
		if err != nil {
			s.logger.Error("load queued job", "error", err, "job_id", meta.ID)
			continue
		}
		if !job.IsMultiNode() {
			entries = append(entries, &queueEntry{jobs: []*types.JobDefinition{job}})
			continue
		}
		g, ok := groups[job.GroupID]
		if !ok {
			g = &queueEntry{}
			groups[job.GroupID] = g
			entries = append(entries, g)
		}
		g.jobs = append(g.jobs, job)
	}

	complete := entries[:0]
	for _, e := range entries {
		head := e.head()
		if head.IsMultiNode() && len(e.jobs) != head.GroupSize {
			continue
		}
		sort.Slice(e.jobs, func(i, j int) bool { return e.jobs[i].SubID < e.jobs[j].SubID })
		complete = append(complete, e)
	}

	sort.Slice(complete, func(i, j int) bool {
		a, b := complete[i].head(), complete[j].head()
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	return complete
}

func (s *Scheduler) tryDispatch(ctx context.Context, job *types.JobDefinition) {
	deviceID, err := s.alloc.Allocate(job)
	switch {
	case errors.Is(err, allocator.ErrNoDeviceAvailable):
		return // stays queued
	case errors.Is(err, allocator.ErrNoMatchingDevice):
		s.failJob(ctx, job.ID, err.Error())
		return
	case err != nil:
		s.logger.Error("allocate", "error", err, "job_id", job.ID)
		return
	}
	device, _ := s.alloc.Pool().Get(deviceID)
	s.markScheduled(ctx, job, deviceID)
	s.startJob(job, &device, s.driver.Dispatch)
}

// tryDispatchGroup reserves devices for every member or none. A permanent
// match failure for any member fails the whole group.
func (s *Scheduler) tryDispatchGroup(ctx context.Context, jobs []*types.JobDefinition) {
	assignment, err := s.alloc.AllocateGroup(jobs)
	switch {
	case errors.Is(err, allocator.ErrNoDeviceAvailable):
		return
	case errors.Is(err, allocator.ErrNoMatchingDevice):
		for _, job := range jobs {
			s.failJob(ctx, job.ID, err.Error())
		}
		if s.coord != nil {
			s.coord.CloseGroup(jobs[0].GroupID)
		}
		return
	case err != nil:
		s.logger.Error("allocate group", "error", err, "group_id", jobs[0].GroupID)
		return
	}
	for _, job := range jobs {
		deviceID := assignment[job.ID]
		device, _ := s.alloc.Pool().Get(deviceID)
		s.markScheduled(ctx, job, deviceID)
		s.startJob(job, &device, s.driver.Dispatch)
	}
}

func (s *Scheduler) markScheduled(ctx context.Context, job *types.JobDefinition, deviceID string) {
	if err := s.store.SetJobDevice(ctx, job.ID, deviceID); err != nil {
		s.logger.Error("set job device", "error", err, "job_id", job.ID)
	}
	if err := s.store.UpdateJobStatus(ctx, job.ID, types.JobStatusScheduled, ""); err != nil {
		s.logger.Error("mark scheduled", "error", err, "job_id", job.ID)
	}
	s.logger.Info("job scheduled",
		slog.String("job_id", job.ID), slog.String("device", deviceID))
}

type dispatchFunc func(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error)

// startJob runs the dispatch in its own goroutine with a cancelable
// context registered for Cancel. The device is released the moment the
// driver returns, before any other bookkeeping.
func (s *Scheduler) startJob(job *types.JobDefinition, device *types.Device, fn dispatchFunc) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		// A cancel may have landed between queue and dispatch.
		if meta, err := s.store.GetJobMeta(runCtx, job.ID); err == nil && meta.Status == types.JobStatusCanceled {
			s.alloc.Release(device.ID, job.ID)
			s.mu.Lock()
			delete(s.cancels, job.ID)
			s.mu.Unlock()
			if job.IsMultiNode() {
				s.memberDone(job.GroupID)
			}
			return
		}

		status, err := fn(runCtx, job, device)
		s.alloc.Release(device.ID, job.ID)

		s.mu.Lock()
		delete(s.cancels, job.ID)
		s.mu.Unlock()

		if err != nil {
			// Pipeline failures report through the store; an error
			// here means the job never (or no longer) ran.
			s.logger.Error("dispatch failed", "error", err, "job_id", job.ID)
			if serr := s.store.UpdateJobStatus(context.Background(), job.ID, types.JobStatusIncomplete, fmt.Sprintf("dispatch: %v", err)); serr != nil {
				s.logger.Error("mark incomplete", "error", serr, "job_id", job.ID)
			}
		} else {
			s.logger.Info("job finished",
				slog.String("job_id", job.ID), slog.String("status", string(status)))
		}
		if job.IsMultiNode() {
			s.memberDone(job.GroupID)
		}
		s.kick()
	}()
}

// activeJobs counts dispatched jobs that have not yet returned.
func (s *Scheduler) activeJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// memberDone tears the coordinator group down once the last member exits,
// waking any peers still blocked on barriers.
func (s *Scheduler) memberDone(groupID string) {
	s.mu.Lock()
	s.groupLeft[groupID]--
	done := s.groupLeft[groupID] <= 0
	if done {
		delete(s.groupLeft, groupID)
	}
	s.mu.Unlock()
	if done && s.coord != nil {
		s.coord.CloseGroup(groupID)
	}
}

func (s *Scheduler) failJob(ctx context.Context, jobID, reason string) {
	if err := s.store.UpdateJobStatus(ctx, jobID, types.JobStatusFailed, reason); err != nil {
		s.logger.Error("fail job", "error", err, "job_id", jobID)
	}
}
