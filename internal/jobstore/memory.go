package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devicelab/conductor/pkg/types"
)

// memoryJob holds all state for a single job in memory.
type memoryJob struct {
	mu          sync.RWMutex
	def         *types.JobDefinition
	status      types.JobStatus
	deviceID    string
	errMsg      string
	results     []types.ActionResult
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
	startedAt   *time.Time
	finishedAt  *time.Time
}

// MemoryStore is an in-memory JobStore. Suitable for development and tests;
// data does not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*memoryJob
	config *Config
}

// NewMemoryStore creates a new in-memory JobStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		jobs:   make(map[string]*memoryJob),
		config: cfg,
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, def *types.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[def.ID]; exists {
		return fmt.Errorf("job %s already exists", def.ID)
	}
	s.jobs[def.ID] = &memoryJob{
		def:         def,
		status:      types.JobStatusSubmitted,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

func (s *MemoryStore) get(jobID string) (*memoryJob, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*types.JobDefinition, error) {
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	job.mu.RLock()
	defer job.mu.RUnlock()
	return job.def, nil
}

func (s *MemoryStore) GetJobMeta(ctx context.Context, jobID string) (*types.JobMeta, error) {
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	job.mu.RLock()
	defer job.mu.RUnlock()
	return job.metaLocked(), nil
}

func (j *memoryJob) metaLocked() *types.JobMeta {
	return &types.JobMeta{
		ID:          j.def.ID,
		Name:        j.def.Name,
		Status:      j.status,
		Priority:    j.def.Priority,
		Visibility:  j.def.Visibility,
		DeviceID:    j.deviceID,
		GroupID:     j.def.GroupID,
		Error:       j.errMsg,
		SubmittedAt: j.def.SubmittedAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
}

func (s *MemoryStore) ListJobs(ctx context.Context) ([]*types.JobMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.JobMeta, 0, len(s.jobs))
	for _, job := range s.jobs {
		job.mu.RLock()
		out = append(out, job.metaLocked())
		job.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.JobMeta, error) {
	all, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := all[:0:0]
	for _, m := range all {
		if want[m.Status] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status types.JobStatus, errMsg string) error {
	job, err := s.get(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	job.status = status
	if errMsg != "" {
		job.errMsg = errMsg
	}
	now := time.Now().UTC()
	if status == types.JobStatusRunning && job.startedAt == nil {
		job.startedAt = &now
	}
	if status.Terminal() && job.finishedAt == nil {
		job.finishedAt = &now
	}
	return nil
}

func (s *MemoryStore) SetJobDevice(ctx context.Context, jobID, deviceID string) error {
	job, err := s.get(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	job.deviceID = deviceID
	job.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendResult(ctx context.Context, jobID string, result *types.ActionResult) error {
	job, err := s.get(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	job.results = append(job.results, *result)
	job.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetResults(ctx context.Context, jobID string) ([]types.ActionResult, error) {
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	job.mu.RLock()
	defer job.mu.RUnlock()
	out := make([]types.ActionResult, len(job.results))
	copy(out, job.results)
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, jobID string, input *types.EventInput) (*types.Event, error) {
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}

	job.mu.Lock()
	job.nextSeq++
	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		job.mu.Unlock()
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	event := &types.Event{
		ID:        fmt.Sprintf("%d", job.nextSeq),
		JobID:     jobID,
		Type:      input.Type,
		Action:    input.Action,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	if int64(len(job.events)) >= job.maxEvents {
		job.events = job.events[1:]
	}
	job.events = append(job.events, event)

	subs := make([]chan *types.Event, 0, len(job.subscribers))
	for ch := range job.subscribers {
		subs = append(subs, ch)
	}
	job.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber: drop rather than block the pipeline.
		}
	}
	return event, nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, jobID string, lastEventID string) ([]*types.Event, error) {
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	job.mu.RLock()
	defer job.mu.RUnlock()

	if lastEventID == "" {
		out := make([]*types.Event, len(job.events))
		copy(out, job.events)
		return out, nil
	}
	for i, evt := range job.events {
		if evt.ID == lastEventID {
			out := make([]*types.Event, len(job.events)-i-1)
			copy(out, job.events[i+1:])
			return out, nil
		}
	}
	out := make([]*types.Event, len(job.events))
	copy(out, job.events)
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, jobID string) (<-chan *types.Event, func(), error) {
	job, err := s.get(jobID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan *types.Event, 64)
	job.mu.Lock()
	job.subscribers[ch] = struct{}{}
	job.mu.Unlock()

	cleanup := func() {
		job.mu.Lock()
		delete(job.subscribers, ch)
		job.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	jobCount := len(s.jobs)
	s.mu.RUnlock()
	return map[string]any{
		"adapter":    "memory",
		"job_count":  jobCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		job.mu.Lock()
		for ch := range job.subscribers {
			close(ch)
		}
		job.subscribers = make(map[chan *types.Event]struct{})
		job.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ JobStore = (*MemoryStore)(nil)
