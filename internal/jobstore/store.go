// Package jobstore provides job state persistence and event streaming.
package jobstore

import (
	"context"
	"errors"

	"github.com/devicelab/conductor/pkg/types"
)

// Common errors returned by JobStore implementations.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists job definitions, statuses, action results and the
// per-job event stream. A durable implementation lets the scheduler re-attach
// to in-flight jobs after a restart: a crash must not lose a queued or
// completed job. Implementations must be safe for concurrent use.
type JobStore interface {
	// Job lifecycle
	CreateJob(ctx context.Context, def *types.JobDefinition) error
	GetJob(ctx context.Context, jobID string) (*types.JobDefinition, error)
	GetJobMeta(ctx context.Context, jobID string) (*types.JobMeta, error)
	ListJobs(ctx context.Context) ([]*types.JobMeta, error)
	ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.JobMeta, error)
	UpdateJobStatus(ctx context.Context, jobID string, status types.JobStatus, errMsg string) error
	SetJobDevice(ctx context.Context, jobID, deviceID string) error

	// Action results, appended as they are produced.
	AppendResult(ctx context.Context, jobID string, result *types.ActionResult) error
	GetResults(ctx context.Context, jobID string) ([]types.ActionResult, error)

	// Event streaming
	// AppendEvent adds an event to the job's stream and returns it.
	AppendEvent(ctx context.Context, jobID string, input *types.EventInput) (*types.Event, error)

	// EventsSince returns events after the given event ID (exclusive);
	// an empty ID returns the whole stream.
	EventsSince(ctx context.Context, jobID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the job. The
	// cleanup function releases the subscription.
	Subscribe(ctx context.Context, jobID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	Close() error
}

// Config holds configuration shared by JobStore implementations.
type Config struct {
	// Maximum number of events to keep per job (ring buffer).
	EventMaxLen int64

	// TTL for finished jobs in seconds (0 = no expiry).
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60,
	}
}
