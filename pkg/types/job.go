// Package types provides shared types for the conductor scheduler and workers.
package types

import (
	"time"
)

// JobStatus represents the current state of a submitted job.
type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusQueued     JobStatus = "queued"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusRunning    JobStatus = "running"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
	JobStatusIncomplete JobStatus = "incomplete"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether the status is a final one.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusComplete, JobStatusFailed, JobStatusIncomplete, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// ActionStatus represents the state of a single action in the pipeline.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusCanceled  ActionStatus = "canceled"
	ActionStatusSkipped   ActionStatus = "skipped"
)

// ActionKind categorizes pipeline actions.
type ActionKind string

const (
	ActionKindDeploy   ActionKind = "deploy"
	ActionKindBoot     ActionKind = "boot"
	ActionKindTest     ActionKind = "test"
	ActionKindFinalize ActionKind = "finalize"
	ActionKindCompound ActionKind = "compound"
)

// Priority follows the original scheduler's three-level scale.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 50
	PriorityHigh   Priority = 100
)

// Visibility controls who may read a job's results. Enforcement lives in the
// external auth layer; the core only records and exposes the scope.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityGroup    Visibility = "group"
	VisibilityPersonal Visibility = "personal"
)

// Action is one node of a job's ordered action tree. Compound actions are
// expanded at parse time, so an executed tree contains only concrete kinds.
type Action struct {
	Name       string            `json:"name" yaml:"name"`
	Kind       ActionKind        `json:"kind" yaml:"kind"`
	Method     string            `json:"method,omitempty" yaml:"method,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	AlwaysRun  bool              `json:"always_run,omitempty" yaml:"always_run,omitempty"`
	Children   []Action          `json:"children,omitempty" yaml:"children,omitempty"`

	// Outputs names the context keys a deploy action will publish at run
	// time. The parser uses it to validate forward variable references.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Walk visits the action and all descendants depth-first.
func (a *Action) Walk(fn func(*Action)) {
	fn(a)
	for i := range a.Children {
		a.Children[i].Walk(fn)
	}
}

// DeviceSelector describes which devices a job can run on.
type DeviceSelector struct {
	DeviceType string   `json:"device_type,omitempty" yaml:"device_type,omitempty"`
	Device     string   `json:"device,omitempty" yaml:"device,omitempty"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Restriction is an optional expression evaluated against device
	// attributes, e.g. `memory_mb >= 2048 && "usb" in tags`.
	Restriction string `json:"restriction,omitempty" yaml:"restriction,omitempty"`
}

// JobDefinition is the immutable, validated form of a submitted job.
type JobDefinition struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Priority   Priority          `json:"priority"`
	Visibility Visibility        `json:"visibility"`
	Selector   DeviceSelector    `json:"selector"`
	Timeout    time.Duration     `json:"timeout"`
	Actions    []Action          `json:"actions"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// MultiNode membership, empty for single-node jobs.
	GroupID   string `json:"group_id,omitempty"`
	Role      string `json:"role,omitempty"`
	SubID     int    `json:"sub_id,omitempty"`
	GroupSize int    `json:"group_size,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// IsMultiNode reports whether the job belongs to a coordinated group.
func (j *JobDefinition) IsMultiNode() bool {
	return j.GroupID != ""
}

// JobMeta is a lightweight view of a job for listing and queue bookkeeping.
type JobMeta struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Status      JobStatus  `json:"status"`
	Priority    Priority   `json:"priority"`
	Visibility  Visibility `json:"visibility"`
	DeviceID    string     `json:"device_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
