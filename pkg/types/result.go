package types

import "time"

// ResultStatus is the outcome of a single executed action.
type ResultStatus string

const (
	ResultPass       ResultStatus = "pass"
	ResultFail       ResultStatus = "fail"
	ResultSkip       ResultStatus = "skip"
	ResultIncomplete ResultStatus = "incomplete"
)

// ErrorKind classifies an action failure.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindInfrastructure ErrorKind = "infrastructure"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindConnection     ErrorKind = "connection"
	ErrorKindSync           ErrorKind = "synchronization"
	ErrorKindCanceled       ErrorKind = "canceled"
	ErrorKindTest           ErrorKind = "test"
)

// TestCase is one structured result parsed from a test action's output.
type TestCase struct {
	Name        string  `json:"name"`
	Result      string  `json:"result"` // pass or fail
	Measurement float64 `json:"measurement,omitempty"`
	Units       string  `json:"units,omitempty"`
}

// ActionResult is the terminal record of one executed action. Every action
// that starts execution produces exactly one.
type ActionResult struct {
	JobID     string        `json:"job_id"`
	Action    string        `json:"action"`
	Kind      ActionKind    `json:"kind"`
	Status    ResultStatus  `json:"status"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	LogRef    string        `json:"log_ref,omitempty"`
	TestCases []TestCase    `json:"test_cases,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// PassCount returns the number of passing test cases.
func (r *ActionResult) PassCount() int {
	n := 0
	for _, tc := range r.TestCases {
		if tc.Result == "pass" {
			n++
		}
	}
	return n
}

// ResultBundle aggregates a job's action results. Bundles accumulate while a
// job is still running; Final is set on terminal transition.
type ResultBundle struct {
	JobID      string         `json:"job_id"`
	Visibility Visibility     `json:"visibility"`
	Status     JobStatus      `json:"status"`
	Final      bool           `json:"final"`
	Results    []ActionResult `json:"results"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
