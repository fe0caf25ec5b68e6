package dispatch

import (
	"encoding/json"

	"github.com/devicelab/conductor/pkg/types"
)

// MessageType discriminates worker protocol envelopes.
type MessageType string

const (
	// MsgRegister is the first message a worker sends after connecting:
	// its identity, the devices it fronts, and any jobs it is still
	// running from a previous orchestrator process.
	MsgRegister MessageType = "register"

	// MsgDispatch carries a job and its reserved device to a worker.
	MsgDispatch MessageType = "dispatch"

	// MsgCancel asks a worker to cancel a running job.
	MsgCancel MessageType = "cancel"

	// MsgStatus reports a job's terminal status back to the hub.
	MsgStatus MessageType = "status"

	// MsgResult forwards one ActionResult as it is produced.
	MsgResult MessageType = "result"

	// MsgEvent forwards one job event as it is produced.
	MsgEvent MessageType = "event"
)

// Envelope is the wire frame for every worker protocol message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	JobID   string          `json:"job_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEnvelope(t MessageType, jobID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, JobID: jobID, Payload: raw}, nil
}

// RegisterPayload announces a worker and its devices.
type RegisterPayload struct {
	WorkerID string         `json:"worker_id"`
	Devices  []types.Device `json:"devices"`
	// Running lists job IDs the worker is still executing, so the hub
	// can re-attach instead of re-dispatching.
	Running []string `json:"running,omitempty"`
}

// DispatchPayload carries everything a worker needs to run a job.
type DispatchPayload struct {
	Job    *types.JobDefinition `json:"job"`
	Device *types.Device        `json:"device"`
}

// StatusPayload reports a terminal job status.
type StatusPayload struct {
	Status types.JobStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}
