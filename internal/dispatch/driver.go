// Package dispatch carries scheduled jobs to whatever runs them: in-process
// execution for single-host deployments, or remote workers over WebSocket
// when devices hang off separate dispatcher hosts.
package dispatch

import (
	"context"
	"fmt"

	"github.com/devicelab/conductor/internal/executor"
	"github.com/devicelab/conductor/pkg/types"
)

// Driver runs one scheduled job on its reserved device and reports the
// terminal status. Dispatch blocks until the job finishes or ctx is
// canceled; cancellation propagates to the running pipeline.
type Driver interface {
	Dispatch(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error)
}

// Reattacher is implemented by drivers that can re-adopt jobs left in a
// running state by a previous process, instead of failing them.
type Reattacher interface {
	Reattach(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error)
}

// LocalDriver executes pipelines in-process. It is the default for
// single-host deployments where the orchestrator can reach every console
// itself.
type LocalDriver struct {
	exec *executor.Executor
}

func NewLocalDriver(exec *executor.Executor) *LocalDriver {
	return &LocalDriver{exec: exec}
}

func (d *LocalDriver) Dispatch(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error) {
	return d.exec.Run(ctx, job, device), nil
}

// SplitDriver routes by device ownership: devices registered by a remote
// worker go through the hub, locally attached devices run in-process.
type SplitDriver struct {
	local  Driver
	remote *Hub
}

func NewSplitDriver(local Driver, remote *Hub) *SplitDriver {
	return &SplitDriver{local: local, remote: remote}
}

func (d *SplitDriver) Dispatch(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error) {
	if device.WorkerID != "" {
		return d.remote.Dispatch(ctx, job, device)
	}
	return d.local.Dispatch(ctx, job, device)
}

// Reattach adopts worker-fronted jobs after a restart. In-process jobs do
// not survive a restart, so local devices cannot re-attach.
func (d *SplitDriver) Reattach(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error) {
	if device.WorkerID != "" {
		return d.remote.Reattach(ctx, job, device)
	}
	return "", fmt.Errorf("job %s ran in-process and cannot be re-attached", job.ID)
}
