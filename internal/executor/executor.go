// Package executor drives a job's action pipeline against its reserved
// device: each action runs under its own deadline inside the job's hard
// ceiling, failures short-circuit the remaining pipeline, and always-run
// finalize actions execute on every terminal path so hardware is never left
// held.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devicelab/conductor/internal/images"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/internal/metrics"
	"github.com/devicelab/conductor/internal/multinode"
	"github.com/devicelab/conductor/pkg/types"
)

// Config holds executor tuning. The retry bounds are deliberately
// configuration, not constants.
type Config struct {
	// LoginRetries bounds auto-login attempts during boot.
	LoginRetries int

	// LoginRetryTimeout is the per-attempt deadline for one login try.
	LoginRetryTimeout time.Duration

	// ConnectionRetries bounds reconnection attempts after a console
	// drop during boot or test execution.
	ConnectionRetries int

	// FinalizeGrace is the budget granted to always-run actions once the
	// job deadline has already expired.
	FinalizeGrace time.Duration

	// BarrierTimeout is the default MultiNode barrier timeout when an
	// action does not declare its own.
	BarrierTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LoginRetries:      3,
		LoginRetryTimeout: 2 * time.Minute,
		ConnectionRetries: 2,
		FinalizeGrace:     2 * time.Minute,
		BarrierTimeout:    5 * time.Minute,
	}
}

// Executor runs one job at a time against one reserved device. The
// scheduler creates one executor invocation per running job; nothing here
// touches global scheduler state.
type Executor struct {
	store   jobstore.JobStore
	images  images.Store
	coord   *multinode.Coordinator
	connect ConnectFunc
	runner  CommandRunner
	cfg     *Config
	logger  *slog.Logger
}

// New creates an executor.
func New(store jobstore.JobStore, imgStore images.Store, coord *multinode.Coordinator, cfg *Config, logger *slog.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   store,
		images:  imgStore,
		coord:   coord,
		connect: DialCommand,
		runner:  ShellRunner{},
		cfg:     cfg,
		logger:  logger,
	}
}

// SetConnectFunc overrides how consoles are opened. Used by tests and by
// workers that front consoles themselves.
func (e *Executor) SetConnectFunc(fn ConnectFunc) { e.connect = fn }

// SetCommandRunner overrides how device management commands run.
func (e *Executor) SetCommandRunner(r CommandRunner) { e.runner = r }

// runEnv is the mutable state threaded through one job execution.
type runEnv struct {
	job    *types.JobDefinition
	device *types.Device
	jctx   *JobContext
	conn   Connection
	group  *multinode.Group

	// halted is set once a failure, timeout or cancellation
	// short-circuits the remaining non-always-run pipeline.
	halted      bool
	jobTimedOut bool
	canceled    bool
}

// Run executes the job's pipeline to a terminal status. Cancelling ctx is
// the external cancel request: the current action transitions to canceled,
// always-run actions still execute, and the terminal status is reported.
// Run never returns before every started action has produced its result.
func (e *Executor) Run(ctx context.Context, job *types.JobDefinition, device *types.Device) types.JobStatus {
	log := e.logger.With(slog.String("job_id", job.ID), slog.String("device", device.ID))
	log.Info("pipeline starting", slog.Int("actions", len(job.Actions)))
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()
	start := time.Now()

	seed := map[string]string{
		"device":      device.ID,
		"device_type": device.DeviceType,
	}
	for k, v := range job.Metadata {
		seed[k] = v
	}
	env := &runEnv{
		job:    job,
		device: device,
		jctx:   NewJobContext(seed),
	}
	if job.IsMultiNode() && e.coord != nil {
		if g, ok := e.coord.Group(job.GroupID); ok {
			env.group = g
		}
	}

	e.setJobStatus(ctx, job.ID, types.JobStatusRunning, "")

	// The job timeout is a hard ceiling independent of per-action
	// timeouts.
	jobCtx, cancelJob := context.WithTimeout(ctx, job.Timeout)
	defer cancelJob()

	for i := range job.Actions {
		action := &job.Actions[i]
		if env.halted && !action.AlwaysRun {
			e.recordSkipped(ctx, env, action)
			continue
		}

		runCtx := jobCtx
		var cancelGrace context.CancelFunc
		if action.AlwaysRun && jobCtx.Err() != nil {
			// The deadline (or a cancel) already fired; cleanup
			// still runs under its own grace budget so the device
			// is actually released.
			runCtx, cancelGrace = context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FinalizeGrace)
		}
		err := e.runAction(runCtx, env, action)
		if cancelGrace != nil {
			cancelGrace()
		}
		if err != nil && !action.AlwaysRun {
			env.halted = true
		}
	}

	if env.conn != nil {
		env.conn.Close()
		env.conn = nil
	}

	final := e.finalStatus(env)
	e.setJobStatus(ctx, job.ID, final, "")
	metrics.JobsTotal.WithLabelValues(string(final)).Inc()
	metrics.JobDuration.WithLabelValues(string(final)).Observe(time.Since(start).Seconds())
	log.Info("pipeline finished", slog.String("status", string(final)), slog.Duration("elapsed", time.Since(start)))
	return final
}

func (e *Executor) finalStatus(env *runEnv) types.JobStatus {
	switch {
	case env.canceled:
		return types.JobStatusCanceled
	case env.jobTimedOut:
		return types.JobStatusIncomplete
	case env.halted:
		return types.JobStatusFailed
	}
	// Pass iff every non-skipped test action passed.
	results, err := e.store.GetResults(context.Background(), env.job.ID)
	if err == nil {
		for _, r := range results {
			if r.Kind == types.ActionKindTest && r.Status == types.ResultFail {
				return types.JobStatusFailed
			}
		}
	}
	return types.JobStatusComplete
}

// runAction executes one top-level action: barrier rendezvous, message
// receives, the expanded step sequence, then publishes. It always records
// exactly one terminal ActionResult.
func (e *Executor) runAction(ctx context.Context, env *runEnv, action *types.Action) error {
	actionCtx, cancel := context.WithTimeout(ctx, action.Timeout)
	defer cancel()

	start := time.Now()
	e.emitActionStatus(ctx, env.job.ID, action.Name, types.ActionStatusRunning, "")

	var cases []types.TestCase
	err := e.syncBefore(actionCtx, env, action)
	if err == nil {
		cases, err = e.runSteps(actionCtx, env, action)
	}
	if err == nil {
		err = e.syncAfter(actionCtx, env, action)
	}

	result := &types.ActionResult{
		JobID:     env.job.ID,
		Action:    action.Name,
		Kind:      action.Kind,
		Duration:  time.Since(start),
		TestCases: cases,
		Timestamp: time.Now().UTC(),
	}

	status := types.ActionStatusCompleted
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind, status = e.classify(ctx, actionCtx, env, err)
		result.Status = types.ResultFail
		if result.ErrorKind == types.ErrorKindCanceled {
			result.Status = types.ResultIncomplete
		}
	} else if action.Kind == types.ActionKindTest && failedCases(cases) > 0 {
		// The pipeline carried the action to completion, but the
		// payload reported failures.
		result.Status = types.ResultFail
		result.ErrorKind = types.ErrorKindTest
	} else {
		result.Status = types.ResultPass
	}

	e.appendResult(ctx, env.job.ID, result)
	e.emitActionStatus(ctx, env.job.ID, action.Name, status, result.Error)
	metrics.ActionsTotal.WithLabelValues(string(action.Kind), string(result.Status)).Inc()
	metrics.ActionDuration.WithLabelValues(string(action.Kind)).Observe(result.Duration.Seconds())
	return err
}

// classify maps an execution error onto the result taxonomy and the
// matching action status.
func (e *Executor) classify(parent, actionCtx context.Context, env *runEnv, err error) (types.ErrorKind, types.ActionStatus) {
	switch {
	case errors.Is(err, multinode.ErrSyncTimeout):
		return types.ErrorKindSync, types.ActionStatusFailed
	case errors.Is(err, context.Canceled) || env.externalCancel(parent):
		env.canceled = true
		env.halted = true
		return types.ErrorKindCanceled, types.ActionStatusCanceled
	case errors.Is(err, context.DeadlineExceeded) || actionCtx.Err() == context.DeadlineExceeded:
		// Both deadlines fire through the same context chain; the
		// parent tells a per-action timeout apart from the job
		// ceiling.
		if parent.Err() == context.DeadlineExceeded {
			env.jobTimedOut = true
			env.halted = true
		}
		return types.ErrorKindTimeout, types.ActionStatusFailed
	case errors.Is(err, ErrConnectionLost):
		return types.ErrorKindConnection, types.ActionStatusFailed
	default:
		return types.ErrorKindInfrastructure, types.ActionStatusFailed
	}
}

// externalCancel reports whether the run context was canceled from outside
// rather than by a deadline.
func (env *runEnv) externalCancel(ctx context.Context) bool {
	return ctx.Err() == context.Canceled
}

// runSteps executes the action's expanded children in declaration order.
func (e *Executor) runSteps(ctx context.Context, env *runEnv, action *types.Action) ([]types.TestCase, error) {
	var cases []types.TestCase
	for i := range action.Children {
		child := &action.Children[i]
		stepCtx, cancel := context.WithTimeout(ctx, child.Timeout)
		stepCases, err := e.runStep(stepCtx, env, child, action)
		cancel()
		cases = append(cases, stepCases...)
		if err != nil {
			return cases, fmt.Errorf("step %s: %w", child.Name, err)
		}
	}
	return cases, nil
}

func (e *Executor) recordSkipped(ctx context.Context, env *runEnv, action *types.Action) {
	result := &types.ActionResult{
		JobID:     env.job.ID,
		Action:    action.Name,
		Kind:      action.Kind,
		Status:    types.ResultSkip,
		Timestamp: time.Now().UTC(),
	}
	e.appendResult(ctx, env.job.ID, result)
	e.emitActionStatus(ctx, env.job.ID, action.Name, types.ActionStatusSkipped, "")
}

// syncBefore handles MultiNode rendezvous declared on the action: a barrier
// wait and/or a blocking message receive.
func (e *Executor) syncBefore(ctx context.Context, env *runEnv, action *types.Action) error {
	barrier := action.Parameters["barrier"]
	waitKey := action.Parameters["wait_key"]
	if barrier == "" && waitKey == "" {
		return nil
	}
	if env.group == nil {
		return fmt.Errorf("action %s declares synchronization but job is not MultiNode", action.Name)
	}
	timeout := e.syncTimeout(action)

	if barrier != "" {
		e.emitEvent(ctx, env.job.ID, types.EventTypeBarrier, action.Name, map[string]any{
			"barrier": barrier, "role": env.job.Role,
		})
		if err := env.group.Wait(ctx, barrier, timeout); err != nil {
			return err
		}
	}
	if waitKey != "" {
		val, err := env.group.Receive(ctx, waitKey, timeout)
		if err != nil {
			return err
		}
		if err := env.jctx.Set(waitKey, val); err != nil {
			return err
		}
	}
	return nil
}

// syncAfter publishes a declared key/value to the rest of the group once
// the action's own work succeeded.
func (e *Executor) syncAfter(ctx context.Context, env *runEnv, action *types.Action) error {
	key := action.Parameters["send_key"]
	if key == "" {
		return nil
	}
	if env.group == nil {
		return fmt.Errorf("action %s declares send_key but job is not MultiNode", action.Name)
	}
	val := action.Parameters["send_value"]
	if val == "" {
		val, _ = env.jctx.Get(key)
	}
	resolved, err := env.jctx.Resolve(val)
	if err != nil {
		return err
	}
	semantics := multinode.ReadMany
	if action.Parameters["send_once"] == "true" {
		semantics = multinode.ReadOnce
	}
	return env.group.Publish(env.job.Role, key, resolved, semantics)
}

func (e *Executor) syncTimeout(action *types.Action) time.Duration {
	if raw := action.Parameters["sync_timeout"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	if e.cfg.BarrierTimeout > 0 {
		return e.cfg.BarrierTimeout
	}
	return action.Timeout
}

// Event and store plumbing. Store errors are logged, never fatal: a result
// that fails to persist must not take down the pipeline mid-action. Writes
// are detached from the job context: the terminal status and the canceled
// action's result must land even when the cancel or deadline that produced
// them has already killed ctx.

func (e *Executor) setJobStatus(ctx context.Context, jobID string, status types.JobStatus, errMsg string) {
	if err := e.store.UpdateJobStatus(context.WithoutCancel(ctx), jobID, status, errMsg); err != nil {
		e.logger.Error("update job status", "error", err, "job_id", jobID)
	}
	e.emitEvent(ctx, jobID, types.EventTypeJobStatus, "", types.JobStatusEvent{Status: status, Error: errMsg})
}

func (e *Executor) appendResult(ctx context.Context, jobID string, result *types.ActionResult) {
	if err := e.store.AppendResult(context.WithoutCancel(ctx), jobID, result); err != nil {
		e.logger.Error("append result", "error", err, "job_id", jobID)
	}
	e.emitEvent(ctx, jobID, types.EventTypeActionResult, result.Action, result)
}

func (e *Executor) emitActionStatus(ctx context.Context, jobID, action string, status types.ActionStatus, errMsg string) {
	e.emitEvent(ctx, jobID, types.EventTypeActionStatus, action, types.ActionStatusEvent{
		Action: action, Status: status, Error: errMsg,
	})
}

func (e *Executor) emitEvent(ctx context.Context, jobID string, evType types.EventType, action string, data any) {
	// Events must flow even while the job context is expired.
	if _, err := e.store.AppendEvent(context.WithoutCancel(ctx), jobID, &types.EventInput{
		Type:   evType,
		Action: action,
		Data:   data,
	}); err != nil {
		e.logger.Error("emit event", "error", err, "job_id", jobID)
	}
}

func failedCases(cases []types.TestCase) int {
	n := 0
	for _, tc := range cases {
		if tc.Result == "fail" {
			n++
		}
	}
	return n
}
