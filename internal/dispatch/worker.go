package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/pkg/types"
)

// Runner executes one job's pipeline on one device. *executor.Executor
// satisfies it.
type Runner interface {
	Run(ctx context.Context, job *types.JobDefinition, device *types.Device) types.JobStatus
}

// Worker is the dispatcher-host side of the worker protocol: it connects
// to the orchestrator, registers its devices, runs dispatched pipelines
// locally, and streams results and events back. Local state lives in an
// in-process job store so a pipeline never blocks on the network.
type Worker struct {
	id      string
	url     string
	devices []types.Device
	runner  Runner
	store   jobstore.JobStore
	logger  *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewWorker creates a worker client. store holds the worker's local view
// of its running jobs; results and events written there are mirrored to
// the orchestrator.
func NewWorker(id, url string, devices []types.Device, runner Runner, store jobstore.JobStore, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:      id,
		url:     url,
		devices: devices,
		runner:  runner,
		store:   store,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run connects and serves dispatches until ctx is canceled or the
// connection drops. Callers reconnect by calling Run again; still-running
// jobs are reported in the register message so the hub can re-attach.
func (w *Worker) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial orchestrator: %w", err)
	}
	w.conn = conn
	defer conn.Close()

	conn.SetPingHandler(func(appData string) error {
		return w.write(websocket.PongMessage, []byte(appData))
	})

	env, err := newEnvelope(MsgRegister, "", &RegisterPayload{
		WorkerID: w.id,
		Devices:  w.devices,
		Running:  w.runningJobs(),
	})
	if err != nil {
		return err
	}
	if err := w.writeEnvelope(env); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	w.logger.Info("registered with orchestrator",
		slog.String("worker_id", w.id), slog.Int("devices", len(w.devices)))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("orchestrator connection lost: %w", err)
		}
		switch env.Type {
		case MsgDispatch:
			var payload DispatchPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				w.logger.Error("bad dispatch payload", "error", err)
				continue
			}
			go w.runJob(ctx, payload.Job, payload.Device)
		case MsgCancel:
			w.mu.Lock()
			cancel, ok := w.cancels[env.JobID]
			w.mu.Unlock()
			if ok {
				cancel()
			}
		default:
			w.logger.Warn("unexpected hub message", slog.String("type", string(env.Type)))
		}
	}
}

func (w *Worker) runningJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.cancels))
	for id := range w.cancels {
		ids = append(ids, id)
	}
	return ids
}

// runJob executes one dispatched pipeline and mirrors everything it
// produces back to the hub: events as they stream, results when done, a
// terminal status last.
func (w *Worker) runJob(ctx context.Context, job *types.JobDefinition, device *types.Device) {
	log := w.logger.With(slog.String("job_id", job.ID), slog.String("device", device.ID))
	if err := w.store.CreateJob(ctx, job); err != nil {
		log.Error("track dispatched job", "error", err)
		w.sendStatus(job.ID, types.JobStatusIncomplete, fmt.Sprintf("worker store: %v", err))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[job.ID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.cancels, job.ID)
		w.mu.Unlock()
	}()

	events, unsubscribe, err := w.store.Subscribe(ctx, job.ID)
	if err == nil {
		stop := make(chan struct{})
		defer func() { unsubscribe(); close(stop) }()
		go func() {
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					w.forwardEvent(job.ID, ev)
				case <-stop:
					return
				}
			}
		}()
	}

	status := w.runner.Run(runCtx, job, device)

	results, err := w.store.GetResults(context.Background(), job.ID)
	if err != nil {
		log.Error("collect results", "error", err)
	}
	for i := range results {
		if env, err := newEnvelope(MsgResult, job.ID, &results[i]); err == nil {
			if werr := w.writeEnvelope(env); werr != nil {
				log.Error("forward result", "error", werr)
				break
			}
		}
	}
	w.sendStatus(job.ID, status, "")
	log.Info("job reported", slog.String("status", string(status)))
}

func (w *Worker) forwardEvent(jobID string, ev *types.Event) {
	input := &types.EventInput{Type: ev.Type, Action: ev.Action, Data: ev.Data}
	if env, err := newEnvelope(MsgEvent, jobID, input); err == nil {
		if werr := w.writeEnvelope(env); werr != nil {
			w.logger.Error("forward event", "error", werr, "job_id", jobID)
		}
	}
}

func (w *Worker) sendStatus(jobID string, status types.JobStatus, errMsg string) {
	env, err := newEnvelope(MsgStatus, jobID, &StatusPayload{Status: status, Error: errMsg})
	if err != nil {
		return
	}
	if werr := w.writeEnvelope(env); werr != nil {
		w.logger.Error("report status", "error", werr, "job_id", jobID)
	}
}

func (w *Worker) write(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(messageType, data)
}

func (w *Worker) writeEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, data)
}

var (
	_ Driver     = (*LocalDriver)(nil)
	_ Driver     = (*Hub)(nil)
	_ Reattacher = (*Hub)(nil)
	_ Driver     = (*SplitDriver)(nil)
	_ Reattacher = (*SplitDriver)(nil)
)
