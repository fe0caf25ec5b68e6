package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devicelab/conductor/internal/allocator"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Workers authenticate at the HTTP layer; origin checks do not apply
	// to machine clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the orchestrator side of the worker protocol. Workers connect
// over WebSocket, register their devices into the pool, and receive
// dispatches for jobs whose reserved device they front. Results and events
// stream back into the job store as they are produced.
type Hub struct {
	store  jobstore.JobStore
	pool   *allocator.Pool
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerConn
	// waiters maps a dispatched job to the channel its Dispatch call
	// blocks on.
	waiters map[string]chan StatusPayload
	// running maps jobs a worker reported still executing, for
	// re-attach after an orchestrator restart.
	running map[string]string
}

type workerConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewHub creates a worker hub registering devices into pool and persisting
// forwarded results into store.
func NewHub(store jobstore.JobStore, pool *allocator.Pool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:   store,
		pool:    pool,
		logger:  logger,
		workers: make(map[string]*workerConn),
		waiters: make(map[string]chan StatusPayload),
		running: make(map[string]string),
	}
}

// ServeHTTP upgrades a worker connection and serves it until it drops.
// Mount it on the worker endpoint of the API router.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("worker upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != MsgRegister {
		h.logger.Error("worker did not register", "error", err)
		conn.Close()
		return
	}
	var reg RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.WorkerID == "" {
		h.logger.Error("bad register payload", "error", err)
		conn.Close()
		return
	}

	wc := &workerConn{id: reg.WorkerID, conn: conn}
	h.register(wc, &reg)
	h.logger.Info("worker connected",
		slog.String("worker_id", reg.WorkerID),
		slog.Int("devices", len(reg.Devices)),
		slog.Int("running", len(reg.Running)))

	stopPing := make(chan struct{})
	go h.pingLoop(wc, stopPing)
	h.readLoop(wc)
	close(stopPing)
	h.unregister(wc)
}

func (h *Hub) register(wc *workerConn, reg *RegisterPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.workers[wc.id]; ok {
		old.conn.Close()
	}
	h.workers[wc.id] = wc
	for _, jobID := range reg.Running {
		h.running[jobID] = wc.id
	}
	for i := range reg.Devices {
		d := reg.Devices[i]
		d.WorkerID = wc.id
		h.pool.Add(&d)
	}
}

func (h *Hub) unregister(wc *workerConn) {
	h.mu.Lock()
	if h.workers[wc.id] == wc {
		delete(h.workers, wc.id)
	}
	// Outstanding dispatches on this worker cannot complete.
	for jobID, ch := range h.waiters {
		if h.running[jobID] == wc.id {
			ch <- StatusPayload{Status: types.JobStatusIncomplete, Error: "worker disconnected"}
			delete(h.waiters, jobID)
			delete(h.running, jobID)
		}
	}
	h.mu.Unlock()
	wc.conn.Close()
	h.logger.Info("worker disconnected", slog.String("worker_id", wc.id))
}

func (h *Hub) pingLoop(wc *workerConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := wc.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (h *Hub) readLoop(wc *workerConn) {
	for {
		var env Envelope
		if err := wc.conn.ReadJSON(&env); err != nil {
			return
		}
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch env.Type {
		case MsgResult:
			var result types.ActionResult
			if err := json.Unmarshal(env.Payload, &result); err == nil {
				if err := h.store.AppendResult(context.Background(), env.JobID, &result); err != nil {
					h.logger.Error("store forwarded result", "error", err, "job_id", env.JobID)
				}
			}
		case MsgEvent:
			var input types.EventInput
			if err := json.Unmarshal(env.Payload, &input); err == nil {
				if _, err := h.store.AppendEvent(context.Background(), env.JobID, &input); err != nil {
					h.logger.Error("store forwarded event", "error", err, "job_id", env.JobID)
				}
			}
		case MsgStatus:
			var status StatusPayload
			if err := json.Unmarshal(env.Payload, &status); err != nil {
				continue
			}
			// The worker's executor only writes its own local store;
			// the orchestrator's record of the terminal transition is
			// made here.
			if status.Status != "" {
				if err := h.store.UpdateJobStatus(context.Background(), env.JobID, status.Status, status.Error); err != nil {
					h.logger.Error("store worker status", "error", err, "job_id", env.JobID)
				}
			}
			h.mu.Lock()
			ch, ok := h.waiters[env.JobID]
			delete(h.waiters, env.JobID)
			delete(h.running, env.JobID)
			h.mu.Unlock()
			if ok {
				ch <- status
			}
		default:
			h.logger.Warn("unexpected worker message",
				slog.String("worker_id", wc.id), slog.String("type", string(env.Type)))
		}
	}
}

func (wc *workerConn) write(messageType int, data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.conn.WriteMessage(messageType, data)
}

func (wc *workerConn) writeEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return wc.write(websocket.TextMessage, data)
}

// Dispatch sends the job to the worker fronting its device and blocks
// until the worker reports a terminal status. Canceling ctx forwards a
// cancel to the worker; the call still waits for the worker's terminal
// report so results are not cut off mid-flight.
func (h *Hub) Dispatch(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error) {
	h.mu.Lock()
	wc, ok := h.workers[device.WorkerID]
	if !ok {
		h.mu.Unlock()
		return "", fmt.Errorf("no worker %q for device %s", device.WorkerID, device.ID)
	}
	ch := make(chan StatusPayload, 1)
	h.waiters[job.ID] = ch
	h.running[job.ID] = wc.id
	h.mu.Unlock()

	env, err := newEnvelope(MsgDispatch, job.ID, &DispatchPayload{Job: job, Device: device})
	if err == nil {
		err = wc.writeEnvelope(env)
	}
	if err != nil {
		h.mu.Lock()
		delete(h.waiters, job.ID)
		delete(h.running, job.ID)
		h.mu.Unlock()
		return "", fmt.Errorf("dispatch to %s: %w", wc.id, err)
	}
	if err := h.store.UpdateJobStatus(context.Background(), job.ID, types.JobStatusRunning, ""); err != nil {
		h.logger.Error("mark running", "error", err, "job_id", job.ID)
	}
	return h.await(ctx, job.ID, wc)
}

// Reattach adopts a job a reconnected worker reported still running.
func (h *Hub) Reattach(ctx context.Context, job *types.JobDefinition, device *types.Device) (types.JobStatus, error) {
	h.mu.Lock()
	workerID, runningHere := h.running[job.ID]
	wc, connected := h.workers[workerID]
	if !runningHere || !connected {
		h.mu.Unlock()
		return "", fmt.Errorf("job %s is not running on any connected worker", job.ID)
	}
	ch := make(chan StatusPayload, 1)
	h.waiters[job.ID] = ch
	h.mu.Unlock()
	return h.await(ctx, job.ID, wc)
}

// cancelGrace bounds how long a canceled dispatch waits for the worker's
// terminal report before giving up on it.
const cancelGrace = 5 * time.Minute

func (h *Hub) await(ctx context.Context, jobID string, wc *workerConn) (types.JobStatus, error) {
	h.mu.Lock()
	ch := h.waiters[jobID]
	h.mu.Unlock()

	ctxDone := ctx.Done()
	var graceC <-chan time.Time
	for {
		select {
		case status := <-ch:
			if status.Error != "" && status.Status == types.JobStatusIncomplete {
				return status.Status, fmt.Errorf("%s", status.Error)
			}
			return status.Status, nil
		case <-ctxDone:
			// Forward the cancel once, then keep waiting for the
			// worker's terminal report under a grace budget.
			ctxDone = nil
			graceC = time.After(cancelGrace)
			if env, err := newEnvelope(MsgCancel, jobID, nil); err == nil {
				if werr := wc.writeEnvelope(env); werr != nil {
					return types.JobStatusIncomplete, fmt.Errorf("cancel after disconnect: %w", werr)
				}
			}
		case <-graceC:
			h.mu.Lock()
			delete(h.waiters, jobID)
			delete(h.running, jobID)
			h.mu.Unlock()
			return types.JobStatusIncomplete, fmt.Errorf("worker %s never reported after cancel", wc.id)
		}
	}
}
