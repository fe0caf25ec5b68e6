package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/internal/metrics"
	"github.com/devicelab/conductor/pkg/types"
)

// StreamEvents handles GET /api/v1/jobs/{id}/events. It streams the job's
// event feed over Server-Sent Events; Last-Event-ID resumes from where a
// dropped client left off.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	meta, err := h.store.GetJobMeta(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			h.respondError(w, r, http.StatusNotFound, "job not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get job", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}
	flusher.Flush()

	h.logger.Info("SSE connection opened",
		slog.String("job_id", jobID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		JobID:     jobID,
		Type:      "hello",
		Timestamp: time.Now().UTC(),
	})

	// Replay history: everything after Last-Event-ID, or the whole feed
	// for a fresh client.
	lastEventID := r.Header.Get("Last-Event-ID")
	history, err := h.store.EventsSince(ctx, jobID, lastEventID)
	if err != nil {
		h.logger.Error("load event history", "error", err, "job_id", jobID)
	}
	for _, evt := range history {
		h.writeSSE(w, flusher, evt)
	}

	// A job already terminal has nothing more to stream.
	if meta.Status.Terminal() {
		h.sendStreamEnd(ctx, w, flusher, jobID)
		return
	}

	eventCh, cleanup, err := h.store.Subscribe(ctx, jobID)
	if err != nil {
		h.logger.Error("subscribe to events", "error", err, "job_id", jobID)
		return
	}
	defer cleanup()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
			h.logger.Info("SSE connection closed",
				slog.String("job_id", jobID),
				slog.String("request_id", requestID),
				slog.String("reason", "client_disconnect"),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(ctx, w, flusher, jobID)
				metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
				h.logger.Info("SSE connection closed",
					slog.String("job_id", jobID),
					slog.String("request_id", requestID),
					slog.String("reason", "job_finished"),
				)
				return
			}
			h.writeSSE(w, flusher, evt)
			if h.isTerminalEvent(evt) {
				h.sendStreamEnd(ctx, w, flusher, jobID)
				metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// isTerminalEvent reports whether evt is a job status transition into a
// terminal state.
func (h *Handlers) isTerminalEvent(evt *types.Event) bool {
	if evt.Type != types.EventTypeJobStatus {
		return false
	}
	var payload types.JobStatusEvent
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return false
	}
	return payload.Status.Terminal()
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends a final event carrying the job's terminal status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, jobID string) {
	meta, err := h.store.GetJobMeta(ctx, jobID)
	if err != nil {
		h.logger.Error("load job meta for stream end", "error", err, "job_id", jobID)
		return
	}
	data := map[string]any{"status": meta.Status}
	if meta.Error != "" {
		data["error"] = meta.Error
	}
	raw, _ := json.Marshal(data)
	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		JobID:     jobID,
		Type:      "stream_end",
		Timestamp: time.Now().UTC(),
		Data:      raw,
	})
}
