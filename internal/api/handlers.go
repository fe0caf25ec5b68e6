package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/devicelab/conductor/internal/allocator"
	"github.com/devicelab/conductor/internal/auth"
	"github.com/devicelab/conductor/internal/config"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/internal/parser"
	"github.com/devicelab/conductor/internal/results"
	"github.com/devicelab/conductor/internal/scheduler"
	"github.com/devicelab/conductor/pkg/types"
)

// maxSubmissionBytes bounds a job submission body.
const maxSubmissionBytes = 1 << 20

// JobControl is the scheduler surface the API needs. *scheduler.Scheduler
// satisfies it.
type JobControl interface {
	Submit(ctx context.Context, jobs []*types.JobDefinition) ([]string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     jobstore.JobStore
	control   JobControl
	parser    *parser.Parser
	collector *results.Collector
	pool      *allocator.Pool
	hub       http.Handler
	auth      *auth.Authenticator
	limiter   *rate.Limiter
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance. hub may be nil when every
// device is driven in-process; auth may be nil when OIDC is disabled.
func NewHandlers(store jobstore.JobStore, control JobControl, p *parser.Parser, collector *results.Collector, pool *allocator.Pool, hub http.Handler, authn *auth.Authenticator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	return &Handlers{
		store:     store,
		control:   control,
		parser:    p,
		collector: collector,
		pool:      pool,
		hub:       hub,
		auth:      authn,
		limiter:   limiter,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "job store unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"store":  info,
	})
}

// --- Job Management ---

// SubmitJobResponse is the response body after submitting a job.
type SubmitJobResponse struct {
	JobIDs  []string `json:"job_ids"`
	GroupID string   `json:"group_id,omitempty"`
	Status  string   `json:"status"`
}

// SubmitJob handles POST /api/v1/jobs. The body is a YAML job submission;
// a MultiNode submission yields one job per group member.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return
	}
	jobs, err := h.parser.Parse(body)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid job submission", err)
		return
	}
	ids, err := h.control.Submit(ctx, jobs)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to queue job", err)
		return
	}
	resp := SubmitJobResponse{JobIDs: ids, Status: string(types.JobStatusQueued)}
	if len(jobs) > 0 {
		resp.GroupID = jobs[0].GroupID
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

// ListJobs handles GET /api/v1/jobs, optionally filtered by ?status=.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		metas []*types.JobMeta
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		metas, err = h.store.ListByStatus(ctx, types.JobStatus(status))
	} else {
		metas, err = h.store.ListJobs(ctx)
	}
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list jobs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"jobs": metas, "count": len(metas)})
}

// GetJob handles GET /api/v1/jobs/{id}. With ?full=true the validated
// definition is included.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := mux.Vars(r)["id"]

	meta, err := h.store.GetJobMeta(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			h.respondError(w, r, http.StatusNotFound, "job not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get job", err)
		return
	}
	if r.URL.Query().Get("full") == "true" {
		def, err := h.store.GetJob(ctx, jobID)
		if err != nil {
			h.respondError(w, r, http.StatusInternalServerError, "failed to load definition", err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]any{"meta": meta, "definition": def})
		return
	}
	h.respondJSON(w, http.StatusOK, meta)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	err := h.control.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
	case errors.Is(err, jobstore.ErrJobNotFound):
		h.respondError(w, r, http.StatusNotFound, "job not found", err)
	case errors.Is(err, scheduler.ErrJobNotCancelable):
		h.respondError(w, r, http.StatusConflict, "job already finished", err)
	default:
		h.respondError(w, r, http.StatusInternalServerError, "failed to cancel job", err)
	}
}

// GetResults handles GET /api/v1/jobs/{id}/results?format=json|yaml|csv.
// Partial bundles are served while the job is still running.
func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := mux.Vars(r)["id"]

	format, err := results.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "bad format", err)
		return
	}
	bundle, err := h.collector.Bundle(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			h.respondError(w, r, http.StatusNotFound, "job not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to collect results", err)
		return
	}

	switch format {
	case results.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case results.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	if err := h.collector.Export(w, bundle, format); err != nil {
		h.logger.Error("export results", "error", err, "job_id", jobID)
	}
}

// --- Device Pool ---

// ListDevices handles GET /api/v1/devices.
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.pool.List()
	h.respondJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// GetDevice handles GET /api/v1/devices/{id}.
func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.pool.Get(mux.Vars(r)["id"])
	if !ok {
		h.respondError(w, r, http.StatusNotFound, "device not found", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, device)
}

// RegisterDevice handles POST /api/v1/devices for locally attached
// devices; worker-fronted devices register over the worker socket instead.
func (h *Handlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var device types.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid device", err)
		return
	}
	if device.ID == "" || device.DeviceType == "" {
		h.respondError(w, r, http.StatusBadRequest, "device id and device_type are required", nil)
		return
	}
	if device.Health == "" {
		device.Health = types.HealthGood
	}
	h.pool.Add(&device)
	h.logger.Info("device registered",
		slog.String("device", device.ID), slog.String("device_type", device.DeviceType))
	h.respondJSON(w, http.StatusCreated, device)
}

// SetDeviceHealthRequest is the body for POST /devices/{id}/health.
type SetDeviceHealthRequest struct {
	Health types.HealthState `json:"health"`
}

// SetDeviceHealth handles POST /api/v1/devices/{id}/health.
func (h *Handlers) SetDeviceHealth(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	var req SetDeviceHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	switch req.Health {
	case types.HealthGood, types.HealthMaintenance, types.HealthRetired:
	default:
		h.respondError(w, r, http.StatusBadRequest, "unknown health state", nil)
		return
	}
	if err := h.pool.SetHealth(deviceID, req.Health); err != nil {
		h.respondError(w, r, http.StatusNotFound, "device not found", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "health": string(req.Health)})
}

// --- Diagnostics ---

// StoreInfo handles GET /api/v1/store/info.
func (h *Handlers) StoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "job store unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}
