// Package api provides HTTP handlers and routing for the conductor daemon.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Job management
	api.HandleFunc("/jobs", s.handlers.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", s.handlers.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handlers.CancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/results", s.handlers.GetResults).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Device pool
	api.HandleFunc("/devices", s.handlers.ListDevices).Methods("GET")
	api.HandleFunc("/devices", s.handlers.RegisterDevice).Methods("POST")
	api.HandleFunc("/devices/{id}", s.handlers.GetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}/health", s.handlers.SetDeviceHealth).Methods("POST")

	// Remote workers connect here.
	if s.handlers.hub != nil {
		api.Handle("/workers/connect", s.handlers.hub).Methods("GET")
	}

	// Job store diagnostics
	api.HandleFunc("/store/info", s.handlers.StoreInfo).Methods("GET")

	s.router.Use(s.handlers.TracingMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if s.handlers.auth != nil {
		s.router.Use(s.handlers.auth.Middleware)
	}
	if s.handlers.limiter != nil {
		s.router.Use(s.handlers.RateLimitMiddleware)
	}
}
