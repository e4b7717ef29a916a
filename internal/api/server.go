// Package api provides the HTTP API for the go-pvs service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/config"
	"github.com/sunwatch/go-pvs/internal/coordinator"
	"github.com/sunwatch/go-pvs/internal/domain"
)

// Provider is the read-only coordinator surface the API serves from.
type Provider interface {
	Snapshot() (*domain.Snapshot, bool)
	LastResult() domain.PollResult
	Diagnostics() coordinator.Report
	Events() []domain.Event
}

// Server represents the HTTP API server exposing snapshots and diagnostics.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	provider  Provider
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, provider Provider) *Server {
	router := mux.NewRouter()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		provider:  provider,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes()
	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{serial}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

// handleStatus returns service status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	last := s.provider.LastResult()

	status := map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"poll_status": last.Status.String(),
	}
	if last.Reason != "" {
		status["poll_reason"] = last.Reason
	}
	if snap, ok := s.provider.Snapshot(); ok {
		status["device_count"] = len(snap.Devices)
		status["fetched_at"] = snap.FetchedAt
		status["source"] = snap.Source.String()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleSnapshot returns the full current snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.provider.Snapshot()
	if !ok {
		s.writeError(w, "no snapshot available", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"fetched_at": snap.FetchedAt,
		"source":     snap.Source.String(),
		"protocol":   snap.Protocol.String(),
		"devices":    snap.Devices,
	}, http.StatusOK)
}

// handleListDevices returns a summary of all devices in the snapshot.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.provider.Snapshot()
	if !ok {
		s.writeError(w, "no snapshot available", http.StatusServiceUnavailable)
		return
	}

	result := make([]map[string]interface{}, 0, len(snap.Devices))
	for i := range snap.Devices {
		dev := &snap.Devices[i]
		result = append(result, map[string]interface{}{
			"serial":      dev.Serial,
			"device_type": dev.Type,
			"state":       dev.State,
			"model":       dev.Model,
			"measured_at": dev.MeasuredAt,
		})
	}

	s.writeJSON(w, map[string]interface{}{
		"devices": result,
		"count":   len(result),
	}, http.StatusOK)
}

// handleGetDevice returns one device record by serial.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	serial := vars["serial"]

	snap, ok := s.provider.Snapshot()
	if !ok {
		s.writeError(w, "no snapshot available", http.StatusServiceUnavailable)
		return
	}

	dev, found := snap.Device(serial)
	if !found {
		s.writeError(w, fmt.Sprintf("device %s not found", serial), http.StatusNotFound)
		return
	}

	s.writeJSON(w, dev, http.StatusOK)
}

// handleDiagnostics returns poll health and session diagnostics.
func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.provider.Diagnostics(), http.StatusOK)
}

// handleEvents returns the recent event backlog.
func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	events := s.provider.Events()
	s.writeJSON(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	}, http.StatusOK)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, map[string]string{"error": message}, statusCode)
}
