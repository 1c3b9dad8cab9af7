// Package httpapi exposes the engine's operation surface over HTTP. It is
// a thin translation layer: decode, call the engine, map the structured
// error kind to a status code.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/engine"
)

// Server wraps the engine with the HTTP route table.
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	logger     *slog.Logger
}

// NewServer builds the HTTP server on the stdlib mux.
func NewServer(addr string, eng *engine.Engine, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine: eng,
		logger: logger,
	}

	mux.HandleFunc("POST /location", s.handleUpdateLocation)
	mux.HandleFunc("POST /locations/bulk", s.handleBulkLocations)
	mux.HandleFunc("POST /location/queue", s.handleQueueLocation)
	mux.HandleFunc("GET /location/{userId}", s.handleGetLocation)
	mux.HandleFunc("DELETE /location/{userId}", s.handleRemoveLocation)
	mux.HandleFunc("POST /nearby", s.handleNearby)
	mux.HandleFunc("POST /within", s.handleWithin)
	mux.HandleFunc("POST /zones", s.handleCreateZone)
	mux.HandleFunc("GET /zones/{zoneId}", s.handleGetZone)
	mux.HandleFunc("DELETE /zones/{zoneId}", s.handleDeleteZone)
	mux.HandleFunc("POST /distance", s.handleDistance)
	mux.HandleFunc("POST /distance/matrix", s.handleDistanceMatrix)
	mux.HandleFunc("POST /nearest", s.handleNearest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats/{kind}", s.handleStats)

	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context
// deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// errorBody is the structured error shape returned to callers.
type errorBody struct {
	Kind    domain.Kind    `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response body
}

// writeError maps the error taxonomy to the status-code contract.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindValidation, domain.KindZoneValidation, domain.KindZoneOverlap:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindPrimaryUnavailable, domain.KindNoHealthyConnection:
		status = http.StatusServiceUnavailable
	case domain.KindQueryTimeout:
		status = http.StatusGatewayTimeout
	}

	body := errorBody{Kind: kind, Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Message = de.Message
		body.Details = de.Details
	}
	writeJSON(w, status, body)
}

func decode[T any](r *http.Request, v *T) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.WrapError(domain.KindValidation, "malformed request body", err)
	}
	return nil
}
