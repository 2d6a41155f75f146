// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package api exposes the metering pipeline over HTTP: usage submission,
// delta intake, document retrieval and rated reports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/meterd/meterd"
	"github.com/meterd/meterd/internal/accumulator"
	"github.com/meterd/meterd/internal/aggregator"
	"github.com/meterd/meterd/internal/rating"
)

type Server struct {
	options    *serverOptions
	mux        *http.ServeMux
	httpServer *http.Server
}

type serverOptions struct {
	Logger          *slog.Logger
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	Addr            string
	Accumulator     *accumulator.Engine
	Aggregator      *aggregator.Engine
	Rating          *rating.Stage
	AccumulatorRepo meterd.AccumulatorRepository
	AggregatorRepo  meterd.AggregatorRepository
}

type ServerOption interface {
	apply(*serverOptions)
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) apply(opts *serverOptions) {
	f(opts)
}

func WithServerLogger(logger *slog.Logger) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.Logger = logger
	})
}

func WithServerAddr(addr string) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.Addr = addr
	})
}

func WithServerReadTimeout(timeout time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.ReadTimeout = timeout
	})
}

func WithServerWriteTimeout(timeout time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.WriteTimeout = timeout
	})
}

func WithServerIdleTimeout(timeout time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.IdleTimeout = timeout
	})
}

func WithServerAccumulator(engine *accumulator.Engine) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.Accumulator = engine
	})
}

func WithServerAggregator(engine *aggregator.Engine) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.Aggregator = engine
	})
}

func WithServerRating(stage *rating.Stage) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.Rating = stage
	})
}

func WithServerAccumulatorRepository(repo meterd.AccumulatorRepository) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.AccumulatorRepo = repo
	})
}

func WithServerAggregatorRepository(repo meterd.AggregatorRepository) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.AggregatorRepo = repo
	})
}

func NewServer(options ...ServerOption) (*Server, error) {
	opts := &serverOptions{
		Logger:       slog.Default(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Addr:         ":8080",
	}

	for _, option := range options {
		option.apply(opts)
	}

	mux := http.NewServeMux()

	server := &Server{
		options: opts,
		mux:     mux,
	}

	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      mux,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}

	return server, nil
}

func (s *Server) setupRoutes() {
	// Health endpoint - no authentication required
	s.mux.HandleFunc("GET /health", s.handleHealth)

	if s.options.Accumulator != nil {
		s.mux.HandleFunc("POST /v1/metering/usage", s.handleSubmitUsage)
	}
	if s.options.AccumulatorRepo != nil {
		s.mux.HandleFunc("GET /v1/metering/usage/docs/{id}", s.handleGetAccumulatedDoc)
	}

	if s.options.Aggregator != nil {
		s.mux.HandleFunc("POST /v1/aggregation/usage", s.handleSubmitDelta)
		// Partitioned intake. The partition segment is a routing hint for
		// load balancers; every instance accepts every partition.
		s.mux.HandleFunc("POST /v1/aggregation/{partition}/usage", s.handleSubmitDelta)
	}
	if s.options.AggregatorRepo != nil {
		s.mux.HandleFunc("GET /v1/aggregation/usage/docs/{id}", s.handleGetAggregatedDoc)
	}

	// Rating is computed on read; the POST intake only acknowledges
	// snapshot hand-offs from aggregation.
	s.mux.HandleFunc("POST /v1/rating/usage", s.handleRatingIntake)
	if s.options.Rating != nil && s.options.AggregatorRepo != nil {
		s.mux.HandleFunc("GET /v1/rating/organizations/{org}/report", s.handleGetRatedReport)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"ok"}`); err != nil {
		s.options.Logger.Error("Failed to write health response", "error", err)
	}
}

// handleSubmitUsage accepts one usage event. Submission is idempotent: a
// replayed event answers with the original doc's location.
func (s *Server) handleSubmitUsage(w http.ResponseWriter, r *http.Request) {
	var event meterd.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := s.options.Accumulator.Accumulate(r.Context(), &event)
	if err != nil {
		s.writeProcessingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/metering/usage/docs/"+result.DocID)
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]any{
		"doc_id":    result.DocID,
		"duplicate": result.Duplicate,
	})
}

func (s *Server) handleGetAccumulatedDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := s.options.AccumulatorRepo.GetDocByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeProcessingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	s.writeJSON(w, doc)
}

// handleSubmitDelta accepts one accumulated delta for aggregation.
func (s *Server) handleSubmitDelta(w http.ResponseWriter, r *http.Request) {
	var delta meterd.AccumulatedDelta
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := s.options.Aggregator.Aggregate(r.Context(), &delta)
	if err != nil {
		s.writeProcessingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.DocID != "" {
		w.Header().Set("Location", "/v1/aggregation/usage/docs/"+result.DocID)
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]any{
		"doc_id":    result.DocID,
		"duplicate": result.Duplicate,
	})
}

func (s *Server) handleGetAggregatedDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := s.options.AggregatorRepo.GetOrgByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeProcessingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	s.writeJSON(w, doc)
}

// handleRatingIntake acknowledges an aggregated snapshot hand-off. Rated
// documents are computed on read, so there is nothing to store here.
func (s *Server) handleRatingIntake(w http.ResponseWriter, r *http.Request) {
	var doc meterd.AggregatedUsageDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetRatedReport rates the organization's snapshot for the month
// containing the time query parameter (default now).
func (s *Server) handleGetRatedReport(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")

	at := time.Now().UTC()
	if raw := r.URL.Query().Get("time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid time parameter: %v", err))
			return
		}
		at = parsed
	}

	doc, err := s.options.AggregatorRepo.GetOrg(r.Context(), orgID, meterd.Bucket(at))
	if err != nil {
		s.writeProcessingError(w, err)
		return
	}

	rated, err := s.options.Rating.Rate(r.Context(), doc)
	if err != nil {
		s.writeProcessingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	s.writeJSON(w, rated)
}

// writeProcessingError maps pipeline errors onto HTTP statuses. Lock
// timeouts and exhausted write retries are retryable; everything else is a
// caller problem.
func (s *Server) writeProcessingError(w http.ResponseWriter, err error) {
	var verr *meterd.ValidationError

	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, meterd.ErrStaleUsage):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, meterd.ErrPlanNotFound):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, meterd.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, meterd.ErrLockTimeout), errors.Is(err, meterd.ErrRevisionConflict):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.options.Logger.Error("Request processing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	s.writeJSON(w, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.options.Logger.Error("Failed to write response", "error", err)
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.options.Logger.Info("Starting metering API server", "addr", s.options.Addr)

	listener, err := net.Listen("tcp", s.options.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.options.Addr, err)
	}

	serverErrors := make(chan error, 1)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return s.Shutdown(ctx)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.options.Logger.Info("Shutting down metering API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.options.Logger.Error("Failed to gracefully shutdown server", "error", err)
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.options.Logger.Info("Metering API server stopped")
	return nil
}

func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}
