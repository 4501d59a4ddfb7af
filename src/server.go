// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"indexbatcher/src/logging"
	"indexbatcher/src/processor"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID        string              `json:"id"`
	StartTime time.Time           `json:"start_time"`
	Uptime    string              `json:"uptime"`
	Runs      int                 `json:"runs"`
	Current   *processor.Snapshot `json:"current,omitempty"`
	LastRun   *processor.Report   `json:"last_run,omitempty"`
}

// FailuresResponse lists the failures of the current or last run.
type FailuresResponse struct {
	RunID       string                 `json:"run_id,omitempty"`
	Failed      []processor.FailedTask `json:"failed"`
	LocalFailed []processor.FailedTask `json:"local_failed"`
}

type runView interface {
	Snapshot() processor.Snapshot
	Failures() []processor.FailedTask
	LocalFailures() []processor.FailedTask
	RunID() string
}

// BatchStats tracks the runs of this process for the status API.
type BatchStats struct {
	mu        sync.RWMutex
	id        string
	startTime time.Time
	runs      int
	current   runView
	last      *processor.Report
}

func NewBatchStats(id string) *BatchStats {
	return &BatchStats{id: id, startTime: time.Now()}
}

// Track makes o the run reported by the API.
func (s *BatchStats) Track(o runView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.current = o
}

// Finish records the report of the tracked run.
func (s *BatchStats) Finish(r *processor.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r
}

func (s *BatchStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := StatusResponse{
		ID:        s.id,
		StartTime: s.startTime,
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
		Runs:      s.runs,
		LastRun:   s.last,
	}
	if s.current != nil {
		snap := s.current.Snapshot()
		resp.Current = &snap
	}
	return resp
}

func (s *BatchStats) GetFailures() FailuresResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := FailuresResponse{Failed: []processor.FailedTask{}, LocalFailed: []processor.FailedTask{}}
	if s.current == nil {
		return resp
	}
	resp.RunID = s.current.RunID()
	resp.Failed = append(resp.Failed, s.current.Failures()...)
	resp.LocalFailed = append(resp.LocalFailed, s.current.LocalFailures()...)
	return resp
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	stats *BatchStats
}

func (s *APIServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /failures", s.failuresHandler)
	return otelhttp.NewHandler(mux, "batch-api-server")
}

// StartAPIServer serves the status API until ctx is done.
func StartAPIServer(ctx context.Context, port string, stats *BatchStats) error {
	srv := &APIServer{stats: stats}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.GetStats())
}

func (s *APIServer) failuresHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.GetFailures())
}
