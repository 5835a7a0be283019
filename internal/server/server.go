// Package server exposes the session over a websocket command channel and a
// small read-only HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/polychat/internal/metrics"
	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/session"
	"github.com/raphaelgruber/polychat/internal/store"
)

// Reader is the read side of persistence served over HTTP.
type Reader interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, convID string) ([]models.Message, error)
	Memories(ctx context.Context) ([]models.Memory, error)
}

// Server serves the UI boundary.
type Server struct {
	session  *session.Orchestrator
	reader   Reader
	metrics  *metrics.Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// conns tracks open websocket connections for shutdown.
	conns     sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a server for orch.
func New(orch *session.Orchestrator, reader Reader, mc *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		session: orch,
		reader:  reader,
		metrics: mc,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		closing: make(chan struct{}),
	}
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot())
	})
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /api/providers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.session.Providers())
	})
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.session.State().Snapshot())
	})
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		convs, err := s.reader.Conversations(r.Context())
		s.respond(w, convs, err)
	})
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.reader.Messages(r.Context(), r.PathValue("id"))
		s.respond(w, msgs, err)
	})
	mux.HandleFunc("GET /api/memories", func(w http.ResponseWriter, r *http.Request) {
		mems, err := s.reader.Memories(r.Context())
		s.respond(w, mems, err)
	})
	return LoggingMiddleware(s.logger, mux)
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("read failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	s.CloseConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// CloseConnections closes every websocket connection. Hijacked connections
// are not closed by http.Server.Shutdown.
func (s *Server) CloseConnections() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Wait blocks until every websocket connection has finished.
func (s *Server) Wait() {
	s.conns.Wait()
}
