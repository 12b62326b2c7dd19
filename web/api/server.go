// Package api serves the bot's HTTP surface: run status, cancellation, a
// server-sent event stream, Prometheus metrics, published reports and the
// chat bridge WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/hochfrequenz/testrun-bot/internal/bot"
	"github.com/hochfrequenz/testrun-bot/internal/runqueue"
)

// Runs is the part of the bot the API needs
type Runs interface {
	Queue() *runqueue.Queue
	Cancel(runID string, acknowledged bool) bool
	Subscribe(fn func(bot.Event))
}

// Options configures the server. Metrics, ReportDir and WebSocket are optional.
type Options struct {
	Addr      string
	Runs      Runs
	Metrics   http.Handler
	ReportDir string
	WebSocket http.HandlerFunc
}

// Server is the HTTP API server
type Server struct {
	runs   Runs
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	opts   Options
}

// NewServer creates a new API server and subscribes it to run events
func NewServer(opts Options) *Server {
	s := &Server{
		runs:   opts.Runs,
		addr:   opts.Addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		opts:   opts,
	}
	s.setupRoutes()
	s.runs.Subscribe(func(ev bot.Event) {
		s.Broadcast(SSEEvent{Type: string(ev.Type), Data: eventToResponse(ev)})
	})
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	if s.opts.Metrics != nil {
		s.mux.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.ReportDir != "" {
		s.mux.Handle("/reports/", http.StripPrefix("/reports/", http.FileServer(http.Dir(s.opts.ReportDir))))
	}
	if s.opts.WebSocket != nil {
		s.mux.HandleFunc("/ws", s.opts.WebSocket)
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
