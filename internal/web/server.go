// Package web exposes the task service over HTTP: submission, status,
// logs, cancellation, usage, and a per-task SSE stream.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/metrics"
	"github.com/asaproj/asa/internal/queue"
	"github.com/asaproj/asa/internal/store"
)

// Server is the HTTP front of the task service.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Queue
	metrics *metrics.Collector
	logger  *zap.Logger

	addr string

	// watchPoll is how often SSE streams check tasks for changes.
	watchPoll time.Duration

	httpServer   *http.Server
	httpListener net.Listener
}

// New creates a server. Call Start to begin listening.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, collector *metrics.Collector, logger *zap.Logger) *Server {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		metrics:   collector,
		logger:    logger,
		addr:      addr,
		watchPoll: 250 * time.Millisecond,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancel)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/tasks/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/tasks/{id}/job", s.handleJob)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/tasks/{id}/pr", s.handlePR)
	mux.HandleFunc("GET /api/tasks/{id}/usage", s.handleUsage)
	mux.HandleFunc("POST /api/tasks/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if collector != nil {
		mux.Handle("GET /metrics", collector.Handler())
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.withRequestLog(mux),
	}
	return s
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestLog tags every request with an ID and logs its outcome. The ID
// is echoed in the X-Request-ID header so clients can quote it in reports.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.Info("http request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// Handler returns the route mux, for tests that drive the API in-process.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. Non-blocking; the server runs in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("HTTP listen: %w", err)
	}
	s.httpListener = listener
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
	return nil
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// Addr returns the listen address, resolved after Start for ephemeral ports.
func (s *Server) Addr() string {
	return s.addr
}
