package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/verity/internal/ratelimit"
)

// Server is the Verity HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Storage, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Submitter Submitter
	Tasks     TaskReader
	Events    EventHistory
	Streamer  Streamer
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Storage   Pinger
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	EngineMethod        string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Submitter:           cfg.Submitter,
		Tasks:               cfg.Tasks,
		Events:              cfg.Events,
		Streamer:            cfg.Streamer,
		Storage:             cfg.Storage,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		EngineMethod:        cfg.EngineMethod,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	closing, closeStreams := context.WithCancel(context.Background())
	h.closing = closing

	reqIDFunc := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	// Submissions start engine work, so they are limited per client IP.
	// Reads and streams are not.
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/tasks", submitRL(http.HandlerFunc(h.HandleSubmitTask)))
	mux.Handle("POST /v1/tasks/batch", submitRL(http.HandlerFunc(h.HandleSubmitBatch)))
	mux.HandleFunc("GET /v1/tasks/{task_id}", h.HandleGetTask)
	mux.HandleFunc("GET /v1/tasks/{task_id}/events", h.HandleTaskEvents)
	mux.HandleFunc("GET /v1/tasks/{task_id}/stream", h.HandleTaskStream)

	// MCP StreamableHTTP transport. verity_validate submits tasks, so it
	// shares the submission limit.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", submitRL(mcpHTTP))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	httpServer.RegisterOnShutdown(closeStreams)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
