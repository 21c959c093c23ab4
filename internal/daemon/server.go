package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tapscribe/tapscribe/internal/capture"
	"github.com/tapscribe/tapscribe/internal/config"
	"github.com/tapscribe/tapscribe/internal/health"
	"github.com/tapscribe/tapscribe/internal/logger"
	"github.com/tapscribe/tapscribe/internal/store"
)

// Server exposes the pipeline's health, conversation, and recovery API.
type Server struct {
	httpServer  *http.Server
	handlers    *Handlers
	broadcaster *SSEBroadcaster
	lifecycle   *Lifecycle
	port        int
}

// NewServer creates the API server. broadcaster is shared with the pipeline
// manager, which publishes events into it.
func NewServer(cfg *config.Config, manager *capture.Manager, agg *health.Aggregator, st *store.SQLiteStore, broadcaster *SSEBroadcaster, version string) *Server {
	handlers := NewHandlers(manager, agg, st, version)
	lifecycle := NewLifecycle(cfg.Settings.Daemon)

	port := cfg.Settings.Daemon.Port
	if port == 0 {
		port = 8762
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health)
	mux.HandleFunc("GET /api/conversations/active", handlers.ActiveConversations)
	mux.HandleFunc("GET /api/sessions/{id}/conversations", handlers.SessionConversations)
	mux.HandleFunc("GET /api/sessions/{id}/content", handlers.SessionContent)
	mux.HandleFunc("POST /api/sessions/{id}/auto-respond", handlers.SetAutoRespond)
	mux.HandleFunc("POST /api/sessions/{id}/capture", handlers.SetCapture)
	mux.HandleFunc("GET /api/recovery", handlers.Recovery)
	mux.HandleFunc("POST /api/recovery/{id}/dismiss", handlers.DismissRecovery)

	mux.HandleFunc("GET /sse/events", broadcaster.ServeHTTP)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           corsMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
		handlers:    handlers,
		broadcaster: broadcaster,
		lifecycle:   lifecycle,
		port:        port,
	}
}

// Start starts the server
func (s *Server) Start(ctx context.Context) error {
	if err := s.lifecycle.WritePID(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	s.broadcaster.Start(ctx)

	logger.Info().
		Int("port", s.port).
		Str("url", fmt.Sprintf("http://127.0.0.1:%d", s.port)).
		Msg("Starting tapscribe daemon")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping tapscribe daemon")

	s.broadcaster.Stop()
	_ = s.lifecycle.RemovePID()

	return s.httpServer.Shutdown(ctx)
}

// Port returns the server port
func (s *Server) Port() int {
	return s.port
}

// Lifecycle returns the lifecycle manager
func (s *Server) Lifecycle() *Lifecycle {
	return s.lifecycle
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
