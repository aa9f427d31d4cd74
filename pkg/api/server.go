package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/idham/relay/internal/observability"
	"github.com/idham/relay/pkg/agentloop"
	"github.com/idham/relay/pkg/convstore"
	"github.com/idham/relay/pkg/registry"
	"github.com/idham/relay/pkg/stream"
	"github.com/idham/relay/pkg/taskmanager"
)

// Runner starts one agent run for a session. Satisfied by *agentloop.Loop.
type Runner interface {
	Run(ctx context.Context, params agentloop.RunParams) (agentloop.RunResult, error)
}

// Config holds server configuration.
type Config struct {
	Host               string
	Port               int
	RateLimitPerMinute int

	Broker   *stream.Broker
	Registry *registry.Registry
	Store    *convstore.Store
	Tasks    *taskmanager.Manager
	Runner   Runner
	Logger   zerolog.Logger
}

// Server is the HTTP front door: it creates sessions, tails their event
// streams over SSE or WebSocket, replays persisted history, and routes stop
// and user-input requests to running sessions.
type Server struct {
	host        string
	port        int
	server      *http.Server
	broker      *stream.Broker
	registry    *registry.Registry
	store       *convstore.Store
	tasks       *taskmanager.Manager
	runner      Runner
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	startTime   time.Time

	sessions   map[string]string // chat_id -> task_id
	sessionsMu sync.Mutex

	activeStreams   int
	activeStreamsMu sync.Mutex

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the API server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Broker == nil {
		return nil, fmt.Errorf("stream broker is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task manager is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8787
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 120
	}

	return &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		broker:      cfg.Broker,
		registry:    cfg.Registry,
		store:       cfg.Store,
		tasks:       cfg.Tasks,
		runner:      cfg.Runner,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    cfg.Logger,
		startTime: time.Now(),
		sessions:  make(map[string]string),
	}, nil
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/chat", s.limited(s.handleCreateChat))
	mux.Handle("GET /api/stream/{chat_id}", s.tracked(s.handleStream))
	mux.Handle("GET /api/replay/stream/{chat_id}", s.tracked(s.handleReplay))
	mux.Handle("POST /api/stop/{chat_id}", s.limited(s.handleStop))
	mux.Handle("POST /api/input", s.limited(s.handleInput))
	mux.Handle("GET /api/ws/stream/{chat_id}", s.tracked(s.handleWSStream))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.Handler())

	return mux
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.host).
		Int("port", s.port).
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop gracefully stops the server: it refuses new requests, waits for
// in-flight ones with a timeout, then shuts the listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

// tracked gates a handler on the shutdown flag and counts it in flight.
func (s *Server) tracked(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		h(w, r)
	})
}

// limited is tracked plus the per-IP rate limit.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	return s.tracked(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.rateLimiter.CheckLimit(ip) {
			retryAfter := s.rateLimiter.RetryAfter(ip)
			s.logger.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Int("retry_after", retryAfter).
				Msg("Rate limit exceeded")

			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		h(w, r)
	})
}

func (s *Server) streamAttached() {
	s.activeStreamsMu.Lock()
	s.activeStreams++
	n := s.activeStreams
	s.activeStreamsMu.Unlock()
	observability.SetActiveStreams(n)
}

func (s *Server) streamDetached() {
	s.activeStreamsMu.Lock()
	s.activeStreams--
	n := s.activeStreams
	s.activeStreamsMu.Unlock()
	observability.SetActiveStreams(n)
}

func (s *Server) trackSession(chatID, taskID string) {
	s.sessionsMu.Lock()
	s.sessions[chatID] = taskID
	s.sessionsMu.Unlock()
}

func (s *Server) takeSession(chatID string) (string, bool) {
	s.sessionsMu.Lock()
	taskID, ok := s.sessions[chatID]
	if ok {
		delete(s.sessions, chatID)
	}
	s.sessionsMu.Unlock()
	return taskID, ok
}

func (s *Server) forgetSession(chatID string) {
	s.sessionsMu.Lock()
	delete(s.sessions, chatID)
	s.sessionsMu.Unlock()
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
