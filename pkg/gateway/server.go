package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/pkg/agent"
	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 30 * time.Second
)

// Agent is the conversational core served by the gateway.
type Agent interface {
	ProcessTurn(ctx context.Context, req agent.Request) (*agent.Response, error)
	Session(ctx context.Context, id string) (*session.Session, error)
	Sessions(ctx context.Context) ([]session.SessionInfo, error)
	ClearSession(ctx context.Context, id string) error
	Tools() []tools.Descriptor
	Health(ctx context.Context) agent.HealthReport
}

// DocumentIndexer accepts documents for retrieval.
type DocumentIndexer interface {
	AddDocuments(ctx context.Context, docs []retrieval.Document) (int, error)
}

// Config holds server configuration.
type Config struct {
	Addr         string
	SharedSecret string
	TickInterval time.Duration
	RateLimit    RateLimit
	ReplayTTL    time.Duration // chat idempotency window; negative disables
	Agent        Agent
	Indexer      DocumentIndexer // optional
	Logger       zerolog.Logger
}

// Server exposes the agent over HTTP and a websocket JSON-RPC stream.
type Server struct {
	addr         string
	tickInterval time.Duration
	rateLimit    RateLimit

	agent       Agent
	indexer     DocumentIndexer
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	httpLimits  *limiterSet
	replay      *replayCache
	logger      zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// NewServer creates a Server. Agent is required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	s := &Server{
		addr:         cfg.Addr,
		tickInterval: cfg.TickInterval,
		rateLimit:    cfg.RateLimit,
		agent:        cfg.Agent,
		indexer:      cfg.Indexer,
		clients:      clients,
		router:       NewRPCRouter(),
		auth:         NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, logger),
		httpLimits:   newLimiterSet(cfg.RateLimit),
		replay:       newReplayCache(cfg.ReplayTTL),
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if !s.auth.Enabled() {
		logger.Warn().Msg("No shared secret configured, gateway authentication is disabled")
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.guard(s.handleChat))
	mux.HandleFunc("GET /v1/sessions", s.guard(s.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", s.guard(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.guard(s.handleDeleteSession))
	mux.HandleFunc("GET /v1/tools", s.guard(s.handleListTools))
	mux.HandleFunc("POST /v1/documents", s.guard(s.handleAddDocuments))
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight requests, closes websocket clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")
	s.stopTickEmitter()
	s.broadcaster.Broadcast(EventMessage{Event: "server.shutdown", Data: map[string]interface{}{"message": "Server is shutting down"}})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	for _, c := range s.clients.All() {
		_ = c.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(EventMessage{Event: "tick", Data: map[string]interface{}{"status": "alive"}})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// Clients describes connected websocket clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Infos()
}

// RegisterMethod adds or replaces a websocket RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
