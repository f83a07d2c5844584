package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/ragent/internal/config"
	"github.com/harun/ragent/internal/logger"
	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/internal/tracing"
	"github.com/harun/ragent/pkg/agent"
	"github.com/harun/ragent/pkg/gateway"
	"github.com/harun/ragent/pkg/lanes"
	"github.com/harun/ragent/pkg/model"
	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

const serviceName = "ragent"

// Daemon owns every long-lived component of a ragent process. One-shot
// commands use it without Start; serve runs Start and Wait.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store     session.Store
	index     *retrieval.Index // nil when retrieval is disabled
	registry  *tools.Registry
	model     model.Client
	agent     *agent.Orchestrator
	lanes     *lanes.Locker
	janitor   *session.Janitor
	lifecycle *LifecycleManager

	// Services
	gatewayServer *gateway.Server

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Observability.Tracing {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName: serviceName,
			SampleRatio: cfg.Observability.TraceSampleRatio,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if path := d.config.Observability.AuditLog; path != "" {
		if err := observability.InitAuditLogger(path); err != nil {
			d.logger.Warn().Err(err).Str("path", path).Msg("Failed to initialize audit logger")
		}
	}

	store, err := openStore(d.config.Session)
	if err != nil {
		return err
	}
	d.store = store
	d.logger.Info().Str("backend", d.config.Session.Backend).Msg("Session store initialized")

	if d.config.Retrieval.Policy != string(agent.RetrievalNever) {
		index, err := openIndex(d.config.Retrieval, d.logger.Component("retrieval"))
		if err != nil {
			return err
		}
		d.index = index
		d.logger.Info().Str("db", d.config.Retrieval.DBPath).Str("corpus", d.config.Retrieval.CorpusDir).Msg("Document index initialized")
	}

	registry, err := newToolRegistry(d.config.Tools, d.logger.Component("tools"))
	if err != nil {
		return err
	}
	d.registry = registry
	d.logger.Info().Int("tools", registry.Len()).Msg("Tool registry initialized")

	client, err := model.New(d.config.Model.Provider, d.config.ProviderConfig())
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	d.model = client
	d.logger.Info().Str("model", client.Name()).Msg("Model client initialized")

	opts := d.config.AgentOptions()
	opts.Store = d.store
	opts.Model = d.model
	opts.Tools = d.registry
	opts.Evaluator = newEvaluator(d.config.Evaluation, d.registry)
	opts.Logger = d.logger.Zerolog()
	d.lanes = lanes.New(opts.Logger)
	opts.Lanes = d.lanes
	if d.index != nil {
		opts.Retriever = d.index
	}

	orch, err := agent.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.agent = orch

	return nil
}

// initializeServices initializes the janitor and the gateway
func (d *Daemon) initializeServices() error {
	d.janitor = session.NewJanitor(d.store, session.JanitorConfig{
		Schedule: d.config.Session.Expiry.Schedule,
		Policy:   d.config.ExpiryPolicy(),
		Logger:   d.logger.Component("janitor"),
		Lock: func(ctx context.Context, id string) (func(), error) {
			release, err := d.lanes.Acquire(ctx, id, 0)
			if err != nil {
				return nil, err
			}
			return release, nil
		},
	})

	gwCfg := gateway.Config{
		Addr:         d.config.Gateway.Addr(),
		SharedSecret: d.config.Gateway.SharedSecret,
		TickInterval: d.config.Gateway.TickInterval,
		RateLimit:    d.config.Gateway.RateLimit,
		ReplayTTL:    d.config.Gateway.ReplayTTL,
		Agent:        d.agent,
		Logger:       d.logger.Component("gateway"),
	}
	if d.index != nil {
		gwCfg.Indexer = d.index
	}

	server, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting ragent daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.index != nil && d.config.Retrieval.CorpusDir != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := d.index.SyncDir(ctx); err != nil {
			logger.Warn().Err(err).Msg("Initial corpus sync failed, the watcher retries on the next corpus change")
		}
		cancel()
	}

	if d.config.Session.Expiry.Enabled {
		if err := d.janitor.Start(); err != nil {
			return fmt.Errorf("failed to start session janitor: %w", err)
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping ragent daemon")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.janitor.Stop()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	err := d.Close()
	logger.Info().Msg("Daemon stopped successfully")
	return err
}

// Close releases the stores, tracing and the audit log. It is safe to call
// more than once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	if d.index != nil {
		if err := d.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.CloseAuditLogger(); err != nil {
		errs = append(errs, fmt.Errorf("close audit logger: %w", err))
	}
	return errors.Join(errs...)
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetAgent returns the orchestrator
func (d *Daemon) GetAgent() *agent.Orchestrator {
	return d.agent
}

// GetIndex returns the document index, or nil when retrieval is disabled
func (d *Daemon) GetIndex() *retrieval.Index {
	return d.index
}

// GetStore returns the session store
func (d *Daemon) GetStore() session.Store {
	return d.store
}

// GetJanitor returns the session janitor
func (d *Daemon) GetJanitor() *session.Janitor {
	return d.janitor
}

// GetToolRegistry returns the tool registry
func (d *Daemon) GetToolRegistry() *tools.Registry {
	return d.registry
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
