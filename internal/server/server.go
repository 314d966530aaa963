// Package server wires the orchestrator: stores, chain listener,
// reconciliation schedule, realtime relay and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/config"
	"github.com/mbd888/ledgersync/internal/dashboard"
	"github.com/mbd888/ledgersync/internal/health"
	"github.com/mbd888/ledgersync/internal/listener"
	"github.com/mbd888/ledgersync/internal/logging"
	"github.com/mbd888/ledgersync/internal/metrics"
	"github.com/mbd888/ledgersync/internal/ratelimit"
	"github.com/mbd888/ledgersync/internal/realtime"
	"github.com/mbd888/ledgersync/internal/reconciliation"
	"github.com/mbd888/ledgersync/internal/traces"
	"github.com/mbd888/ledgersync/internal/validation"
)

// ServiceName identifies the orchestrator in traces and logs.
const ServiceName = "ledgersync"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	stores   *Stores
	ledger   bank.Ledger
	engine   *reconciliation.Engine
	timer    *reconciliation.Timer
	chain    *ethclient.Client
	listener *listener.Listener
	hub      *realtime.Hub
	relay    *realtime.Relay
	health   *health.Registry
	limiter  *ratelimit.Limiter
	router   *gin.Engine
	httpSrv  *http.Server
	logger   *slog.Logger

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStores injects pre-built stores instead of opening them from config.
func WithStores(stores *Stores) Option {
	return func(s *Server) {
		s.stores = stores
	}
}

// WithLedger replaces the HTTP bank client (for testing).
func WithLedger(l bank.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, ServiceName, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if s.stores == nil {
		stores, err := OpenStores(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.stores = stores
	}

	if s.ledger == nil {
		s.ledger = NewLedger(cfg)
		s.logger.Info("bank ledger configured", "url", cfg.BankURL, "timeout", cfg.BankTimeout)
	}

	s.engine = NewEngine(cfg, s.stores.Payments, s.ledger, s.logger)
	if cfg.ReconInterval > 0 {
		s.timer = reconciliation.NewTimer(s.engine, cfg.ReconInterval, s.logger)
	} else {
		s.logger.Info("scheduled reconciliation disabled (RECON_INTERVAL not set)")
	}
	if !cfg.Rate().Configured() {
		s.logger.Warn("USD_PER_WEI not set, discrepancy totals will be reported as zero")
	}

	s.hub = realtime.NewHub(s.logger)
	s.relay = realtime.NewRelay(s.stores.Stream, s.hub, s.logger)

	if cfg.ListenerEnabled() {
		if err := s.setupListener(ctx); err != nil {
			// An unreachable RPC endpoint degrades the service; queries and
			// reconciliation keep working on recorded data.
			s.logger.Error("chain listener unavailable", "rpc", cfg.RPCURL, "error", err)
		}
	} else {
		s.logger.Warn("RPC_URL or PAYMENT_ROUTER_ADDRESS not set, chain listener disabled")
	}

	s.setupHealth()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupListener(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := listener.Dial(dialCtx, s.cfg.RPCURL)
	if err != nil {
		return err
	}
	s.chain = client

	lcfg := listener.DefaultConfig()
	lcfg.Contract = common.HexToAddress(s.cfg.PaymentRouterAddress)
	lcfg.ChainID = s.cfg.ChainID
	lcfg.StartBlock = s.cfg.ListenerStartBlock
	lcfg.PollInterval = s.cfg.ListenerPollInterval
	lcfg.Workers = s.cfg.ListenerWorkers
	lcfg.QueueSize = s.cfg.ListenerQueueSize
	lcfg.EventTimeout = s.cfg.ListenerEventTimeout

	handler := listener.NewHandler(s.stores.Payments, s.stores.Stream, s.ledger, s.cfg.BankTimeout, s.logger)
	s.listener = listener.New(client, lcfg, handler, s.logger)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// setupHealth registers a checker per subsystem. Only the relational store
// is critical; everything else degrades the service.
func (s *Server) setupHealth() {
	s.health = health.NewRegistry(3 * time.Second)

	dbName := "Database (in-memory)"
	if s.stores.DB != nil {
		dbName = "Database"
	}
	s.health.Register("database", dbName, true, s.stores.Payments.Ping)

	s.health.Register("event_stream", "Event Stream", false, func(ctx context.Context) error {
		return health.Degrade(s.stores.Stream.Ping(ctx))
	})

	s.health.Register("listener", "Chain Listener", false, func(ctx context.Context) error {
		switch {
		case !s.cfg.ListenerEnabled():
			return health.Degrade(errors.New("not configured"))
		case s.listener == nil:
			return health.Degrade(errors.New("rpc unreachable"))
		case !s.listener.Running():
			return health.Degrade(errors.New("not running"))
		}
		return nil
	})

	if p, ok := s.ledger.(pinger); ok {
		s.health.Register("bank", "Bank Ledger", false, func(ctx context.Context) error {
			return health.Degrade(p.Ping(ctx))
		})
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	dash := dashboard.NewHandler(s.stores.Payments, s.health, s.engine, s.hub, s.cfg.Rate())

	internal := s.router.Group("/internal")
	internal.Use(validation.AddressParamMiddleware(), validation.PaymentHashParamMiddleware())
	dash.RegisterRoutes(internal.Group("/dashboard"))
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.ReconRateLimit,
		BurstSize:         2,
	})
	dash.RegisterCommandRoutes(internal.Group("", s.limiter.Middleware()))
}

func (s *Server) healthHandler(c *gin.Context) {
	state, services := s.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if state == health.Down {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    state,
		"services":  services,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // reconciliation runs synchronously
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.relay.Run(runCtx)

	if s.stores.DB != nil {
		metrics.StartDBStatsCollector(runCtx, s.stores.DB, 15*time.Second)
	}

	if s.listener != nil {
		if err := s.listener.Start(runCtx); err != nil {
			s.logger.Error("failed to start chain listener", "error", err)
		}
	}

	if s.timer != nil {
		go s.timer.Start(runCtx)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight listener events finish
// before the stores are closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.timer != nil {
		s.timer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	if s.listener != nil {
		s.listener.Stop()
	}
	if s.chain != nil {
		s.chain.Close()
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if err := s.stores.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	} else {
		s.logger.Info("stores closed")
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine exposes the reconciliation engine for in-process callers.
func (s *Server) Engine() *reconciliation.Engine {
	return s.engine
}
