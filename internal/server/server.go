// Package server wires the escrow coordinator into an HTTP service.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kopa-agent/kopa/internal/chain"
	"github.com/kopa-agent/kopa/internal/config"
	"github.com/kopa-agent/kopa/internal/escrow"
	"github.com/kopa-agent/kopa/internal/health"
	"github.com/kopa-agent/kopa/internal/logging"
	"github.com/kopa-agent/kopa/internal/metrics"
	"github.com/kopa-agent/kopa/internal/payments"
	"github.com/kopa-agent/kopa/internal/ratelimit"
	"github.com/kopa-agent/kopa/internal/realtime"
	"github.com/kopa-agent/kopa/internal/resilience"
	"github.com/kopa-agent/kopa/internal/security"
	"github.com/kopa-agent/kopa/internal/traces"
	"github.com/kopa-agent/kopa/internal/validation"
	"github.com/kopa-agent/kopa/internal/verification"
	"github.com/kopa-agent/kopa/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	gateway       escrow.PaymentGateway
	analyzer      verification.DocumentAnalyzer
	chainClient   *chain.Client // nil unless on-chain confirmation is configured
	service       *escrow.Service
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter // nil when rate limiting is disabled
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets the payment gateway, bypassing PAYMENT_GATEWAY selection (for testing)
func WithGateway(g escrow.PaymentGateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithAnalyzer sets the receipt document analyzer (for testing)
func WithAnalyzer(a verification.DocumentAnalyzer) Option {
	return func(s *Server) {
		s.analyzer = a
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		store   escrow.Store
		states  escrow.StateStore
		history verification.ProofHistory
	)
	if cfg.DatabaseURL != "" {
		db, err := s.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		store = escrow.NewPostgresStore(db)
		states = escrow.NewPostgresStateStore(db)
		history = verification.NewPostgresHistory(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		store = escrow.NewMemoryStore()
		states = escrow.NewMemoryStateStore()
		history = verification.NewMemoryHistory()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	gateway, err := s.buildGateway()
	if err != nil {
		return nil, err
	}

	resCfg := cfg.Resilience()
	paymentInvoker := resilience.New("payment", resCfg, resilience.WithLogger(s.logger))
	s.health.Register("payment", health.Breaker(paymentInvoker))

	var analyzer verification.DocumentAnalyzer
	switch {
	case s.analyzer != nil:
		analyzer = s.analyzer
	case cfg.DocumentAnalyzerURL != "":
		analyzerInvoker := resilience.New("analyzer", resCfg, resilience.WithLogger(s.logger))
		analyzer = verification.NewGuardedAnalyzer(
			verification.NewHTTPAnalyzer(cfg.DocumentAnalyzerURL, cfg.CallTimeout), analyzerInvoker)
		s.health.Register("analyzer", health.Breaker(analyzerInvoker))
		s.logger.Info("document analyzer enabled", "url", cfg.DocumentAnalyzerURL)
	default:
		s.logger.Warn("no document analyzer configured, receipt proofs will be rejected")
	}

	engine := verification.NewEngine(history, analyzer, verification.WithLogger(s.logger))

	s.realtimeHub = realtime.NewHub(s.logger)
	machine := escrow.NewStateMachine(states).WithLogger(s.logger)
	machine.OnTransition(s.realtimeHub.PublishTransition)

	s.service = escrow.NewService(store, machine, engine, gateway, paymentInvoker).WithLogger(s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// buildGateway selects the settlement rail and, when configured, wraps it
// with on-chain balance and receipt checks.
func (s *Server) buildGateway() (escrow.PaymentGateway, error) {
	gateway := s.gateway
	if gateway == nil {
		switch s.cfg.PaymentGateway {
		case config.GatewayStripe:
			gateway = payments.NewStripeGateway(payments.StripeConfig{
				SecretKey:     s.cfg.StripeSecretKey,
				PaymentMethod: s.cfg.StripePaymentMethod,
				Currency:      s.cfg.StripeCurrency,
			})
			s.logger.Info("using Stripe payment gateway", "currency", s.cfg.StripeCurrency)
		default:
			gateway = payments.NewMemoryGateway()
			s.logger.Warn("using in-memory payment gateway (no funds move)")
		}
	}

	if s.cfg.ChainEnabled() {
		client, err := chain.New(chain.Config{
			RPCURL:       s.cfg.RPCURL,
			USDCContract: s.cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to chain: %w", err)
		}
		s.chainClient = client
		gateway = payments.NewConfirmingGateway(gateway, client, s.logger)
		s.logger.Info("on-chain confirmation enabled", "usdc", s.cfg.USDCContract)
	}
	return gateway, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	if s.cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = ratelimit.New(s.cfg.RateLimit())
		s.router.Use(s.rateLimiter.Middleware())
	}
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.service).RegisterRoutes(v1)

	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the aggregate health endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
		WriteTimeout:      2 * s.cfg.CallTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "gateway", s.cfg.PaymentGateway)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
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

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.chainClient != nil {
		s.chainClient.Close()
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the escrow coordinator.
func (s *Server) Service() *escrow.Service {
	return s.service
}
