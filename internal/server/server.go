// Package server sets up the HTTP server with all routes
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/p2pramp/internal/amount"
	"github.com/mbd888/p2pramp/internal/auth"
	"github.com/mbd888/p2pramp/internal/chain"
	"github.com/mbd888/p2pramp/internal/config"
	"github.com/mbd888/p2pramp/internal/events"
	"github.com/mbd888/p2pramp/internal/health"
	"github.com/mbd888/p2pramp/internal/logging"
	"github.com/mbd888/p2pramp/internal/metrics"
	"github.com/mbd888/p2pramp/internal/order"
	"github.com/mbd888/p2pramp/internal/ratelimit"
	"github.com/mbd888/p2pramp/internal/realtime"
	"github.com/mbd888/p2pramp/internal/relay"
	"github.com/mbd888/p2pramp/internal/retry"
	"github.com/mbd888/p2pramp/internal/rpcpool"
	"github.com/mbd888/p2pramp/internal/security"
	"github.com/mbd888/p2pramp/internal/traces"
	"github.com/mbd888/p2pramp/internal/validation"
)

// Version is reported by /health and tracing; set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	pool        *rpcpool.Pool
	chainClient *chain.Client // nil when a chain is injected
	chain       relay.Chain
	station     *relay.Station
	store       order.Store
	engine      *order.Engine
	expirer     *order.Expirer
	realtimeHub *realtime.Hub
	events      *events.Publisher // nil if NATS_URL is unset
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	fundLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc
	drainDelay    time.Duration
	healthy       atomic.Bool
	ready         atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChain injects the chain backend instead of dialing RPC endpoints (tests).
func WithChain(c relay.Chain) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithOrderStore injects the order store (tests).
func WithOrderStore(st order.Store) Option {
	return func(s *Server) {
		s.store = st
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

	// Apply options first (may set chain/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing, continuing without it", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.traceShutdown = shutdown

	// RPC endpoints
	pool, err := rpcpool.New(cfg.RPCURLs,
		rpcpool.WithThreshold(cfg.CircuitThreshold),
		rpcpool.WithCooldown(cfg.CircuitCooldown),
		rpcpool.WithResetWindow(cfg.FailureResetWindow),
		rpcpool.WithTransitionHook(func(url string, from, to rpcpool.State) {
			s.logger.Warn("rpc endpoint circuit changed", "endpoint", url, "from", from.String(), "to", to.String())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc pool: %w", err)
	}
	s.pool = pool
	s.health.Register("rpc", health.RPCPool("rpc", pool))

	// Chain client, unless injected
	if s.chain == nil {
		c, err := chain.New(chain.Config{
			PrivateKey:     cfg.RelayPrivateKey,
			ChainID:        cfg.ChainID,
			TokenContract:  cfg.TokenContract,
			AttemptTimeout: cfg.RPCAttemptTimeout,
			ConfirmTimeout: cfg.TxConfirmTimeout,
			Retry: retry.Policy{
				MaxAttempts: cfg.RPCMaxAttempts,
				BaseDelay:   cfg.RPCBackoffBase,
				MaxDelay:    cfg.RPCBackoffMax,
			},
		}, pool, chain.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chainClient = c
		s.chain = c
	}

	// Gas station
	relayCfg, err := relayConfig(cfg)
	if err != nil {
		return nil, err
	}
	s.station = relay.New(s.chain, relayCfg, relay.WithLogger(s.logger))
	s.health.Register("relay", health.RelayReadiness("relay", s.station))
	s.logger.Info("gas station configured",
		"relay", s.station.Address().Hex(),
		"chain_id", cfg.ChainID,
		"min_balance", cfg.RelayMinBalance,
	)

	// Order storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = db.PingContext(pingCtx)
			cancel()
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.store = order.NewPostgresStore(db)
			s.health.Register("database", health.Database("database", db))
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = order.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Event sinks
	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := order.Publishers{s.realtimeHub}
	if cfg.NATSURL != "" {
		p, err := events.Connect(cfg.NATSURL, cfg.NATSStream, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event stream: %w", err)
		}
		s.events = p
		publishers = append(publishers, p)
		s.logger.Info("order events published to NATS", "stream", cfg.NATSStream)
	}

	// Order engine
	admin := common.HexToAddress(cfg.AdminAddress)
	s.engine = order.NewEngine(s.store, order.NewRelayMover(s.station, admin), order.WithPublisher(publishers))
	s.expirer = order.NewExpirer(s.engine, s.store, cfg.OrderPendingTTL, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(admin)

	s.healthy.Store(true)

	return s, nil
}

func relayConfig(cfg *config.Config) (relay.Config, error) {
	minBalance, err := amount.Native(cfg.RelayMinBalance)
	if err != nil {
		return relay.Config{}, fmt.Errorf("RELAY_MIN_BALANCE: %w", err)
	}
	grant, err := amount.Native(cfg.ApprovalGasGrant)
	if err != nil {
		return relay.Config{}, fmt.Errorf("APPROVAL_GAS_GRANT: %w", err)
	}
	budget, err := amount.Native(cfg.RelayDailyGasBudget)
	if err != nil {
		return relay.Config{}, fmt.Errorf("RELAY_DAILY_GAS_BUDGET: %w", err)
	}
	rc := relay.Config{
		ChainID:       cfg.ChainID,
		MinBalance:    minBalance,
		ApprovalGrant: grant,
		ReadinessTTL:  cfg.RelayReadinessTTL,
		DailyBudget:   budget,
	}
	if cfg.EscrowContract != "" {
		rc.EscrowContract = common.HexToAddress(cfg.EscrowContract)
	}
	return rc, nil
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitPerMinute
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByIP))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(admin common.Address) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	var verifier auth.Verifier = auth.NewSignatureVerifier(auth.DefaultMaxSkew)
	if s.cfg.WalletAuth == "header" {
		verifier = auth.HeaderVerifier{}
		s.logger.Warn("wallet signatures disabled; trusting X-Wallet-Address header")
	}

	v1 := s.router.Group("/v1")
	v1.Use(auth.WalletIdentity(verifier))

	// Gas station
	s.fundLimiter = ratelimit.New(ratelimit.FundingConfig(s.cfg.FundingRatePerMinute))
	relayHandler := relay.NewHandler(s.station, admin)
	relayHandler.RegisterRoutes(v1, s.fundLimiter.Middleware(ratelimit.ByWallet))

	// Orders (wallet required)
	orderHandler := order.NewHandler(s.engine)
	orderHandler.RegisterRoutes(v1.Group("", auth.RequireWallet()))

	// Admin
	adminGroup := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	relayHandler.RegisterAdminRoutes(adminGroup)
	orderHandler.RegisterAdminRoutes(adminGroup)
	adminGroup.GET("/orders/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
	adminGroup.GET("/feed/stats", s.feedStatsHandler)
	adminGroup.GET("/rpc/endpoints", s.rpcEndpointsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
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

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func (s *Server) rpcEndpointsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"healthy":   s.pool.Healthy(),
		"endpoints": s.pool.Snapshot(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.chainClient != nil {
		go s.chainClient.Start(runCtx)

		verifyCtx, cancelVerify := context.WithTimeout(runCtx, 30*time.Second)
		err := s.chainClient.VerifyChainID(verifyCtx)
		cancelVerify()
		if err != nil {
			if errors.Is(err, chain.ErrWrongChain) {
				cancel()
				return err
			}
			s.logger.Warn("could not verify chain id at startup", "error", err)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      90 * time.Second, // covers a confirmed relay transfer
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"relay", s.station.Address().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.expirer.Start(runCtx)
	go metrics.StartRuntimeCollector(runCtx, s.db, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// In-flight transitions finish before background work and the chain stop.
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Cancel the context for background goroutines (hub, expirer, tx queue)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.expirer.Stop()

	s.rateLimiter.Stop()
	s.fundLimiter.Stop()

	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("event stream close error", "error", err)
		}
	}

	if s.chainClient != nil {
		if err := s.chainClient.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
