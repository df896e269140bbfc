// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
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

	"github.com/velora-app/velora/internal/config"
	"github.com/velora-app/velora/internal/escrow"
	"github.com/velora-app/velora/internal/health"
	"github.com/velora-app/velora/internal/idempotency"
	"github.com/velora-app/velora/internal/idgen"
	"github.com/velora-app/velora/internal/logging"
	"github.com/velora-app/velora/internal/metrics"
	"github.com/velora-app/velora/internal/notify"
	"github.com/velora-app/velora/internal/payments"
	"github.com/velora-app/velora/internal/ratelimit"
	"github.com/velora-app/velora/internal/realtime"
	"github.com/velora-app/velora/internal/reconcile"
	"github.com/velora-app/velora/internal/security"
	"github.com/velora-app/velora/internal/session"
	"github.com/velora-app/velora/internal/storefront"
	"github.com/velora-app/velora/internal/transaction"
	"github.com/velora-app/velora/internal/validation"
	"github.com/velora-app/velora/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	wallets         *wallet.Ledger
	transactions    *transaction.Service
	escrows         *escrow.Service
	sessions        *session.Service
	storefront      *storefront.Service
	payments        *payments.Service
	webhooks        *notify.Dispatcher
	webhookStore    notify.Store
	worker          *reconcile.Worker
	workerTimer     *reconcile.Timer
	heartbeats      reconcile.HeartbeatStore
	idemStore       idempotency.Store
	realtimeHub     *realtime.Hub
	rateLimiter     *ratelimit.Limiter
	healthChecks    *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore      wallet.Store
		transactionStore transaction.Store
		escrowStore      escrow.Store
		sessionStore     session.Store
		storefrontStore  storefront.Store
		idemStore        idempotency.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		transactionStore = transaction.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		sessionStore = session.NewPostgresStore(db)
		storefrontStore = storefront.NewPostgresStore(db)
		idemStore = idempotency.NewPostgresStore(db)
		s.webhookStore = notify.NewPostgresStore(db)
		s.heartbeats = reconcile.NewPostgresHeartbeats(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		walletStore = wallet.NewMemoryStore()
		transactionStore = transaction.NewMemoryStore()
		sessionStore = session.NewMemoryStore()
		storefrontStore = storefront.NewMemoryStore()
		idemStore = idempotency.NewMemoryStore()
		s.webhookStore = notify.NewMemoryStore()
		s.heartbeats = reconcile.NewMemoryHeartbeats()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.idemStore = idemStore
	s.wallets = wallet.New(walletStore)
	s.transactions = transaction.New(transactionStore)

	// The in-memory escrow store credits wallets itself on release/refund
	if escrowStore == nil {
		escrowStore = escrow.NewMemoryStore(s.wallets)
	}
	s.escrows = escrow.NewService(escrowStore)
	s.sessions = session.NewService(sessionStore, s.escrows)
	s.storefront = storefront.NewService(storefrontStore)

	s.payments = payments.NewService(
		s.wallets, s.transactions, s.escrows, s.sessions, s.storefront, idemStore,
	).WithAutoRelease(time.Duration(cfg.AutoReleaseHours) * time.Hour)
	if s.db != nil {
		s.payments = s.payments.WithDB(s.db)
	}

	// Webhooks + realtime streaming share one event bridge
	s.webhooks = notify.NewDispatcher(s.webhookStore)
	s.realtimeHub = realtime.NewHub(s.logger)
	bridge := &eventBridge{
		emitter: notify.NewEmitter(s.webhooks, s.logger),
		hub:     s.realtimeHub,
	}
	s.escrows.WithEvents(bridge)
	s.sessions.WithEvents(bridge)
	s.payments.WithEvents(bridge)
	s.logger.Info("webhooks and realtime streaming enabled")

	// Reconciliation worker (sweeps overdue sessions and due escrows)
	s.worker = reconcile.NewWorker(s.sessions, s.escrows, s.payments, s.heartbeats, s.logger).
		WithManualReleaseOnly(cfg.ManualReleaseOnly)
	if cfg.ReconcileInterval > 0 {
		s.workerTimer = reconcile.NewTimer(s.worker, cfg.ReconcileInterval, s.logger)
		s.logger.Info("reconciliation timer enabled", "interval", cfg.ReconcileInterval)
	}

	// Health checks
	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

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
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			ctx = logging.WithActor(ctx, userID)
		}
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

		// Log level based on status code
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// userIDMiddleware reads the authenticated user from the X-User-ID header
// set by the fronting auth layer. Handlers that mutate state reject the
// request when it is absent.
func (s *Server) userIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID != "" {
			if !validation.IsValidUserID(userID) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_user_id",
					"message": "X-User-ID must be 1-64 alphanumeric, dash or underscore characters",
				})
				return
			}
			c.Set("userID", userID)
		}
		c.Next()
	}
}

// requireSecret guards a route group with a shared secret header. An
// empty configured secret allows everything outside production, so demo
// mode works without setup.
func (s *Server) requireSecret(header, secret, actor string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Endpoint disabled: no secret configured",
				})
				return
			}
			c.Set("userID", actor)
			c.Next()
			return
		}
		got := c.GetHeader(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": header + " header missing or invalid",
			})
			return
		}
		c.Set("userID", actor)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserIDParamMiddleware())
	v1.Use(s.userIDMiddleware())

	// Payment intake (wallet charge, crypto/card initiate)
	paymentHandler := payments.NewHandler(s.payments)
	paymentHandler.RegisterRoutes(v1)

	// Wallet balances and history
	walletHandler := wallet.NewHandler(s.wallets)
	walletHandler.RegisterRoutes(v1)

	// Escrow reads (holds, disputes are opened through the session flow)
	escrowHandler := escrow.NewHandler(s.escrows).
		WithReleaseEffects(s.payments.ReleaseEffects)
	escrowHandler.RegisterRoutes(v1)

	// Session lifecycle
	sessionHandler := session.NewHandler(s.sessions).WithIdempotency(s.idemStore)
	sessionHandler.RegisterRoutes(v1)

	// Storefront (gallery access, content purchases)
	storefrontHandler := storefront.NewHandler(s.storefront)
	storefrontHandler.RegisterRoutes(v1)

	// Webhook subscription management
	webhookHandler := notify.NewHandler(s.webhookStore)
	webhookHandler.RegisterRoutes(v1)

	// Admin routes: payment confirm/reject, escrow release/refund/resolve
	admin := v1.Group("/admin")
	admin.Use(s.requireSecret("X-Admin-Secret", s.cfg.AdminSecret, "admin"))
	paymentHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)

	// Worker routes: manual sweep trigger and status
	workerHandler := reconcile.NewHandler(s.worker, s.heartbeats)
	if s.workerTimer != nil {
		workerHandler = workerHandler.WithTimer(s.workerTimer)
	}
	worker := v1.Group("")
	worker.Use(s.requireSecret("X-Worker-Secret", s.cfg.WorkerSecret, "worker"))
	workerHandler.RegisterRoutes(worker)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthChecks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Velora",
		"description": "Escrowed payment and session ledger for creator platforms",
		"version":     "0.1.0",
		"currency":    "USD",
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

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start reconciliation timer
	if s.workerTimer != nil {
		go s.workerTimer.Start(runCtx)
	}

	// Sample DB pool stats into Prometheus gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.workerTimer != nil {
		s.workerTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.Hex(16)
}
