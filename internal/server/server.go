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

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/purplehq/purple-api/internal/accounts"
	"github.com/purplehq/purple-api/internal/auth"
	"github.com/purplehq/purple-api/internal/checkout"
	"github.com/purplehq/purple-api/internal/config"
	"github.com/purplehq/purple-api/internal/health"
	"github.com/purplehq/purple-api/internal/iap"
	"github.com/purplehq/purple-api/internal/idgen"
	"github.com/purplehq/purple-api/internal/lightning"
	"github.com/purplehq/purple-api/internal/logging"
	"github.com/purplehq/purple-api/internal/metrics"
	"github.com/purplehq/purple-api/internal/products"
	"github.com/purplehq/purple-api/internal/ratelimit"
	"github.com/purplehq/purple-api/internal/realtime"
	"github.com/purplehq/purple-api/internal/security"
	"github.com/purplehq/purple-api/internal/traces"
	"github.com/purplehq/purple-api/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	catalog       products.Catalog
	accounts      *accounts.Service
	checkouts     *checkout.Service
	iapService    *iap.Service
	lnClient      lightning.Client
	authenticator auth.Authenticator
	realtimeHub   *realtime.Hub
	healthReg     *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	tracesStop    func(context.Context) error

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

// WithLightning sets a custom Lightning client (for testing)
func WithLightning(client lightning.Client) Option {
	return func(s *Server) {
		s.lnClient = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set lightning client/logger)
	for _, opt := range opts {
		opt(s)
	}

	s.healthReg = health.NewRegistry(5 * time.Second)

	// Product catalog
	if cfg.ProductsPath != "" {
		catalog, err := products.Load(cfg.ProductsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load product catalog: %w", err)
		}
		s.catalog = catalog
		s.logger.Info("product catalog loaded", "path", cfg.ProductsPath, "products", len(catalog))
	} else {
		s.catalog = products.Default()
		s.logger.Info("using built-in product catalog", "products", len(s.catalog))
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var accountStore accounts.Store
	var checkoutStore checkout.Store
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
		accountStore = accounts.NewPostgresStore(db)
		checkoutStore = checkout.NewPostgresStore(db)
		s.healthReg.Register("database", func(ctx context.Context) error {
			return db.PingContext(ctx)
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		accountStore = accounts.NewMemoryStore()
		checkoutStore = checkout.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.accounts = accounts.NewService(accountStore)

	// Lightning node client if not injected
	if s.lnClient == nil {
		if cfg.LNRestURL != "" {
			s.lnClient = lightning.NewRestClient(lightning.RestConfig{
				BaseURL:    cfg.LNRestURL,
				Rune:       cfg.LNRune,
				NodeID:     cfg.LNNodeID,
				Address:    cfg.LNNodeAddress,
				ClientRune: cfg.LNClientRune,
			})
			s.logger.Info("lightning node configured", "url", cfg.LNRestURL)
		} else {
			s.lnClient = lightning.NewFakeNode()
			s.logger.Warn("no LN_REST_URL set, using fake lightning node")
		}
	}
	// A query for an unknown label proves the node answers; only an
	// unreachable node is unhealthy.
	s.healthReg.Register("lightning", func(ctx context.Context) error {
		_, err := s.lnClient.QueryPaid(ctx, "healthcheck-"+idgen.Hex(4))
		if errors.Is(err, lightning.ErrNodeUnavailable) {
			return err
		}
		return nil
	})

	s.checkouts = checkout.NewService(checkoutStore, s.catalog, s.lnClient, s.accounts)

	// App Store verification
	if cfg.MockVerifyReceipt {
		s.iapService = iap.NewService(nil, nil, s.accounts)
		s.iapService.EnableMock()
		s.logger.Warn("MOCK receipt verification enabled, receipts will NOT be checked")
	} else if cfg.IAPConfigured() {
		svc, err := buildIAPService(cfg, s.accounts)
		if err != nil {
			return nil, err
		}
		s.iapService = svc
		s.logger.Info("app store verification enabled",
			"bundle_id", cfg.IAPBundleID,
			"environment", cfg.IAPEnvironment,
		)
	} else {
		s.logger.Info("app store verification disabled (no IAP credentials)")
	}

	// Auth: gateway HMAC in production, bare pubkey header in development
	if cfg.GatewaySecret != "" {
		s.authenticator = auth.NewGatewayAuthenticator(cfg.GatewaySecret)
		s.logger.Info("gateway authentication enabled")
	} else {
		s.authenticator = auth.DevAuthenticator{}
		s.logger.Warn("dev authentication enabled, pubkey header is trusted as-is")
	}

	// Realtime hub for WebSocket checkout event streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.checkouts.SetNotifier(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

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

// buildIAPService loads trust anchors and App Store Server API credentials.
func buildIAPService(cfg *config.Config, entitlements iap.Entitlements) (*iap.Service, error) {
	anchors, err := iap.NewTrustAnchorCache().Anchors(cfg.IAPRootCADir)
	if err != nil {
		return nil, fmt.Errorf("failed to load apple root certificates: %w", err)
	}
	verifier := iap.NewVerifier(anchors, cfg.IAPBundleID, cfg.IAPEnvironment)

	keyPEM, err := os.ReadFile(cfg.IAPPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read app store api key: %w", err)
	}
	privateKey, err := jwt.ParseECPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app store api key: %w", err)
	}

	baseURL := iap.ProductionAPIBase
	if cfg.IAPEnvironment == "Sandbox" {
		baseURL = iap.SandboxAPIBase
	}
	provider := iap.NewBreakerProvider(iap.NewAppStoreClient(iap.AppStoreConfig{
		BaseURL:    baseURL,
		IssuerID:   cfg.IAPIssuerID,
		KeyID:      cfg.IAPKeyID,
		BundleID:   cfg.IAPBundleID,
		PrivateKey: privateKey,
	}))

	return iap.NewService(provider, verifier, entitlements), nil
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

	// CORS: the API is consumed by native apps and the gateway, browsers
	// only reach the public read endpoints
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
			requestID = idgen.Hex(8)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time checkout event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group. The auth middleware resolves the gateway attestation
	// when present and leaves the request anonymous otherwise; individual
	// routes opt into RequireAuth.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authenticator))
	v1.Use(validation.CheckoutIDParamMiddleware())

	// PUBLIC ROUTES (no auth required)
	productsHandler := products.NewHandler(s.catalog)
	productsHandler.RegisterRoutes(v1)

	checkoutHandler := checkout.NewHandler(s.checkouts)
	checkoutHandler.RegisterRoutes(v1)

	var iapHandler *iap.Handler
	if s.iapService != nil {
		iapHandler = iap.NewHandler(s.iapService)
		// Order lookup accepts an optional identity: support staff use it
		// unauthenticated, customers get their account filtered and granted.
		iapHandler.RegisterLookupRoutes(v1)
	}

	// PROTECTED ROUTES (require gateway-attested pubkey)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		checkoutHandler.RegisterProtectedRoutes(protected)

		accountsHandler := accounts.NewHandler(s.accounts)
		accountsHandler.RegisterRoutes(protected)

		if iapHandler != nil {
			iapHandler.RegisterRoutes(protected)
		}
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse is the aggregate health report.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Purple",
		"description": "Subscription entitlement backend",
		"version":     "0.1.0",
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

	// Tracing
	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.tracesStop = stop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodic DB pool gauges
	if s.db != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					metrics.CollectDBStats(s.db)
				case <-runCtx.Done():
					return
				}
			}
		}()
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

// Shutdown gracefully stops the server and its background goroutines
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, gauges)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
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
