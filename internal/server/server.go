// Package server exposes the engine over HTTP and WebSocket.
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
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/offersync/internal/account"
	"github.com/mbd888/offersync/internal/catalog"
	"github.com/mbd888/offersync/internal/config"
	"github.com/mbd888/offersync/internal/engine"
	"github.com/mbd888/offersync/internal/health"
	"github.com/mbd888/offersync/internal/logging"
	"github.com/mbd888/offersync/internal/metrics"
	"github.com/mbd888/offersync/internal/ratelimit"
	"github.com/mbd888/offersync/internal/realtime"
	"github.com/mbd888/offersync/internal/security"
	"github.com/mbd888/offersync/internal/subscription"
	"github.com/mbd888/offersync/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Engine is the set of engine operations the API drives.
type Engine interface {
	Bootstrap(ctx context.Context) (account.Account, error)
	RefreshAccount(ctx context.Context) (account.Account, error)
	SetRegistryAddress(ctx context.Context, addr string) error
	BindDeployed(ctx context.Context) error
	LoadOffers(ctx context.Context) (catalog.Snapshot, error)
	SelectOffer(ctx context.Context, index uint64) error
	SetDuration(ctx context.Context, minutes uint64) error
	CreateSubscription(ctx context.Context) (subscription.Pending, error)
	Watch(ctx context.Context) error
	Snapshot() engine.State
	Run(ctx context.Context) error
	Close() error
}

var _ Engine = (*engine.Engine)(nil)

// ErrSelectUnsupported is returned by an AccountSelector whose wallet
// cannot switch accounts on request.
var ErrSelectUnsupported = errors.New("server: wallet does not support account selection")

// AccountSelector makes addr the wallet's active account.
type AccountSelector func(ctx context.Context, addr common.Address) error

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       Engine
	hub          *realtime.Hub
	selectAcct   AccountSelector
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithHealthCheck registers a named dependency check for /health.
func WithHealthCheck(name string, check health.Checker) Option {
	return func(s *Server) {
		s.health.Register(name, check)
	}
}

// WithAccountSelector enables PUT /v1/account.
func WithAccountSelector(sel AccountSelector) Option {
	return func(s *Server) {
		s.selectAcct = sel
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, eng Engine, hub *realtime.Hub, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, errors.New("server: engine is required")
	}
	if hub == nil {
		return nil, errors.New("server: realtime hub is required")
	}
	s := &Server{
		cfg:        cfg,
		engine:     eng,
		hub:        hub,
		health:     health.NewRegistry(health.DefaultTimeout),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.Register("provider", s.providerCheck)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	limits := ratelimit.DefaultConfig()
	limits.RequestsPerMinute = cfg.MutationsPerMinute
	s.rateLimiter = ratelimit.New(limits)

	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// providerCheck fails until the engine has bootstrapped a session.
func (s *Server) providerCheck(context.Context) error {
	if !s.engine.Snapshot().Bootstrapped {
		return engine.ErrNotBootstrapped
	}
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from a proxy, the MCP client, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	// State stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		v1.GET("/state", s.getState)
		v1.GET("/offers", s.listOffers)
		v1.GET("/ws/stats", s.wsStats)

		// Everything below may prompt the wallet or hit the chain.
		mut := v1.Group("", s.rateLimiter.Middleware())
		mut.POST("/bootstrap", s.bootstrap)
		mut.POST("/account/refresh", s.refreshAccount)
		mut.PUT("/account", s.selectAccount)
		mut.PUT("/registry", s.setRegistry)
		mut.POST("/offers/load", s.loadOffers)
		mut.PUT("/intent/offer", s.selectOffer)
		mut.PUT("/intent/duration", s.setDuration)
		mut.POST("/subscriptions", s.createSubscription)
		mut.POST("/subscriptions/watch", s.watchConfirmations)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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

func (s *Server) wsStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the realtime hub and the engine loop, and
// blocks until a signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Subscribe blocks on the wallet; leave room for a human to approve.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "rpc", s.cfg.RPCURL)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	go func() {
		if err := s.engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("engine: %w", err)
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the hub and the engine loop
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	s.rateLimiter.Stop()

	// Tears down confirmation listeners and the provider session
	if err := s.engine.Close(); err != nil {
		s.logger.Error("engine close error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
