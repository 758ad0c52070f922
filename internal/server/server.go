// Package server wires the HTTP surface, the ingestion queue, and the
// background loops (leadership, poller, sweeper) into one process.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
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
	"github.com/musebot/muse/internal/billing"
	"github.com/musebot/muse/internal/circuitbreaker"
	"github.com/musebot/muse/internal/config"
	"github.com/musebot/muse/internal/delivery"
	"github.com/musebot/muse/internal/health"
	"github.com/musebot/muse/internal/job"
	"github.com/musebot/muse/internal/leader"
	"github.com/musebot/muse/internal/logging"
	"github.com/musebot/muse/internal/metrics"
	"github.com/musebot/muse/internal/provider"
	"github.com/musebot/muse/internal/queue"
	"github.com/musebot/muse/internal/ratelimit"
	"github.com/musebot/muse/internal/realtime"
	"github.com/musebot/muse/internal/security"
	"github.com/musebot/muse/internal/traces"
	"github.com/musebot/muse/internal/validation"
	"github.com/musebot/muse/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and all domain dependencies.
type Server struct {
	cfg            *config.Config
	jobStore       job.Store
	coordinator    *job.Coordinator
	walletSvc      *wallet.Service
	queue          *queue.Queue
	leaderCtrl     *leader.Controller
	lockStore      leader.LockStore
	providerClient *provider.Client
	poller         *provider.Poller
	sweeper        *job.Sweeper
	deliverer      job.Deliverer
	hub            *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithDeliverer sets a custom result deliverer (for testing)
func WithDeliverer(d job.Deliverer) Option {
	return func(s *Server) {
		s.deliverer = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set deliverer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// One breaker instance covers all outbound dependencies; each client
	// tracks its own key.
	breaker := circuitbreaker.New(5, 30*time.Second)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore wallet.Store
		dedupStore  queue.DedupStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		jobStore := job.NewPostgresStore(db)
		if err := jobStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate job store", "error", err)
		}
		s.jobStore = jobStore

		pgWallet := wallet.NewPostgresStore(db)
		if err := pgWallet.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate wallet store", "error", err)
		}
		walletStore = pgWallet

		lockStore := leader.NewPostgresStore(db)
		if err := lockStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate leader store", "error", err)
		}
		s.lockStore = lockStore

		dedup := queue.NewPostgresDedup(db)
		if err := dedup.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dedup store", "error", err)
		}
		dedupStore = dedup

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist, leadership is process-local)")
		s.jobStore = job.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		s.lockStore = leader.NewMemoryStore()
		dedupStore = queue.NewMemoryDedup()
	}

	s.walletSvc = wallet.NewService(walletStore, s.logger)

	// Result deliverer: signed webhook push to the bot gateway, unless
	// injected. Without a configured URL results are logged and dropped,
	// which is only acceptable in development.
	if s.deliverer == nil {
		if cfg.DeliveryURL != "" {
			if err := security.ValidateEndpointURL(cfg.DeliveryURL); err != nil {
				if cfg.IsProduction() {
					return nil, fmt.Errorf("unsafe DELIVERY_URL: %w", err)
				}
				s.logger.Warn("DELIVERY_URL would be rejected in production", "error", err)
			}
			s.deliverer = delivery.NewWebhook(cfg.DeliveryURL, cfg.DeliverySecret, breaker, s.logger)
			s.logger.Info("result delivery enabled", "url", cfg.DeliveryURL, "signed", cfg.DeliverySecret != "")
		} else {
			if cfg.IsProduction() {
				return nil, fmt.Errorf("DELIVERY_URL is required in production")
			}
			s.deliverer = &logDeliverer{logger: s.logger}
			s.logger.Warn("no DELIVERY_URL set, results will be logged only")
		}
	}

	// Realtime hub for job status streaming
	s.hub = realtime.NewHub(s.logger)

	s.coordinator = job.NewCoordinator(
		s.jobStore, s.walletSvc, s.deliverer, s.logger,
		cfg.DeliveryLease, cfg.StaleJobAfter,
	).WithNotifier(s.hub)

	// Leadership controller. With in-memory storage the lock store is
	// process-local, so a single instance always becomes leader.
	s.leaderCtrl = leader.NewController(s.lockStore, leader.Config{
		InstanceID:         cfg.InstanceID,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		AcquireRetryMax:    cfg.AcquireRetryMax,
		AcquireSteady:      cfg.AcquireSteady,
		StaleAfter:         cfg.LeaderStaleAfter,
		TakeoverCheckEvery: cfg.TakeoverCheckPeriod,
	}, s.logger)

	// Ingestion queue with its workers and dedup janitor
	s.queue = queue.New(queue.Config{
		Capacity:       cfg.QueueCapacity,
		Workers:        cfg.QueueWorkers,
		FollowerKinds:  cfg.FollowerAllowedKinds,
		DedupRetention: cfg.DedupRetention,
	}, s.leaderCtrl, dedupStore, s.logger)
	s.registerQueueHandlers()

	// Generation provider client plus the fallback poller
	if cfg.ProviderBaseURL == "" {
		s.logger.Warn("no PROVIDER_BASE_URL set, confirmed jobs will fail at submission")
	}
	s.providerClient = provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, breaker)
	s.poller = provider.NewPoller(s.providerClient, s.jobStore, s.coordinator, s.leaderCtrl, cfg.PollerInterval, s.logger)

	// Stale-job sweeper
	s.sweeper = job.NewSweeper(s.coordinator, s.leaderCtrl, cfg.SweepInterval, s.logger)

	s.checks.Register("queue", func(ctx context.Context) health.Status {
		depth := s.queue.Depth()
		if depth >= cfg.QueueCapacity {
			return health.Status{Name: "queue", Healthy: false, Detail: "queue full"}
		}
		return health.Status{Name: "queue", Healthy: true, Detail: fmt.Sprintf("depth %d/%d", depth, cfg.QueueCapacity)}
	})

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

// logDeliverer acknowledges deliveries without pushing them anywhere.
// Development fallback when no gateway URL is configured.
type logDeliverer struct {
	logger *slog.Logger
}

func (d *logDeliverer) OnDeliveryReady(ctx context.Context, ownerID int64, jobID string, outcome job.Outcome) error {
	d.logger.Info("delivery (log only)", "jobId", jobID, "ownerId", ownerID, "success", outcome.Success)
	return nil
}

// -----------------------------------------------------------------------------
// Queue handlers
// -----------------------------------------------------------------------------

// queueEnqueuer adapts the queue to the narrow interface the HTTP handlers
// use to fast-ack.
type queueEnqueuer struct {
	q *queue.Queue
}

func (e queueEnqueuer) Enqueue(id, kind string, payload []byte) bool {
	return e.q.Enqueue(queue.Event{ID: id, Kind: kind, Payload: payload}) == queue.Accepted
}

func (s *Server) registerQueueHandlers() {
	s.queue.Register(job.KindConfirm, s.handleConfirmEvent)
	s.queue.Register(job.KindResult, s.handleResultEvent)
	s.queue.Register(job.KindStatus, s.handleStatusEvent)
}

// handleConfirmEvent runs the heavy half of POST /v1/jobs/:id/confirm:
// queue the job (placing the wallet hold), submit it to the provider, and
// mark it running. Submission failure fails the job, which returns the hold.
func (s *Server) handleConfirmEvent(ctx context.Context, ev queue.Event) error {
	var p job.ConfirmPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decoding confirm payload: %w", err)
	}

	j, err := s.coordinator.ConfirmAndQueue(ctx, p.JobID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrInvalidTransition):
			// Replayed or late confirm; the job already moved on.
			s.logger.Info("confirm event had no effect", "jobId", p.JobID, "error", err)
			return nil
		case errors.Is(err, wallet.ErrInsufficientFunds):
			// Hold failed and the transition was reverted. The owner sees
			// the job still awaiting confirmation and can top up.
			s.logger.Info("confirm rejected, insufficient funds", "jobId", p.JobID)
			return nil
		default:
			return err
		}
	}

	taskID, err := s.providerClient.Submit(ctx, j.ID, j.Descriptor)
	if err != nil {
		s.logger.Error("provider submission failed", "jobId", j.ID, "error", err)
		if _, failErr := s.coordinator.Fail(ctx, j.ID, "provider submission failed"); failErr != nil && !errors.Is(failErr, job.ErrInvalidTransition) {
			return failErr
		}
		return nil
	}

	if _, err := s.coordinator.MarkRunning(ctx, j.ID, taskID); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		return err
	}
	return nil
}

// handleStatusEvent pushes the current job state to stream subscribers on a
// provider progress ping. No state changes, so followers process these too
// (the default follower allow-list admits job.status).
func (s *Server) handleStatusEvent(ctx context.Context, ev queue.Event) error {
	var p job.StatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decoding status payload: %w", err)
	}

	j, err := s.coordinator.Resolve(ctx, p.Ref)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			s.logger.Debug("status ping for unknown job", "ref", p.Ref)
			return nil
		}
		return err
	}

	s.hub.JobEvent(j)
	return nil
}

// handleResultEvent feeds a provider callback into the coordinator. The
// poller is the durable fallback, so any benign race outcome is simply
// dropped here.
func (s *Server) handleResultEvent(ctx context.Context, ev queue.Event) error {
	var p job.ResultPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decoding result payload: %w", err)
	}

	err := s.coordinator.CompleteFromResult(ctx, p.Ref, job.Outcome{
		Success: p.Success,
		Result:  p.Result,
		Error:   p.Error,
	})
	if err != nil {
		if errors.Is(err, job.ErrNotFound) || errors.Is(err, job.ErrInvalidTransition) {
			s.logger.Warn("result for unknown or settled job", "ref", p.Ref, "error", err)
			return nil
		}
		return err
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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// V1 API group
	v1 := s.router.Group("/v1")

	// WebSocket stream of job status changes
	v1.GET("/stream", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	jobHandler := job.NewHandler(s.coordinator, queueEnqueuer{s.queue})
	jobHandler.RegisterRoutes(v1)

	walletHandler := wallet.NewHandler(s.walletSvc, s.logger)
	walletHandler.RegisterRoutes(v1)

	billingHandler := billing.NewHandler(s.walletSvc, s.cfg.StripeWebhookSecret, s.logger)
	billingHandler.RegisterRoutes(v1)
}

// healthSnapshot is the /healthz response body.
type healthSnapshot struct {
	Status          string          `json:"status"`
	Role            string          `json:"role"`
	QueueDepth      int             `json:"queue_depth"`
	QueueDropped    uint64          `json:"queue_dropped"`
	LeaseAgeSeconds *float64        `json:"lease_age_seconds,omitempty"`
	Checks          []health.Status `json:"checks"`
	Timestamp       string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	snap := healthSnapshot{
		Status:       "healthy",
		Role:         s.leaderCtrl.Role().String(),
		QueueDepth:   s.queue.Depth(),
		QueueDropped: s.queue.Dropped(),
		Checks:       statuses,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	if info, err := s.lockStore.Holder(ctx); err == nil {
		age := time.Since(info.HeartbeatAt).Seconds()
		snap.LeaseAgeSeconds = &age
	}

	httpStatus := http.StatusOK
	if !healthy {
		snap.Status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, snap)
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"instance", s.cfg.InstanceID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Leadership loop
	go s.leaderCtrl.Run(runCtx)

	// Queue workers and dedup janitor
	go s.queue.Start(runCtx)

	// Realtime hub
	go s.hub.Run(runCtx)

	// Fallback result poller
	go s.poller.Start(runCtx)

	// Stale-job sweeper
	go s.sweeper.Start(runCtx)

	// DB pool stats
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

	// Cancel the context for all background goroutines (hub, queue, loops).
	// The leadership controller releases the lock on its way out.
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

	// Stop the poller and sweeper timers
	if s.poller != nil {
		s.poller.Stop()
		s.logger.Info("result poller stopped")
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("stale-job sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
