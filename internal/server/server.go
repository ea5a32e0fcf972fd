// Package server wires storage, chain access and the escrow coordinator
// behind the paylink HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // postgres driver

	"github.com/mbd888/paylink/internal/auth"
	"github.com/mbd888/paylink/internal/chain"
	"github.com/mbd888/paylink/internal/circuitbreaker"
	"github.com/mbd888/paylink/internal/config"
	"github.com/mbd888/paylink/internal/escrow"
	"github.com/mbd888/paylink/internal/health"
	"github.com/mbd888/paylink/internal/invoice"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/metrics"
	"github.com/mbd888/paylink/internal/ratelimit"
	"github.com/mbd888/paylink/internal/realtime"
	"github.com/mbd888/paylink/internal/traces"
	"github.com/mbd888/paylink/internal/validation"
	"github.com/mbd888/paylink/internal/wallet"
	"github.com/mbd888/paylink/internal/webhooks"
)

// taskTimeout bounds background repairs submitted by reconciliation.
const taskTimeout = 30 * time.Second

// Server owns every long-lived dependency of the API process.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB           // nil if using in-memory
	client   *ethclient.Client // nil when chain access is injected
	store    invoice.Store
	escrow   chain.Reader
	token    chain.TokenReader
	session  wallet.Session // nil runs the API read-only
	service  *escrow.Service
	timer    *escrow.Timer
	tasks    *escrow.TaskRunner
	hub      *realtime.Hub
	hooks    webhooks.Store
	hookOut  *webhooks.Dispatcher
	health   *health.Registry
	breaker  *circuitbreaker.Breaker // nil when chain access is injected
	limiter  *ratelimit.Limiter      // nil when rate limiting is disabled
	router   *gin.Engine
	httpSrv  *http.Server
	shutdown func(context.Context) error // tracer shutdown

	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

type Option func(*Server)

// WithLogger replaces the logger built from LOG_LEVEL and LOG_FORMAT.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the invoice store instead of opening DATABASE_URL.
func WithStore(store invoice.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithWebhookStore sets the webhook subscription store.
func WithWebhookStore(store webhooks.Store) Option {
	return func(s *Server) {
		s.hooks = store
	}
}

// WithChain sets the contract readers instead of dialing RPC_URL.
func WithChain(escrow chain.Reader, token chain.TokenReader) Option {
	return func(s *Server) {
		s.escrow = escrow
		s.token = token
	}
}

// WithSession sets the operator session instead of loading PRIVATE_KEY.
func WithSession(session wallet.Session) Option {
	return func(s *Server) {
		s.session = session
	}
}

// New connects storage and chain access and builds the router. Injected
// dependencies skip the corresponding connection.
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

	shutdown, err := traces.Init(context.Background(), traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.shutdown = shutdown

	if err := s.initStore(); err != nil {
		return nil, err
	}
	if err := s.initChain(); err != nil {
		return nil, err
	}

	escrowAddr := common.HexToAddress(cfg.EscrowContract)
	s.tasks = escrow.NewTaskRunner(s.logger, taskTimeout)
	s.hub = realtime.NewHub(s.logger).WithOrigins(s.cfg.CORSOrigins)
	s.hookOut = webhooks.NewDispatcher(s.hooks, cfg.WebhookTimeout, s.logger).
		WithRetry(cfg.WebhookMaxAttempts, 0)
	s.service = escrow.NewService(s.store, s.escrow, s.token, escrow.Config{
		EscrowAddress:     escrowAddr,
		TokenAddress:      common.HexToAddress(cfg.TokenContract),
		AutoReleaseOffset: cfg.AutoReleaseOffset,
		ApprovalPoll: wallet.Poll{
			Attempts: cfg.ApprovalPollAttempts,
			Interval: cfg.ApprovalPollInterval,
		},
		ReceiptPoll:           wallet.DefaultPoll,
		TransferScanFromBlock: cfg.TransferScanFrom,
		FaucetEnabled:         cfg.FaucetEnabled,
	}).WithTasks(s.tasks).WithNotifier(escrow.Notifiers{s.hub, s.hookOut}).WithLogger(s.logger)
	s.timer = escrow.NewTimer(s.service, s.store, cfg.SweepInterval, s.logger)

	s.health.Register("sweeper", health.Running("sweeper", s.timer.Running))

	if s.session == nil {
		s.logger.Warn("no operator session configured; fund and release routes are disabled")
	} else {
		s.logger.Info("operator session loaded", "address", s.session.Address().Hex())
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) initStore() error {
	if s.store != nil {
		if s.hooks == nil {
			s.hooks = webhooks.NewMemoryStore()
		}
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = invoice.NewMemoryStore()
		s.hooks = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory invoice and webhook stores")
		return nil
	}

	db, err := openDB(s.cfg.DatabaseURL)
	if err != nil {
		return err
	}

	s.db = db
	s.store = invoice.NewPostgresStore(db)
	if s.hooks == nil {
		s.hooks = webhooks.NewPostgresStore(db)
	}
	s.health.Register("database", health.Database(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initChain() error {
	if s.escrow != nil && s.token != nil {
		return nil
	}

	client, err := ethclient.Dial(s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("%w: %v", wallet.ErrRPCConnection, err)
	}
	s.client = client

	breaker := circuitbreaker.New(s.cfg.RPCBreakerThreshold, s.cfg.RPCBreakerOpen)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("rpc circuit breaker", "method", key, "from", from.String(), "to", to.String())
	})
	s.breaker = breaker
	s.health.Register("rpc_breaker", breakerHealth(breaker))
	caller := circuitbreaker.WrapCaller(client, breaker)
	s.escrow = chain.NewEscrow(caller, common.HexToAddress(s.cfg.EscrowContract))
	s.token = chain.NewToken(caller, common.HexToAddress(s.cfg.TokenContract))
	s.health.Register("rpc", health.RPC(client))

	if s.session == nil && s.cfg.HasSession() {
		w, err := wallet.New(wallet.Config{
			RPCURL:     s.cfg.RPCURL,
			PrivateKey: s.cfg.PrivateKey,
			ChainID:    s.cfg.ChainID,
			GasCeiling: s.cfg.GasCeiling,
		}, wallet.WithClient(client), wallet.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to load operator wallet: %w", err)
		}
		s.session = w
	}
	s.logger.Info("connected to chain", "rpc", s.cfg.RPCURL, "chainId", s.cfg.ChainID)
	return nil
}

// breakerHealth is unhealthy while any RPC method's circuit is open.
func breakerHealth(b *circuitbreaker.Breaker) health.Checker {
	return func(context.Context) health.Status {
		var open []string
		for _, c := range b.Snapshot() {
			if c.State != circuitbreaker.StateClosed.String() {
				open = append(open, c.Key+"="+c.State)
			}
		}
		if len(open) > 0 {
			return health.Status{Name: "rpc_breaker", Healthy: false, Detail: strings.Join(open, ",")}
		}
		return health.Status{Name: "rpc_breaker", Healthy: true}
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(time.Minute)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// maskDSN blanks the password so the DSN can be logged.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if pw, set := u.User.Password(); set && pw != "" {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(
		s.recoveryMiddleware(),
		headersMiddleware(),
		corsMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		metrics.Middleware(),
		s.requestIDMiddleware(),
		traces.Middleware(),
		s.loggingMiddleware(),
	)
}

func (s *Server) setupRoutes() {
	r := s.router
	r.GET("/health", s.healthHandler)
	r.GET("/health/live", probe(&s.healthy, "alive", "unhealthy"))
	r.GET("/health/ready", probe(&s.ready, "ready", "not_ready"))
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	invoices := escrow.NewHandler(s.service, s.session)
	v1 := r.Group("/v1", validation.InvoiceIDParamMiddleware())

	public := v1.Group("")
	if rpm := s.cfg.RateLimitRPM; rpm > 0 {
		limits := ratelimit.DefaultConfig()
		limits.RequestsPerMinute = rpm
		limits.BurstSize = s.cfg.RateLimitBurst
		s.limiter = ratelimit.New(limits)
		public.Use(s.limiter.Middleware())
	}
	invoices.RegisterRoutes(public)

	admin := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	invoices.RegisterAdminRoutes(admin)
	webhooks.NewHandler(s.hooks, s.cfg.IsDevelopment()).RegisterAdminRoutes(admin)
	admin.GET("/admin/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
	admin.GET("/admin/rpc-breaker", s.breakerHandler)
}

func (s *Server) breakerHandler(c *gin.Context) {
	circuits := []circuitbreaker.CircuitStatus{}
	if s.breaker != nil {
		circuits = s.breaker.Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{"circuits": circuits})
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Session   string          `json:"session,omitempty"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	resp := HealthResponse{Status: "healthy", Checks: checks, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if s.session != nil {
		resp.Session = s.session.Address().Hex()
	}
	if !ok {
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// probe answers 200 with up while flag is set and 503 with down otherwise.
func probe(flag *atomic.Bool, up, down string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if flag.Load() {
			c.JSON(http.StatusOK, gin.H{"status": up})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
	}
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down. The readiness probe flips once the listener is bound.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Fund waits on several receipts.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  time.Minute,
		BaseContext:  func(net.Listener) context.Context { return runCtx },
	}

	go s.hub.Run(runCtx)
	go s.timer.Start(runCtx)
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
	}

	served := make(chan error, 1)
	go func() { served <- s.httpSrv.Serve(ln) }()
	s.ready.Store(true)
	s.logger.Info("server ready", "addr", ln.Addr().String(), "escrow", s.cfg.EscrowContract)

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = s.Shutdown()
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

// Shutdown drains HTTP traffic, then stops background work in dependency
// order: the sweeper and repair tasks finish before the store closes.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	time.Sleep(s.drainDelay) // load balancers notice the failed readiness probe

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.timer.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.tasks.Close()
	if err := s.hookOut.Close(ctx); err != nil {
		s.logger.Warn("webhook deliveries abandoned", "error", err)
	}
	if err := s.shutdown(ctx); err != nil {
		s.logger.Warn("tracer shutdown", "error", err)
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Router exposes the handler chain to tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the escrow coordinator.
func (s *Server) Service() *escrow.Service {
	return s.service
}
