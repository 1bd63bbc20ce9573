package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nodefed/nodefed/action"
	"github.com/nodefed/nodefed/api/handlers"
	"github.com/nodefed/nodefed/auth"
	"github.com/nodefed/nodefed/balancer"
	"github.com/nodefed/nodefed/breaker"
	"github.com/nodefed/nodefed/config"
	"github.com/nodefed/nodefed/internal/cache"
	"github.com/nodefed/nodefed/internal/database"
	"github.com/nodefed/nodefed/internal/metrics"
	"github.com/nodefed/nodefed/internal/server"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/search"
)

// Server wires the federation services behind the admin HTTP API.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector
	cache     *cache.Manager
	pool      *database.PoolManager

	store    node.Store
	registry *node.Registry
	breakers *breaker.Manager
	balancer *balancer.Balancer
	authSvc  *auth.Service

	searchSvc *search.Service
	actionSvc *action.Service

	healthHandler     *handlers.HealthHandler
	nodeHandler       *handlers.NodeHandler
	authHandler       *handlers.AuthHandler
	federationHandler *handlers.FederationHandler
	balanceHandler    *handlers.BalanceHandler

	rateLimiterCancel context.CancelFunc
}

// NewServer creates the server from loaded configuration and an open
// database handle.
func NewServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// Start initializes every service and starts the HTTP and metrics
// listeners.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("nodefed", s.logger)

	if err := s.initServices(); err != nil {
		return fmt.Errorf("failed to init services: %w", err)
	}
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) initServices() error {
	pool, err := database.NewPoolManager(s.db, database.PoolConfig{
		MaxOpenConns:    s.cfg.Database.MaxOpenConns,
		MaxIdleConns:    s.cfg.Database.MaxIdleConns,
		ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	if s.cfg.Redis.Addr != "" {
		cacheMgr, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
			DefaultTTL:   s.cfg.Redis.SearchCacheTTL,
		}, s.logger)
		if err != nil {
			s.logger.Warn("redis unavailable, search cache disabled", zap.Error(err))
		} else {
			s.cache = cacheMgr
		}
	} else {
		s.logger.Info("redis not configured, search cache disabled")
	}

	s.store = node.NewStore(s.db)

	client := node.NewClient(node.ClientConfig{
		RequestTimeout: s.cfg.Federation.RequestTimeout,
		PingTimeout:    s.cfg.Federation.PingTimeout,
		RetryCount:     s.cfg.Federation.RetryCount,
	}, s.logger)

	s.registry = node.NewRegistry(s.store, client, s.collector, s.logger)

	s.breakers = breaker.NewManager(&breaker.Config{
		FailureThreshold: s.cfg.Breaker.FailureThreshold,
		BaseBackoff:      s.cfg.Breaker.BaseBackoff,
		MaxBackoff:       s.cfg.Breaker.MaxBackoff,
	}, s.collector, s.logger)

	s.balancer = balancer.New(s.logger)

	s.authSvc = auth.NewService(auth.Config{
		Secret:           s.cfg.Auth.Secret,
		Issuer:           s.cfg.Auth.Issuer,
		TokenTTL:         s.cfg.Auth.TokenTTL,
		RefreshTokenDays: s.cfg.Auth.RefreshTokenDays,
	}, s.store, s.logger)

	searchSvc := search.NewService(search.Config{
		RequestTimeout:   s.cfg.Federation.RequestTimeout,
		AggregateTimeout: s.cfg.Federation.AggregateTimeout,
		DefaultLimit:     s.cfg.Federation.SearchLimit,
		MaxNodes:         s.cfg.Federation.MaxNodes,
		Strategy:         balancer.Strategy(s.cfg.Federation.Strategy),
		CacheTTL:         s.cfg.Redis.SearchCacheTTL,
	}, s.registry, s.store, client, s.breakers, s.balancer, s.authSvc, s.cache, s.collector, s.logger)

	actionSvc := action.NewService(action.Config{
		RequestTimeout:   s.cfg.Federation.RequestTimeout,
		AggregateTimeout: s.cfg.Federation.AggregateTimeout,
	}, s.registry, s.store, client, s.breakers, s.authSvc, s.collector, s.logger)

	s.searchSvc = searchSvc
	s.actionSvc = actionSvc
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))
	}

	s.nodeHandler = handlers.NewNodeHandler(s.registry, s.breakers, s.logger)
	s.authHandler = handlers.NewAuthHandler(s.authSvc, s.logger)
	s.federationHandler = handlers.NewFederationHandler(s.searchSvc, s.actionSvc, s.logger)
	s.balanceHandler = handlers.NewBalanceHandler(s.registry, s.balancer, s.logger)
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /auth/token", s.authHandler.Token)
	mux.HandleFunc("POST /auth/refresh", s.authHandler.Refresh)
	mux.HandleFunc("POST /auth/revoke", s.authHandler.Revoke)

	mux.HandleFunc("POST /api/v1/nodes", s.nodeHandler.Register)
	mux.HandleFunc("GET /api/v1/nodes", s.nodeHandler.List)
	mux.HandleFunc("GET /api/v1/nodes/statistics", s.nodeHandler.Statistics)
	mux.HandleFunc("POST /api/v1/nodes/ping", s.nodeHandler.PingAll)
	mux.HandleFunc("GET /api/v1/nodes/{slug}", s.nodeHandler.Get)
	mux.HandleFunc("PATCH /api/v1/nodes/{slug}", s.nodeHandler.Update)
	mux.HandleFunc("DELETE /api/v1/nodes/{slug}", s.nodeHandler.Delete)
	mux.HandleFunc("POST /api/v1/nodes/{slug}/ping", s.nodeHandler.Ping)
	mux.HandleFunc("POST /api/v1/nodes/{slug}/rotate-key", s.nodeHandler.RotateKey)
	mux.HandleFunc("POST /api/v1/nodes/{slug}/reset-circuit", s.nodeHandler.ResetCircuit)
	mux.HandleFunc("GET /api/v1/nodes/{slug}/breaker", s.nodeHandler.Breaker)
	mux.HandleFunc("GET /api/v1/nodes/{slug}/requests", s.nodeHandler.Requests)
	mux.HandleFunc("GET /api/v1/nodes/{slug}/collections", s.federationHandler.Collections)

	mux.HandleFunc("POST /api/v1/search", s.federationHandler.Search)
	mux.HandleFunc("POST /api/v1/actions/execute", s.federationHandler.Execute)
	mux.HandleFunc("POST /api/v1/actions/broadcast", s.federationHandler.Broadcast)

	mux.HandleFunc("POST /api/v1/balancer/select", s.balanceHandler.Select)
	mux.HandleFunc("POST /api/v1/balancer/distribute", s.balanceHandler.Distribute)

	skipAuthPaths := []string{
		"/healthz", "/ready", "/readyz", "/version",
		"/auth/token", "/auth/refresh", "/auth/revoke",
	}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		NodeAuth(s.authSvc, NodeAuthConfig{
			SkipPaths:        skipAuthPaths,
			MasterAPIKey:     s.cfg.Auth.MasterAPIKey,
			SharedSecret:     s.cfg.Auth.SharedSecret,
			AllowQueryAPIKey: s.cfg.Server.AllowQueryAPIKey,
		}, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown gracefully stops the listeners and closes the backing
// connections.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
