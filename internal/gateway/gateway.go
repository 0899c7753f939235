// ABOUTME: Gateway orchestrator that wires auth, limits, registry and proxy behind one HTTP server
// ABOUTME: Manages listeners, background health probing, async sinks and shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/health"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/ratelimit"
	"github.com/2389/mcp-gateway/internal/registry"
	"github.com/2389/mcp-gateway/internal/secrets"
	"github.com/2389/mcp-gateway/internal/sink"
	"github.com/2389/mcp-gateway/internal/store"
)

// redisKeyPrefix namespaces rate-limit windows in a shared Redis.
const redisKeyPrefix = "mcpgw:rl:"

// Gateway orchestrates the mcp-gateway server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	gate        *auth.Gate
	limiter     *ratelimit.Limiter
	registry    *registry.Registry
	router      *proxy.Router
	pool        *proxy.Pool
	monitor     *health.Monitor // nil when probing is disabled
	audit       *sink.AuditLog
	usage       *sink.UsageCollector
	metrics     *metrics.Metrics
	redis       *redis.Client // nil unless the redis counter backend is used
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the SQLite store, sealing credentials with the configured key.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MCP_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	box, err := secrets.NewBox([]byte(cfg.Auth.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("initializing credential sealing: %w", err)
	}

	s, err := store.NewSQLiteStore(dbPath, box)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	logger.Info("store opened", "path", dbPath)
	return s, nil
}

// initCounters returns the counter store selected by rate_limit.backend.
func initCounters(cfg config.RateLimitConfig, s *store.SQLiteStore) (ratelimit.CounterStore, *redis.Client) {
	switch cfg.Backend {
	case "memory":
		return ratelimit.NewMemoryCounter(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return ratelimit.NewRedisCounter(client, redisKeyPrefix), client
	default:
		return ratelimit.NewSQLiteCounter(s), nil
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	hasher, err := auth.NewKeyHasher([]byte(cfg.Auth.APIKeySecret))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating key hasher: %w", err)
	}

	m := metrics.New()
	auditLog := sink.NewAuditLog(s, sink.OptionsFromConfig("audit", cfg.Audit, sink.PolicyBlock, m, logger))
	usage := sink.NewUsageCollector(s, sink.OptionsFromConfig("usage", cfg.Usage, sink.PolicyDrop, m, logger))

	gate := auth.NewGate(auth.GateConfig{
		Keys:          s,
		Orgs:          s,
		Hasher:        hasher,
		Tokens:        auth.NewServiceTokenVerifier(s, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience, cfg.Auth.ClockSkew),
		Audit:         auditLog,
		Metrics:       m,
		TouchDebounce: cfg.Auth.LastUsedDebounce,
		Logger:        logger,
	})

	counters, redisClient := initCounters(cfg.RateLimit, s)
	limiter := ratelimit.New(counters, ratelimit.Options{
		Plans:       cfg.RateLimit.Plans,
		DefaultPlan: cfg.RateLimit.DefaultPlan,
		SelfHosted:  cfg.RateLimit.SelfHosted,
		Metrics:     m,
		Logger:      logger,
	})

	reg := registry.New(registry.Config{
		Store:      s,
		Hasher:     hasher,
		Audit:      auditLog,
		MaxTimeout: cfg.Proxy.MaxTimeout,
		Logger:     logger,
	})

	pool := proxy.NewPool(proxy.PoolConfig{
		MaxConcurrent:       cfg.Proxy.MaxConcurrent,
		MaxIdleConnsPerHost: cfg.Proxy.MaxIdleConnsPerHost,
		IdleTimeout:         cfg.Proxy.IdleTimeout,
		CheckoutTimeout:     cfg.Proxy.CheckoutTimeout,
		Metrics:             m,
		Logger:              logger,
	})
	reg.Observe(pool)

	routerCfg := proxy.Config{
		Pool:            pool,
		Usage:           usage,
		Audit:           auditLog,
		Metrics:         m,
		DefaultTimeout:  cfg.Proxy.DefaultTimeout,
		MaxTimeout:      cfg.Proxy.MaxTimeout,
		PartialTimeout:  cfg.Proxy.PartialTimeout,
		UnhealthyPolicy: cfg.Proxy.UnhealthyPolicy,
		DisableRetry:    cfg.Proxy.DisableRetry,
		Logger:          logger,
	}

	var monitor *health.Monitor
	if !cfg.Health.Disabled {
		monitor = health.NewMonitor(health.Config{
			Prober:   health.NewHTTPProber(nil),
			Interval: cfg.Health.Interval,
			Timeout:  cfg.Health.Timeout,
			Thresholds: health.Thresholds{
				Failure:  cfg.Health.FailureThreshold,
				Recovery: cfg.Health.RecoveryThreshold,
			},
			Audit:   auditLog,
			Metrics: m,
			Logger:  logger,
		})
		reg.Observe(monitor)
		routerCfg.Health = monitor
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		gate:     gate,
		limiter:  limiter,
		registry: reg,
		router:   proxy.NewRouter(routerCfg),
		pool:     pool,
		monitor:  monitor,
		audit:    auditLog,
		usage:    usage,
		metrics:  m,
		redis:    redisClient,
		logger:   logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	authn := auth.Middleware(g.gate, g.writeError)
	requireAdmin := auth.RequireAdmin(g.writeError)
	member := func(h http.HandlerFunc) http.Handler { return authn(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authn(requireAdmin(h)) }

	mux.Handle("POST /mcp", member(g.handleInvoke))
	mux.Handle("GET /mcp/tools", member(g.handleListTools))

	mux.Handle("GET /v1/mcps", member(g.handleListServers))
	mux.Handle("GET /v1/mcps/{id}", member(g.handleGetServer))
	mux.Handle("POST /v1/mcps", admin(g.handleCreateServer))
	mux.Handle("POST /v1/mcps/{id}", admin(g.handleCreateServer))
	mux.Handle("PATCH /v1/mcps/{id}", admin(g.handleUpdateServer))
	mux.Handle("DELETE /v1/mcps/{id}", admin(g.handleDeleteServer))

	mux.Handle("GET /v1/api-keys", admin(g.handleListKeys))
	mux.Handle("GET /v1/api-keys/{id}", admin(g.handleGetKey))
	mux.Handle("POST /v1/api-keys", admin(g.handleCreateKey))
	mux.Handle("DELETE /v1/api-keys/{id}", admin(g.handleRevokeKey))

	mux.Handle("GET /v1/usage", member(g.handleUsage))
	mux.Handle("GET /v1/audit", admin(g.handleAudit))

	return withRequestID(mux)
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and the health monitor and blocks until the
// context is canceled or a component fails, then shuts everything down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if g.monitor != nil {
		grp.Go(func() error {
			return g.monitor.Run(gctx, g.store)
		})
	}

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mcp-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, waits for in-flight calls, then drains
// the sinks before closing the store they write to.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.monitor != nil {
		g.monitor.Close()
	}
	g.pool.Close()
	g.gate.Close()

	errs = appendCloseError(errs, "usage sink", g.usage.Close(ctx))
	errs = appendCloseError(errs, "audit sink", g.audit.Close(ctx))

	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d pooled origins)", g.pool.Len())
}
