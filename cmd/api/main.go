package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"teamboard.org/internal/audit"
	"teamboard.org/internal/auth"
	"teamboard.org/internal/config"
	"teamboard.org/internal/httpapi"
	"teamboard.org/internal/notify"
	"teamboard.org/internal/obs"
	"teamboard.org/internal/reset"
	"teamboard.org/internal/revocation"
	"teamboard.org/internal/store/memory"
	"teamboard.org/internal/store/pg"
	"teamboard.org/internal/users"
)

// backend is satisfied by both the PostgreSQL and the in-memory store.
type backend interface {
	auth.Directory
	Resets() reset.Store
	AuditLog() audit.Store
	Users() users.Store
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, a auth.Actor) (*auth.Actor, error)
}

func main() {
	configPath := flag.String("config", os.Getenv("TEAMBOARD_CONFIG"), "Path to an optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "teamboard-api: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, errs := config.Load(configPath)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.LogLevel, File: cfg.LogFile, Compress: true})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	summary := make([]zap.Field, 0, 16)
	for k, v := range cfg.LogSummary() {
		summary = append(summary, zap.String(k, v))
	}
	logger.Info("configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := obs.NewTracerProvider(ctx, obs.TracingConfig{
		Enabled:      cfg.TracingEndpoint != "",
		ServiceName:  "teamboard-api",
		Environment:  cfg.Env,
		Endpoint:     cfg.TracingEndpoint,
		Insecure:     cfg.Env == config.DefaultEnv,
		SamplingRate: cfg.TracingSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	var db backend
	if cfg.UsesMemoryStore() {
		logger.Warn("no database configured, using the in-memory store")
		db = memory.New()
	} else {
		store, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		db = store
	}

	if cfg.BootstrapAdminEmail != "" {
		if err := bootstrapAdmin(ctx, db, cfg, logger); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	obs.InitBuildInfo(reg)
	httpMetrics := obs.NewHTTPMetrics()
	gateMetrics := auth.NewGateMetrics()
	auditMetrics := audit.NewMetrics()
	resetMetrics := reset.NewMetrics()
	for _, r := range []interface {
		Register(prometheus.Registerer) error
	}{httpMetrics, gateMetrics, auditMetrics, resetMetrics} {
		if err := r.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	var (
		rdb         *redis.Client
		revocations httpapi.Revocations = revocation.NewMemory()
	)
	if cfg.RedisURL != "" {
		if rdb, err = notify.NewRedisClient(ctx, cfg.RedisURL); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		revocations = revocation.NewRedis(rdb, "")
	}
	notifier := buildNotifier(cfg, rdb, logger)

	anchor, err := reset.ParseExpiryAnchor(cfg.ResetAnchor)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL, auth.WithIssuerName(cfg.JWTIssuer))
	if err != nil {
		return err
	}

	gate := auth.NewGate(auth.WithGateLogger(logger), auth.WithGateMetrics(gateMetrics))
	auditLog := audit.NewLog(db.AuditLog(), audit.WithLogger(logger), audit.WithMetrics(auditMetrics))
	resets := reset.NewService(db.Resets(), db, auditLog, notifier,
		reset.WithTTL(cfg.ResetTTL),
		reset.WithExpiryAnchor(anchor),
		reset.WithGate(gate),
		reset.WithLogger(logger),
		reset.WithMetrics(resetMetrics),
	)
	userSvc := users.NewService(db.Users(), auditLog, users.WithGate(gate), users.WithLogger(logger))

	proxies, err := httpapi.ParseProxyTrust(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	api, err := httpapi.New(httpapi.Deps{
		Resets: resets,
		Users:  userSvc,
		Audit:  auditLog,
		Auth:   auth.NewAuthenticator(db),
		Tokens: tokens,
		Gate:   gate,
		Ready:  db,
	},
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(httpMetrics, reg),
		httpapi.WithRateLimiter(httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
		httpapi.WithProxyTrust(proxies),
		httpapi.WithRevocations(revocations),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting teamboard-api",
			zap.String("version", obs.Version()),
			zap.String("commit", obs.Commit()),
			zap.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func bootstrapAdmin(ctx context.Context, db backend, cfg *config.Config, logger *zap.Logger) error {
	if err := auth.CheckPasswordPolicy(cfg.BootstrapAdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	admin, err := db.EnsureUser(ctx, auth.Actor{
		Email:        cfg.BootstrapAdminEmail,
		Role:         auth.RoleAdmin,
		Active:       true,
		PasswordHash: hash,
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logger.Info("bootstrap admin ready", zap.String("user_id", admin.ID), zap.String("email", admin.Email))
	return nil
}

// buildNotifier always logs notifications and also publishes them to Redis
// when a URL is configured.
func buildNotifier(cfg *config.Config, client *redis.Client, logger *zap.Logger) notify.Notifier {
	sinks := notify.Multi{notify.NewLogSink(logger)}
	if client != nil {
		sinks = append(sinks, notify.NewRedisSink(client, cfg.RedisChannel))
	}
	return sinks
}
