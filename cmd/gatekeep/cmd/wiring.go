package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/executor"
	"github.com/jmcleod/gatekeep/identity"
	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/mediator"
	"github.com/jmcleod/gatekeep/password"
	"github.com/jmcleod/gatekeep/session"
	"github.com/jmcleod/gatekeep/storage"
	boltstore "github.com/jmcleod/gatekeep/storage/bbolt"
	"github.com/jmcleod/gatekeep/storage/memory"
	redisstore "github.com/jmcleod/gatekeep/storage/redis"
	"github.com/jmcleod/gatekeep/storage/sqlstore"
)

// loadConfig builds the effective configuration: defaults, then the config
// file, then flags set on the command line, then the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	override := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	override("log-level", func() { cfg.Log.Level = logLevel })
	override("log-format", func() { cfg.Log.Format = logFormat })
	override("store-backend", func() { cfg.Store.Backend = storeBackend })
	override("store-path", func() { cfg.Store.Path = storePath })
	override("store-dsn", func() { cfg.Store.DSN = storeDSN })
	override("addr", func() { cfg.Server.Addr = serverAddr })
	override("identity-url", func() { cfg.Identity.URL = identityURL })
	override("session-length", func() { cfg.Session.LengthMinutes = sessionMinutes })
	override("sweep-interval", func() { cfg.Session.SweepInterval = sweepInterval })
	override("tls-cert", func() { cfg.Server.TLSCert = tlsCert })
	override("tls-key", func() { cfg.Server.TLSKey = tlsKey })

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// openStore opens the configured session store. The returned func releases
// it and is never nil when err is nil.
func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Connector, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewStore(), func() error { return nil }, nil
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := boltstore.NewStoreFromFile(cfg.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return s, s.Close, nil
	case config.BackendPostgres, config.BackendSQLite:
		driver := cfg.Driver
		if cfg.Backend == config.BackendSQLite {
			driver = "sqlite"
		}
		s, err := sqlstore.OpenDSN(ctx, driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return s, s.Close, nil
	case config.BackendRedis:
		s, err := redisstore.NewStoreFromURL(ctx, cfg.DSN,
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithRetention(cfg.RedisRetention),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// service is a fully wired gatekeep instance.
type service struct {
	handler    http.Handler
	manager    *session.Manager
	api        *api.API
	exec       *executor.Executor
	closeStore func() error
	logger     *slog.Logger
}

func newService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var apiOpts []api.Option
	if len(cfg.Server.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.Server.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("%w: server.trusted_proxies: %w", config.ErrInvalidConfig, err)
		}
		apiOpts = append(apiOpts, opt)
	}

	directory, err := identity.NewDirectory(cfg.Identity.URL, cfg.Identity.APIKey,
		mediator.WithTimeout(cfg.Identity.Timeout),
		mediator.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	conn, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	exec := executor.New(
		executor.WithGracePeriod(cfg.Executor.GracePeriod),
		executor.WithMaxConcurrent(cfg.Executor.MaxConcurrent),
		executor.WithLogger(logger),
		executor.WithMetrics(executor.NewMetrics(reg)),
	)
	mgr := session.NewManager(conn, directory, password.NewVerifier(password.WithArgon2idParams(cfg.Password)),
		session.WithSessionLength(cfg.Session.SessionLength()),
		session.WithExecutor(exec),
		session.WithMetrics(session.NewMetrics(reg)),
		session.WithLogger(logger),
	)
	mgr.StartSweeper(cfg.Session.SweepInterval)

	apiOpts = append(apiOpts,
		api.WithLogger(logger),
		api.WithLoginRateLimit(rate.Limit(cfg.Server.LoginRate), cfg.Server.LoginBurst),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn(e.Message,
				"alert", e.Type,
				"count", e.Count,
				"threshold", e.Threshold,
			)
		}),
	)
	if cfg.Audit.WebhookURL != "" {
		apiOpts = append(apiOpts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuth))
	}
	a := api.New(mgr, apiOpts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Mount("/api/v1", a.Router())

	return &service{
		handler:    r,
		manager:    mgr,
		api:        a,
		exec:       exec,
		closeStore: closeStore,
		logger:     logger,
	}, nil
}

// Close stops background work, waits for in-flight store operations up to
// ctx's deadline and releases the store.
func (s *service) Close(ctx context.Context) error {
	s.api.Close()
	s.manager.Close()
	if err := s.exec.Close(ctx); err != nil {
		s.logger.Warn("closing executor", "error", err)
	}
	return s.closeStore()
}

// openMaintenanceManager returns a Manager over the configured store for
// commands that never log users in.
func openMaintenanceManager(ctx context.Context, cfg config.Config, logger *slog.Logger) (*session.Manager, func(), error) {
	conn, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	mgr := session.NewManager(conn, nil, nil,
		session.WithSessionLength(cfg.Session.SessionLength()),
		session.WithLogger(logger),
	)
	release := func() {
		mgr.Close()
		if err := closeStore(); err != nil {
			logger.Warn("closing session store", "error", err)
		}
	}
	return mgr, release, nil
}

// shutdownContext bounds graceful shutdown. A zero timeout waits forever.
func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
