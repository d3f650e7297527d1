package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/pagecache/internal/authgate"
	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/errorpage"
	"github.com/l0p7/pagecache/internal/logging"
	"github.com/l0p7/pagecache/internal/metrics"
	"github.com/l0p7/pagecache/internal/origin"
	"github.com/l0p7/pagecache/internal/runtime"
	"github.com/l0p7/pagecache/internal/runtime/cache"
	"github.com/l0p7/pagecache/internal/runtime/session"
	"github.com/l0p7/pagecache/internal/server"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		envPrefix  = flag.String("env-prefix", "PAGECACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	app, err := assemble(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	if strings.TrimSpace(configFile) != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			_ = app.engine.Reload(ctx, next)
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, app.handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// application is the wired request path plus the resources it owns.
type application struct {
	handler http.Handler
	engine  *runtime.Engine
	closers []func(context.Context) error
	logger  *slog.Logger
}

func (a *application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("shutdown step failed", slog.Any("error", err))
		}
	}
}

func assemble(ctx context.Context, logger *slog.Logger, cfg config.Config) (*application, error) {
	app := &application{logger: logger}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	var (
		gate     session.AuthGate
		verdicts runtime.VerdictStore
	)
	if cfg.AuthGate.Enabled {
		gateLogger := logger.With(slog.String("agent", "auth_gate_factory"))
		db, err := authgate.OpenDB(ctx, cfg.AuthGate)
		if err != nil {
			gateLogger.Error("auth gate database unavailable; sessions are classified by cookie alone", slog.Any("error", err))
		} else {
			app.closers = append(app.closers, func(context.Context) error { return db.Close() })
			sqlGate, err := authgate.NewSQLGate(db, cfg.AuthGate, logger, recorder)
			if err != nil {
				app.close()
				return nil, fmt.Errorf("auth gate: %w", err)
			}
			verdictCache := buildVerdictCache(gateLogger, cfg.AuthGate.VerdictCache)
			app.closers = append(app.closers, verdictCache.Close)
			cached := authgate.NewCachedGate(authgate.CachedGateOptions{
				Next:                  sqlGate,
				Cache:                 verdictCache,
				TTL:                   time.Duration(cfg.AuthGate.VerdictCache.TTLSeconds) * time.Second,
				Salt:                  cfg.AuthGate.VerdictCache.KeySalt,
				LoggedInCookie:        cfg.Cache.LoggedInCookie,
				TwoFactorCookiePrefix: cfg.AuthGate.TwoFactorCookiePrefix(),
				Logger:                logger,
				Metrics:               recorder,
			})
			gate = cached
			verdicts = cached
		}
	}

	engine, err := runtime.NewEngine(logger, runtime.Options{
		Config:   cfg,
		Gate:     gate,
		Verdicts: verdicts,
		Metrics:  recorder,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("decision engine: %w", err)
	}

	page, err := errorpage.New(cfg.Origin.ErrorPage)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("error page: %w", err)
	}
	proxy, err := origin.NewProxy(origin.Options{
		Origin:            cfg.Origin,
		Page:              page,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Logger:            logger,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("origin proxy: %w", err)
	}

	app.engine = engine
	app.handler = server.NewRouter(server.RouterOptions{
		AdminPrefix: cfg.Server.Admin.Prefix,
		Engine:      engine,
		Origin:      proxy,
		Metrics:     recorder.Handler(),
	})
	logger.Info("page cache ready",
		slog.Bool("cache_enabled", engine.CacheActive()),
		slog.Bool("auth_gate", gate != nil),
		slog.String("origin", proxy.Target()),
	)
	return app, nil
}

func buildVerdictCache(logger *slog.Logger, cfg config.VerdictCacheConfig) cache.VerdictCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory verdict cache", slog.Duration("ttl", ttl))
		}
		return cache.NewMemory(ttl)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: authgate.VerdictKeyPrefix,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis verdict cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory verdict cache")
			}
			return cache.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using redis verdict cache", slog.String("address", cfg.Redis.Address))
		}
		return redisCache
	default:
		if logger != nil {
			logger.Warn("unsupported verdict cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory(ttl)
	}
}
