package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/runtime/cache"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildVerdictCache(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.VerdictCacheConfig
		verify func(t *testing.T, verdicts cache.VerdictCache)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.VerdictCacheConfig {
				return config.VerdictCacheConfig{TTLSeconds: 1}
			},
			verify: func(t *testing.T, verdicts cache.VerdictCache) {
				require.NotNil(t, verdicts)
				storeAndLookup(t, verdicts)
			},
		},
		{
			name: "constructs redis cache",
			cfg: func(t *testing.T) config.VerdictCacheConfig {
				server := miniredis.RunT(t)
				return config.VerdictCacheConfig{
					Backend:    "redis",
					TTLSeconds: 1,
					Redis:      config.RedisConfig{Address: server.Addr()},
				}
			},
			verify: storeAndLookup,
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(t *testing.T) config.VerdictCacheConfig {
				server := miniredis.RunT(t)
				addr := server.Addr()
				server.Close()
				return config.VerdictCacheConfig{
					Backend:    "redis",
					TTLSeconds: 1,
					Redis:      config.RedisConfig{Address: addr},
				}
			},
			verify: storeAndLookup,
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.VerdictCacheConfig {
				return config.VerdictCacheConfig{Backend: "memcached", TTLSeconds: 1}
			},
			verify: storeAndLookup,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdicts := buildVerdictCache(newTestLogger(), tc.cfg(t))
			t.Cleanup(func() {
				require.NoError(t, verdicts.Close(context.Background()))
			})
			tc.verify(t, verdicts)
		})
	}
}

func storeAndLookup(t *testing.T, verdicts cache.VerdictCache) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	entry := cache.Verdict{Authenticated: true, StoredAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, verdicts.Store(ctx, "pagecache:verdict:test", entry))
	got, ok, err := verdicts.Lookup(ctx, "pagecache:verdict:test")
	require.NoError(t, err)
	require.True(t, ok, "expected lookup to succeed")
	require.True(t, got.Authenticated)
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "PAGECACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunRequiresOrigin(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		t.Fatal("server must not be constructed without an origin")
		return nil, nil
	})

	err := run(context.Background(), "PAGECACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "origin proxy")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: runnableConfig(t)}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "PAGECACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: runnableConfig(t)}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "PAGECACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunTreatsCancellationAsShutdown(t *testing.T) {
	stopped := false
	loader := &fakeLoader{cfg: runnableConfig(t), stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "PAGECACHE", "pagecache.yaml"))
	require.True(t, loader.watchSeen, "config file should be watched")
	require.True(t, stopped, "watcher should be stopped on shutdown")
}

func TestRunSkipsWatchWithoutConfigFile(t *testing.T) {
	loader := &fakeLoader{cfg: runnableConfig(t)}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "PAGECACHE", ""))
	require.False(t, loader.watchSeen)
}

func TestRunSurvivesWatchFailure(t *testing.T) {
	loader := &fakeLoader{cfg: runnableConfig(t), watchErr: errors.New("inotify exhausted")}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "PAGECACHE", "pagecache.yaml"))
	require.True(t, loader.watchSeen)
}

func TestAssembledRequestPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "rendered by origin for "+r.Host)
	}))
	t.Cleanup(upstream.Close)

	cfg := runnableConfig(t)
	cfg.Origin.URL = upstream.URL
	writeCachedPage(t, cfg.Cache.OutputDir, "example.com-abc123/page", "<html>cached</html>")

	app, err := assemble(context.Background(), newTestLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(app.close)

	server := httptest.NewServer(app.handler)
	t.Cleanup(server.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  server.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Timeout: 5 * time.Second},
	})

	t.Run("fresh entry is served from the store", func(t *testing.T) {
		result := expect.GET("/page").WithHost("example.com").Expect()
		result.Status(http.StatusOK)
		result.Header("X-Page-Cache").IsEqual("HIT")
		result.Header("Content-Type").IsEqual("text/html; charset=UTF-8")
		result.Body().IsEqual("<html>cached</html>")
	})

	t.Run("absent entry is proxied to the origin", func(t *testing.T) {
		result := expect.GET("/other").WithHost("example.com").Expect()
		result.Status(http.StatusOK)
		result.Header("X-Page-Cache").IsEqual("MISS")
		result.Body().IsEqual("rendered by origin for example.com")
	})

	t.Run("non cacheable method bypasses the store", func(t *testing.T) {
		result := expect.POST("/page").WithHost("example.com").Expect()
		result.Status(http.StatusOK)
		result.Header("X-Page-Cache").IsEqual("BYPASS")
		result.Body().IsEqual("rendered by origin for example.com")
	})

	t.Run("health reports cache state", func(t *testing.T) {
		obj := expect.GET("/_pagecache/healthz").Expect().Status(http.StatusOK).JSON().Object()
		obj.Value("status").IsEqual("ok")
		obj.Value("cacheEnabled").IsEqual(true)
	})

	t.Run("metrics expose decisions", func(t *testing.T) {
		body := expect.GET("/_pagecache/metrics").Expect().Status(http.StatusOK).Body().Raw()
		require.Contains(t, body, `pagecache_requests_total{decision="HIT",reason="fresh"} 1`)
		require.Contains(t, body, `pagecache_requests_total{decision="MISS",reason="missing"} 1`)
	})
}

func TestAssembleWithAuthGate(t *testing.T) {
	cfg := runnableConfig(t)
	cfg.AuthGate.Enabled = true
	cfg.AuthGate.DSN = ":memory:"

	app, err := assemble(context.Background(), newTestLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(app.close)

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_pagecache/healthz", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"verdictEntries":0`)
}

func runnableConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Origin.URL = "http://127.0.0.1:1"
	cfg.Cache.Enabled = true
	cfg.Cache.OutputDir = t.TempDir()
	cfg.Cache.SecretKey = "abc123"
	return cfg
}

func writeCachedPage(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	modified := time.Now().Add(-10 * time.Second)
	require.NoError(t, os.Chtimes(path, modified, modified))
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) Watch(context.Context, func(config.Config), func(error)) (configWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
