package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/metrics"
	"github.com/l0p7/pagecache/internal/runtime/pipeline"
)

var testNow = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func testConfig(outputDir string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Cache.Enabled = true
	cfg.Cache.OutputDir = outputDir
	cfg.Cache.SecretKey = "abc123"
	cfg.Cache.IgnoredQueryParams = []string{"utm"}
	cfg.Cache.TTLSeconds = 604800
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, opts Options) *Engine {
	t.Helper()
	opts.Config = cfg
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return testNow }
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRecorder(nil)
	}
	engine, err := NewEngine(nil, opts)
	require.NoError(t, err)
	return engine
}

func writeEntry(t *testing.T, root, rel, content string, modified time.Time) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, modified, modified))
}

func decide(engine *Engine, method, target string, cookies string) Outcome {
	r := httptest.NewRequest(method, target, http.NoBody)
	if cookies != "" {
		r.Header.Set("Cookie", cookies)
	}
	return engine.Decide(context.Background(), pipeline.NewRequestContext(r), "test")
}

type originRecorder struct {
	calls int
}

func (o *originRecorder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	o.calls++
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("rendered by origin"))
}

type stubGate struct {
	answer bool
	err    error
}

func (g stubGate) IsSessionFullyAuthenticated(context.Context, pipeline.RequestContext, string) (bool, error) {
	return g.answer, g.err
}

type purgeCounter struct {
	purges int
}

func (p *purgeCounter) Size(context.Context) (int64, error) { return 3, nil }
func (p *purgeCounter) Purge(context.Context) error {
	p.purges++
	return nil
}

func TestMissWhenEntryAbsent(t *testing.T) {
	dir := t.TempDir()
	engine := newTestEngine(t, testConfig(dir), Options{})
	origin := &originRecorder{}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/page?utm=1", http.NoBody)
	engine.Middleware(origin).ServeHTTP(rec, req)

	require.Equal(t, 1, origin.calls)
	require.Equal(t, "MISS", rec.Header().Get("X-Page-Cache"))
	require.Equal(t, "rendered by origin", rec.Body.String())

	outcome := decide(engine, http.MethodGet, "http://example.com/page?utm=1", "")
	require.Equal(t, pipeline.DecisionMiss, outcome.Decision)
	require.Equal(t, ReasonMissing, outcome.Reason)
	require.True(t, outcome.State.Lookup.Consulted)

	// The ignored parameter is dropped, so the entry written at the bare key is found.
	writeEntry(t, dir, "example.com-abc123/page", "<html>cached</html>", testNow.Add(-10*time.Second))
	outcome = decide(engine, http.MethodGet, "http://example.com/page?utm=1", "")
	require.Equal(t, pipeline.DecisionHit, outcome.Decision)
}

func TestHitServesStoredBytesVerbatim(t *testing.T) {
	dir := t.TempDir()
	body := "<html><body>cached page</body></html>\n"
	writeEntry(t, dir, "example.com-abc123/page", body, testNow.Add(-10*time.Second))
	engine := newTestEngine(t, testConfig(dir), Options{})
	origin := &originRecorder{}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/page", http.NoBody)
	req.Header.Set("X-Request-ID", "req-42")
	engine.Middleware(origin).ServeHTTP(rec, req)

	require.Equal(t, 0, origin.calls, "origin must not run after a HIT")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HIT", rec.Header().Get("X-Page-Cache"))
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	require.Equal(t, body, rec.Body.String())
}

func TestHeadHitWritesHeadersOnly(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "example.com-abc123/page", "cached", testNow)
	engine := newTestEngine(t, testConfig(dir), Options{})

	rec := httptest.NewRecorder()
	engine.Middleware(&originRecorder{}).ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "http://example.com/page", http.NoBody))

	require.Equal(t, "HIT", rec.Header().Get("X-Page-Cache"))
	require.Equal(t, "6", rec.Header().Get("Content-Length"))
	require.Empty(t, rec.Body.String())
}

func TestStaleEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "example.com-abc123/page", "old", testNow.Add(-700000*time.Second))
	engine := newTestEngine(t, testConfig(dir), Options{})

	outcome := decide(engine, http.MethodGet, "http://example.com/page", "")
	require.Equal(t, pipeline.DecisionMiss, outcome.Decision)
	require.Equal(t, ReasonStale, outcome.Reason)
	require.True(t, outcome.State.Lookup.Exists)

	_, err := os.Stat(filepath.Join(dir, "example.com-abc123", "page"))
	require.NoError(t, err, "stale entries are left in place")
}

func TestFreshnessBoundary(t *testing.T) {
	const ttl = 604800
	tests := []struct {
		name     string
		modified time.Time
		want     pipeline.Decision
	}{
		{name: "one second past ttl", modified: testNow.Add(-(ttl + 1) * time.Second), want: pipeline.DecisionMiss},
		{name: "exactly ttl", modified: testNow.Add(-ttl * time.Second), want: pipeline.DecisionHit},
		{name: "one second inside ttl", modified: testNow.Add(-(ttl - 1) * time.Second), want: pipeline.DecisionHit},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeEntry(t, dir, "example.com-abc123/page", "body", tc.modified)
			engine := newTestEngine(t, testConfig(dir), Options{})
			require.Equal(t, tc.want, decide(engine, http.MethodGet, "http://example.com/page", "").Decision)
		})
	}
}

func TestExcludedRequestBypassesWithoutStore(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "example.com-abc123/wp-admin/index.php", "never served", testNow)
	cfg := testConfig(dir)
	cfg.Cache.Exclude.Paths = []string{"/wp-admin/*"}
	engine := newTestEngine(t, cfg, Options{})

	tests := []struct {
		name    string
		method  string
		target  string
		cookies string
	}{
		{name: "excluded path", method: http.MethodGet, target: "http://example.com/wp-admin/index.php"},
		{name: "non cacheable method", method: http.MethodPost, target: "http://example.com/page"},
		{name: "page builder preview", method: http.MethodGet, target: "http://example.com/page?elementor-preview=12"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			outcome := decide(engine, tc.method, tc.target, tc.cookies)
			require.Equal(t, pipeline.DecisionBypass, outcome.Decision)
			require.Equal(t, ReasonExcluded, outcome.Reason)
			require.False(t, outcome.State.Lookup.Consulted)
		})
	}

	rec := httptest.NewRecorder()
	origin := &originRecorder{}
	engine.Middleware(origin).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/wp-admin/index.php", http.NoBody))
	require.Equal(t, "BYPASS", rec.Header().Get("X-Page-Cache"))
	require.Equal(t, 1, origin.calls)
}

func TestDisabledCacheBypasses(t *testing.T) {
	cfg := config.DefaultConfig()
	engine := newTestEngine(t, cfg, Options{})
	require.False(t, engine.CacheActive())

	outcome := decide(engine, http.MethodGet, "http://example.com/page", "")
	require.Equal(t, pipeline.DecisionBypass, outcome.Decision)
	require.Equal(t, ReasonDisabled, outcome.Reason)

	rec := httptest.NewRecorder()
	origin := &originRecorder{}
	engine.Middleware(origin).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/page", http.NoBody))
	require.Equal(t, "BYPASS", rec.Header().Get("X-Page-Cache"))
	require.Equal(t, 1, origin.calls)
}

func TestEmptyAndDirectoryEntriesAreMiss(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "example.com-abc123/empty", "", testNow)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "example.com-abc123", "folder"), 0o750))
	engine := newTestEngine(t, testConfig(dir), Options{})

	outcome := decide(engine, http.MethodGet, "http://example.com/empty", "")
	require.Equal(t, pipeline.DecisionMiss, outcome.Decision)
	require.Equal(t, ReasonEmpty, outcome.Reason)

	outcome = decide(engine, http.MethodGet, "http://example.com/folder", "")
	require.Equal(t, pipeline.DecisionMiss, outcome.Decision)
	require.Equal(t, ReasonMissing, outcome.Reason)
}

func TestLoggedInPartition(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "example.com-abc123/page", "anonymous", testNow)
	writeEntry(t, dir, "example.com-alice-abc123/page", "alice", testNow)
	const cookie = "wordpress_logged_in=alice|1700000000|token"

	t.Run("partitioned", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.Cache.LoggedInCache = true
		engine := newTestEngine(t, cfg, Options{Gate: stubGate{answer: true}})

		outcome := decide(engine, http.MethodGet, "http://example.com/page", cookie)
		require.Equal(t, pipeline.DecisionHit, outcome.Decision)
		require.Equal(t, "alice", string(outcome.Content))
		require.True(t, outcome.State.Identity.SecondFactorVerified)

		outcome = decide(engine, http.MethodGet, "http://example.com/page", "")
		require.Equal(t, "anonymous", string(outcome.Content))
	})

	t.Run("not partitioned", func(t *testing.T) {
		engine := newTestEngine(t, testConfig(dir), Options{Gate: stubGate{answer: true}})
		outcome := decide(engine, http.MethodGet, "http://example.com/page", cookie)
		require.Equal(t, "anonymous", string(outcome.Content))
	})

	t.Run("second factor missing", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.Cache.LoggedInCache = true
		engine := newTestEngine(t, cfg, Options{Gate: stubGate{answer: false}})
		outcome := decide(engine, http.MethodGet, "http://example.com/page", cookie)
		require.False(t, outcome.State.Identity.LoggedIn)
		require.Equal(t, "anonymous", string(outcome.Content))
	})

	t.Run("gate unavailable fails open", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.Cache.LoggedInCache = true
		engine := newTestEngine(t, cfg, Options{Gate: stubGate{err: errors.New("database down")}})
		outcome := decide(engine, http.MethodGet, "http://example.com/page", cookie)
		require.True(t, outcome.State.Identity.LoggedIn)
		require.True(t, outcome.State.Identity.Degraded)
		require.Equal(t, "alice", string(outcome.Content))
	})
}

func TestUnsafeLoginBypasses(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Cache.LoggedInCache = true
	engine := newTestEngine(t, cfg, Options{})

	outcome := decide(engine, http.MethodGet, "http://example.com/page", "wordpress_logged_in=../../etc|1")
	require.Equal(t, pipeline.DecisionBypass, outcome.Decision)
	require.Equal(t, ReasonPathEscape, outcome.Reason)
	require.False(t, outcome.State.Lookup.Consulted)
}

func TestHostCannotReachUserPartition(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "example.com-admin-abc123/account", "admin account page", testNow)

	anonymousAs := func(t *testing.T, engine *Engine, host string) (*httptest.ResponseRecorder, *originRecorder) {
		t.Helper()
		origin := &originRecorder{}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/account", http.NoBody)
		req.Host = host
		engine.Middleware(origin).ServeHTTP(rec, req)
		return rec, origin
	}

	t.Run("hyphenated host without allow-list", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.Cache.LoggedInCache = true
		engine := newTestEngine(t, cfg, Options{})

		outcome := decide(engine, http.MethodGet, "http://example.com-admin/account", "")
		require.Equal(t, pipeline.DecisionBypass, outcome.Decision)
		require.Equal(t, ReasonInvalidKey, outcome.Reason)
		require.False(t, outcome.State.Lookup.Consulted)

		rec, origin := anonymousAs(t, engine, "example.com-admin")
		require.Equal(t, 1, origin.calls)
		require.Equal(t, "BYPASS", rec.Header().Get("X-Page-Cache"))
		require.NotContains(t, rec.Body.String(), "admin account page")
	})

	t.Run("host outside allow-list", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.Cache.LoggedInCache = true
		cfg.Cache.Hosts = []string{"example.com"}
		engine := newTestEngine(t, cfg, Options{Gate: stubGate{answer: true}})

		rec, origin := anonymousAs(t, engine, "example.com-admin")
		require.Equal(t, 1, origin.calls)
		require.Equal(t, "BYPASS", rec.Header().Get("X-Page-Cache"))

		outcome := decide(engine, http.MethodGet, "http://unlisted.example/account", "")
		require.Equal(t, ReasonInvalidKey, outcome.Reason)

		// The real owner still reaches the partition through the listed host.
		outcome = decide(engine, http.MethodGet, "http://example.com/account", "wordpress_logged_in=admin|1700000000|token")
		require.Equal(t, pipeline.DecisionHit, outcome.Decision)
		require.Equal(t, "admin account page", string(outcome.Content))
	})

	t.Run("overlapping allow-list rejected", func(t *testing.T) {
		cfg := testConfig(dir)
		cfg.Cache.LoggedInCache = true
		cfg.Cache.Hosts = []string{"example.com", "example.com-admin"}
		_, err := NewEngine(nil, Options{Config: cfg, Metrics: metrics.NewRecorder(nil)})
		require.Error(t, err)
	})
}

func TestHeaderSuppression(t *testing.T) {
	dir := t.TempDir()
	markerDir := t.TempDir()
	marker := filepath.Join(markerDir, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("1"), 0o600))
	writeEntry(t, dir, "example.com-abc123/cached", "cached", testNow)

	cfg := testConfig(dir)
	cfg.Cache.Compat.SuppressMarkers = []string{marker}
	cfg.Cache.Compat.SuppressUnlessCookie = "sg_debug"
	engine := newTestEngine(t, cfg, Options{})

	serve := func(target, cookies string) (*httptest.ResponseRecorder, int) {
		origin := &originRecorder{}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
		if cookies != "" {
			req.Header.Set("Cookie", cookies)
		}
		engine.Middleware(origin).ServeHTTP(rec, req)
		return rec, origin.calls
	}

	rec, calls := serve("http://example.com/page", "")
	require.Empty(t, rec.Header().Get("X-Page-Cache"), "MISS header suppressed")
	require.Equal(t, 1, calls, "suppression never changes the decision")

	rec, _ = serve("http://example.com/page", "sg_debug=1")
	require.Equal(t, "MISS", rec.Header().Get("X-Page-Cache"))

	rec, calls = serve("http://example.com/cached", "")
	require.Equal(t, "HIT", rec.Header().Get("X-Page-Cache"), "HIT always carries the header")
	require.Equal(t, 0, calls)

	require.NoError(t, os.Remove(marker))
	rec, _ = serve("http://example.com/page", "")
	require.Equal(t, "MISS", rec.Header().Get("X-Page-Cache"), "all markers must exist")
}

func TestReloadSwapsConfiguration(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "example.com-abc123/page", "cached", testNow)
	verdicts := &purgeCounter{}
	engine := newTestEngine(t, config.DefaultConfig(), Options{Verdicts: verdicts})
	require.False(t, engine.CacheActive())

	require.NoError(t, engine.Reload(context.Background(), testConfig(dir)))
	require.True(t, engine.CacheActive())
	require.Equal(t, 1, verdicts.purges)
	require.Equal(t, pipeline.DecisionHit, decide(engine, http.MethodGet, "http://example.com/page", "").Decision)

	broken := testConfig(dir)
	broken.Cache.Exclude.Expressions = []string{"request.path +"}
	require.Error(t, engine.Reload(context.Background(), broken))
	require.Equal(t, 1, verdicts.purges)
	require.Equal(t, pipeline.DecisionHit, decide(engine, http.MethodGet, "http://example.com/page", "").Decision)

	rotated := testConfig(dir)
	rotated.Cache.SecretKey = "rotated"
	require.NoError(t, engine.Reload(context.Background(), rotated))
	require.Equal(t, pipeline.DecisionMiss, decide(engine, http.MethodGet, "http://example.com/page", "").Decision)
}

func TestServeHealth(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Sources = []string{"/etc/pagecache/config.yaml"}
	engine := newTestEngine(t, cfg, Options{Verdicts: &purgeCounter{}})

	rec := httptest.NewRecorder()
	engine.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/_pagecache/healthz", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"status": "ok",
		"cacheEnabled": true,
		"observedAt": "2026-03-14T12:00:00Z",
		"configSources": ["/etc/pagecache/config.yaml"],
		"verdictEntries": 3
	}`, rec.Body.String())
}

func TestStaleComparesWholeSeconds(t *testing.T) {
	now := time.Unix(1_000_000, 900_000_000)
	require.False(t, stale(time.Unix(1_000_000-60, 0), now, 60))
	require.True(t, stale(time.Unix(1_000_000-61, 999_000_000), now, 60))
	require.False(t, stale(now.Add(time.Hour), now, 0))
}
