package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/pagecache/internal/metrics"
	"github.com/l0p7/pagecache/internal/runtime/cache"
	"github.com/l0p7/pagecache/internal/runtime/pipeline"
)

// VerdictKeyPrefix namespaces every verdict key so a shared redis database can
// be purged without touching unrelated data.
const VerdictKeyPrefix = "pagecache:verdict:"

const defaultCheckTimeout = 5 * time.Second

// CachedGateOptions wires a CachedGate. Cookies whose names start with
// TwoFactorCookiePrefix take part in the verdict key. CheckTimeout bounds the
// shared gate query, which outlives any single caller's context.
type CachedGateOptions struct {
	Next                  Gate
	Cache                 cache.VerdictCache
	TTL                   time.Duration
	CheckTimeout          time.Duration
	Salt                  string
	LoggedInCookie        string
	TwoFactorCookiePrefix string
	Logger                *slog.Logger
	Metrics               *metrics.Recorder
}

// CachedGate reuses gate verdicts for identical session cookies. Errors from
// the wrapped gate are never cached.
type CachedGate struct {
	next        Gate
	cache       cache.VerdictCache
	ttl         time.Duration
	timeout     time.Duration
	salt        string
	loggedIn    string
	tokenPrefix string
	logger      *slog.Logger
	metrics     *metrics.Recorder
	group       singleflight.Group
	now         func() time.Time
}

// NewCachedGate decorates opts.Next. A zero TTL or nil cache disables reuse.
func NewCachedGate(opts CachedGateOptions) *CachedGate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &CachedGate{
		next:        opts.Next,
		cache:       opts.Cache,
		ttl:         opts.TTL,
		timeout:     timeout,
		salt:        opts.Salt,
		loggedIn:    opts.LoggedInCookie,
		tokenPrefix: opts.TwoFactorCookiePrefix,
		logger:      logger.With(slog.String("agent", "verdict_cache")),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// IsSessionFullyAuthenticated answers from the verdict cache when possible and
// otherwise asks the wrapped gate once per key, however many requests wait.
// A caller whose context ends stops waiting; the shared query keeps running for
// the others under its own timeout.
func (g *CachedGate) IsSessionFullyAuthenticated(ctx context.Context, req pipeline.RequestContext, login string) (bool, error) {
	if g.cache == nil || g.ttl <= 0 {
		return g.next.IsSessionFullyAuthenticated(ctx, req, login)
	}
	key := g.Key(req, login)

	verdict, ok, err := g.cache.Lookup(ctx, key)
	switch {
	case err != nil:
		g.metrics.ObserveVerdictCache(metrics.VerdictLookup, "error")
		g.logger.WarnContext(ctx, "verdict cache lookup failed", slog.Any("error", err))
	case ok:
		g.metrics.ObserveVerdictCache(metrics.VerdictLookup, "hit")
		g.metrics.ObserveGateCheck(metrics.GateCached)
		return verdict.Authenticated, nil
	default:
		g.metrics.ObserveVerdictCache(metrics.VerdictLookup, "miss")
	}

	flight := g.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		authenticated, err := g.next.IsSessionFullyAuthenticated(shared, req, login)
		if err != nil {
			return false, err
		}
		now := g.now().UTC()
		entry := cache.Verdict{Authenticated: authenticated, StoredAt: now, ExpiresAt: now.Add(g.ttl)}
		if err := g.cache.Store(shared, key, entry); err != nil {
			g.metrics.ObserveVerdictCache(metrics.VerdictStore, "error")
			g.logger.WarnContext(shared, "verdict cache store failed", slog.Any("error", err))
		} else {
			g.metrics.ObserveVerdictCache(metrics.VerdictStore, "stored")
		}
		return authenticated, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

// Key hashes every input the wrapped gate reads from the request so that a
// changed cookie never reuses an old verdict. Cookie values only enter hashed.
func (g *CachedGate) Key(req pipeline.RequestContext, login string) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, part := range parts {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
	}
	write(g.salt, login)
	if value, ok := req.Cookie(g.loggedIn); ok {
		write(g.loggedIn, value)
	}
	if g.tokenPrefix != "" {
		names := make([]string, 0, 2)
		for name := range req.Cookies {
			if strings.HasPrefix(name, g.tokenPrefix) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			write(name, req.Cookies[name])
		}
	}
	return VerdictKeyPrefix + base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Purge drops every cached verdict.
func (g *CachedGate) Purge(ctx context.Context) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.DeletePrefix(ctx, VerdictKeyPrefix)
}

// Size reports the number of cached verdicts.
func (g *CachedGate) Size(ctx context.Context) (int64, error) {
	if g.cache == nil {
		return 0, nil
	}
	return g.cache.Size(ctx)
}
