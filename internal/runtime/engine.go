// Package runtime hosts the response decision engine that sits in front of the
// origin: it answers fresh cached pages itself and hands everything else on.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/expr"
	"github.com/l0p7/pagecache/internal/metrics"
	"github.com/l0p7/pagecache/internal/runtime/cachekey"
	"github.com/l0p7/pagecache/internal/runtime/eligibility"
	"github.com/l0p7/pagecache/internal/runtime/pipeline"
	"github.com/l0p7/pagecache/internal/runtime/session"
	"github.com/l0p7/pagecache/internal/runtime/store"
)

const defaultStatusHeader = "X-Page-Cache"

// Decision reasons reported in logs, metrics and Outcome.Reason.
const (
	ReasonDisabled   = "disabled"
	ReasonExcluded   = "excluded"
	ReasonInvalidKey = "invalid_key"
	ReasonPathEscape = "path_escape"
	ReasonMissing    = "missing"
	ReasonUnreadable = "unreadable"
	ReasonEmpty      = "empty"
	ReasonStale      = "stale"
	ReasonFresh      = "fresh"
)

// VerdictStore is the part of the auth verdict cache the engine manages.
type VerdictStore interface {
	Size(ctx context.Context) (int64, error)
	Purge(ctx context.Context) error
}

// Options wires an Engine. Clock drives freshness checks and defaults to time.Now.
type Options struct {
	Config   config.Config
	Gate     session.AuthGate
	Verdicts VerdictStore
	Metrics  *metrics.Recorder
	Clock    func() time.Time
}

// Outcome is the engine's answer for one request. Content is set on HIT only.
type Outcome struct {
	Decision   pipeline.Decision
	Reason     string
	Header     string
	Suppressed bool
	Content    []byte
	State      *pipeline.State
}

// snapshot is everything derived from one configuration; requests read a
// single snapshot from start to finish.
type snapshot struct {
	cfg        config.CacheConfig
	sources    []string
	header     string
	active     bool
	rules      *eligibility.Rules
	classifier *session.Classifier
	deriver    *cachekey.Deriver
	store      *store.Accessor
}

// Engine implements the BYPASS / MISS / HIT decision.
type Engine struct {
	root              *slog.Logger
	logger            *slog.Logger
	metrics           *metrics.Recorder
	gate              session.AuthGate
	verdicts          VerdictStore
	exprEnv           *expr.Environment
	correlationHeader string
	now               func() time.Time

	current atomic.Pointer[snapshot]
}

// NewEngine builds the engine for opts.Config. A configuration that cannot be
// compiled is an error; a disabled cache is not.
func NewEngine(logger *slog.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("runtime: expression environment: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		root:              logger,
		logger:            logger.With(slog.String("agent", "decision_engine")),
		metrics:           opts.Metrics,
		gate:              opts.Gate,
		verdicts:          opts.Verdicts,
		exprEnv:           env,
		correlationHeader: strings.TrimSpace(opts.Config.Server.Logging.CorrelationHeader),
		now:               clock,
	}
	snap, err := e.build(opts.Config)
	if err != nil {
		return nil, err
	}
	e.current.Store(snap)
	return e, nil
}

func (e *Engine) build(cfg config.Config) (*snapshot, error) {
	cacheCfg := cfg.Cache
	header := strings.TrimSpace(cacheCfg.StatusHeader)
	if header == "" {
		header = defaultStatusHeader
	}
	snap := &snapshot{
		cfg:     cacheCfg,
		sources: append([]string(nil), cfg.Sources...),
		header:  header,
		active:  cacheCfg.CacheActive(),
	}
	if !snap.active {
		return snap, nil
	}

	rules, err := eligibility.Compile(cacheCfg.Exclude, e.exprEnv)
	if err != nil {
		return nil, err
	}
	deriver, err := cachekey.NewDeriver(cachekey.SettingsFromConfig(cacheCfg))
	if err != nil {
		return nil, err
	}
	accessor, err := store.New(cacheCfg.OutputDir)
	if err != nil {
		return nil, err
	}
	snap.rules = rules
	snap.deriver = deriver
	snap.store = accessor
	snap.classifier = session.NewClassifier(cacheCfg.LoggedInCookie, e.gate, e.root)
	return snap, nil
}

// Reload swaps in cfg for subsequent requests and drops cached auth verdicts.
// When cfg cannot be compiled the running configuration stays in place.
func (e *Engine) Reload(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	snap, err := e.build(cfg)
	if err != nil {
		e.logger.Warn("configuration reload rejected", slog.Any("error", err))
		return err
	}
	e.current.Store(snap)

	if e.verdicts != nil {
		if err := e.verdicts.Purge(ctx); err != nil {
			e.logger.Warn("verdict cache purge failed", slog.Any("error", err))
		}
	}
	e.logger.Info("configuration reloaded",
		slog.String("event", "config_reload"),
		slog.Bool("cache_enabled", snap.active),
		slog.Any("sources", snap.sources),
	)
	return nil
}

// CacheActive reports whether the current configuration consults the store.
func (e *Engine) CacheActive() bool {
	return e.current.Load().active
}

// Decide runs the decision state machine for req.
func (e *Engine) Decide(ctx context.Context, req pipeline.RequestContext, correlationID string) Outcome {
	snap := e.current.Load()
	now := e.now()
	state := pipeline.NewState(req, correlationID, now)
	state.Suppressed = snap.suppressed(req)

	settle := func(decision pipeline.Decision, reason string) Outcome {
		state.Settle(decision, reason)
		return Outcome{Decision: decision, Reason: reason, Header: snap.header, Suppressed: state.Suppressed, State: state}
	}

	if !snap.active {
		return settle(pipeline.DecisionBypass, ReasonDisabled)
	}

	if exclusion, excluded := snap.rules.Excluded(req, now); excluded {
		e.logger.DebugContext(ctx, "request excluded from cache",
			slog.String("correlation_id", correlationID),
			slog.String("rule", exclusion.Rule),
			slog.String("detail", exclusion.Detail),
		)
		return settle(pipeline.DecisionBypass, ReasonExcluded)
	}

	state.Identity = snap.classifier.Classify(ctx, req)

	key, err := snap.deriver.Derive(req, state.Identity, "")
	if err != nil {
		if platformerrors.GetCode(err) == platformerrors.CodeForbidden {
			e.logger.WarnContext(ctx, "cache key escapes output directory",
				slog.String("correlation_id", correlationID),
				slog.String("host", req.Host),
			)
			return settle(pipeline.DecisionBypass, ReasonPathEscape)
		}
		return settle(pipeline.DecisionBypass, ReasonInvalidKey)
	}
	state.KeyFingerprint = key.Fingerprint()

	lookupStart := time.Now()
	entry, err := snap.store.Lookup(ctx, key)
	lookupDuration := time.Since(lookupStart)
	state.Lookup.Consulted = true
	if err != nil {
		if platformerrors.GetCode(err) == platformerrors.CodeForbidden {
			e.metrics.ObserveStoreLookup(metrics.StoreRejected, lookupDuration)
			return settle(pipeline.DecisionBypass, ReasonPathEscape)
		}
		e.metrics.ObserveStoreLookup(metrics.StoreError, lookupDuration)
		e.logger.WarnContext(ctx, "cache entry unreadable",
			slog.String("correlation_id", correlationID),
			slog.String("key_fingerprint", state.KeyFingerprint),
			slog.Any("error", err),
		)
		return settle(pipeline.DecisionMiss, ReasonUnreadable)
	}

	state.Lookup.Exists = entry.Exists
	state.Lookup.Size = len(entry.Content)
	if !entry.Exists {
		e.metrics.ObserveStoreLookup(metrics.StoreMissing, lookupDuration)
		return settle(pipeline.DecisionMiss, ReasonMissing)
	}
	state.Lookup.LastModified = entry.LastModified
	state.Lookup.Age = now.Sub(entry.LastModified).Seconds()
	if len(entry.Content) == 0 {
		e.metrics.ObserveStoreLookup(metrics.StoreEmpty, lookupDuration)
		return settle(pipeline.DecisionMiss, ReasonEmpty)
	}
	if stale(entry.LastModified, now, snap.cfg.TTLSeconds) {
		e.metrics.ObserveStoreLookup(metrics.StoreStale, lookupDuration)
		return settle(pipeline.DecisionMiss, ReasonStale)
	}

	e.metrics.ObserveStoreLookup(metrics.StoreHit, lookupDuration)
	outcome := settle(pipeline.DecisionHit, ReasonFresh)
	outcome.Content = entry.Content
	return outcome
}

// stale compares at one-second resolution: an entry modified exactly ttl
// seconds ago is still fresh.
func stale(lastModified, now time.Time, ttlSeconds int) bool {
	return lastModified.Unix() < now.Unix()-int64(ttlSeconds)
}

// suppressed reports whether MISS and BYPASS go out without the status header:
// every configured marker path exists and the opt-out cookie is absent or empty.
func (s *snapshot) suppressed(req pipeline.RequestContext) bool {
	markers := s.cfg.Compat.SuppressMarkers
	if len(markers) == 0 {
		return false
	}
	for _, marker := range markers {
		if _, err := os.Stat(marker); err != nil {
			return false
		}
	}
	if name := s.cfg.Compat.SuppressUnlessCookie; name != "" {
		if value, _ := req.Cookie(name); value != "" {
			return false
		}
	}
	return true
}

// Middleware answers HIT requests from the store and passes every other
// request to next.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := e.requestCorrelationID(r)
		req := pipeline.NewRequestContext(r)
		outcome := e.Decide(r.Context(), req, correlationID)

		reqLogger := e.logger.With(slog.String("correlation_id", correlationID))
		if e.correlationHeader != "" {
			w.Header().Set(e.correlationHeader, correlationID)
		}

		if outcome.Decision == pipeline.DecisionHit {
			w.Header().Set(outcome.Header, string(pipeline.DecisionHit))
			if w.Header().Get("Content-Type") == "" {
				w.Header().Set("Content-Type", "text/html; charset=UTF-8")
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(outcome.Content)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				if _, err := w.Write(outcome.Content); err != nil {
					reqLogger.Warn("cached response write failed", slog.Any("error", err))
				}
			}
		} else {
			if !outcome.Suppressed {
				w.Header().Set(outcome.Header, string(outcome.Decision))
			}
			next.ServeHTTP(w, r)
		}

		duration := time.Since(start)
		e.logDebugDecisionSnapshot(r.Context(), reqLogger, outcome.State)
		reqLogger.Info("pipeline completed",
			slog.String("decision", string(outcome.Decision)),
			slog.String("reason", outcome.Reason),
			slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
			slog.Bool("logged_in", outcome.State.Identity.LoggedIn),
			slog.Bool("degraded", outcome.State.Identity.Degraded),
			slog.Bool("header_suppressed", outcome.Suppressed && outcome.Decision != pipeline.DecisionHit),
		)
		e.metrics.ObserveRequest(string(outcome.Decision), outcome.Reason, duration)
	})
}

func (e *Engine) logDebugDecisionSnapshot(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	if logger == nil || state == nil {
		return
	}
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "decision snapshot", slog.Any("state", state.Snapshot()))
}

// ServeHealth reports whether the engine is serving and how it is configured.
func (e *Engine) ServeHealth(w http.ResponseWriter, r *http.Request) {
	snap := e.current.Load()
	status := map[string]any{
		"status":       "ok",
		"cacheEnabled": snap.active,
		"observedAt":   e.now().UTC(),
	}
	if len(snap.sources) > 0 {
		status["configSources"] = snap.sources
	}
	if e.verdicts != nil {
		size, err := e.verdicts.Size(r.Context())
		if err != nil {
			e.logger.Error("verdict cache size query failed", slog.Any("error", err))
		} else {
			status["verdictEntries"] = size
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		e.logger.Error("health encode failed", slog.Any("error", err))
	}
}

func (e *Engine) requestCorrelationID(r *http.Request) string {
	if r != nil && e.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(e.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
