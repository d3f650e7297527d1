// Package authgate confirms that a logged-in session has completed any
// second-factor step the site requires before it may share a cache partition.
package authgate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/metrics"
	"github.com/l0p7/pagecache/internal/runtime/pipeline"
)

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// Gate is satisfied by every auth gate in this package.
type Gate interface {
	IsSessionFullyAuthenticated(ctx context.Context, req pipeline.RequestContext, login string) (bool, error)
}

// SQLGate reads plugin state, users and user meta from the site database.
type SQLGate struct {
	db      *sql.DB
	cfg     config.AuthGateConfig
	logger  *slog.Logger
	metrics *metrics.Recorder

	optionQuery     string
	userQuery       string
	configuredQuery string
	metaQuery       string
}

// NewSQLGate prepares the parameterized queries for the configured table prefix.
func NewSQLGate(db *sql.DB, cfg config.AuthGateConfig, logger *slog.Logger, rec *metrics.Recorder) (*SQLGate, error) {
	if db == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "authgate: database required")
	}
	if !tablePrefixPattern.MatchString(cfg.TablePrefix) {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "authgate: table prefix %q is not an identifier", cfg.TablePrefix)
	}
	if strings.Count(cfg.TwoFactorCookie, "%d") != 1 {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "authgate: two factor cookie pattern %q", cfg.TwoFactorCookie)
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.TablePrefix
	return &SQLGate{
		db:              db,
		cfg:             cfg,
		logger:          logger.With(slog.String("agent", "auth_gate")),
		metrics:         rec,
		optionQuery:     fmt.Sprintf("SELECT option_value FROM %soptions WHERE option_name = ?", prefix),
		userQuery:       fmt.Sprintf("SELECT ID FROM %susers WHERE user_login = ?", prefix),
		configuredQuery: fmt.Sprintf("SELECT COUNT(*) FROM %susermeta WHERE user_id = ? AND meta_key = ? AND meta_value = '1'", prefix),
		metaQuery:       fmt.Sprintf("SELECT meta_value FROM %susermeta WHERE user_id = ? AND meta_key = ?", prefix),
	}, nil
}

// IsSessionFullyAuthenticated walks the second-factor chain for login. A
// session is only rejected when the site enforces two-factor login for this
// user and the request lacks a valid token.
func (g *SQLGate) IsSessionFullyAuthenticated(ctx context.Context, req pipeline.RequestContext, login string) (bool, error) {
	ok, step, err := g.check(ctx, req, login)
	switch {
	case err != nil:
		g.metrics.ObserveGateCheck(metrics.GateError)
		return false, err
	case ok:
		g.metrics.ObserveGateCheck(metrics.GateVerified)
	default:
		g.metrics.ObserveGateCheck(metrics.GateRejected)
	}
	g.logger.DebugContext(ctx, "auth gate answered",
		slog.Bool("authenticated", ok),
		slog.String("step", step),
	)
	return ok, nil
}

func (g *SQLGate) check(ctx context.Context, req pipeline.RequestContext, login string) (bool, string, error) {
	plugins, found, err := g.option(ctx, "active_plugins")
	if err != nil {
		return false, "", err
	}
	if !found || strings.TrimSpace(plugins) == "" {
		return true, "no_active_plugins", nil
	}
	if !strings.Contains(plugins, g.cfg.SecurityPlugin) {
		return true, "security_plugin_inactive", nil
	}

	enforced, found, err := g.option(ctx, g.cfg.TwoFactorOption)
	if err != nil {
		return false, "", err
	}
	if !found || leadingInt(enforced) == 0 {
		return true, "two_factor_disabled", nil
	}

	var userID int64
	if err := g.db.QueryRowContext(ctx, g.userQuery, login).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "unknown_user", nil
		}
		return false, "", platformerrors.Wrap(err, platformerrors.CodeDatabase, "authgate: user lookup")
	}

	var configured int
	if err := g.db.QueryRowContext(ctx, g.configuredQuery, userID, g.cfg.ConfiguredMetaKey).Scan(&configured); err != nil {
		return false, "", platformerrors.Wrap(err, platformerrors.CodeDatabase, "authgate: two factor lookup")
	}
	if configured == 0 {
		return true, "two_factor_not_configured", nil
	}

	token, ok := req.Cookie(g.cfg.TwoFactorCookieName(userID))
	if !ok {
		return false, "token_missing", nil
	}

	var secret string
	if err := g.db.QueryRowContext(ctx, g.metaQuery, userID, g.cfg.SecretMetaKey).Scan(&secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "secret_missing", nil
		}
		return false, "", platformerrors.Wrap(err, platformerrors.CodeDatabase, "authgate: secret lookup")
	}

	fields, err := NewSealer(secret).Open(token)
	if err != nil {
		return false, "token_invalid", nil
	}
	if len(fields) == 0 || fields[0] != login {
		return false, "token_mismatch", nil
	}
	return true, "token_valid", nil
}

func (g *SQLGate) option(ctx context.Context, name string) (string, bool, error) {
	var value sql.NullString
	err := g.db.QueryRowContext(ctx, g.optionQuery, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "authgate: option %s", name)
	}
	return value.String, value.Valid, nil
}

// leadingInt reads the optional sign and digits at the start of value, the way
// loosely typed option values are coerced to integers. Anything else is 0.
func leadingInt(value string) int {
	value = strings.TrimSpace(value)
	sign := 1
	if strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") {
		if value[0] == '-' {
			sign = -1
		}
		value = value[1:]
	}
	n := 0
	for _, r := range value {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return sign * n
}
