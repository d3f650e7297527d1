// Package session decides whether a request belongs to a logged-in session.
package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/l0p7/pagecache/internal/runtime/pipeline"
)

// AuthGate confirms that a session carrying a login cookie is fully
// authenticated, including any second-factor step the site requires.
type AuthGate interface {
	IsSessionFullyAuthenticated(ctx context.Context, req pipeline.RequestContext, login string) (bool, error)
}

// Classifier maps a request onto a SessionIdentity.
type Classifier struct {
	cookieName string
	gate       AuthGate
	logger     *slog.Logger
}

// NewClassifier builds a classifier keyed on the logged-in cookie name. A nil
// gate means cookie presence alone identifies a logged-in session.
func NewClassifier(cookieName string, gate AuthGate, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		cookieName: cookieName,
		gate:       gate,
		logger:     logger.With(slog.String("agent", "session_classifier")),
	}
}

// Classify inspects the login cookie and, when present, asks the gate. A gate
// failure fails open: the session stays logged in and is marked degraded.
func (c *Classifier) Classify(ctx context.Context, req pipeline.RequestContext) pipeline.SessionIdentity {
	if c == nil || c.cookieName == "" {
		return pipeline.SessionIdentity{}
	}
	value, ok := req.Cookie(c.cookieName)
	if !ok {
		return pipeline.SessionIdentity{}
	}
	login := UserLogin(value)

	if c.gate == nil {
		return pipeline.SessionIdentity{LoggedIn: true, UserLogin: login}
	}

	verified, err := c.gate.IsSessionFullyAuthenticated(ctx, req, login)
	if err != nil {
		c.logger.WarnContext(ctx, "auth gate unavailable; treating session as logged in",
			slog.String("host", req.Host),
			slog.Any("error", err),
		)
		return pipeline.SessionIdentity{LoggedIn: true, UserLogin: login, Degraded: true}
	}
	if !verified {
		return pipeline.SessionIdentity{}
	}
	return pipeline.SessionIdentity{LoggedIn: true, UserLogin: login, SecondFactorVerified: true}
}

// UserLogin extracts the login name from a logged-in cookie value: the text
// before the first '|'.
func UserLogin(cookieValue string) string {
	login, _, _ := strings.Cut(cookieValue, "|")
	return login
}
