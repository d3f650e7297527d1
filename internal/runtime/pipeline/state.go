package pipeline

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Decision is the verdict the engine reaches for a request.
type Decision string

const (
	// DecisionBypass hands the request to the origin without consulting the store.
	DecisionBypass Decision = "BYPASS"
	// DecisionMiss hands the request to the origin after an unusable lookup.
	DecisionMiss Decision = "MISS"
	// DecisionHit serves the stored bytes and ends the request.
	DecisionHit Decision = "HIT"
)

// RequestContext is the immutable view of an inbound request used by every
// read-path component. Every field is attacker-controlled input.
type RequestContext struct {
	Method     string            `json:"method"`
	Scheme     string            `json:"scheme"`
	Host       string            `json:"host"`
	Path       string            `json:"path"`
	RawQuery   string            `json:"rawQuery,omitempty"`
	RequestURI string            `json:"requestUri"`
	Query      url.Values        `json:"query"`
	Cookies    map[string]string `json:"cookies"`
	Headers    map[string]string `json:"headers"`
}

// NewRequestContext captures r once at request entry. Header keys are
// lowercased and keep their first value; cookies keep the first occurrence of a
// name and are URL-decoded, falling back to the raw value when decoding fails.
func NewRequestContext(r *http.Request) RequestContext {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		if _, seen := cookies[c.Name]; seen {
			continue
		}
		value := c.Value
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		cookies[c.Name] = value
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	// Absolute-form request targets carry scheme and host; keep only path and query.
	requestURI := r.RequestURI
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = r.URL.RequestURI()
	}

	return RequestContext{
		Method:     r.Method,
		Scheme:     scheme,
		Host:       r.Host,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		RequestURI: requestURI,
		Query:      r.URL.Query(),
		Cookies:    cookies,
		Headers:    headers,
	}
}

// URL reconstructs the absolute URL the client asked for.
func (r RequestContext) URL() string {
	return r.Scheme + "://" + r.Host + r.RequestURI
}

// Cookie returns the decoded value of name and whether it was sent at all.
func (r RequestContext) Cookie(name string) (string, bool) {
	value, ok := r.Cookies[name]
	return value, ok
}

// Activation exposes the request to CEL expressions under the "request" variable.
func (r RequestContext) Activation() map[string]any {
	query := make(map[string]any, len(r.Query))
	for key, values := range r.Query {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	cookies := make(map[string]any, len(r.Cookies))
	for key, value := range r.Cookies {
		cookies[key] = value
	}
	headers := make(map[string]any, len(r.Headers))
	for key, value := range r.Headers {
		headers[key] = value
	}
	return map[string]any{
		"method":  r.Method,
		"scheme":  r.Scheme,
		"host":    r.Host,
		"path":    r.Path,
		"query":   query,
		"cookies": cookies,
		"headers": headers,
	}
}

// SessionIdentity is the classifier's answer for one request.
type SessionIdentity struct {
	LoggedIn             bool   `json:"loggedIn"`
	UserLogin            string `json:"userLogin,omitempty"`
	SecondFactorVerified bool   `json:"secondFactorVerified"`
	// Degraded marks an identity produced without an auth gate answer.
	Degraded bool `json:"degraded,omitempty"`
}

// LookupState summarizes what the store returned, without the content.
type LookupState struct {
	Consulted    bool      `json:"consulted"`
	Exists       bool      `json:"exists"`
	Size         int       `json:"size"`
	LastModified time.Time `json:"lastModified,omitempty"`
	Age          float64   `json:"ageSeconds,omitempty"`
}

// State accumulates everything the engine learned while deciding a request.
type State struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	Request       RequestContext  `json:"request"`
	Identity      SessionIdentity `json:"identity"`
	// KeyFingerprint identifies the derived key without exposing the secret it embeds.
	KeyFingerprint string      `json:"keyFingerprint,omitempty"`
	Lookup         LookupState `json:"lookup"`
	Decision       Decision    `json:"decision"`
	Reason         string      `json:"reason"`
	Suppressed     bool        `json:"suppressed"`
	StartedAt      time.Time   `json:"startedAt"`
}

// NewState starts the per-request record.
func NewState(req RequestContext, correlationID string, now time.Time) *State {
	return &State{
		CorrelationID: correlationID,
		Request:       req,
		StartedAt:     now,
	}
}

// Settle records the final decision and the reason that produced it.
func (s *State) Settle(decision Decision, reason string) {
	s.Decision = decision
	s.Reason = reason
}

// Snapshot returns the debug view of the state; cookie and header values are
// reduced to their names.
func (s *State) Snapshot() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"method":         s.Request.Method,
		"host":           s.Request.Host,
		"path":           s.Request.Path,
		"cookies":        sortedKeys(s.Request.Cookies),
		"loggedIn":       s.Identity.LoggedIn,
		"partitionUser":  s.Identity.UserLogin != "",
		"degraded":       s.Identity.Degraded,
		"keyFingerprint": s.KeyFingerprint,
		"lookup":         s.Lookup,
		"decision":       string(s.Decision),
		"reason":         s.Reason,
		"suppressed":     s.Suppressed,
	}
}

func sortedKeys(in map[string]string) []string {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
