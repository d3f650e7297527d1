package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the surface the router needs from the decision engine.
type Engine interface {
	Middleware(next http.Handler) http.Handler
	ServeHealth(http.ResponseWriter, *http.Request)
}

// RouterOptions wires the admin surface and the cached site.
type RouterOptions struct {
	AdminPrefix string
	Engine      Engine
	Origin      http.Handler
	Metrics     http.Handler
}

// NewRouter mounts health and metrics under the admin prefix and sends every
// other request through the engine to the origin.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if opts.Engine == nil || opts.Origin == nil {
		r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "page cache unavailable", http.StatusServiceUnavailable)
		}))
		return r
	}

	prefix := normalizePrefix(opts.AdminPrefix)
	r.Route(prefix, func(admin chi.Router) {
		admin.Get("/healthz", opts.Engine.ServeHealth)
		admin.Get("/health", opts.Engine.ServeHealth)
		if opts.Metrics != nil {
			admin.Handle("/metrics", opts.Metrics)
		}
	})
	r.Handle("/*", opts.Engine.Middleware(opts.Origin))
	return r
}

func normalizePrefix(prefix string) string {
	trimmed := strings.Trim(strings.TrimSpace(prefix), "/")
	if trimmed == "" {
		return "/_pagecache"
	}
	return "/" + trimmed
}
