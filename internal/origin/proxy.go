// Package origin forwards MISS and BYPASS traffic to the application that
// renders pages.
package origin

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/errorpage"
)

// Proxy is an http.Handler that relays requests to the origin.
type Proxy struct {
	target            *url.URL
	proxy             *httputil.ReverseProxy
	page              *errorpage.Page
	logger            *slog.Logger
	correlationHeader string
}

// Options wires a Proxy. A nil Transport uses a clone of http.DefaultTransport.
type Options struct {
	Origin            config.OriginConfig
	Page              *errorpage.Page
	CorrelationHeader string
	Transport         http.RoundTripper
	Logger            *slog.Logger
}

// NewProxy validates the origin URL and builds the reverse proxy. The inbound
// Host header is preserved unless the origin configuration overrides it.
func NewProxy(opts Options) (*Proxy, error) {
	raw := strings.TrimSpace(opts.Origin.URL)
	if raw == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "origin: url required")
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "origin: parse url")
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "origin: url must be absolute http(s): %q", raw)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	page := opts.Page
	if page == nil {
		page, err = errorpage.New(config.ErrorPageConfig{})
		if err != nil {
			return nil, err
		}
	}

	transport := opts.Transport
	if transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = 60 * time.Second
		if host := strings.TrimSpace(opts.Origin.HostHeader); host != "" && target.Scheme == "https" {
			base.TLSClientConfig = &tls.Config{ServerName: hostname(host), MinVersion: tls.VersionTLS12}
		}
		transport = base
	}

	p := &Proxy{
		target:            target,
		page:              page,
		logger:            logger.With(slog.String("agent", "origin_proxy")),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}
	p.proxy = &httputil.ReverseProxy{
		Director:     createDirector(target, strings.TrimSpace(opts.Origin.HostHeader)),
		Transport:    transport,
		ErrorHandler: p.handleError,
	}
	return p, nil
}

func createDirector(target *url.URL, hostHeader string) func(req *http.Request) {
	basePath := strings.TrimSuffix(target.Path, "/")
	return func(req *http.Request) {
		inboundHost := req.Host
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		if basePath != "" {
			req.URL.Path = basePath + req.URL.Path
			if req.URL.RawPath != "" {
				req.URL.RawPath = basePath + req.URL.RawPath
			}
		}
		if hostHeader != "" {
			req.Host = hostHeader
		}
		req.Header.Set("X-Forwarded-Host", inboundHost)
		req.Header.Set("X-Forwarded-Proto", proto)
	}
}

// ServeHTTP relays r to the origin.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

// Target is the origin base URL.
func (p *Proxy) Target() string {
	return p.target.String()
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := ""
	if p.correlationHeader != "" {
		requestID = w.Header().Get(p.correlationHeader)
	}
	p.logger.ErrorContext(r.Context(), "origin request failed",
		slog.String("correlation_id", requestID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	p.page.Write(w, r, http.StatusBadGateway, requestID, p.logger)
}

func hostname(hostport string) string {
	if host, _, ok := strings.Cut(hostport, ":"); ok {
		return host
	}
	return hostport
}
