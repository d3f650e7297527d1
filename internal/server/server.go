package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/pagecache/internal/config"
)

// Server runs the page cache listener and drains it when its context ends.
type Server struct {
	addr       string
	drainAfter time.Duration
	logger     *slog.Logger
	httpServer *http.Server
}

// New prepares a listener for handler on server.listen.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	return &Server{
		addr:       addr,
		drainAfter: cfg.Server.ShutdownTimeout(),
		logger:     logger.With(slog.String("agent", "lifecycle")),
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

// Addr is the configured host:port.
func (s *Server) Addr() string { return s.addr }

// Run binds the configured address and serves until ctx is cancelled. A
// cancelled context is reported as ctx.Err() once in-flight requests drain.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener, which it takes ownership of.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http listener started", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), s.drainAfter)
		defer cancel()
		s.logger.Info("http listener draining", slog.Duration("timeout", s.drainAfter))
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("server: drain: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
