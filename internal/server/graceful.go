// Package server runs the idsync HTTP server and tears the service down in
// dependency order
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdownable represents a component that can be gracefully shut down
type Shutdownable interface {
	Shutdown(ctx context.Context) error
	Name() string
}

// ShutdownFunc wraps a function to implement Shutdownable
type ShutdownFunc struct {
	name string
	fn   func(context.Context) error
}

// NewShutdownFunc creates a Shutdownable from a function
func NewShutdownFunc(name string, fn func(context.Context) error) *ShutdownFunc {
	return &ShutdownFunc{name: name, fn: fn}
}

// Name returns the component name
func (s *ShutdownFunc) Name() string { return s.name }

// Shutdown calls the wrapped function
func (s *ShutdownFunc) Shutdown(ctx context.Context) error { return s.fn(ctx) }

// Config holds configuration for graceful shutdown
type Config struct {
	Server          *http.Server
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
}

// GracefulShutdown serves HTTP until a signal or context cancellation, then
// stops the server and runs the registered steps one after another in
// registration order. Later steps may rely on earlier ones having finished:
// sync passes are drained before the stores they write to are closed.
type GracefulShutdown struct {
	server  *http.Server
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []Shutdownable
	once  sync.Once
	done  chan struct{}
}

// New creates a new GracefulShutdown manager
func New(cfg Config) *GracefulShutdown {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GracefulShutdown{
		server:  cfg.Server,
		logger:  cfg.Logger,
		timeout: cfg.ShutdownTimeout,
		done:    make(chan struct{}),
	}
}

// Add appends a shutdown step
func (g *GracefulShutdown) Add(s Shutdownable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, s)
}

// AddFunc appends a shutdown step made from fn
func (g *GracefulShutdown) AddFunc(name string, fn func(context.Context) error) {
	g.Add(NewShutdownFunc(name, fn))
}

// Run serves on ln until SIGINT, SIGTERM or ctx is done, then shuts down.
// It returns the error that stopped the server early, if any.
func (g *GracefulShutdown) Run(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		g.logger.Info("Server listening", zap.String("addr", ln.Addr().String()))
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case err = <-serveErr:
		if err != nil {
			g.logger.Error("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
		g.logger.Info("Shutdown requested")
	}
	g.Shutdown()
	return err
}

// Shutdown stops the server and runs the steps. Only the first call does
// the work; later calls wait for it.
func (g *GracefulShutdown) Shutdown() {
	g.once.Do(func() {
		defer close(g.done)
		g.shutdown()
	})
	<-g.done
}

func (g *GracefulShutdown) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Warn("HTTP server did not drain, forcing close", zap.Error(err))
			g.server.Close()
		}
	}

	g.mu.Lock()
	steps := append([]Shutdownable(nil), g.steps...)
	g.mu.Unlock()

	for _, s := range steps {
		if err := s.Shutdown(ctx); err != nil {
			g.logger.Error("Shutdown step failed", zap.String("component", s.Name()), zap.Error(err))
			continue
		}
		g.logger.Debug("Shutdown step complete", zap.String("component", s.Name()))
	}
	g.logger.Info("Shutdown complete")
}

// WaitFunc makes a step of a blocking wait. The step gives up when the
// shutdown deadline passes; the wait itself keeps running.
func WaitFunc(name string, wait func()) Shutdownable {
	return NewShutdownFunc(name, func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// CloseFunc makes a step of a Close method
func CloseFunc(name string, c interface{ Close() error }) Shutdownable {
	return NewShutdownFunc(name, func(context.Context) error {
		return c.Close()
	})
}
