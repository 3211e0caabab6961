// Package server provides application lifecycle management including
// graceful startup and shutdown with signal handling.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds each service's Stop when none is configured.
const DefaultStopTimeout = 10 * time.Second

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start begins the service. It should block until the service is stopped
	// or an error occurs.
	Start() error
	// Stop gracefully stops the service, giving up when ctx expires.
	Stop(ctx context.Context) error
}

// FuncService adapts a start/stop function pair into the Service interface.
// A nil StopFn is a no-op.
type FuncService struct {
	StartFn func() error
	StopFn  func(ctx context.Context) error
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}

// Background adapts a component with no run loop of its own. Start blocks
// until Stop is called; Stop runs stopFn once.
//
// Precondition: stopFn must be non-nil.
func Background(stopFn func(ctx context.Context) error) Service {
	return &backgroundService{stopFn: stopFn, done: make(chan struct{})}
}

type backgroundService struct {
	stopFn func(ctx context.Context) error
	once   sync.Once
	done   chan struct{}
}

func (b *backgroundService) Start() error {
	<-b.done
	return nil
}

func (b *backgroundService) Stop(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		err = b.stopFn(ctx)
		close(b.done)
	})
	return err
}

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration
	signals     []os.Signal
	services    []namedService
	mu          sync.Mutex
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager that shuts down on SIGINT or
// SIGTERM.
//
// Precondition: logger must be non-nil; stopTimeout <= 0 uses DefaultStopTimeout.
func NewLifecycle(logger *zap.Logger, stopTimeout time.Duration) *Lifecycle {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Lifecycle{
		logger:      logger,
		stopTimeout: stopTimeout,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service for lifecycle management.
// Services are started in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts all services and blocks until a termination signal is received,
// ctx is cancelled, or a service fails or exits. Services are then stopped
// in reverse order.
//
// Postcondition: All services are stopped when this method returns. Returns
// the first service failure, or nil on a signal or cancellation.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	exitCh := make(chan error, len(services))
	for _, ns := range services {
		ns := ns
		l.logger.Info("starting service", zap.String("service", ns.name))
		go func() {
			svcStart := time.Now()
			err := ns.service.Start()
			if err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				exitCh <- fmt.Errorf("service %s: %w", ns.name, err)
				return
			}
			exitCh <- serviceExited{name: ns.name}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-exitCh:
		var exited serviceExited
		if errors.As(err, &exited) {
			l.logger.Info("service exited, shutting down", zap.String("service", exited.name))
		} else {
			l.logger.Error("service error, shutting down", zap.Error(err))
			runErr = err
		}
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.shutdown(services)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

// serviceExited reports a service whose Start returned without error.
type serviceExited struct {
	name string
}

func (e serviceExited) Error() string { return "service " + e.name + " exited" }

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service",
			zap.String("service", ns.name),
		)
		ctx, cancel := context.WithTimeout(context.Background(), l.stopTimeout)
		err := ns.service.Stop(ctx)
		cancel()
		if err != nil {
			l.logger.Warn("service stop failed",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
			continue
		}
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
