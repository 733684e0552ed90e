/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/acronis/go-ratekeeper/log"
)

// Opts represents options for NewWithOpts.
type Opts struct {
	ShutdownSignals []os.Signal
}

// Service runs a unit until a shutdown signal is received, the context is canceled or the unit fails.
// Metrics of the unit are registered for the time it runs.
type Service struct {
	Unit    Unit
	Signals chan os.Signal
	Logger  log.FieldLogger
	Opts    Opts
}

// New creates a new Service that is stopped by SIGINT or SIGTERM.
func New(logger log.FieldLogger, unit Unit) *Service {
	return NewWithOpts(logger, unit, Opts{
		ShutdownSignals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts(logger log.FieldLogger, unit Unit, opts Opts) *Service {
	return &Service{Unit: unit, Signals: make(chan os.Signal, 1), Logger: logger, Opts: opts}
}

// Start wraps StartContext using the background context.
func (s *Service) Start() error {
	return s.StartContext(context.Background())
}

// StartContext starts the unit in a separate goroutine and blocks until it should be stopped.
// The unit is stopped gracefully unless it has failed by itself.
func (s *Service) StartContext(ctx context.Context) error {
	if mr, ok := s.Unit.(MetricsRegisterer); ok {
		mr.MustRegisterMetrics()
		defer mr.UnregisterMetrics()
	}

	signal.Notify(s.Signals, s.Opts.ShutdownSignals...)
	defer signal.Stop(s.Signals)

	fatalErr := make(chan error, 1)
	go s.Unit.Start(fatalErr)

	reason, err := s.waitStop(ctx, fatalErr)
	if err != nil {
		s.Logger.Error("service fatal error", log.Error(err))
		return fmt.Errorf("fatal error: %w", err)
	}

	s.Logger.Info("stopping service...", log.String("reason", reason))
	if err = s.Unit.Stop(true); err != nil {
		s.Logger.Error("service stopping error", log.Error(err))
		return fmt.Errorf("stop service gracefully: %w", err)
	}
	s.Logger.Info("service stopped")
	return nil
}

// waitStop returns why the service should be stopped, or the fatal error of the unit.
func (s *Service) waitStop(ctx context.Context, fatalErr <-chan error) (reason string, err error) {
	select {
	case err = <-fatalErr:
		return "", err
	case <-ctx.Done():
		return "context canceled", nil
	case sig := <-s.Signals:
		return "signal " + sig.String(), nil
	}
}
