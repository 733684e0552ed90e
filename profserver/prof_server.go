/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package profserver provides an optional HTTP server that exposes pprof endpoints of the gateway.
// It's separated from the gateway server, so profiling is never reachable through the public listener.
package profserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/service"
)

const shutdownTimeout = time.Second * 5

// ProfServer represents HTTP server for profiling (/debug/pprof/*).
// It implements service.Unit interface.
type ProfServer struct {
	URL        string
	HTTPServer *http.Server
	Logger     log.FieldLogger

	started atomic.Bool
	done    chan struct{}
}

var _ service.Unit = (*ProfServer)(nil)

// New creates a new profiling HTTP server.
func New(cfg *Config, logger log.FieldLogger) *ProfServer {
	logger = logger.With(log.String("server", "profiling"))

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(),
		middleware.LoggingWithOpts(logger, middleware.LoggingOpts{RequestStart: true}),
		middleware.Recovery(""),
	)
	router.Mount("/debug", chimiddleware.Profiler())

	return &ProfServer{
		URL: "http://" + cfg.Address,
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: time.Second * 5,
		},
		Logger: logger,
		done:   make(chan struct{}),
	}
}

// Start starts the server in a blocking way.
// If a fatal error occurs, it's sent into passed fatalErr channel.
func (s *ProfServer) Start(fatalErr chan<- error) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)

	logger := s.Logger.With(log.String("address", s.HTTPServer.Addr))
	logger.Info("starting profiling HTTP server...")
	if err := s.HTTPServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("profiling HTTP server closed")
			return
		}
		logger.Error("profiling HTTP server error", log.Error(err))
		fatalErr <- err
	}
}

// Stop stops the server. Profiling requests (e.g., 30s CPU profile) are not waited for longer than 5 seconds.
func (s *ProfServer) Stop(gracefully bool) error {
	var err error
	if gracefully {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Logger.Info("shutting down profiling HTTP server...")
		err = s.HTTPServer.Shutdown(ctx)
	} else {
		s.Logger.Info("closing profiling HTTP server...")
		err = s.HTTPServer.Close()
	}
	if err != nil {
		s.Logger.Error("profiling HTTP server stopping error", log.Error(err))
		return err
	}
	if s.started.Load() {
		<-s.done
	}
	return nil
}
