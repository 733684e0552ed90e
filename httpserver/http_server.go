/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/service"
)

const (
	networkTCP  = "tcp"
	networkUnix = "unix"
)

// systemEndpoints is a list of endpoints which are neither involved in metrics collecting nor proxied upstream.
var systemEndpoints = []string{"/metrics", "/healthz"}

// HTTPRequestMetricsOpts represents options for the HTTP request metrics middleware that used in HTTPServer.
type HTTPRequestMetricsOpts struct {
	Namespace       string
	GetRoutePattern middleware.RoutePatternGetterFunc
}

// Opts represents options for creating HTTPServer.
type Opts struct {
	// APIHandler serves all non-system requests (e.g., reverse proxy created by NewReverseProxy).
	APIHandler http.Handler
	// APIMiddlewares are applied to APIHandler only, so /metrics and /healthz are never authenticated or rate limited.
	APIMiddlewares []func(http.Handler) http.Handler
	// RootMiddlewares is a list of middlewares to be applied to the root router after the default ones.
	RootMiddlewares []func(http.Handler) http.Handler
	// ErrorDomain is used for error response formatting.
	ErrorDomain string
	// HealthCheck is a function that performs health check logic.
	HealthCheck HealthCheck
	// HealthCheckContext is a function that performs context-aware health check logic.
	HealthCheckContext HealthCheckContext
	// MetricsHandler is a custom handler for the /metrics endpoint (e.g., Prometheus handler).
	MetricsHandler http.Handler
	// HTTPRequestMetrics contains options for configuring HTTP request metrics middleware.
	HTTPRequestMetrics HTTPRequestMetricsOpts
	// Handler is a custom HTTP handler to use instead of the default router with middlewares.
	// When provided, default middlewares are not applied.
	Handler http.Handler
	// Listener is a pre-configured network listener to use instead of creating a new one.
	Listener net.Listener
}

func (opts Opts) routerOpts() RouterOpts {
	return RouterOpts{
		APIHandler:         opts.APIHandler,
		APIMiddlewares:     opts.APIMiddlewares,
		RootMiddlewares:    opts.RootMiddlewares,
		ErrorDomain:        opts.ErrorDomain,
		HealthCheck:        opts.HealthCheck,
		HealthCheckContext: opts.HealthCheckContext,
		MetricsHandler:     opts.MetricsHandler,
	}
}

// HTTPServer is the gateway HTTP server. It implements service.Unit and service.MetricsRegisterer.
// By default, it's served by chi.Router with system endpoints, logging, recovery and request metrics.
type HTTPServer struct {
	URL             string
	HTTPServer      *http.Server
	UnixSocketPath  string
	TLS             TLSConfig
	HTTPRouter      chi.Router
	Logger          log.FieldLogger
	ShutdownTimeout time.Duration

	listener       net.Listener
	port           atomic.Int32
	serveDone      atomic.Value // chan struct{}, closed when Start returns
	httpReqMetrics *middleware.HTTPRequestMetricsCollector
}

var (
	_ service.Unit              = (*HTTPServer)(nil)
	_ service.MetricsRegisterer = (*HTTPServer)(nil)
)

// New creates a new HTTPServer. If opts.Handler is set, it's used as is and no default middlewares are applied.
func New(cfg *Config, logger log.FieldLogger, opts Opts) (*HTTPServer, error) { //nolint:gocritic // hugeParam
	if opts.Handler != nil {
		return newWithHandler(cfg, logger, opts.Handler, opts.Listener), nil
	}

	reqMetrics := middleware.NewHTTPRequestMetricsCollector(opts.HTTPRequestMetrics.Namespace)
	router := chi.NewRouter()
	applyDefaultMiddlewaresToRouter(router, cfg, logger, opts, reqMetrics)
	configureRouter(router, logger, opts.routerOpts())

	srv := newWithHandler(cfg, logger, router, opts.Listener)
	srv.httpReqMetrics = reqMetrics
	return srv, nil
}

func newWithHandler(cfg *Config, logger log.FieldLogger, handler http.Handler, listener net.Listener) *HTTPServer {
	srv := &HTTPServer{
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadTimeout:       time.Duration(cfg.Timeouts.Read),
			ReadHeaderTimeout: time.Duration(cfg.Timeouts.ReadHeader),
			WriteTimeout:      time.Duration(cfg.Timeouts.Write),
			IdleTimeout:       time.Duration(cfg.Timeouts.Idle),
		},
		UnixSocketPath:  cfg.UnixSocketPath,
		TLS:             cfg.TLS,
		Logger:          logger,
		ShutdownTimeout: time.Duration(cfg.Timeouts.Shutdown),
		listener:        listener,
	}
	srv.HTTPRouter, _ = handler.(chi.Router)

	scheme := "http://"
	if cfg.TLS.Enabled {
		scheme = "https://"
	}
	host := cfg.Address
	if cfg.UnixSocketPath != "" {
		host = "localhost" // Not used for dialing a unix socket.
	}
	srv.URL = scheme + host
	return srv
}

// Start serves requests until the server is stopped. It blocks, so it's usually called in a goroutine.
// Listening and serving errors are sent to fatalError.
func (s *HTTPServer) Start(fatalError chan<- error) {
	done := make(chan struct{})
	defer close(done)
	s.serveDone.Store(done)

	logger := s.Logger.With(
		log.String("address", s.HTTPServer.Addr),
		log.Duration("read_timeout", s.HTTPServer.ReadTimeout),
		log.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		log.Duration("idle_timeout", s.HTTPServer.IdleTimeout),
		log.Duration("shutdown_timeout", s.ShutdownTimeout),
	)
	if s.UnixSocketPath != "" {
		logger = logger.With(log.String("unix_socket_path", s.UnixSocketPath))
	}
	logger.Info("starting gateway HTTP server...")

	if err := s.listen(); err != nil {
		logger.Error("gateway HTTP server failed to listen", log.Error(err))
		fatalError <- err
		return
	}

	var err error
	if s.TLS.Enabled {
		err = s.HTTPServer.ServeTLS(s.listener, s.TLS.Certificate, s.TLS.Key)
	} else {
		err = s.HTTPServer.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("gateway HTTP server closed")
		return
	}
	logger.Error("gateway HTTP server error", log.Error(err))
	fatalError <- err
}

// listen creates the listener (unless it was passed in Opts) and remembers the TCP port.
func (s *HTTPServer) listen() error {
	if s.listener == nil {
		network, addr := s.NetworkAndAddr()
		if network == networkUnix {
			if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove unix socket file %q: %w", addr, err)
			}
		}
		var err error
		if s.listener, err = net.Listen(network, addr); err != nil {
			return err
		}
	}

	tcpAddr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	s.port.Store(int32(tcpAddr.Port)) //nolint:gosec // port fits into int32
	return nil
}

// Stop closes the server. When gracefully is true, in-flight requests (including proxied ones)
// may finish within ShutdownTimeout.
func (s *HTTPServer) Stop(gracefully bool) error {
	if gracefully {
		ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		s.Logger.Info("shutting down gateway HTTP server...", log.Duration("timeout", s.ShutdownTimeout))
		if err := s.HTTPServer.Shutdown(ctx); err != nil {
			s.Logger.Error("gateway HTTP server shutdown error", log.Error(err))
			return err
		}
		s.Logger.Info("gateway HTTP server shut down")
	} else {
		s.Logger.Info("closing gateway HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("gateway HTTP server closing error", log.Error(err))
			return err
		}
	}

	if done, ok := s.serveDone.Load().(chan struct{}); ok {
		<-done
	}
	return nil
}

// MustRegisterMetrics registers the request metrics and panics on error.
func (s *HTTPServer) MustRegisterMetrics() {
	if s.httpReqMetrics != nil {
		s.httpReqMetrics.MustRegister()
	}
}

// UnregisterMetrics unregisters the request metrics.
func (s *HTTPServer) UnregisterMetrics() {
	if s.httpReqMetrics != nil {
		s.httpReqMetrics.Unregister()
	}
}

// NetworkAndAddr returns "unix" and the socket path if UnixSocketPath is set, "tcp" and the address otherwise.
func (s *HTTPServer) NetworkAndAddr() (network string, addr string) {
	if s.UnixSocketPath != "" {
		return networkUnix, s.UnixSocketPath
	}
	return networkTCP, s.HTTPServer.Addr
}

// GetPort returns the listened TCP port, or 0 before listening and for unix sockets.
func (s *HTTPServer) GetPort() int {
	return int(s.port.Load())
}
