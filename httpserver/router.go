/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/restapi"
)

// RouterOpts represents options for creating chi.Router.
type RouterOpts struct {
	// APIHandler serves every request that is not a system endpoint (usually a reverse proxy to the upstream).
	APIHandler http.Handler
	// APIMiddlewares are applied only to requests served by APIHandler (authentication, rate limiting).
	APIMiddlewares     []func(http.Handler) http.Handler
	RootMiddlewares    []func(http.Handler) http.Handler
	ErrorDomain        string
	HealthCheck        HealthCheck
	HealthCheckContext HealthCheckContext
	MetricsHandler     http.Handler
}

// NewRouter creates a chi.Router with the system endpoints (/metrics, /healthz)
// and the API handler mounted as a catch-all.
func NewRouter(logger log.FieldLogger, opts RouterOpts) chi.Router {
	router := chi.NewRouter()
	configureRouter(router, logger, opts)
	return router
}

//nolint:gocritic // hugeParam
func configureRouter(router chi.Router, logger log.FieldLogger, opts RouterOpts) {
	router.Use(opts.RootMiddlewares...)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	healthCheckHandler := NewHealthCheckHandler(opts.HealthCheck)
	if opts.HealthCheckContext != nil {
		healthCheckHandler = NewHealthCheckHandlerContext(opts.HealthCheckContext)
	}
	router.Method(http.MethodGet, "/metrics", metricsHandler)
	router.Method(http.MethodGet, "/healthz", healthCheckHandler)

	// System endpoints are registered first, so they are never authenticated, rate limited or proxied.
	if opts.APIHandler != nil {
		router.With(opts.APIMiddlewares...).Handle("/*", opts.APIHandler)
	}

	respondError := func(rw http.ResponseWriter, status int, code, msg string) {
		restapi.RespondError(rw, status, restapi.NewError(opts.ErrorDomain, code, msg), logger)
	}
	router.NotFound(func(rw http.ResponseWriter, _ *http.Request) {
		respondError(rw, http.StatusNotFound, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound)
	})
	router.MethodNotAllowed(func(rw http.ResponseWriter, _ *http.Request) {
		respondError(rw, http.StatusMethodNotAllowed, restapi.ErrCodeMethodNotAllowed, "Method not allowed.")
	})
}

//nolint:gocritic // hugeParam
func applyDefaultMiddlewaresToRouter(
	router chi.Router, cfg *Config, logger log.FieldLogger, opts Opts, metricsCollector *middleware.HTTPRequestMetricsCollector,
) {
	// The start time is taken before everything else, so the logged duration includes all middlewares.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(rw, r.WithContext(middleware.NewContextWithRequestStartTime(r.Context(), time.Now())))
		})
	})
	router.Use(middleware.RequestID())
	router.Use(middleware.LoggingWithOpts(logger, makeLoggingOpts(&cfg.Log)))
	router.Use(middleware.Recovery(opts.ErrorDomain))

	getRoutePattern := opts.HTTPRequestMetrics.GetRoutePattern
	if getRoutePattern == nil {
		getRoutePattern = GetChiRoutePattern
	}
	router.Use(middleware.HTTPRequestMetricsWithOpts(metricsCollector, getRoutePattern,
		middleware.HTTPRequestMetricsOpts{ExcludedEndpoints: systemEndpoints}))
}

func makeLoggingOpts(cfg *LogConfig) middleware.LoggingOpts {
	opts := middleware.LoggingOpts{
		RequestStart:         cfg.RequestStart,
		RequestHeaders:       make(map[string]string, len(cfg.RequestHeaders)),
		ExcludedEndpoints:    cfg.ExcludedEndpoints,
		SecretQueryParams:    cfg.SecretQueryParams,
		SlowRequestThreshold: time.Duration(cfg.SlowRequestThreshold),
	}
	for _, header := range cfg.RequestHeaders {
		opts.RequestHeaders[header] = "req_header_" + strings.ToLower(strings.ReplaceAll(header, "-", "_"))
	}
	return opts
}

// GetChiRoutePattern returns the chi route pattern of the request.
// Requests that have not been routed yet are matched against the router tree.
func GetChiRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}

	path := r.URL.RawPath
	if path == "" {
		path = r.URL.Path
	}
	matchCtx := chi.NewRouteContext()
	if !rctx.Routes.Match(matchCtx, r.Method, path) {
		return ""
	}
	return matchCtx.RoutePattern()
}
