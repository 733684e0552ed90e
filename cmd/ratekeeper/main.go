/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command ratekeeper is an HTTP gateway that authenticates API clients by bearer tokens,
// limits the rate of their requests per endpoint and proxies admitted requests to the upstream service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/acronis/go-ratekeeper/httpclient"
	"github.com/acronis/go-ratekeeper/httpserver"
	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/profserver"
	"github.com/acronis/go-ratekeeper/ratelimit"
	"github.com/acronis/go-ratekeeper/restapi"
	"github.com/acronis/go-ratekeeper/rules"
	"github.com/acronis/go-ratekeeper/service"
	"github.com/acronis/go-ratekeeper/storage"
)

const (
	envVarsPrefix    = "ratekeeper"
	metricsNamespace = "ratekeeper"
	errDomain        = "RateKeeper"
)

const (
	storageHealthCheckTimeout = time.Second * 2
	janitorStopTimeout        = time.Second * 5
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runApp(cfgPath string) error {
	cfg, err := loadAppConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return service.New(logger, a.unit).Start()
}

// app holds the units of the gateway and resources that should be released after they are stopped.
type app struct {
	unit    *service.CompositeUnit
	gateway *httpserver.HTTPServer
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *AppConfig, logger log.FieldLogger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	restapi.MustInitAndRegisterMetrics(metricsNamespace)
	a.closers = append(a.closers, restapi.UnregisterMetrics)

	resolver, err := rules.NewResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("create rate limit rules resolver: %w", err)
	}

	var memMetrics storage.MemoryMetricsCollector
	if cfg.Storage.Backend != storage.BackendRedis {
		promMemMetrics := storage.NewMemoryPrometheusMetrics(metricsNamespace)
		promMemMetrics.MustRegister()
		a.closers = append(a.closers, promMemMetrics.Unregister)
		memMetrics = promMemMetrics
	}
	backends, err := storage.New(cfg.Storage, logger, memMetrics)
	if err != nil {
		return nil, fmt.Errorf("create rate limit storage: %w", err)
	}
	if backends.Redis != nil {
		a.closers = append(a.closers, func() {
			if closeErr := backends.Redis.Close(); closeErr != nil {
				logger.Error("failed to close redis client", log.Error(closeErr))
			}
		})
		waitErr := storage.WaitAvailable(ctx, backends.Redis, logger, storage.WaitOpts{MaxWait: cfg.Storage.Redis.StartupWait})
		if waitErr != nil {
			logger.Warn("rate limit storage is not available, starting anyway", log.Error(waitErr),
				log.String("failure_policy", string(cfg.Server.RateLimit.FailurePolicy)))
		}
	}

	rlMetrics := ratelimit.NewPrometheusMetrics(metricsNamespace)
	rlMetrics.MustRegister()
	a.closers = append(a.closers, rlMetrics.Unregister)

	gate, err := newGate(backends.Storage, resolver, logger, rlMetrics)
	if err != nil {
		return nil, err
	}

	upstreamMetrics := httpclient.NewPrometheusMetrics(metricsNamespace)
	upstreamMetrics.MustRegister()
	a.closers = append(a.closers, upstreamMetrics.Unregister)

	proxy, err := httpserver.NewReverseProxyWithOpts(cfg.Server.Proxy.UpstreamURL, errDomain, httpserver.ReverseProxyOpts{
		ResponseHeaderTimeout: time.Duration(cfg.Server.Proxy.ResponseHeaderTimeout),
		LoggingMode:           cfg.Server.Proxy.LogMode,
		SlowRequestThreshold:  time.Duration(cfg.Server.Log.SlowRequestThreshold),
		MetricsCollector:      upstreamMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create reverse proxy: %w", err)
	}

	rateLimitMiddleware, err := middleware.RateLimitWithOpts(gate, errDomain, middleware.RateLimitOpts{
		GetRoute:       middleware.NewRateLimitGetRouteFunc(resolver),
		DryRun:         cfg.Server.RateLimit.DryRun,
		FailurePolicy:  cfg.Server.RateLimit.FailurePolicy,
		RefundStatuses: cfg.Server.RateLimit.RefundStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate limit middleware: %w", err)
	}

	a.gateway, err = httpserver.New(cfg.Server, logger, httpserver.Opts{
		APIHandler:         proxy,
		APIMiddlewares:     []func(http.Handler) http.Handler{middleware.BearerAuth(resolver, errDomain), rateLimitMiddleware},
		ErrorDomain:        errDomain,
		HealthCheckContext: httpserver.NewStorageHealthCheck(backends.Pinger, logger, storageHealthCheckTimeout),
		HTTPRequestMetrics: httpserver.HTTPRequestMetricsOpts{Namespace: metricsNamespace},
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway HTTP server: %w", err)
	}

	units := []service.Unit{a.gateway}
	if backends.Memory != nil && cfg.Storage.Memory.CleanupInterval > 0 {
		units = append(units, newJanitorUnit(backends.Memory, cfg.Storage.Memory.CleanupInterval, logger))
	}
	if cfg.ProfServer.Enabled {
		units = append(units, profserver.New(cfg.ProfServer, logger))
	}
	a.unit = service.NewCompositeUnit(units...)

	return a, nil
}

// newGate creates the admission gate that supports both algorithms on the same storage.
// The algorithm from the configuration is used for limits without an explicit one.
func newGate(
	s storage.Storage, resolver *rules.Resolver, logger log.FieldLogger, metrics ratelimit.MetricsCollector,
) (*ratelimit.Gate, error) {
	fixedWindow := ratelimit.NewFixedWindow(s)
	slidingWindow := ratelimit.NewSlidingWindowLog(s)

	var defaultStrategy, otherStrategy ratelimit.Strategy = fixedWindow, slidingWindow
	if resolver.DefaultAlg() == ratelimit.AlgSlidingWindow {
		defaultStrategy, otherStrategy = slidingWindow, fixedWindow
	}

	gate, err := ratelimit.NewGateWithOpts(defaultStrategy, ratelimit.GateOpts{
		Strategies:       []ratelimit.Strategy{otherStrategy},
		Resolver:         resolver,
		Logger:           logger,
		MetricsCollector: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate limit gate: %w", err)
	}
	return gate, nil
}

// newJanitorUnit creates the unit that periodically removes idle keys from the in-memory storage.
func newJanitorUnit(ms *storage.MemoryStorage, interval time.Duration, logger log.FieldLogger) *service.WorkerUnit {
	worker := service.NewPeriodicWorkerWithOpts(service.WorkerFunc(ms.RunCleanup), interval, logger,
		service.PeriodicWorkerOpts{Name: "storage-janitor", InitialDelay: interval})
	return service.NewWorkerUnitWithOpts(worker, service.WorkerUnitOpts{GracefulStopTimeout: janitorStopTimeout})
}
