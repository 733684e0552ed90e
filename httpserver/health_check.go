/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/restapi"
	"github.com/acronis/go-ratekeeper/storage"
)

// StatusClientClosedRequest is the nginx status for requests the client abandoned before the response.
const StatusClientClosedRequest = 499

// HealthCheckComponentName names a checked component, e.g. "storage".
type HealthCheckComponentName = string

// HealthCheckStatus is a status of a single component.
type HealthCheckStatus int

// Component statuses.
const (
	HealthCheckStatusOK HealthCheckStatus = iota
	HealthCheckStatusFail
)

// HealthCheckResult maps components to their statuses.
type HealthCheckResult = map[HealthCheckComponentName]HealthCheckStatus

// HealthCheck checks the components of the gateway.
type HealthCheck = func() (HealthCheckResult, error)

// HealthCheckContext is a HealthCheck bound to the /healthz request context.
type HealthCheckContext = func(ctx context.Context) (HealthCheckResult, error)

// HealthCheckComponentStorage is the name of the rate limit storage component in the health-check response.
const HealthCheckComponentStorage HealthCheckComponentName = "storage"

// NewStorageHealthCheck returns a HealthCheckContext that pings the rate limit storage.
// An unreachable storage makes the component unhealthy instead of failing the whole check,
// so the response still lists it.
func NewStorageHealthCheck(pinger storage.Pinger, logger log.FieldLogger, timeout time.Duration) HealthCheckContext {
	return func(ctx context.Context) (HealthCheckResult, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := pinger.Ping(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			logger.Warn("rate limit storage is unhealthy", log.Error(err))
			return HealthCheckResult{HealthCheckComponentStorage: HealthCheckStatusFail}, nil
		}
		return HealthCheckResult{HealthCheckComponentStorage: HealthCheckStatusOK}, nil
	}
}

type healthCheckResponseData struct {
	Components map[string]bool `json:"components"`
}

// HealthCheckHandler serves /healthz. It responds 200 when every component is OK, 503 when some component failed
// and 500 when the check itself returned an error.
type HealthCheckHandler struct {
	check HealthCheckContext
}

// NewHealthCheckHandler creates a HealthCheckHandler for a context-unaware check. A nil fn reports no components.
func NewHealthCheckHandler(fn HealthCheck) *HealthCheckHandler {
	if fn == nil {
		return NewHealthCheckHandlerContext(nil)
	}
	return &HealthCheckHandler{check: func(context.Context) (HealthCheckResult, error) { return fn() }}
}

// NewHealthCheckHandlerContext creates a HealthCheckHandler. A nil fn reports no components.
func NewHealthCheckHandlerContext(fn HealthCheckContext) *HealthCheckHandler {
	if fn == nil {
		fn = func(ctx context.Context) (HealthCheckResult, error) { return HealthCheckResult{}, ctx.Err() }
	}
	return &HealthCheckHandler{check: fn}
}

func (h *HealthCheckHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())

	result, err := h.check(r.Context())
	if err == nil {
		err = r.Context().Err()
	}
	switch {
	case errors.Is(err, context.Canceled):
		rw.WriteHeader(StatusClientClosedRequest)
		return
	case err != nil:
		if logger != nil {
			logger.Error("health check failed", log.Error(err))
		}
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	respData := healthCheckResponseData{Components: make(map[string]bool, len(result))}
	for name, componentStatus := range result {
		healthy := componentStatus == HealthCheckStatusOK
		respData.Components[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
		}
	}
	restapi.RespondCodeAndJSON(rw, status, respData, logger)
}
