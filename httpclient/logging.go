/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/log"
)

// LoggingMode represents a mode of logging.
type LoggingMode string

// Logging modes.
const (
	LoggingModeNone LoggingMode = "none"
	LoggingModeAll  LoggingMode = "all"
	// LoggingModeFailed logs only requests that failed, got 5xx response or were slow.
	LoggingModeFailed LoggingMode = "failed"
)

// AvailableLoggingModes contains all supported logging modes.
var AvailableLoggingModes = []string{string(LoggingModeNone), string(LoggingModeAll), string(LoggingModeFailed)}

// Names of the fields that are added to the "response completed" message of the Logging middleware.
const (
	LogFieldUpstreamDurationMs = "upstream_duration_ms"
	LogFieldUpstreamStatus     = "upstream_status"
)

const defaultSlowRequestThreshold = time.Second

// LoggingRoundTripperOpts represents options for LoggingRoundTripper.
type LoggingRoundTripperOpts struct {
	// LoggerProvider returns the logger for the request. middleware.GetLoggerFromContext is used by default.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	Mode LoggingMode

	// SlowRequestThreshold is 1s by default.
	SlowRequestThreshold time.Duration
}

// LoggingRoundTripper is an HTTP transport that logs the requests.
// It also adds the upstream status and duration to the logging params of the incoming request.
type LoggingRoundTripper struct {
	Delegate http.RoundTripper
	Opts     LoggingRoundTripperOpts
}

// NewLoggingRoundTripper creates a new LoggingRoundTripper that logs failed and slow requests.
func NewLoggingRoundTripper(delegate http.RoundTripper) *LoggingRoundTripper {
	return NewLoggingRoundTripperWithOpts(delegate, LoggingRoundTripperOpts{})
}

// NewLoggingRoundTripperWithOpts is a more configurable version of NewLoggingRoundTripper.
func NewLoggingRoundTripperWithOpts(delegate http.RoundTripper, opts LoggingRoundTripperOpts) *LoggingRoundTripper {
	if opts.Mode == "" {
		opts.Mode = LoggingModeFailed
	}
	if opts.SlowRequestThreshold == 0 {
		opts.SlowRequestThreshold = defaultSlowRequestThreshold
	}
	if opts.LoggerProvider == nil {
		opts.LoggerProvider = middleware.GetLoggerFromContext
	}
	return &LoggingRoundTripper{Delegate: delegate, Opts: opts}
}

// RoundTrip implements http.RoundTripper.
func (rt *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Opts.Mode == LoggingModeNone {
		return rt.Delegate.RoundTrip(r)
	}

	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := time.Since(start)

	status := 0
	if err == nil && resp != nil {
		status = resp.StatusCode
	}
	if lp := middleware.GetLoggingParamsFromContext(r.Context()); lp != nil {
		lp.ExtendFields(log.Int64(LogFieldUpstreamDurationMs, elapsed.Milliseconds()), log.Int(LogFieldUpstreamStatus, status))
	}

	logger := rt.Opts.LoggerProvider(r.Context())
	if logger == nil {
		return resp, err
	}
	slow := elapsed >= rt.Opts.SlowRequestThreshold
	failed := err != nil || status >= http.StatusInternalServerError
	if rt.Opts.Mode == LoggingModeFailed && !failed && !slow {
		return resp, err
	}

	fields := []log.Field{
		log.String("method", r.Method),
		log.String("upstream_uri", r.URL.String()),
		log.Int(LogFieldUpstreamStatus, status),
		log.Int64(LogFieldUpstreamDurationMs, elapsed.Milliseconds()),
	}
	msg := fmt.Sprintf("upstream request completed in %.3fs", elapsed.Seconds())
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		logger.Info("upstream request canceled", fields...)
	case err != nil:
		logger.Error("upstream request failed", append(fields, log.Error(err))...)
	case failed:
		logger.Warn(msg, fields...)
	case slow:
		logger.Warn(msg, append(fields, log.Bool("slow_request", true))...)
	default:
		logger.Info(msg, fields...)
	}
	return resp, err
}
