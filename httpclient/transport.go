/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides the instrumented HTTP transport that is used for calling the upstream service.
package httpclient

import (
	"net/http"
	"time"
)

// TransportOpts represents options for NewTransport.
type TransportOpts struct {
	// ResponseHeaderTimeout limits the time of waiting for the response headers. 0 means no limit.
	ResponseHeaderTimeout time.Duration

	// LoggingMode is LoggingModeFailed by default.
	LoggingMode LoggingMode

	// SlowRequestThreshold is a threshold after which the request is logged with the warn level in any mode except "none".
	SlowRequestThreshold time.Duration

	// MetricsCollector collects request durations. Metrics are disabled if it's nil.
	MetricsCollector MetricsCollector

	// Delegate is the underlying transport. The clone of http.DefaultTransport is used if it's nil.
	Delegate http.RoundTripper
}

// NewTransport wraps the delegate transport with metrics collecting and logging.
func NewTransport(opts TransportOpts) http.RoundTripper {
	delegate := opts.Delegate
	if delegate == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
		delegate = tr
	}
	if opts.MetricsCollector != nil {
		delegate = NewMetricsRoundTripper(delegate, opts.MetricsCollector)
	}
	if opts.LoggingMode == "" {
		opts.LoggingMode = LoggingModeFailed
	}
	if opts.LoggingMode != LoggingModeNone {
		delegate = NewLoggingRoundTripperWithOpts(delegate, LoggingRoundTripperOpts{
			Mode:                 opts.LoggingMode,
			SlowRequestThreshold: opts.SlowRequestThreshold,
		})
	}
	return delegate
}
