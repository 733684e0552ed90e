/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

// Unit is a part of the service with its own lifecycle (e.g., the gateway HTTP server or the storage janitor).
type Unit interface {
	// Start runs the unit. It may return right after initialization or block for the unit's lifetime.
	// A fatal error is sent to fatalErr. Nothing is sent on success,
	// and the channel is not used after Start returns.
	Start(fatalErr chan<- error)

	// Stop halts the unit, gracefully if requested.
	// It may be called even if Start has failed or was never called.
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units that own Prometheus collectors.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
