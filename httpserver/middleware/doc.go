/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package middleware contains HTTP middlewares of the gateway:
// request id, logging, recovery, metrics, bearer authentication and rate limiting.
package middleware
