/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const keyNamespace = "ratekeeper"

// Alg is a name of the rate-limiting algorithm.
type Alg string

// Supported rate-limiting algorithms.
const (
	AlgFixedWindow   Alg = "fixed_window"
	AlgSlidingWindow Alg = "sliding_window"
)

// Key identifies the rate-limiting state of one client on one endpoint for one algorithm.
type Key struct {
	ClientID   string
	EndpointID string
	Alg        Alg
}

// String returns the storage key prefix ("ratekeeper:{alg}:{client}:{endpoint}").
// Client and endpoint ids are query-escaped, so a separator inside an id can't make two keys collide.
func (k Key) String() string {
	var sb strings.Builder
	sb.Grow(len(keyNamespace) + len(k.Alg) + len(k.ClientID) + len(k.EndpointID) + 3)
	sb.WriteString(keyNamespace)
	sb.WriteByte(':')
	sb.WriteString(string(k.Alg))
	sb.WriteByte(':')
	sb.WriteString(url.QueryEscape(k.ClientID))
	sb.WriteByte(':')
	sb.WriteString(url.QueryEscape(k.EndpointID))
	return sb.String()
}

func (k Key) storageKey(suffix string) string {
	return k.String() + ":" + suffix
}

// Rule describes how many requests are allowed within the window.
type Rule struct {
	MaxRequests int
	Window      time.Duration

	// Alg selects the strategy. Empty value means the default strategy of the Gate.
	Alg Alg
}

// Validate checks that the rule may be used for rate limiting.
// The window is used with millisecond precision, so it should be at least 1ms.
func (r Rule) Validate() error {
	if r.MaxRequests <= 0 {
		return fmt.Errorf("max requests should be positive, got %d: %w", r.MaxRequests, ErrInvalidConfig)
	}
	if r.Window.Milliseconds() <= 0 {
		return fmt.Errorf("window should be at least 1ms, got %s: %w", r.Window, ErrInvalidConfig)
	}
	return nil
}

func (r Rule) windowMs() int64 {
	return r.Window.Milliseconds()
}

// floorDiv returns floor(a / b) for a positive b.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}
