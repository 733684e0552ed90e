/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit implements per-client, per-endpoint admission control on top of storage.Storage.
//
// Two strategies are provided:
//   - FixedWindow counts requests in aligned windows (windowId = floor(now / window)).
//     Resetting the counter on a window change is two separate writes, so a burst of up to 2×MaxRequests
//     around a window boundary is possible and a small overshoot under concurrency is accepted.
//   - SlidingWindowLog keeps the timestamps of admitted requests and counts only those younger than the window.
//
// Gate is a stateless facade that validates the rule, picks the strategy and returns a Decision.
// All the state lives in the storage, so any number of gates (in one or many processes) may share it.
package ratelimit
