/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package storage provides a uniform key/value abstraction used by rate-limiting strategies.
//
// A stored value is either a counter or an ordered log of millisecond timestamps (see Value).
// Two backends are available:
//   - MemoryStorage keeps values in the process memory (ephemeral, single instance);
//   - RedisStorage keeps values in a shared Redis server (persistent, multiple instances).
//
// Only Increment and Decrement are atomic with respect to concurrent calls on the same key.
// There is no atomicity across keys or across sequences of operations.
package storage
