/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is returned when the storage backend cannot be reached or the operation times out.
// Callers decide whether to fail open or closed; it must never be treated as a successful result.
var ErrUnavailable = errors.New("storage unavailable")

// ErrKindMismatch is returned when an operation expects a value of one kind but the key holds another one
// (e.g., incrementing a key that holds a timestamp log).
var ErrKindMismatch = errors.New("stored value kind mismatch")

// ErrInvalidValue is returned when an untagged (zero) Value is passed to Set.
var ErrInvalidValue = errors.New("invalid value")

// Kind is a tag of the stored value.
type Kind int

// Value kinds.
const (
	KindCounter Kind = iota + 1
	KindLog
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindLog:
		return "log"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Value is a tagged variant holding either a counter or an ordered log of timestamps (in milliseconds).
// Use CounterValue and LogValue to construct it.
type Value struct {
	kind       Kind
	count      int64
	timestamps []int64
}

// CounterValue creates a counter Value.
func CounterValue(n int64) Value {
	return Value{kind: KindCounter, count: n}
}

// LogValue creates a timestamp log Value. The passed slice is copied.
func LogValue(timestamps []int64) Value {
	return Value{kind: KindLog, timestamps: append([]int64(nil), timestamps...)}
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Counter returns the counter held by the value or ErrKindMismatch if the value is not a counter.
func (v Value) Counter() (int64, error) {
	if v.kind != KindCounter {
		return 0, fmt.Errorf("want %s, got %s: %w", KindCounter, v.kind, ErrKindMismatch)
	}
	return v.count, nil
}

// Timestamps returns a copy of the log held by the value or ErrKindMismatch if the value is not a log.
func (v Value) Timestamps() ([]int64, error) {
	if v.kind != KindLog {
		return nil, fmt.Errorf("want %s, got %s: %w", KindLog, v.kind, ErrKindMismatch)
	}
	return append([]int64(nil), v.timestamps...), nil
}

// Storage is the key/value contract that rate-limiting strategies depend on.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the value stored by the key. The second result is false if the key has never been written
	// (or has been reset or expired).
	Get(ctx context.Context, key string) (Value, bool, error)

	// Set unconditionally overwrites the value stored by the key (the kind may change).
	// Setting an empty log deletes the key.
	Set(ctx context.Context, key string, value Value) error

	// Increment atomically adds one to the counter stored by the key, creating it at 1 if absent,
	// and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// Decrement atomically subtracts one from the counter stored by the key (floored at zero)
	// and returns the new value. An absent key is reported as zero.
	Decrement(ctx context.Context, key string) (int64, error)

	// Reset deletes the key.
	Reset(ctx context.Context, key string) error
}

// Pinger is implemented by backends that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}
