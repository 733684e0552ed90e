/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"

	"github.com/acronis/go-ratekeeper/storage"
)

// ErrConfigurationMissing is returned when there is no rate-limiting rule for the (client, endpoint) pair.
var ErrConfigurationMissing = errors.New("rate limit configuration is missing")

// ErrUnknownClient is returned when the client is not recognized by the configuration.
var ErrUnknownClient = errors.New("unknown client")

// ErrInvalidConfig is returned when the rule has non-positive max requests or window.
// It's detected before any storage access.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// ErrStorageUnavailable is returned when the storage can't be reached.
// The request is never admitted in this case by the Gate itself.
var ErrStorageUnavailable = storage.ErrUnavailable
