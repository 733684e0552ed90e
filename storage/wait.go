/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-ratekeeper/log"
)

// WaitOpts represents options for WaitAvailable.
type WaitOpts struct {
	// MaxWait limits the total waiting time. 0 means a single ping without retries.
	MaxWait time.Duration
	// InitialInterval is the delay before the first retry. Delays grow exponentially.
	InitialInterval time.Duration
}

const defaultWaitInitialInterval = time.Millisecond * 100

// WaitAvailable pings the storage until it responds, MaxWait elapses or ctx is done.
// Each failed attempt is logged with the warn level. The last ping error is returned.
func WaitAvailable(ctx context.Context, pinger Pinger, logger log.FieldLogger, opts WaitOpts) error {
	initialInterval := opts.InitialInterval
	if initialInterval == 0 {
		initialInterval = defaultWaitInitialInterval
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if opts.MaxWait > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initialInterval
		eb.MaxElapsedTime = opts.MaxWait
		b = eb
	}
	b = backoff.WithContext(b, ctx)

	notify := func(err error, delay time.Duration) {
		logger.Warn("rate limit storage is not available yet, retrying",
			log.Error(err), log.Duration("retry_in", delay))
	}
	return backoff.RetryNotify(func() error { return pinger.Ping(ctx) }, b, notify)
}
