/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/acronis/go-ratekeeper/log"
)

// ErrPeriodicWorkerStop may be returned by the worker to interrupt PeriodicWorker's loop.
var ErrPeriodicWorkerStop = errors.New("stop periodic worker")

// Worker performs some (usually long-running) work.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// PeriodicWorker runs the underlying worker with delays between runs until the context is done.
// Errors of a single run are logged and don't stop the loop, except ErrPeriodicWorkerStop.
type PeriodicWorker struct {
	worker            Worker
	logger            log.FieldLogger
	initialDelay      time.Duration
	intervalDelay     time.Duration
	intervalDelayFunc func(worker Worker, err error) time.Duration
}

// PeriodicWorkerOpts contains optional parameters for constructing PeriodicWorker.
type PeriodicWorkerOpts struct {
	// Name is added to all messages logged by the worker.
	Name string
	// InitialDelay is the delay before the first run.
	InitialDelay time.Duration
	// IntervalDelayFunc overrides the constant interval delay (e.g., to back off after an error).
	IntervalDelayFunc func(worker Worker, err error) time.Duration
}

// NewPeriodicWorker creates a new PeriodicWorker with a constant delay between runs.
func NewPeriodicWorker(worker Worker, intervalDelay time.Duration, logger log.FieldLogger) *PeriodicWorker {
	return NewPeriodicWorkerWithOpts(worker, intervalDelay, logger, PeriodicWorkerOpts{})
}

// NewPeriodicWorkerWithOpts is a more configurable version of NewPeriodicWorker.
func NewPeriodicWorkerWithOpts(
	worker Worker, intervalDelay time.Duration, logger log.FieldLogger, opts PeriodicWorkerOpts,
) *PeriodicWorker {
	if opts.Name != "" {
		logger = logger.With(log.String("worker", opts.Name))
	}
	return &PeriodicWorker{
		worker:            worker,
		logger:            logger,
		initialDelay:      opts.InitialDelay,
		intervalDelay:     intervalDelay,
		intervalDelayFunc: opts.IntervalDelayFunc,
	}
}

// Run runs the loop. It returns nil when ctx is done or the worker returns ErrPeriodicWorkerStop.
// A panic in the worker is logged with the stack and re-raised.
func (pw *PeriodicWorker) Run(ctx context.Context) error {
	defer pw.logPanic()

	pw.logger.Info("running periodic worker...",
		log.Duration("initial_delay", pw.initialDelay), log.Duration("interval_delay", pw.intervalDelay))

	timer := time.NewTimer(pw.initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			pw.logger.Info("periodic worker stopped")
			return nil
		case <-timer.C:
		}
		delay, stop := pw.runOnce(ctx)
		if stop {
			pw.logger.Info("periodic worker stopped by itself")
			return nil
		}
		timer.Reset(delay)
	}
}

// runOnce runs the worker and returns the delay before the next run.
func (pw *PeriodicWorker) runOnce(ctx context.Context) (nextDelay time.Duration, stop bool) {
	err := pw.worker.Run(ctx)
	if errors.Is(err, ErrPeriodicWorkerStop) {
		return 0, true
	}
	if err != nil {
		pw.logger.Error("periodic worker run failed", log.Error(err))
	}
	if pw.intervalDelayFunc != nil {
		return pw.intervalDelayFunc(pw.worker, err), false
	}
	return pw.intervalDelay, false
}

func (pw *PeriodicWorker) logPanic() {
	p := recover()
	if p == nil {
		return
	}
	stack := make([]byte, 8192)
	pw.logger.Error("periodic worker panicked",
		log.String("panic", fmt.Sprintf("%+v", p)), log.Bytes("stack", stack[:runtime.Stack(stack, false)]))
	panic(p)
}
