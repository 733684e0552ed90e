/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratekeeper/log"
)

func TestWorkerUnit_Start_Stop(t *testing.T) {
	t.Run("stop non-gracefully doesn't wait", func(t *testing.T) {
		var runs atomic.Int32
		finished := make(chan struct{})
		pw := NewPeriodicWorker(WorkerFunc(func(ctx context.Context) error {
			runs.Inc()
			return nil
		}), time.Millisecond*10, log.NewDisabledLogger())

		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			defer close(finished)
			return pw.Run(ctx)
		}))
		fatalErr := make(chan error, 1)
		go unit.Start(fatalErr)

		require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second*3, time.Millisecond*5)
		require.NoError(t, unit.Stop(false))
		<-finished
		require.Empty(t, fatalErr)
	})

	t.Run("stop gracefully with timeout", func(t *testing.T) {
		longRunningWorker := WorkerFunc(func(ctx context.Context) error {
			time.Sleep(time.Second * 2) // Emulate long blocking operation that ignores ctx.
			return nil
		})
		unit := NewWorkerUnitWithOpts(longRunningWorker, WorkerUnitOpts{GracefulStopTimeout: time.Millisecond * 200})
		go unit.Start(make(chan error, 1))
		time.Sleep(time.Millisecond * 50)
		require.ErrorIs(t, unit.Stop(true), ErrWorkerUnitStopTimeoutExceeded)
	})

	t.Run("stop gracefully waits for the worker", func(t *testing.T) {
		var answer atomic.Int32
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(time.Millisecond * 100)
			answer.Store(42)
			return nil
		}))
		go unit.Start(make(chan error, 1))
		time.Sleep(time.Millisecond * 50)
		require.NoError(t, unit.Stop(true))
		require.Equal(t, int32(42), answer.Load())
	})

	t.Run("worker error is fatal", func(t *testing.T) {
		errWorker := errors.New("worker failed")
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error { return errWorker }))
		fatalErr := make(chan error, 1)
		unit.Start(fatalErr)
		require.ErrorIs(t, <-fatalErr, errWorker)
		require.NoError(t, unit.Stop(true))
	})

	t.Run("stop without start", func(t *testing.T) {
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error { return nil }))
		require.NoError(t, unit.Stop(true))
	})
}
