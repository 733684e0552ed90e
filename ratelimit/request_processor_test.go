/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratekeeper/storage"
)

type mockRequestHandler struct {
	clientID   string
	endpointID string
	bypass     bool
	routeErr   error
	refund     bool

	executed  int
	rejected  int
	lastErr   error
	lastParam Params
}

func (h *mockRequestHandler) GetContext() context.Context { return context.Background() }

func (h *mockRequestHandler) GetRoute() (clientID, endpointID string, bypass bool, err error) {
	return h.clientID, h.endpointID, h.bypass, h.routeErr
}

func (h *mockRequestHandler) Execute(params Params) (bool, error) {
	h.executed++
	h.lastParam = params
	return h.refund, nil
}

func (h *mockRequestHandler) OnReject(params Params) error {
	h.rejected++
	h.lastParam = params
	return nil
}

func (h *mockRequestHandler) OnError(params Params, err error) error {
	h.lastErr = err
	h.lastParam = params
	return err
}

func newTestProcessor(t *testing.T) *RequestProcessor {
	resolver := RuleResolverFunc(func(_ context.Context, clientID, _ string) (Rule, error) {
		if clientID != "acme" {
			return Rule{}, fmt.Errorf("client %q: %w", clientID, ErrUnknownClient)
		}
		return Rule{MaxRequests: 1, Window: time.Minute}, nil
	})
	gate, err := NewGateWithOpts(NewFixedWindow(storage.NewMemoryStorage()), GateOpts{Resolver: resolver})
	require.NoError(t, err)
	return NewRequestProcessor(gate)
}

func TestRequestProcessor_ProcessRequest(t *testing.T) {
	t.Run("admit then reject", func(t *testing.T) {
		p := newTestProcessor(t)
		h := &mockRequestHandler{clientID: "acme", endpointID: "GET /a"}
		require.NoError(t, p.ProcessRequest(h))
		require.NoError(t, p.ProcessRequest(h))
		require.Equal(t, 1, h.executed)
		require.Equal(t, 1, h.rejected)
		require.True(t, h.lastParam.Decision.Limited)
		require.Equal(t, 1, h.lastParam.Rule.MaxRequests)
	})

	t.Run("refund gives the quota back", func(t *testing.T) {
		p := newTestProcessor(t)
		h := &mockRequestHandler{clientID: "acme", endpointID: "GET /a", refund: true}
		for i := 0; i < 3; i++ {
			require.NoError(t, p.ProcessRequest(h))
		}
		require.Equal(t, 3, h.executed)
		require.Zero(t, h.rejected)
	})

	t.Run("bypass", func(t *testing.T) {
		p := newTestProcessor(t)
		h := &mockRequestHandler{bypass: true}
		for i := 0; i < 3; i++ {
			require.NoError(t, p.ProcessRequest(h))
		}
		require.Equal(t, 3, h.executed)
	})

	t.Run("unknown client", func(t *testing.T) {
		p := newTestProcessor(t)
		h := &mockRequestHandler{clientID: "globex", endpointID: "GET /a"}
		require.ErrorIs(t, p.ProcessRequest(h), ErrUnknownClient)
		require.Zero(t, h.executed)
	})

	t.Run("route error", func(t *testing.T) {
		p := newTestProcessor(t)
		routeErr := errors.New("no route")
		h := &mockRequestHandler{routeErr: routeErr}
		require.ErrorIs(t, p.ProcessRequest(h), routeErr)
		require.Zero(t, h.executed)
	})
}
