/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"

	"github.com/acronis/go-ratekeeper/log"
)

// Params contains common data that relates to the rate limiting procedure.
type Params struct {
	ClientID   string
	EndpointID string
	Rule       Rule
	Decision   Decision
}

// RequestHandler abstracts the transport-specific operations of the rate limiting procedure.
type RequestHandler interface {
	// GetContext returns the request context.
	GetContext() context.Context

	// GetRoute extracts the client and the endpoint ids from the request.
	// Returns bypass=true if rate limiting should not be applied to the request.
	GetRoute() (clientID, endpointID string, bypass bool, err error)

	// Execute processes the actual request.
	// Returns refund=true if the admitted request should be given back to the quota (e.g., upstream failure).
	Execute(params Params) (refund bool, err error)

	// OnReject handles request rejection when rate limit is exceeded.
	OnReject(params Params) error

	// OnError handles errors that occur during rate limiting.
	OnError(params Params, err error) error
}

// RequestProcessor handles the common rate limiting logic for any request type.
type RequestProcessor struct {
	gate *Gate
}

// NewRequestProcessor creates a new request processor.
func NewRequestProcessor(gate *Gate) *RequestProcessor {
	return &RequestProcessor{gate: gate}
}

// ProcessRequest resolves the rule for the request, makes the decision and dispatches the request
// to one of the RequestHandler callbacks.
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	ctx := rh.GetContext()

	clientID, endpointID, bypass, err := rh.GetRoute()
	if err != nil {
		return rh.OnError(Params{ClientID: clientID, EndpointID: endpointID}, fmt.Errorf("get route for rate limit: %w", err))
	}
	params := Params{ClientID: clientID, EndpointID: endpointID}
	if bypass {
		_, err = rh.Execute(params)
		return err
	}

	if params.Rule, err = p.gate.ResolveRule(ctx, clientID, endpointID); err != nil {
		return rh.OnError(params, err)
	}
	if params.Decision, err = p.gate.Check(ctx, clientID, endpointID, params.Rule); err != nil {
		return rh.OnError(params, fmt.Errorf("rate limit: %w", err))
	}
	if params.Decision.Limited {
		return rh.OnReject(params)
	}

	refund, err := rh.Execute(params)
	if refund {
		if refundErr := p.gate.Refund(ctx, clientID, endpointID, params.Rule); refundErr != nil {
			p.gate.logger.Warn("failed to refund rate limit quota",
				log.String("client", clientID), log.String("endpoint", endpointID), log.Error(refundErr))
		}
	}
	return err
}
