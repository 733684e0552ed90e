/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-ratekeeper/log"
)

// Decision is a result of the rate-limiting check.
type Decision struct {
	// Limited is true if the request must be rejected.
	Limited bool

	// Remaining is the number of requests that may still be admitted.
	Remaining int

	// Reset is the duration until the quota is restored. It's 0 if there is no recorded state.
	Reset time.Duration

	// Limit, Window and Alg describe the applied rule.
	Limit  int
	Window time.Duration
	Alg    Alg
}

// ResetMs returns the reset delay in milliseconds.
func (d Decision) ResetMs() int64 {
	return d.Reset.Milliseconds()
}

// RuleResolver resolves the rate-limiting rule for the client and the endpoint.
// It should return ErrUnknownClient if the client is not recognized
// and ErrConfigurationMissing if there is no rule for the endpoint.
type RuleResolver interface {
	ResolveRule(ctx context.Context, clientID, endpointID string) (Rule, error)
}

// RuleResolverFunc is an adapter to allow the use of ordinary functions as RuleResolver.
type RuleResolverFunc func(ctx context.Context, clientID, endpointID string) (Rule, error)

// ResolveRule calls f(ctx, clientID, endpointID).
func (f RuleResolverFunc) ResolveRule(ctx context.Context, clientID, endpointID string) (Rule, error) {
	return f(ctx, clientID, endpointID)
}

// GateOpts represents options for the Gate.
type GateOpts struct {
	// Strategies are additional strategies that may be selected by Rule.Alg.
	Strategies []Strategy

	// Resolver is used by CheckRoute. CheckRoute fails with ErrConfigurationMissing if it's nil.
	Resolver RuleResolver

	// Now returns the current time. time.Now is used if it's nil.
	Now func() time.Time

	// Logger is used for logging storage failures. May be nil.
	Logger log.FieldLogger

	// MetricsCollector collects decision statistics. May be nil.
	MetricsCollector MetricsCollector
}

// Gate is a stateless admission facade: it validates the rule, picks the strategy and makes a Decision.
// It doesn't retry and doesn't admit requests on errors.
type Gate struct {
	defaultStrategy  Strategy
	strategies       map[Alg]Strategy
	resolver         RuleResolver
	now              func() time.Time
	logger           log.FieldLogger
	metricsCollector MetricsCollector
}

// NewGate creates a new Gate that uses the passed strategy for all rules.
func NewGate(strategy Strategy) (*Gate, error) {
	return NewGateWithOpts(strategy, GateOpts{})
}

// NewGateWithOpts creates a new Gate with the default strategy and options.
func NewGateWithOpts(defaultStrategy Strategy, opts GateOpts) (*Gate, error) {
	if defaultStrategy == nil {
		return nil, fmt.Errorf("default strategy is required")
	}
	strategies := map[Alg]Strategy{defaultStrategy.Alg(): defaultStrategy}
	for _, s := range opts.Strategies {
		if s == nil {
			return nil, fmt.Errorf("strategy cannot be nil")
		}
		if _, exists := strategies[s.Alg()]; exists {
			return nil, fmt.Errorf("duplicate strategy for %q algorithm", s.Alg())
		}
		strategies[s.Alg()] = s
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Gate{
		defaultStrategy:  defaultStrategy,
		strategies:       strategies,
		resolver:         opts.Resolver,
		now:              opts.Now,
		logger:           opts.Logger,
		metricsCollector: opts.MetricsCollector,
	}, nil
}

// Check makes a rate-limiting decision for the client and the endpoint according to the rule.
// If the request is admitted, it's recorded in the storage.
func (g *Gate) Check(ctx context.Context, clientID, endpointID string, rule Rule) (Decision, error) {
	strategy, err := g.strategyFor(clientID, endpointID, rule)
	if err != nil {
		g.metricsCollector.IncDecisions(rule.Alg, DecisionResultError)
		return Decision{}, err
	}
	alg := strategy.Alg()
	key := Key{ClientID: clientID, EndpointID: endpointID, Alg: alg}
	now := g.now()

	decision, err := g.decide(ctx, strategy, key, rule, now)
	if err != nil {
		g.metricsCollector.IncDecisions(alg, DecisionResultError)
		return Decision{}, err
	}
	if decision.Limited {
		g.metricsCollector.IncDecisions(alg, DecisionResultLimited)
	} else {
		g.metricsCollector.IncDecisions(alg, DecisionResultAllowed)
	}
	return decision, nil
}

func (g *Gate) decide(ctx context.Context, strategy Strategy, key Key, rule Rule, now time.Time) (Decision, error) {
	var err error
	decision := Decision{Limit: rule.MaxRequests, Window: rule.Window, Alg: key.Alg}
	if decision.Limited, err = strategy.IsRateLimited(ctx, key, rule, now); err != nil {
		return Decision{}, g.storageFailure(key, "check rate limit", err)
	}
	if decision.Remaining, err = strategy.RemainingRequests(ctx, key, rule, now); err != nil {
		return Decision{}, g.storageFailure(key, "get remaining requests", err)
	}
	if decision.Reset, err = strategy.ResetTime(ctx, key, rule, now); err != nil {
		return Decision{}, g.storageFailure(key, "get reset time", err)
	}
	return decision, nil
}

// CheckRoute resolves the rule for the client and the endpoint with the RuleResolver and calls Check.
// ErrUnknownClient and ErrConfigurationMissing from the resolver are returned as is.
func (g *Gate) CheckRoute(ctx context.Context, clientID, endpointID string) (Decision, error) {
	rule, err := g.ResolveRule(ctx, clientID, endpointID)
	if err != nil {
		return Decision{}, err
	}
	return g.Check(ctx, clientID, endpointID, rule)
}

// Refund gives back one previously admitted request if the strategy supports it (implements Refunder).
// It's a best-effort operation: the request may be already in the past window.
func (g *Gate) Refund(ctx context.Context, clientID, endpointID string, rule Rule) error {
	strategy, err := g.strategyFor(clientID, endpointID, rule)
	if err != nil {
		return err
	}
	refunder, ok := strategy.(Refunder)
	if !ok {
		return nil
	}
	key := Key{ClientID: clientID, EndpointID: endpointID, Alg: strategy.Alg()}
	if err = refunder.Refund(ctx, key, rule, g.now()); err != nil {
		return g.storageFailure(key, "refund", err)
	}
	return nil
}

// ResolveRule resolves the rule with the RuleResolver of the Gate.
func (g *Gate) ResolveRule(ctx context.Context, clientID, endpointID string) (Rule, error) {
	if g.resolver == nil {
		g.metricsCollector.IncDecisions("", DecisionResultError)
		return Rule{}, fmt.Errorf("no rule resolver: %w", ErrConfigurationMissing)
	}
	rule, err := g.resolver.ResolveRule(ctx, clientID, endpointID)
	if err != nil {
		g.metricsCollector.IncDecisions("", DecisionResultError)
		return Rule{}, err
	}
	return rule, nil
}

func (g *Gate) strategyFor(clientID, endpointID string, rule Rule) (Strategy, error) {
	if clientID == "" {
		return nil, fmt.Errorf("empty client id: %w", ErrUnknownClient)
	}
	if endpointID == "" {
		return nil, fmt.Errorf("empty endpoint id: %w", ErrConfigurationMissing)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.Alg == "" {
		return g.defaultStrategy, nil
	}
	strategy, ok := g.strategies[rule.Alg]
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm %q: %w", rule.Alg, ErrInvalidConfig)
	}
	return strategy, nil
}

func (g *Gate) storageFailure(key Key, op string, err error) error {
	if !errors.Is(err, context.Canceled) {
		g.logger.Warn("rate limiting storage failure",
			log.String("op", op), log.String("client", key.ClientID), log.String("endpoint", key.EndpointID),
			log.String("alg", string(key.Alg)), log.Error(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
