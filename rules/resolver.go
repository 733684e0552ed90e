/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package rules

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-ratekeeper/ratelimit"
	"github.com/acronis/go-ratekeeper/restapi"
)

type compiledLimit struct {
	match func(string) bool
	rule  ratelimit.Rule
}

// Resolver maps requests to endpoint ids, bearer tokens to client ids, and (client, endpoint) pairs to rules.
// It's immutable after creation and safe for concurrent use.
type Resolver struct {
	routes        *restapi.RoutesManager
	clients       map[string][]compiledLimit
	tokens        map[string]string
	defaultLimits []compiledLimit
	defaultAlg    ratelimit.Alg
}

var _ ratelimit.RuleResolver = (*Resolver)(nil)

// NewResolver creates a new Resolver from the validated configuration.
func NewResolver(cfg *Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var routes []restapi.Route
	for _, ep := range cfg.Endpoints {
		for _, rc := range ep.Routes {
			routes = append(routes, restapi.NewRoute(ep.ID, rc))
		}
	}
	for _, rc := range cfg.ExcludedRoutes {
		routes = append(routes, restapi.NewExcludedRoute(rc))
	}

	r := &Resolver{
		routes:        restapi.NewRoutesManager(routes),
		clients:       make(map[string][]compiledLimit, len(cfg.Clients)),
		tokens:        make(map[string]string),
		defaultLimits: compileLimits(cfg.DefaultLimits),
		defaultAlg:    cfg.DefaultAlg,
	}
	for _, cl := range cfg.Clients {
		r.clients[cl.ID] = compileLimits(cl.Limits)
		for _, token := range cl.Tokens {
			r.tokens[token] = cl.ID
		}
	}
	return r, nil
}

func compileLimits(limits []LimitConfig) []compiledLimit {
	res := make([]compiledLimit, 0, len(limits))
	for _, l := range limits {
		res = append(res, compiledLimit{
			match: glob.Compile(l.Endpoint),
			rule:  ratelimit.Rule{MaxRequests: l.Rate.Count, Window: l.Rate.Window, Alg: l.Alg},
		})
	}
	return res
}

// DefaultAlg returns the algorithm used for limits without an explicitly specified one.
func (r *Resolver) DefaultAlg() ratelimit.Alg {
	return r.defaultAlg
}

// ClientByToken returns the id of the client that owns the bearer token.
func (r *Resolver) ClientByToken(token string) (clientID string, ok bool) {
	clientID, ok = r.tokens[token]
	return clientID, ok
}

// EndpointForRequest returns the endpoint id for the request.
// If the request matches one of the excluded routes, bypass is true.
func (r *Resolver) EndpointForRequest(req *http.Request) (endpointID string, bypass bool) {
	if route, found := r.routes.MatchRequest(req); found {
		if route.Excluded {
			return "", true
		}
		return route.EndpointID, false
	}
	return req.Method + " " + restapi.NormalizeURLPath(req.URL.Path), false
}

// ResolveRule returns the first matching limit of the client or, if there is none, the first matching default limit.
// Implements ratelimit.RuleResolver interface.
func (r *Resolver) ResolveRule(_ context.Context, clientID, endpointID string) (ratelimit.Rule, error) {
	limits, known := r.clients[clientID]
	if !known {
		return ratelimit.Rule{}, fmt.Errorf("client %q: %w", clientID, ratelimit.ErrUnknownClient)
	}
	if rule, ok := r.findRule(limits, endpointID); ok {
		return rule, nil
	}
	if rule, ok := r.findRule(r.defaultLimits, endpointID); ok {
		return rule, nil
	}
	return ratelimit.Rule{}, fmt.Errorf("no limit for client %q on endpoint %q: %w",
		clientID, endpointID, ratelimit.ErrConfigurationMissing)
}

func (r *Resolver) findRule(limits []compiledLimit, endpointID string) (ratelimit.Rule, bool) {
	for i := range limits {
		if limits[i].match(endpointID) {
			rule := limits[i].rule
			if rule.Alg == "" {
				rule.Alg = r.defaultAlg
			}
			return rule, true
		}
	}
	return ratelimit.Rule{}, false
}
