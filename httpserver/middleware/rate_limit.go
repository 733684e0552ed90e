/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/ratelimit"
	"github.com/acronis/go-ratekeeper/restapi"
)

// Error codes that are used in a response body if the request is not admitted by the RateLimit middleware.
const (
	RateLimitErrCode              = "tooManyRequests"
	RateLimitErrCodeUnknownClient = "unknownClient"
	RateLimitErrCodeNotConfigured = "rateLimitNotConfigured"
)

// Rate-limiting response headers.
const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitWindowMs  = "X-RateLimit-Window-Ms"
	HeaderRateLimitStrategy  = "X-RateLimit-Strategy"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
)

// Names of the logged fields.
const (
	RateLimitLogFieldEndpoint  = "rate_limit_endpoint"
	RateLimitLogFieldAlg       = "rate_limit_alg"
	RateLimitLogFieldRemaining = "rate_limit_remaining"
	RateLimitLogFieldResetMs   = "rate_limit_reset_ms"
)

// FailurePolicy determines how the RateLimit middleware handles unavailability of the rate-limiting storage.
type FailurePolicy string

// Failure policies.
const (
	// FailurePolicyFailClosed rejects requests with 503 HTTP status code.
	FailurePolicyFailClosed FailurePolicy = "fail_closed"

	// FailurePolicyFailOpen serves requests without rate limiting.
	FailurePolicyFailOpen FailurePolicy = "fail_open"
)

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ErrDomain     string
	FailurePolicy FailurePolicy
	ClientID      string
	EndpointID    string
	Rule          ratelimit.Rule
	Decision      ratelimit.Decision
}

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called when an error occurs during the rate limiting.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitGetRouteFunc is a function that is called for getting the client and the endpoint ids of the request.
type RateLimitGetRouteFunc func(r *http.Request) (clientID, endpointID string, bypass bool, err error)

// EndpointResolver determines the endpoint id of the request.
type EndpointResolver interface {
	EndpointForRequest(r *http.Request) (endpointID string, bypass bool)
}

// NewRateLimitGetRouteFunc returns RateLimitGetRouteFunc that takes the client id from the request's context
// (it's put there by the BearerAuth middleware) and the endpoint id from the resolver.
func NewRateLimitGetRouteFunc(endpoints EndpointResolver) RateLimitGetRouteFunc {
	return func(r *http.Request) (clientID, endpointID string, bypass bool, err error) {
		endpointID, bypass = endpoints.EndpointForRequest(r)
		return GetClientIDFromContext(r.Context()), endpointID, bypass, nil
	}
}

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	// GetRoute returns the client and the endpoint ids of the request.
	// By default, the client id is taken from the context and the endpoint id is "<METHOD> <path>".
	GetRoute RateLimitGetRouteFunc

	// DryRun enables the mode when requests are not rejected, only logged.
	DryRun bool

	// FailurePolicy is FailurePolicyFailClosed by default.
	FailurePolicy FailurePolicy

	// RefundStatuses are response status codes (e.g., 502, 503, 504) on which
	// the admitted request is given back to the quota.
	RefundStatuses []int

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
	OnError          RateLimitOnErrorFunc
}

type rateLimitHandler struct {
	next           http.Handler
	processor      *ratelimit.RequestProcessor
	getRoute       RateLimitGetRouteFunc
	errDomain      string
	failurePolicy  FailurePolicy
	refundStatuses map[int]struct{}

	onReject RateLimitOnRejectFunc
	onError  RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests per client and endpoint.
// Rejected requests get 429 HTTP status code with the Retry-After header.
func RateLimit(gate *ratelimit.Gate, errDomain string) func(next http.Handler) http.Handler {
	return MustRateLimitWithOpts(gate, errDomain, RateLimitOpts{})
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
func RateLimitWithOpts(gate *ratelimit.Gate, errDomain string, opts RateLimitOpts) (func(next http.Handler) http.Handler, error) {
	if gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	switch opts.FailurePolicy {
	case "":
		opts.FailurePolicy = FailurePolicyFailClosed
	case FailurePolicyFailClosed, FailurePolicyFailOpen:
	default:
		return nil, fmt.Errorf("unknown failure policy %q", opts.FailurePolicy)
	}
	refundStatuses := make(map[int]struct{}, len(opts.RefundStatuses))
	for _, status := range opts.RefundStatuses {
		if status < 100 || status > 599 {
			return nil, fmt.Errorf("invalid refund status %d", status)
		}
		refundStatuses[status] = struct{}{}
	}
	if opts.GetRoute == nil {
		opts.GetRoute = defaultRateLimitGetRoute
	}

	processor := ratelimit.NewRequestProcessor(gate)
	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:           next,
			processor:      processor,
			getRoute:       opts.GetRoute,
			errDomain:      errDomain,
			failurePolicy:  opts.FailurePolicy,
			refundStatuses: refundStatuses,
			onReject:       makeRateLimitOnRejectFunc(opts),
			onError:        makeRateLimitOnErrorFunc(opts),
		}
	}, nil
}

// MustRateLimitWithOpts is a version of RateLimitWithOpts that panics if an error occurs.
func MustRateLimitWithOpts(gate *ratelimit.Gate, errDomain string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(gate, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func defaultRateLimitGetRoute(r *http.Request) (clientID, endpointID string, bypass bool, err error) {
	return GetClientIDFromContext(r.Context()), r.Method + " " + r.URL.Path, false, nil
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	requestHandler := &rateLimitRequestHandler{rw: rw, r: r, parent: h}
	_ = h.processor.ProcessRequest(requestHandler) // Error is always nil, as it is handled in the rateLimitRequestHandler methods.
}

// rateLimitRequestHandler implements ratelimit.RequestHandler for HTTP requests.
type rateLimitRequestHandler struct {
	rw     http.ResponseWriter
	r      *http.Request
	parent *rateLimitHandler
}

func (h *rateLimitRequestHandler) GetContext() context.Context {
	return h.r.Context()
}

func (h *rateLimitRequestHandler) GetRoute() (clientID, endpointID string, bypass bool, err error) {
	return h.parent.getRoute(h.r)
}

func (h *rateLimitRequestHandler) Execute(params ratelimit.Params) (refund bool, err error) {
	if params.Decision.Limit != 0 {
		SetRateLimitHeaders(h.rw.Header(), params.Decision)
		extendLoggingFields(h.r.Context(),
			log.String(RateLimitLogFieldEndpoint, params.EndpointID),
			log.String(RateLimitLogFieldAlg, string(params.Decision.Alg)),
			log.Int(RateLimitLogFieldRemaining, params.Decision.Remaining),
		)
	}
	if len(h.parent.refundStatuses) == 0 || params.Decision.Limit == 0 {
		h.parent.next.ServeHTTP(h.rw, h.r)
		return false, nil
	}
	wrw := WrapResponseWriterIfNeeded(h.rw, h.r.ProtoMajor)
	h.parent.next.ServeHTTP(wrw, h.r)
	_, refund = h.parent.refundStatuses[wrw.Status()]
	return refund, nil
}

func (h *rateLimitRequestHandler) OnReject(params ratelimit.Params) error {
	h.parent.onReject(h.rw, h.r, h.convertParams(params), h.parent.next, GetLoggerFromContext(h.r.Context()))
	return nil
}

func (h *rateLimitRequestHandler) OnError(params ratelimit.Params, err error) error {
	h.parent.onError(h.rw, h.r, h.convertParams(params), err, h.parent.next, GetLoggerFromContext(h.r.Context()))
	return nil
}

func (h *rateLimitRequestHandler) convertParams(params ratelimit.Params) RateLimitParams {
	return RateLimitParams{
		ErrDomain:     h.parent.errDomain,
		FailurePolicy: h.parent.failurePolicy,
		ClientID:      params.ClientID,
		EndpointID:    params.EndpointID,
		Rule:          params.Rule,
		Decision:      params.Decision,
	}
}

// SetRateLimitHeaders sets the informational X-RateLimit-* headers.
func SetRateLimitHeaders(header http.Header, decision ratelimit.Decision) {
	header.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	header.Set(HeaderRateLimitWindowMs, strconv.FormatInt(decision.Window.Milliseconds(), 10))
	header.Set(HeaderRateLimitStrategy, string(decision.Alg))
	header.Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
}

// RetryAfterSeconds returns the value for the Retry-After header: the reset delay in seconds rounded up.
func RetryAfterSeconds(decision ratelimit.Decision) int64 {
	resetMs := decision.ResetMs()
	if resetMs <= 0 {
		return 0
	}
	return (resetMs + 999) / 1000
}

// DefaultRateLimitOnReject sends HTTP response with 429 status code, Retry-After and X-RateLimit-* headers
// when the rate limit is exceeded.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, _ http.Handler, logger log.FieldLogger,
) {
	retryAfter := RetryAfterSeconds(params.Decision)
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldEndpoint, params.EndpointID),
			log.String(RateLimitLogFieldAlg, string(params.Decision.Alg)),
			log.Int64(RateLimitLogFieldResetMs, params.Decision.ResetMs()),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	SetRateLimitHeaders(rw.Header(), params.Decision)
	rw.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
	apiErr := restapi.NewError(params.ErrDomain, RateLimitErrCode, restapi.ErrMessageTooManyRequests).
		AddContext("retryAfterSeconds", retryAfter)
	restapi.RespondError(rw, http.StatusTooManyRequests, apiErr, logger)
}

// DefaultRateLimitOnRejectInDryRun logs the rejection and serves the request when the rate limit is exceeded in the dry-run mode.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldEndpoint, params.EndpointID),
			log.String(RateLimitLogFieldAlg, string(params.Decision.Alg)),
			log.Int64(RateLimitLogFieldResetMs, params.Decision.ResetMs()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultRateLimitOnError sends HTTP response depending on the error:
//   - storage unavailability: 503 (or serving the request if the fail-open policy is used);
//   - unknown client or missing configuration: 403 with different error codes;
//   - other errors (e.g., invalid configuration): 500.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(log.String(RateLimitLogFieldEndpoint, params.EndpointID), log.Error(err))
	}
	switch {
	case errors.Is(err, ratelimit.ErrStorageUnavailable):
		if params.FailurePolicy == FailurePolicyFailOpen {
			if logger != nil {
				logger.Warn("rate limiting is unavailable, serving will be continued because of fail-open policy")
			}
			next.ServeHTTP(rw, r)
			return
		}
		restapi.RespondError(rw, http.StatusServiceUnavailable, restapi.NewError(
			params.ErrDomain, restapi.ErrCodeServiceUnavailable, restapi.ErrMessageServiceUnavailable), logger)

	case errors.Is(err, ratelimit.ErrUnknownClient):
		restapi.RespondError(rw, http.StatusForbidden, restapi.NewError(
			params.ErrDomain, RateLimitErrCodeUnknownClient, "Client is unknown."), logger)

	case errors.Is(err, ratelimit.ErrConfigurationMissing):
		restapi.RespondError(rw, http.StatusForbidden, restapi.NewError(
			params.ErrDomain, RateLimitErrCodeNotConfigured, "Rate limit is not configured for the endpoint."), logger)

	default:
		if logger != nil {
			logger.Error("rate limiting failed")
		}
		restapi.RespondInternalError(rw, params.ErrDomain, logger)
	}
}

func makeRateLimitOnRejectFunc(opts RateLimitOpts) RateLimitOnRejectFunc {
	if opts.DryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultRateLimitOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultRateLimitOnReject
}

func makeRateLimitOnErrorFunc(opts RateLimitOpts) RateLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRateLimitOnError
}
