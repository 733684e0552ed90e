/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/acronis/go-ratekeeper/httpclient"
	"github.com/acronis/go-ratekeeper/httpserver/middleware"
	"github.com/acronis/go-ratekeeper/restapi"
)

// HeaderClientID is the request header the gateway uses to pass the authenticated client id to the upstream.
// A value sent by the caller is always dropped.
const HeaderClientID = "X-Client-ID"

const headerRequestID = "X-Request-ID"

// ErrMessageBadGateway is a message of the error returned when the upstream cannot be reached.
const ErrMessageBadGateway = "Upstream service is unavailable."

// ReverseProxyOpts represents options for NewReverseProxyWithOpts.
type ReverseProxyOpts struct {
	// ResponseHeaderTimeout limits the time spent waiting for the upstream response headers.
	ResponseHeaderTimeout time.Duration
	// LoggingMode and SlowRequestThreshold configure logging of the upstream requests (see httpclient.TransportOpts).
	LoggingMode          httpclient.LoggingMode
	SlowRequestThreshold time.Duration
	// MetricsCollector collects durations of the upstream requests. May be nil.
	MetricsCollector httpclient.MetricsCollector
	// Transport overrides the instrumented transport built by httpclient.NewTransport.
	Transport http.RoundTripper
}

// NewReverseProxy creates a reverse proxy to the upstream described by the cfg.
func NewReverseProxy(cfg *ProxyConfig, errDomain string) (*httputil.ReverseProxy, error) {
	return NewReverseProxyWithOpts(cfg.UpstreamURL, errDomain, ReverseProxyOpts{
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeout),
		LoggingMode:           cfg.LogMode,
	})
}

// NewReverseProxyWithOpts is a more configurable version of NewReverseProxy.
// The proxy forwards the authenticated client id and the request id,
// and responds with 502 (or 499 if the client has gone) when the upstream fails.
func NewReverseProxyWithOpts(upstreamURL string, errDomain string, opts ReverseProxyOpts) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, fmt.Errorf("absolute http(s) URL is expected, got %q", upstreamURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Header.Del(HeaderClientID)
		if clientID := middleware.GetClientIDFromContext(r.Context()); clientID != "" {
			r.Header.Set(HeaderClientID, clientID)
		}
		if requestID := middleware.GetRequestIDFromContext(r.Context()); requestID != "" {
			r.Header.Set(headerRequestID, requestID)
		}
	}

	proxy.Transport = opts.Transport
	if proxy.Transport == nil {
		proxy.Transport = httpclient.NewTransport(httpclient.TransportOpts{
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			LoggingMode:           opts.LoggingMode,
			SlowRequestThreshold:  opts.SlowRequestThreshold,
			MetricsCollector:      opts.MetricsCollector,
		})
	}

	// Transport errors are logged by httpclient.LoggingRoundTripper.
	proxy.ErrorHandler = func(rw http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			rw.WriteHeader(StatusClientClosedRequest)
			return
		}
		logger := middleware.GetLoggerFromContext(r.Context())
		apiErr := restapi.NewError(errDomain, restapi.ErrCodeBadGateway, ErrMessageBadGateway)
		restapi.RespondError(rw, http.StatusBadGateway, apiErr, logger)
	}

	return proxy, nil
}
