/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/acronis/go-ratekeeper/log"
)

const (
	// LoggingSecretQueryPlaceholder represents a placeholder that will be used for secret query parameters.
	LoggingSecretQueryPlaceholder = "_HIDDEN_"

	userAgentLogFieldKey = "user_agent"

	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// LoggingOpts represents an options for Logging middleware.
type LoggingOpts struct {
	// RequestStart enables logging of the "request started" message.
	RequestStart bool

	// RequestHeaders maps request header names to log field keys.
	RequestHeaders map[string]string

	// ExcludedEndpoints are not logged unless the response status is >= 400.
	ExcludedEndpoints []string

	// SecretQueryParams are replaced with LoggingSecretQueryPlaceholder in the logged URI.
	SecretQueryParams []string

	// SlowRequestThreshold controls when the "response completed" message is logged with the warn level.
	SlowRequestThreshold time.Duration
}

type loggingHandler struct {
	next   http.Handler
	logger log.FieldLogger
	opts   LoggingOpts
}

// Logging logs every request once it's completed and puts the request-scoped logger into the context.
// Fields added through LoggingParams by the underlying handlers (client id, rate limit decision,
// upstream status) are appended to the "response completed" message.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return LoggingWithOpts(logger, LoggingOpts{})
}

// LoggingWithOpts is a more configurable version of Logging.
func LoggingWithOpts(logger log.FieldLogger, opts LoggingOpts) func(next http.Handler) http.Handler {
	if opts.SlowRequestThreshold == 0 {
		opts.SlowRequestThreshold = time.Second
	}
	return func(next http.Handler) http.Handler {
		return &loggingHandler{next: next, logger: logger, opts: opts}
	}
}

func (h *loggingHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := GetRequestStartTimeFromContext(ctx)
	if startTime.IsZero() {
		startTime = time.Now()
		ctx = NewContextWithRequestStartTime(ctx, startTime)
	}

	// Handlers get the logger with request_id only, request details are logged here once.
	ctxLogger := h.logger.With(log.String("request_id", GetRequestIDFromContext(ctx)))
	reqLogger := ctxLogger.With(h.requestFields(r)...)

	excluded := slices.Contains(h.opts.ExcludedEndpoints, r.URL.Path)
	if h.opts.RequestStart && !excluded {
		reqLogger.Info("request started")
	}

	lp := &LoggingParams{}
	ctx = NewContextWithLoggingParams(NewContextWithLogger(ctx, ctxLogger), lp)
	wrw := WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	h.next.ServeHTTP(wrw, r.WithContext(ctx))

	status := wrw.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if excluded && status < http.StatusBadRequest {
		return
	}
	h.logCompletion(reqLogger, time.Since(startTime), status, wrw.BytesWritten(), lp.getFields())
}

func (h *loggingHandler) requestFields(r *http.Request) []log.Field {
	fields := make([]log.Field, 0, 6+len(h.opts.RequestHeaders))
	fields = append(fields,
		log.String("method", r.Method),
		log.String("uri", h.makeURIToLog(r)),
		log.String("remote_addr", r.RemoteAddr),
		log.Int64("content_length", r.ContentLength),
		log.String(userAgentLogFieldKey, r.UserAgent()),
	)
	if originAddr := getOriginAddr(r); originAddr != "" {
		fields = append(fields, log.String("origin_addr", originAddr))
	}
	for headerName, fieldKey := range h.opts.RequestHeaders {
		fields = append(fields, log.String(fieldKey, r.Header.Get(headerName)))
	}
	return fields
}

func (h *loggingHandler) logCompletion(
	logger log.FieldLogger, duration time.Duration, status, bytesSent int, extraFields []log.Field,
) {
	fields := make([]log.Field, 0, 4+len(extraFields))
	fields = append(fields,
		log.Int64("duration_ms", duration.Milliseconds()),
		log.Int("status", status),
		log.Int("bytes_sent", bytesSent),
	)
	fields = append(fields, extraFields...)
	msg := fmt.Sprintf("response completed in %.3fs", duration.Seconds())
	if duration < h.opts.SlowRequestThreshold {
		logger.Info(msg, fields...)
		return
	}
	logger.Warn(msg, append(fields, log.Bool("slow_request", true))...)
}

// makeURIToLog masks values of the secret query parameters (e.g. access tokens passed in the query).
func (h *loggingHandler) makeURIToLog(r *http.Request) string {
	if len(h.opts.SecretQueryParams) == 0 || r.URL.RawQuery == "" {
		return r.RequestURI
	}
	query := r.URL.Query()
	for _, param := range h.opts.SecretQueryParams {
		for i, val := range query[param] {
			if val != "" {
				query[param][i] = LoggingSecretQueryPlaceholder
			}
		}
	}
	return r.URL.Path + "?" + query.Encode()
}

// getOriginAddr returns the client address reported by a load balancer in front of the gateway.
func getOriginAddr(r *http.Request) string {
	if forwardedFor := r.Header.Get(headerForwardedFor); forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(r.Header.Get(headerRealIP))
}
