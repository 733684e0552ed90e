/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/rs/xid"
)

const headerRequestID = "X-Request-ID"

// RequestIDMaxLength is the maximum length of the request id accepted from the client.
const RequestIDMaxLength = 128

// RequestIDOpts represents an options for RequestID middleware.
type RequestIDOpts struct {
	// GenerateID is used for generating a new id. xid is used by default.
	GenerateID func() string
}

type requestIDHandler struct {
	next http.Handler
	opts RequestIDOpts
}

// RequestID is a middleware that reads value of X-Request-ID request's HTTP header and generates new one
// if it's empty or malformed (too long or contains non-printable characters).
// The id is put into request's context and returned in X-Request-ID response header.
// It's using xid (based on Mongo Object ID algorithm), which is fast and has pretty enough entropy.
func RequestID() func(next http.Handler) http.Handler {
	return RequestIDWithOpts(RequestIDOpts{})
}

// RequestIDWithOpts is a more configurable version of RequestID middleware.
func RequestIDWithOpts(opts RequestIDOpts) func(next http.Handler) http.Handler {
	if opts.GenerateID == nil {
		opts.GenerateID = func() string { return xid.New().String() }
	}
	return func(next http.Handler) http.Handler {
		return &requestIDHandler{next: next, opts: opts}
	}
}

func (h *requestIDHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(headerRequestID)
	if !isValidRequestID(requestID) {
		requestID = h.opts.GenerateID()
	}
	// Upstream receives the same id that is logged and returned to the client.
	r.Header.Set(headerRequestID, requestID)
	rw.Header().Set(headerRequestID, requestID)
	h.next.ServeHTTP(rw, r.WithContext(NewContextWithRequestID(r.Context(), requestID)))
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > RequestIDMaxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
