/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/restapi"
)

// RecoveryDefaultStackSize is a number of stack bytes logged by Recovery.
const RecoveryDefaultStackSize = 8192

// RecoveryOpts represents options for RecoveryWithOpts. Zero StackSize disables stack logging.
type RecoveryOpts struct {
	StackSize int
}

// Recovery turns a panic in the handler chain into a logged error and a 500 response.
func Recovery(errDomain string) func(next http.Handler) http.Handler {
	return RecoveryWithOpts(errDomain, RecoveryOpts{StackSize: RecoveryDefaultStackSize})
}

// RecoveryWithOpts is a more configurable version of Recovery.
func RecoveryWithOpts(errDomain string, opts RecoveryOpts) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					handlePanic(rw, r, p, errDomain, opts.StackSize)
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

func handlePanic(rw http.ResponseWriter, r *http.Request, p interface{}, errDomain string, stackSize int) {
	logger := GetLoggerFromContext(r.Context())

	// httputil.ReverseProxy aborts the handler this way when the upstream body cannot be copied.
	// The response is already started, so it's re-panicked for net/http to drop the connection.
	if p == http.ErrAbortHandler {
		if logger != nil {
			logger.Warn("proxying of the upstream response has been aborted", log.Error(http.ErrAbortHandler))
		}
		panic(p)
	}

	if logger != nil {
		fields := []log.Field{log.String("panic", fmt.Sprintf("%+v", p))}
		if clientID := GetClientIDFromContext(r.Context()); clientID != "" {
			fields = append(fields, log.String("client_id", clientID))
		}
		if stackSize > 0 {
			stack := make([]byte, stackSize)
			fields = append(fields, log.String("stack", string(stack[:runtime.Stack(stack, false)])))
		}
		logger.Error("request handler panicked", fields...)
	}
	restapi.RespondInternalError(rw, errDomain, logger)
}
