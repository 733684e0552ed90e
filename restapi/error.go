/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"net/http"
	"strings"
)

// Error is the body of every error responded by the gateway itself (as opposed to the proxied upstream errors).
//
//	{"error": {"domain": "RateKeeper", "code": "tooManyRequests", "message": "Too many requests.", "context": {"retryAfter": 3}}}
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error codes responded by the gateway.
var (
	ErrCodeInternal           = "internalError"
	ErrCodeNotFound           = "notFound"
	ErrCodeMethodNotAllowed   = "methodNotAllowed"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeTooManyRequests    = "tooManyRequests"
	ErrCodeBadGateway         = "badGateway"
	ErrCodeServiceUnavailable = "serviceUnavailable"
)

// Error messages responded by the gateway.
var (
	ErrMessageInternal           = "Internal error."
	ErrMessageNotFound           = "Not found."
	ErrMessageTooManyRequests    = "Too many requests."
	ErrMessageServiceUnavailable = "Service is temporarily unavailable."
)

// NewError creates a new Error.
func NewError(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// NewErrorForStatus creates a new Error with the lower camel case status text as a code,
// e.g. 429 gives "tooManyRequests".
func NewErrorForStatus(domain string, httpStatusCode int, message string) *Error {
	return NewError(domain, httpCode2ErrorCode(httpStatusCode), message)
}

// NewInternalError creates a new Error for 500 responses.
func NewInternalError(domain string) *Error {
	return NewError(domain, ErrCodeInternal, ErrMessageInternal)
}

// AddContext sets a context value (e.g. "retryAfter") and returns the error for chaining.
func (e *Error) AddContext(field string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{}, 1)
	}
	e.Context[field] = value
	return e
}

func httpCode2ErrorCode(httpCode int) string {
	if httpCode == http.StatusInternalServerError {
		return ErrCodeInternal
	}
	words := strings.Fields(http.StatusText(httpCode))
	for i, word := range words {
		word = strings.ToLower(word)
		if i > 0 && word != "" {
			word = strings.ToUpper(word[:1]) + word[1:]
		}
		words[i] = word
	}
	return strings.Join(words, "")
}
