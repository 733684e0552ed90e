/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"strings"

	"github.com/acronis/go-ratekeeper/log"
	"github.com/acronis/go-ratekeeper/restapi"
)

const (
	headerAuthorization   = "Authorization"
	headerWWWAuthenticate = "WWW-Authenticate"

	bearerScheme = "Bearer"
)

// ClientIDLogFieldKey is the name of the logged field that contains the id of the authenticated client.
const ClientIDLogFieldKey = "client_id"

// ClientIdentifier identifies the client by the bearer token.
type ClientIdentifier interface {
	ClientByToken(token string) (clientID string, ok bool)
}

type bearerAuthHandler struct {
	next       http.Handler
	identifier ClientIdentifier
	errDomain  string
}

// BearerAuth is a middleware that authenticates the client by the bearer token from the Authorization header.
// The id of the authenticated client is put into request's context (see GetClientIDFromContext).
// Requests without a token or with an unknown token are rejected with 401 HTTP status code.
func BearerAuth(identifier ClientIdentifier, errDomain string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &bearerAuthHandler{next: next, identifier: identifier, errDomain: errDomain}
	}
}

func (h *bearerAuthHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := GetLoggerFromContext(ctx)

	token, found := parseBearerToken(r.Header.Get(headerAuthorization))
	if !found {
		rw.Header().Set(headerWWWAuthenticate, bearerScheme)
		restapi.RespondError(rw, http.StatusUnauthorized,
			restapi.NewError(h.errDomain, restapi.ErrCodeUnauthorized, "Bearer token is missing."), logger)
		return
	}
	clientID, ok := h.identifier.ClientByToken(token)
	if !ok {
		rw.Header().Set(headerWWWAuthenticate, bearerScheme+` error="invalid_token"`)
		restapi.RespondError(rw, http.StatusUnauthorized,
			restapi.NewError(h.errDomain, restapi.ErrCodeUnauthorized, "Bearer token is invalid."), logger)
		return
	}

	ctx = NewContextWithClientID(ctx, clientID)
	if logger != nil {
		ctx = NewContextWithLogger(ctx, logger.With(log.String(ClientIDLogFieldKey, clientID)))
	}
	extendLoggingFields(ctx, log.String(ClientIDLogFieldKey, clientID))
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

func parseBearerToken(authHeader string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
