/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/acronis/go-ratekeeper/log"
)

// ContentTypeAppJSON is the content type of all JSON responses of the gateway.
const ContentTypeAppJSON = "application/json"

// ErrorResponseData is a body of the error response.
type ErrorResponseData struct {
	Err *Error `json:"error"`
}

func (e *ErrorResponseData) Error() string {
	return fmt.Sprintf("HTTP error occurs: %v", e.Err)
}

// RespondJSON responds 200 with respData encoded as JSON.
func RespondJSON(rw http.ResponseWriter, respData interface{}, logger log.FieldLogger) {
	RespondCodeAndJSON(rw, http.StatusOK, respData, logger)
}

// RespondCodeAndJSON responds statusCode with respData encoded as JSON. HTML characters are not escaped,
// so endpoint patterns like "GET /orders?a=<b>" are returned as is.
// A Content-Type set by the caller is kept. A nil respData gives an empty body.
func RespondCodeAndJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	if respData == nil {
		rw.WriteHeader(statusCode)
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(respData); err != nil {
		logErr(logger, "error while marshaling json for response body", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	if rw.Header().Get("Content-Type") == "" {
		rw.Header().Set("Content-Type", ContentTypeAppJSON)
	}
	rw.WriteHeader(statusCode)
	if _, err := rw.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))); err != nil {
		logErr(logger, "error while writing response body", err)
	}
}

// RespondError responds the error wrapped into ErrorResponseData.
// The error is logged (5xx with the error level, others with the warn level) and counted in response_errors_total.
func RespondError(rw http.ResponseWriter, httpStatusCode int, err *Error, logger log.FieldLogger) {
	if logger != nil {
		logger.AtLevel(errorLogLevel(httpStatusCode), func(logFunc log.LogFunc) {
			logFunc("error in response", errorLogFields(httpStatusCode, err)...)
		})
	}
	if metricsResponseErrors != nil {
		metricsResponseErrors.WithLabelValues(err.Domain, err.Code).Inc()
	}
	RespondCodeAndJSON(rw, httpStatusCode, ErrorResponseData{err}, logger)
}

// RespondInternalError responds 500 with the internal error.
func RespondInternalError(rw http.ResponseWriter, domain string, logger log.FieldLogger) {
	RespondError(rw, http.StatusInternalServerError, NewInternalError(domain), logger)
}

func errorLogLevel(httpStatusCode int) log.Level {
	if httpStatusCode >= http.StatusInternalServerError {
		return log.LevelError
	}
	return log.LevelWarn
}

func errorLogFields(httpStatusCode int, err *Error) []log.Field {
	fields := []log.Field{
		log.Int("status", httpStatusCode),
		log.String("error_code", err.Code),
		log.String("error_message", err.Message),
	}
	if len(err.Context) == 0 {
		return fields
	}
	ctxLines := make([]string, 0, len(err.Context))
	for k, v := range err.Context {
		ctxLines = append(ctxLines, fmt.Sprintf("%s: %v", k, v))
	}
	sort.Strings(ctxLines)
	return append(fields, log.Strings("error_context", ctxLines))
}

func logErr(logger log.FieldLogger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, log.Error(err))
	}
}
