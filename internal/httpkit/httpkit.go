// Package httpkit holds the Gateway's JSON response conventions: the
// spec's {error, code} envelope on failure, plain JSON on success.
package httpkit

import (
	"encoding/json"
	"net/http"

	"github.com/cayde/coworker-server/internal/apperror"
	"github.com/cayde/coworker-server/internal/logging"
)

// errorBody is the wire-stable shape from the HTTP contract.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RespondWithJSON writes a successful JSON response.
func RespondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError writes the spec's {error, code} envelope and logs the
// underlying cause, if any.
func RespondError(w http.ResponseWriter, statusCode int, code string, message string, cause error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message, Code: code})

	entry := logging.Logger.WithField("status", statusCode).WithField("code", code)
	if cause != nil {
		entry.WithField("cause", cause.Error()).Error(message)
	} else {
		entry.Error(message)
	}
}

// HandleError inspects err for an *apperror.AppError and responds with its
// status/code/message; anything else is surfaced as a 500 Internal error.
func HandleError(w http.ResponseWriter, err error) {
	if appError, ok := apperror.As(err); ok {
		RespondError(w, appError.StatusCode, appError.Code, appError.Message, appError.Err)
		return
	}
	RespondError(w, http.StatusInternalServerError, apperror.CodeInternal, "an unexpected error occurred", err)
}
