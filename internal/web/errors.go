package web

// errors.go maps errors to HTTP responses.
//
// The technical error is logged with the request id; the client receives
// the operator-facing message and code from core.MapError.

import (
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/sheetsync/internal/audit"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/lock"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errBadRequest marks malformed request parameters.
var errBadRequest = errors.New("bad request")

// statusFor picks the HTTP status of err.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrBusy), errors.Is(err, lock.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, core.ErrConfig):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes its mapped message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
		"request_id", chimw.GetReqID(r.Context()),
	)

	resp := ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		resp.Error = err.Error()
	}
	writeJSONStatus(w, status, resp)
}
