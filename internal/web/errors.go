package web

// errors.go maps engine errors onto HTTP responses. The technical error is
// logged with the request id; the client receives the user message and its
// support code from core.MapError.

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor picks the HTTP status for an engine error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrMappingNotFound), errors.Is(err, core.ErrAuditNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConcurrentAdvance):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyCycles):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrSourceNotFound),
		errors.Is(err, core.ErrNoUniqueKey),
		errors.Is(err, core.ErrInvalidMapping):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrSourceUnavailable), errors.Is(err, core.ErrTargetUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its user message as JSON.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)
	s.logError(r, err, statusCode, userMsg)
	respondErrorJSON(w, userMsg, statusCode)
}

func (s *Server) logError(r *http.Request, err error, statusCode int, userMsg core.UserMessage) {
	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)
}

func respondErrorJSON(w http.ResponseWriter, msg core.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// badRequest writes a 400 for malformed input.
func badRequest(w http.ResponseWriter, message string) {
	respondErrorJSON(w, core.UserMessage{Message: message, Code: "ERR400"}, http.StatusBadRequest)
}
