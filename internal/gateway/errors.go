package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/fault"
)

// errorEnvelope is the body of every non-2xx JSON response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

// envelopeFor maps err to its HTTP status and wire form. Unexpected errors
// collapse to a generic message; the detail stays in the log.
func envelopeFor(err error) (int, errorEnvelope) {
	if errors.Is(err, auth.ErrMissingToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrAuthDisabled) {
		return http.StatusUnauthorized, errorEnvelope{Error: errorBody{
			Code:    "unauthenticated",
			Message: "authentication required",
		}}
	}

	code := fault.Code(err)
	msg := err.Error()
	if code == "internal_error" {
		msg = "internal error"
	}
	var details map[string]string
	var invalid *fault.ValidationError
	if errors.As(err, &invalid) && invalid.Field != "" {
		details = map[string]string{"field": invalid.Field}
	}
	return fault.HTTPStatus(err), errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   msg,
		Retryable: code == "transient",
		Details:   details,
	}}
}

// writeError renders err as the error envelope with the right status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, envelope := envelopeFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.WarnContext(r.Context(), "request rejected",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordError("gateway", envelope.Error.Code)
	}
	s.writeJSON(w, status, envelope)
}

// writeJSON writes data as a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
