// Package httpx holds the JSON response and request helpers shared by the
// handlers and the security middleware.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/infrastructure/logger"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// Error maps err onto its HTTP status. Internal errors are logged and their
// cause is never written to the client.
func Error(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	e := apperr.As(err)
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		if log == nil {
			log = slog.Default()
		}
		logger.FromContext(r.Context(), log).Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	if e.Kind == apperr.KindRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	JSON(w, status, ErrorBody{Error: ErrorDetail{
		Code:    e.Kind.Code(),
		Message: e.Message,
		Details: e.Details,
	}})
}

// Decode reads a JSON body into dst. Unknown fields and trailing data are
// rejected as validation errors.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return apperr.Validation("Content-Type must be application/json")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required")
		case errors.As(err, &maxErr):
			return apperr.Validation("request body too large")
		default:
			return apperr.Validation("invalid JSON body")
		}
	}
	if dec.More() {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}
