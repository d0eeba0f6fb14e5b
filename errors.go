package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/authority/internal/apperr"
	"github.com/sirupsen/logrus"
)

// APIError is the body of every failure response.
type APIError struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	Action     string `json:"action"`
	StatusCode int    `json:"status_code"`
}

func statusFor(k apperr.Kind) (int, string) {
	switch k {
	case apperr.KindValidation, apperr.KindConflict:
		return http.StatusBadRequest, "ValidationError"
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized, "UnauthorizedError"
	case apperr.KindForbidden:
		return http.StatusForbidden, "ForbiddenError"
	case apperr.KindNotFound:
		return http.StatusNotFound, "NotFoundError"
	default:
		return http.StatusInternalServerError, "InternalServerError"
	}
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Log.WithError(err).Warn("write json")
	}
}

// writeError translates err into the error envelope. Causes of internal
// errors are logged and never sent. Unauthorized responses also clear the
// session cookie.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	status, name := statusFor(e.Kind)

	if status == http.StatusInternalServerError {
		a.Log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("unhandled error")
	}
	if status == http.StatusUnauthorized {
		a.clearSessionCookie(w)
	}

	a.writeJSON(w, status, APIError{
		Name:       name,
		Message:    e.Message,
		Action:     e.Action,
		StatusCode: status,
	})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("Request body is required.", "Send a JSON object and try again.")
		}
		return apperr.Validation("Invalid request body.", "Send a valid JSON object and try again.").WithCause(err)
	}
	return nil
}
