// Package httpx carries the JSON error envelope shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	maxCodeLength    = 64
	maxMessageLength = 512
)

// Error is a machine-readable API error. The Code is a stable snake_case
// identifier clients may branch on; Message is for humans only.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`

	// RequestID echoes the chi request ID so a client report can be matched
	// to server logs. Filled in by WriteError when left empty.
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// NewError builds an Error, clamping the code and message to sane lengths.
func NewError(code, message string, status int) Error {
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clamp(code, maxCodeLength),
		Message: clamp(message, maxMessageLength),
		Status:  status,
	}
}

// WriteError renders the envelope as JSON. Encoding failures are swallowed:
// the status line is already on the wire by then.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status < http.StatusBadRequest {
		err.Status = http.StatusInternalServerError
	}
	if err.RequestID == "" {
		err.RequestID = clamp(middleware.GetReqID(ctx), maxCodeLength)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(err)
}

// clamp collapses control characters to spaces and truncates on a rune
// boundary so a multi-byte character is never split.
func clamp(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value)
	value = strings.TrimSpace(value)

	runes := []rune(value)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return value
}
