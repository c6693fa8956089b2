// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package web is a collection of functions and types for building the small
// JSON admin endpoints of a service.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.astrophena.name/statusrelay/internal/logger"
)

// StatusErr is a sentinel error type used to represent HTTP status code errors.
type StatusErr int

// Error implements the error interface.
// It returns a lowercase representation of the HTTP status text for the wrapped code.
func (se StatusErr) Error() string { return strings.ToLower(http.StatusText(int(se))) }

const (
	// ErrBadRequest represents a bad request error (HTTP 400).
	ErrBadRequest StatusErr = http.StatusBadRequest
	// ErrNotFound represents a not found error (HTTP 404).
	ErrNotFound StatusErr = http.StatusNotFound
	// ErrMethodNotAllowed represents a method not allowed error (HTTP 405).
	ErrMethodNotAllowed StatusErr = http.StatusMethodNotAllowed
	// ErrConflict represents a conflict with the current state (HTTP 409).
	ErrConflict StatusErr = http.StatusConflict
	// ErrInternalServerError represents an internal server error (HTTP 500).
	ErrInternalServerError StatusErr = http.StatusInternalServerError
	// ErrServiceUnavailable represents a temporarily unavailable service (HTTP 503).
	ErrServiceUnavailable StatusErr = http.StatusServiceUnavailable
)

// errorResponse is a struct used to represent an error response in JSON format.
type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// RespondJSON marshals the provided response object as JSON and writes it to
// the [http.ResponseWriter].
// It sets the Content-Type header to application/json before marshalling.
// In case of marshalling errors, it writes an internal server error with the error message.
func RespondJSON(w http.ResponseWriter, response any) { respondJSON(w, response, false) }

func respondJSON(w http.ResponseWriter, response any, wroteStatus bool) {
	w.Header().Set("Content-Type", "application/json")
	b, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		if !wroteStatus {
			w.WriteHeader(http.StatusInternalServerError)
		}
		fmt.Fprintf(w, `{
  "status": "error",
  "error": "JSON marshal error: %s"
}`, escapeForJSON(err.Error()))
		return
	}
	w.Write(b)
	w.Write([]byte("\n"))
}

// RespondJSONError writes an error response in JSON format to w and logs the
// error using the logger from the request context if error is
// [ErrInternalServerError].
//
// If the error is a [StatusErr] or wraps it, it extracts the HTTP status code
// and sets the response status code accordingly. Otherwise, it sets the
// response status code to [http.StatusInternalServerError].
//
// You can wrap any error with [fmt.Errorf] to create a [StatusErr] and set a
// specific HTTP status code:
//
//	// This will set the status code to 404 (Not Found).
//	web.RespondJSONError(w, r, fmt.Errorf("resource %w", web.ErrNotFound))
func RespondJSONError(w http.ResponseWriter, r *http.Request, err error) {
	var se StatusErr
	if !errors.As(err, &se) {
		se = ErrInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(se))
	if se == ErrInternalServerError {
		logger.Get(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, &errorResponse{Status: "error", Error: err.Error()}, true)
}

func escapeForJSON(s string) string {
	var sb strings.Builder
	for _, ch := range s {
		switch ch {
		case '\\', '"', '/', '\b', '\n', '\r', '\t':
			// Escape these characters with a backslash.
			sb.WriteRune('\\')
			sb.WriteRune(ch)
		default:
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}
