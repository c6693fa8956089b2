// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.astrophena.name/statusrelay/internal/syncx"
)

// Checker reports the health of a subsystem. The detail is included in the
// /health response as JSON; a non-nil error marks the service unhealthy.
//
// Health must be safe for concurrent use.
type Checker interface {
	Health() (detail any, err error)
}

// CheckerFunc adapts a function to [Checker].
type CheckerFunc func() (any, error)

// Health implements [Checker].
func (f CheckerFunc) Health() (any, error) { return f() }

// Health returns the [HealthHandler] serving /health on mux, registering one
// if there is none yet.
func Health(mux *http.ServeMux) *HealthHandler {
	h, pat := mux.Handler(&http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/health"}})
	if hh, ok := h.(*HealthHandler); ok && pat != "" {
		return hh
	}
	hh := &HealthHandler{checkers: syncx.Protect(make(map[string]Checker))}
	mux.Handle("GET /health", hh)
	return hh
}

// HealthHandler serves the combined result of its checkers. It answers 503
// when any of them fails.
type HealthHandler struct {
	checkers *syncx.Protected[map[string]Checker]
}

// Add registers c under name. It panics if name is taken.
func (h *HealthHandler) Add(name string, c Checker) {
	h.checkers.WriteAccess(func(m *map[string]Checker) {
		if _, dup := (*m)[name]; dup {
			panic(fmt.Sprintf("web: health check %q registered twice", name))
		}
		(*m)[name] = c
	})
}

// HealthResponse is the body of a /health response.
type HealthResponse struct {
	OK     bool                   `json:"ok"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Checkers run outside the lock so a slow one doesn't block Add.
	var checkers map[string]Checker
	h.checkers.ReadAccess(func(m map[string]Checker) {
		checkers = make(map[string]Checker, len(m))
		for name, c := range m {
			checkers[name] = c
		}
	})

	hr := &HealthResponse{OK: true, Checks: make(map[string]CheckResult, len(checkers))}
	for name, c := range checkers {
		hr.Checks[name] = runCheck(c)
		if !hr.Checks[name].OK {
			hr.OK = false
		}
	}

	status := http.StatusOK
	if !hr.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	respondJSON(w, hr, true)
}

func runCheck(c Checker) CheckResult {
	detail, err := c.Health()
	res := CheckResult{OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	if detail != nil {
		b, merr := json.Marshal(detail)
		if merr != nil {
			return CheckResult{Error: "marshaling detail: " + merr.Error()}
		}
		res.Detail = b
	}
	return res
}
