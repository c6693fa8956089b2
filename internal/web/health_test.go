// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.astrophena.name/statusrelay/internal/testutil"
)

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		checkers     map[string]Checker
		wantResponse *HealthResponse
		wantStatus   int
	}{
		"no checks": {
			wantResponse: &HealthResponse{OK: true, Checks: map[string]CheckResult{}},
			wantStatus:   http.StatusOK,
		},
		"detail": {
			checkers: map[string]Checker{
				"queue": CheckerFunc(func() (any, error) { return map[string]int{"depth": 3}, nil }),
			},
			wantResponse: &HealthResponse{
				OK: true,
				Checks: map[string]CheckResult{
					"queue": {OK: true, Detail: json.RawMessage(`{"depth":3}`)},
				},
			},
			wantStatus: http.StatusOK,
		},
		"one failing": {
			checkers: map[string]Checker{
				"ok":     CheckerFunc(func() (any, error) { return nil, nil }),
				"not-ok": CheckerFunc(func() (any, error) { return "stuck", errors.New("no pass in an hour") }),
			},
			wantResponse: &HealthResponse{
				OK: false,
				Checks: map[string]CheckResult{
					"ok":     {OK: true},
					"not-ok": {Error: "no pass in an hour", Detail: json.RawMessage(`"stuck"`)},
				},
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		"unmarshalable detail": {
			checkers: map[string]Checker{
				"nan": CheckerFunc(func() (any, error) { return math.NaN(), nil }),
			},
			wantResponse: &HealthResponse{
				OK: false,
				Checks: map[string]CheckResult{
					"nan": {Error: "marshaling detail: json: unsupported value: NaN"},
				},
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			h := Health(mux)
			for name, c := range tc.checkers {
				h.Add(name, c)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			testutil.AssertEqual(t, w.Code, tc.wantStatus)
			testutil.AssertEqual(t, compactDetails(t, testutil.UnmarshalJSON[*HealthResponse](t, w.Body.Bytes())), tc.wantResponse)
		})
	}
}

// compactDetails undoes the indentation of the response body in details.
func compactDetails(t *testing.T, hr *HealthResponse) *HealthResponse {
	t.Helper()
	for name, res := range hr.Checks {
		if res.Detail == nil {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, res.Detail); err != nil {
			t.Fatal(err)
		}
		res.Detail = buf.Bytes()
		hr.Checks[name] = res
	}
	return hr
}

func TestHealthReused(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	if Health(mux) != Health(mux) {
		t.Fatal("Health registered a second handler on the same mux")
	}
}

func TestHealthAddDuplicate(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Add did not panic on a duplicate name")
		}
	}()

	h := Health(http.NewServeMux())
	h.Add("poller", CheckerFunc(func() (any, error) { return nil, nil }))
	h.Add("poller", CheckerFunc(func() (any, error) { return nil, nil }))
}
