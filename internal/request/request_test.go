// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package request_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.astrophena.name/statusrelay/internal/request"
	"go.astrophena.name/statusrelay/internal/testutil"
)

func TestMake(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			body["x-test"] = r.Header.Get("X-Test")
			json.NewEncoder(w).Encode(body)
		case "/created":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		default:
			http.Error(w, `{"description":"not found"}`, http.StatusNotFound)
		}
	}))
	defer ts.Close()

	got, err := request.Make[map[string]string](context.Background(), request.Params{
		Method:  http.MethodPost,
		URL:     ts.URL + "/echo",
		Body:    map[string]string{"key": "value"},
		Headers: map[string]string{"X-Test": "yes"},
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, map[string]string{"key": "value", "x-test": "yes"})

	if _, err := request.Make[request.IgnoreResponse](context.Background(), request.Params{
		Method:         http.MethodPost,
		URL:            ts.URL + "/created",
		WantStatusCode: http.StatusCreated,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMakeStatusErrorScrubbed(t *testing.T) {
	t.Parallel()

	const secret = "123456:SECRET"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"parameters":{"retry_after":3}}`))
	}))
	defer ts.Close()

	_, err := request.Make[request.IgnoreResponse](context.Background(), request.Params{
		Method:   http.MethodPost,
		URL:      ts.URL + "/bot" + secret + "/sendMessage",
		Scrubber: strings.NewReplacer(secret, "[EXPUNGED]"),
	})

	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("want *request.StatusError, got %T: %v", err, err)
	}
	testutil.AssertEqual(t, statusErr.StatusCode, http.StatusTooManyRequests)
	if strings.Contains(err.Error(), secret) {
		t.Fatalf("error leaks secret: %v", err)
	}
	if !strings.Contains(err.Error(), "[EXPUNGED]") {
		t.Fatalf("error is not scrubbed: %v", err)
	}
}
