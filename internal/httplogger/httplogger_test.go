// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package httplogger

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := &http.Client{Transport: New(srv.Client().Transport, log, strings.NewReplacer("SECRET", "[EXPUNGED]"))}

	resp, err := c.Get(srv.URL + "/botSECRET/getMe")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := buf.String()
	for _, want := range []string{"method=GET", "/bot[EXPUNGED]/getMe", "status=418"} {
		if !strings.Contains(got, want) {
			t.Errorf("log line %q lacks %q", got, want)
		}
	}
	if strings.Contains(got, "SECRET") {
		t.Errorf("secret leaked into log: %q", got)
	}
}

func TestTransportError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := &http.Client{Transport: New(nil, log, nil)}

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := c.Get(url); err == nil {
		t.Fatal("want error from a closed server")
	}
	if !strings.Contains(buf.String(), "error=") {
		t.Errorf("error not logged: %q", buf.String())
	}
}
