// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides a http.RoundTripper middleware that logs
// outgoing HTTP requests at the debug level.
package httplogger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// New returns a http.RoundTripper that logs the method, URL, status and
// duration of every request made through t. The URL is passed through
// scrubber, if not nil, before logging.
func New(t http.RoundTripper, log *slog.Logger, scrubber *strings.Replacer) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	return &loggingTransport{transport: t, log: log, scrubber: scrubber}
}

type loggingTransport struct {
	transport http.RoundTripper
	log       *slog.Logger
	scrubber  *strings.Replacer
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.transport.RoundTrip(r)

	u := r.URL.Redacted()
	if t.scrubber != nil {
		u = t.scrubber.Replace(u)
	}
	attrs := []any{"method", r.Method, "url", u, "duration", time.Since(start).Round(time.Millisecond)}
	if resp != nil {
		attrs = append(attrs, "status", resp.StatusCode)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	t.log.Debug("http request", attrs...)
	return resp, err
}
