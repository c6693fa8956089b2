// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feed fetches and parses a status page RSS or Atom feed.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"go.astrophena.name/statusrelay/internal/logger"
	"go.astrophena.name/statusrelay/internal/request"
	"go.astrophena.name/statusrelay/internal/syncx"
	"go.astrophena.name/statusrelay/internal/version"
)

// DefaultURL is the feed relayed when none is configured.
const DefaultURL = "https://status.lovable.dev/feed.rss"

const (
	retryLimit = 3     // N attempts for transient failures
	readLimit  = 16384 // bytes of an error response kept for the error message
)

// Entry is a raw feed item, before it is interpreted as an incident.
type Entry struct {
	GUID  string
	Title string
	// Body is the item description or, failing that, its content. It
	// usually holds HTML.
	Body      string
	Link      string
	Published string
	Updated   string
}

// Timestamp returns the feed's own timestamp for the entry: the published
// date, else the updated date, else "".
func (e Entry) Timestamp() string {
	if e.Published != "" {
		return e.Published
	}
	return e.Updated
}

// Source fetches a single feed. It remembers the validators of the last
// successful response and, when the server answers 304 Not Modified, serves
// the entries it parsed last time.
type Source struct {
	url   string
	httpc *http.Client
	fp    *gofeed.Parser
	sleep func(context.Context, time.Duration) error

	cache *syncx.Protected[cache]
}

type cache struct {
	etag         string
	lastModified string
	entries      []Entry
}

// NewSource returns a Source for url. If httpc is nil,
// [request.DefaultClient] is used.
func NewSource(url string, httpc *http.Client) *Source {
	if httpc == nil {
		httpc = request.DefaultClient
	}
	return &Source{
		url:   url,
		httpc: httpc,
		fp:    gofeed.NewParser(),
		sleep: sleep,
		cache: syncx.Protect(cache{}),
	}
}

// URL returns the feed URL.
func (s *Source) URL() string { return s.url }

// Fetch retrieves the feed and returns its entries in feed order. Network
// errors and 5xx responses are retried a few times before giving up.
func (s *Source) Fetch(ctx context.Context) ([]Entry, error) {
	var err error
	for attempt := range retryLimit {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			logger.Get(ctx).Debug("retrying feed fetch", "feed", s.url, "attempt", attempt+1, "in", backoff, "error", err)
			if serr := s.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
		}
		var (
			entries []Entry
			retry   bool
		)
		entries, retry, err = s.fetch(ctx)
		if err == nil {
			return entries, nil
		}
		if !retry {
			break
		}
	}
	return nil, fmt.Errorf("fetching %s: %w", s.url, err)
}

func (s *Source) fetch(ctx context.Context) (entries []Entry, retry bool, err error) {
	c := s.cache.Load()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	if c.lastModified != "" {
		req.Header.Set("If-Modified-Since", c.lastModified)
	}

	res, err := s.httpc.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer res.Body.Close()

	logger.Get(ctx).Debug(
		"fetched feed",
		"feed", s.url,
		"proto", res.Proto,
		"len", res.ContentLength,
		"status", res.StatusCode,
	)

	if res.StatusCode == http.StatusNotModified {
		return c.entries, false, nil
	}
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, readLimit))
		return nil, res.StatusCode >= 500, &request.StatusError{
			Method:     http.MethodGet,
			URL:        s.url,
			Want:       http.StatusOK,
			StatusCode: res.StatusCode,
			Body:       body,
		}
	}

	feed, err := s.fp.Parse(res.Body)
	if err != nil {
		return nil, false, fmt.Errorf("parsing feed: %w", err)
	}

	entries = make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entries = append(entries, fromItem(item))
	}

	s.cache.Store(cache{
		etag:         res.Header.Get("ETag"),
		lastModified: res.Header.Get("Last-Modified"),
		entries:      entries,
	})
	return entries, false, nil
}

// Parse parses a feed document without fetching it.
func Parse(r io.Reader) ([]Entry, error) {
	feed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entries = append(entries, fromItem(item))
	}
	return entries, nil
}

func fromItem(item *gofeed.Item) Entry {
	e := Entry{
		GUID:      item.GUID,
		Title:     item.Title,
		Body:      item.Description,
		Link:      item.Link,
		Published: item.Published,
		Updated:   item.Updated,
	}
	if e.Body == "" {
		e.Body = item.Content
	}
	return e
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
