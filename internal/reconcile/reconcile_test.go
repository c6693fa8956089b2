// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"go.astrophena.name/statusrelay/internal/feed"
	"go.astrophena.name/statusrelay/internal/incident"
	"go.astrophena.name/statusrelay/internal/store"
	"go.astrophena.name/statusrelay/internal/testutil"
)

var now = time.Date(2025, time.July, 20, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) string { return incident.FormatTime(now.Add(-d)) }

// fakeChannel records calls. fail, if set, decides per message text whether
// the call fails.
type fakeChannel struct {
	mu      sync.Mutex
	posts   []string
	updates []update
	nextID  int
	fail    func(text string) error
}

type update struct{ Handle, Text string }

func (c *fakeChannel) Post(_ context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(text); err != nil {
			return "", err
		}
	}
	c.posts = append(c.posts, text)
	c.nextID++
	return strconv.Itoa(c.nextID), nil
}

func (c *fakeChannel) Update(_ context.Context, handle, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(text); err != nil {
			return "", err
		}
	}
	c.updates = append(c.updates, update{handle, text})
	return handle, nil
}

func (c *fakeChannel) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts) + len(c.updates)
}

// countingStore counts writes and can be told to fail them.
type countingStore struct {
	*store.MemStore
	mu     sync.Mutex
	puts   int
	putErr error
}

func (s *countingStore) Put(ctx context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	return s.MemStore.Put(ctx, inc)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

type textFormatter struct{}

func (textFormatter) Format(inc *incident.Incident) string {
	return fmt.Sprintf("%s|%s|%s", inc.ID, inc.Status, inc.Title)
}

type env struct {
	engine  *Engine
	store   *countingStore
	channel *fakeChannel
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return now }
	}
	e := &env{
		store:   &countingStore{MemStore: store.NewMemStore()},
		channel: &fakeChannel{},
	}
	e.engine = New(e.store, e.channel, textFormatter{}, cfg)
	return e
}

func (e *env) get(t *testing.T, id string) *incident.Incident {
	t.Helper()
	inc, err := e.store.Get(t.Context(), id)
	if err != nil {
		t.Fatal(err)
	}
	return inc
}

func (e *env) seed(t *testing.T, inc *incident.Incident) {
	t.Helper()
	if err := e.store.MemStore.Put(t.Context(), inc); err != nil {
		t.Fatal(err)
	}
}

func defaultConfig() Config {
	return Config{SkipResolved: true, MaxAge: 7 * 24 * time.Hour}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	entry := feed.Entry{
		GUID:      "inc-1",
		Title:     "Elevated API errors",
		Body:      "<p><strong>Investigating</strong> - We are looking into it.</p>",
		Link:      "https://status.example.com/incidents/1",
		Published: ago(time.Hour),
	}

	if got := e.get(t, "inc-1"); got != nil {
		t.Fatalf("record exists before the first pass: %+v", got)
	}

	res := e.engine.Reconcile(t.Context(), []feed.Entry{entry})
	testutil.AssertEqual(t, res.Count(Created), 1)
	if err := res.Err(); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, e.get(t, "inc-1"), &incident.Incident{
		ID:            "inc-1",
		Title:         "Elevated API errors",
		Status:        incident.Investigating,
		Body:          entry.Body,
		Link:          entry.Link,
		MessageHandle: "1",
		LastUpdated:   entry.Published,
	})
	testutil.AssertEqual(t, e.channel.posts, []string{"inc-1|Investigating|Elevated API errors"})
}

func TestIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	entries := []feed.Entry{{GUID: "inc-1", Title: "API down", Body: "Investigating", Published: ago(time.Hour)}}

	first := e.engine.Reconcile(t.Context(), entries)
	second := e.engine.Reconcile(t.Context(), entries)

	testutil.AssertEqual(t, first.Count(Created), 1)
	testutil.AssertEqual(t, second.Count(Unchanged), 1)
	testutil.AssertEqual(t, len(e.channel.posts), 1)
	testutil.AssertEqual(t, len(e.channel.updates), 0)
	testutil.AssertEqual(t, e.store.writes(), 1)
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		entry      feed.Entry
		wantUpdate bool
		wantStatus incident.Status
		wantTitle  string
	}{
		"status changed": {
			entry:      feed.Entry{GUID: "inc-1", Title: "API down", Body: "This incident has been resolved.", Published: ago(time.Hour)},
			wantUpdate: true,
			wantStatus: incident.Resolved,
			wantTitle:  "API down",
		},
		"title changed": {
			entry:      feed.Entry{GUID: "inc-1", Title: "API and dashboard down", Body: "We are investigating.", Published: ago(time.Hour)},
			wantUpdate: true,
			wantStatus: incident.Investigating,
			wantTitle:  "API and dashboard down",
		},
		"only body changed": {
			entry:      feed.Entry{GUID: "inc-1", Title: "API down", Body: "We are still investigating, more soon.", Published: ago(time.Hour)},
			wantStatus: incident.Investigating,
			wantTitle:  "API down",
		},
		"only link changed": {
			entry:      feed.Entry{GUID: "inc-1", Title: "API down", Body: "Investigating", Link: "https://elsewhere", Published: ago(time.Hour)},
			wantStatus: incident.Investigating,
			wantTitle:  "API down",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, defaultConfig())
			e.seed(t, &incident.Incident{
				ID:            "inc-1",
				Title:         "API down",
				Status:        incident.Investigating,
				Body:          "We are investigating.",
				MessageHandle: "7",
				LastUpdated:   ago(2 * time.Hour),
			})

			res := e.engine.Reconcile(t.Context(), []feed.Entry{tc.entry})
			got := e.get(t, "inc-1")

			if !tc.wantUpdate {
				testutil.AssertEqual(t, res.Count(Unchanged), 1)
				testutil.AssertEqual(t, e.channel.calls(), 0)
				testutil.AssertEqual(t, e.store.writes(), 0)
				testutil.AssertEqual(t, got.Body, "We are investigating.")
				return
			}

			testutil.AssertEqual(t, res.Count(Updated), 1)
			testutil.AssertEqual(t, len(e.channel.posts), 0)
			testutil.AssertEqual(t, len(e.channel.updates), 1)
			testutil.AssertEqual(t, e.channel.updates[0].Handle, "7")
			testutil.AssertEqual(t, e.store.writes(), 1)
			testutil.AssertEqual(t, got.Status, tc.wantStatus)
			testutil.AssertEqual(t, got.Title, tc.wantTitle)
			testutil.AssertEqual(t, got.Body, tc.entry.Body)
			testutil.AssertEqual(t, got.MessageHandle, "7")
		})
	}
}

func TestFirstSightFilters(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		cfg          Config
		entry        feed.Entry
		wantDecision Decision
	}{
		"resolved at first sight": {
			cfg:          defaultConfig(),
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Resolved", Published: ago(time.Hour)},
			wantDecision: SkippedResolved,
		},
		"resolved allowed": {
			cfg:          Config{MaxAge: 7 * 24 * time.Hour},
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Resolved", Published: ago(time.Hour)},
			wantDecision: Created,
		},
		"thirty days old": {
			cfg:          defaultConfig(),
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Investigating", Published: ago(30 * 24 * time.Hour)},
			wantDecision: SkippedOld,
		},
		"just inside the window": {
			cfg:          defaultConfig(),
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Investigating", Published: ago(7*24*time.Hour - time.Minute)},
			wantDecision: Created,
		},
		"age filter disabled": {
			cfg:          Config{SkipResolved: true},
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Investigating", Published: ago(365 * 24 * time.Hour)},
			wantDecision: Created,
		},
		"unparseable timestamp fails open": {
			cfg:          defaultConfig(),
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Investigating", Published: "last Tuesday"},
			wantDecision: Created,
		},
		"missing timestamp uses now": {
			cfg:          defaultConfig(),
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Investigating"},
			wantDecision: Created,
		},
		"updated used when published is missing": {
			cfg:          defaultConfig(),
			entry:        feed.Entry{GUID: "a", Title: "Outage", Body: "Investigating", Updated: ago(30 * 24 * time.Hour)},
			wantDecision: SkippedOld,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, tc.cfg)
			res := e.engine.Reconcile(t.Context(), []feed.Entry{tc.entry})
			testutil.AssertEqual(t, res.Outcomes[0].Decision, tc.wantDecision)

			wantCalls := 0
			if tc.wantDecision == Created {
				wantCalls = 1
			}
			testutil.AssertEqual(t, e.channel.calls(), wantCalls)
			testutil.AssertEqual(t, e.store.writes(), wantCalls)
		})
	}
}

func TestTrackedIncidentsAreNotFiltered(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	e.seed(t, &incident.Incident{ID: "a", Title: "Outage", Status: incident.Monitoring, MessageHandle: "3"})

	// Resolved and far older than the age window: still an update.
	res := e.engine.Reconcile(t.Context(), []feed.Entry{
		{GUID: "a", Title: "Outage", Body: "Resolved", Published: ago(60 * 24 * time.Hour)},
	})
	testutil.AssertEqual(t, res.Count(Updated), 1)
	testutil.AssertEqual(t, e.get(t, "a").Status, incident.Resolved)
}

// Incidents skipped at first sight are not recorded, so they are evaluated
// as first-sight again on every pass. If such an incident is later reopened,
// it is announced as new.
func TestFirstSightSkipIsNotRemembered(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	resolved := feed.Entry{GUID: "a", Title: "Outage", Body: "Resolved", Published: ago(time.Hour)}

	for range 3 {
		res := e.engine.Reconcile(t.Context(), []feed.Entry{resolved})
		testutil.AssertEqual(t, res.Outcomes[0].Decision, SkippedResolved)
	}
	if got := e.get(t, "a"); got != nil {
		t.Fatalf("skipped incident was recorded: %+v", got)
	}

	reopened := feed.Entry{GUID: "a", Title: "Outage", Body: "Investigating again", Published: ago(time.Minute)}
	res := e.engine.Reconcile(t.Context(), []feed.Entry{reopened})
	testutil.AssertEqual(t, res.Outcomes[0].Decision, Created)
	testutil.AssertEqual(t, len(e.channel.posts), 1)
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	errDown := errors.New("channel unavailable")
	e.channel.fail = func(text string) error {
		if strings.HasPrefix(text, "b|") {
			return errDown
		}
		return nil
	}

	entries := []feed.Entry{
		{GUID: "a", Title: "First", Body: "Investigating", Published: ago(1 * time.Hour)},
		{GUID: "b", Title: "Second", Body: "Investigating", Published: ago(2 * time.Hour)},
		{GUID: "c", Title: "Third", Body: "Investigating", Published: ago(3 * time.Hour)},
	}

	res := e.engine.Reconcile(t.Context(), entries)
	testutil.AssertEqual(t, res.Counts(), map[Decision]int{Created: 2, Failed: 1})
	testutil.AssertErrorIs(t, res.Err(), errDown)
	testutil.AssertEqual(t, e.store.writes(), 2)
	if e.get(t, "a") == nil || e.get(t, "c") == nil {
		t.Fatal("entries after the failure were not persisted")
	}
	if got := e.get(t, "b"); got != nil {
		t.Fatalf("failed entry was persisted: %+v", got)
	}

	// The channel recovers: the next pass creates only the missing one.
	e.channel.mu.Lock()
	e.channel.fail = nil
	e.channel.mu.Unlock()
	res = e.engine.Reconcile(t.Context(), entries)
	testutil.AssertEqual(t, res.Counts(), map[Decision]int{Created: 1, Unchanged: 2})
	testutil.AssertEqual(t, e.get(t, "b").MessageHandle, "3")
}

func TestUpdateFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	prev := &incident.Incident{ID: "a", Title: "Outage", Status: incident.Investigating, MessageHandle: "9"}
	e.seed(t, prev)
	e.channel.fail = func(string) error { return errors.New("429") }

	res := e.engine.Reconcile(t.Context(), []feed.Entry{{GUID: "a", Title: "Outage", Body: "Resolved"}})
	testutil.AssertEqual(t, res.Count(Failed), 1)
	testutil.AssertEqual(t, e.get(t, "a"), prev)
}

func TestDuplicateInBatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	// Older representation first in feed order.
	entries := []feed.Entry{
		{GUID: "a", Title: "API down", Body: "Investigating", Published: ago(3 * time.Hour)},
		{GUID: "a", Title: "API down", Body: "Monitoring a fix", Published: ago(1 * time.Hour)},
	}

	res := e.engine.Reconcile(t.Context(), entries)
	testutil.AssertEqual(t, res.Counts(), map[Decision]int{Created: 1, Duplicate: 1})
	testutil.AssertEqual(t, e.store.writes(), 1)
	got := e.get(t, "a")
	testutil.AssertEqual(t, got.Status, incident.Monitoring)
	testutil.AssertEqual(t, got.Body, "Monitoring a fix")
	testutil.AssertEqual(t, res.Outcomes[0].Decision, Created)
	testutil.AssertEqual(t, res.Outcomes[1].Decision, Duplicate)
}

func TestOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	cands := e.engine.order([]feed.Entry{
		{GUID: "undated-1", Published: "garbage"},
		{GUID: "old", Published: ago(48 * time.Hour)},
		{GUID: "undated-2", Published: "also garbage"},
		{GUID: "new", Published: ago(time.Hour)},
		{GUID: "mid", Updated: ago(24 * time.Hour)},
	})

	var ids []string
	for _, c := range cands {
		ids = append(ids, c.inc.ID)
	}
	testutil.AssertEqual(t, ids, []string{"new", "mid", "old", "undated-1", "undated-2"})
}

func TestIDFallback(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	res := e.engine.Reconcile(t.Context(), []feed.Entry{
		{Title: "Link only", Body: "Investigating", Link: "https://status.example.com/i/1", Published: ago(time.Hour)},
		{Title: "Nothing", Body: "Investigating", Published: ago(2 * time.Hour)},
		{Title: "Nothing either", Body: "Identified", Published: ago(3 * time.Hour)},
	})

	testutil.AssertEqual(t, res.Counts(), map[Decision]int{Created: 1, Invalid: 2})
	testutil.AssertEqual(t, e.store.writes(), 1)
	if e.get(t, "https://status.example.com/i/1") == nil {
		t.Fatal("entry without GUID was not stored under its link")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	got, err := Normalize(feed.Entry{GUID: "x", Body: "We have identified the issue"}, now)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, &incident.Incident{
		ID:          "x",
		Title:       "No title",
		Status:      incident.Identified,
		Body:        "We have identified the issue",
		LastUpdated: incident.FormatTime(now),
	})

	// Classification covers the title too.
	got, err = Normalize(feed.Entry{GUID: "y", Title: "[Resolved] Login errors", Body: "Investigating"}, now)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got.Status, incident.Resolved)

	_, err = Normalize(feed.Entry{Title: "no id"}, now)
	testutil.AssertErrorIs(t, err, store.ErrNoIncidentID)
}

func TestStoreWriteFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	errDisk := errors.New("disk full")
	e.store.putErr = errDisk

	res := e.engine.Reconcile(t.Context(), []feed.Entry{{GUID: "a", Title: "Outage", Body: "Investigating"}})
	o := res.Outcomes[0]
	testutil.AssertEqual(t, o.Decision, Failed)
	testutil.AssertEqual(t, o.Handle, "1")
	testutil.AssertErrorIs(t, o.Err, errDisk)
	testutil.AssertEqual(t, len(e.channel.posts), 1)
}

func TestRecordWithoutHandleIsPosted(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	e.seed(t, &incident.Incident{ID: "a", Title: "Outage", Status: incident.Investigating})

	res := e.engine.Reconcile(t.Context(), []feed.Entry{{GUID: "a", Title: "Outage", Body: "Resolved"}})
	testutil.AssertEqual(t, res.Count(Updated), 1)
	testutil.AssertEqual(t, len(e.channel.posts), 1)
	testutil.AssertEqual(t, len(e.channel.updates), 0)
	testutil.AssertEqual(t, e.get(t, "a").MessageHandle, "1")
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.DryRun = true
	e := newEnv(t, cfg)
	e.seed(t, &incident.Incident{ID: "known", Title: "Outage", Status: incident.Investigating, MessageHandle: "1"})

	res := e.engine.Reconcile(t.Context(), []feed.Entry{
		{GUID: "new", Title: "New", Body: "Investigating"},
		{GUID: "known", Title: "Outage", Body: "Resolved"},
	})
	testutil.AssertEqual(t, res.Counts(), map[Decision]int{Created: 1, Updated: 1})
	testutil.AssertEqual(t, e.channel.calls(), 0)
	testutil.AssertEqual(t, e.store.writes(), 0)
}

type ruleFunc func(*incident.Incident) (bool, error)

func (f ruleFunc) Blocked(_ context.Context, inc *incident.Incident) (bool, error) { return f(inc) }

func TestBlockRule(t *testing.T) {
	t.Parallel()

	var consulted []string
	var mu sync.Mutex
	cfg := defaultConfig()
	cfg.Rule = ruleFunc(func(inc *incident.Incident) (bool, error) {
		mu.Lock()
		consulted = append(consulted, inc.ID)
		mu.Unlock()
		switch inc.ID {
		case "maint":
			return true, nil
		case "broken":
			return true, errors.New("rule exploded")
		}
		return false, nil
	})
	e := newEnv(t, cfg)
	e.seed(t, &incident.Incident{ID: "tracked", Title: "Outage", Status: incident.Investigating, MessageHandle: "5"})

	res := e.engine.Reconcile(t.Context(), []feed.Entry{
		{GUID: "maint", Title: "Maintenance", Body: "Investigating", Published: ago(time.Hour)},
		{GUID: "broken", Title: "Outage", Body: "Investigating", Published: ago(2 * time.Hour)},
		{GUID: "ok", Title: "Outage", Body: "Investigating", Published: ago(3 * time.Hour)},
		{GUID: "tracked", Title: "Outage", Body: "Resolved", Published: ago(4 * time.Hour)},
		{GUID: "done", Title: "Outage", Body: "Resolved", Published: ago(5 * time.Hour)},
	})

	testutil.AssertEqual(t, res.Counts(), map[Decision]int{Blocked: 1, Created: 2, Updated: 1, SkippedResolved: 1})
	// Only first-sight incidents that passed the built-in filters reach the rule.
	testutil.AssertEqual(t, consulted, []string{"maint", "broken", "ok"})
}

func TestConcurrentPasses(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultConfig())
	entries := []feed.Entry{{GUID: "a", Title: "Outage", Body: "Investigating"}}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() { e.engine.Reconcile(t.Context(), entries) })
	}
	wg.Wait()

	testutil.AssertEqual(t, e.channel.calls(), 1)
	testutil.AssertEqual(t, e.store.writes(), 1)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	cfg := defaultConfig()
	cfg.Metrics = NewMetrics(reg)
	e := newEnv(t, cfg)

	e.engine.Reconcile(t.Context(), []feed.Entry{
		{GUID: "a", Title: "Outage", Body: "Investigating"},
		{GUID: "b", Title: "Outage", Body: "Resolved"},
	})

	testutil.AssertEqual(t, promtestutil.ToFloat64(cfg.Metrics.DecisionsTotal.WithLabelValues("created")), 1.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(cfg.Metrics.DecisionsTotal.WithLabelValues("skipped_resolved")), 1.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(cfg.Metrics.ChannelCalls.WithLabelValues("post", "ok")), 1.0)
	if n, err := promtestutil.GatherAndCount(reg, "statusrelay_reconcile_duration_seconds"); err != nil || n != 1 {
		t.Fatalf("GatherAndCount() = %d, %v", n, err)
	}
}

func TestResultSummary(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, Result{}.Summary(), "no entries")
	res := Result{Outcomes: []Outcome{
		{Decision: Unchanged}, {Decision: Created}, {Decision: Unchanged}, {Decision: Failed},
	}}
	testutil.AssertEqual(t, res.Summary(), "created=1 unchanged=2 failed=1")
}
