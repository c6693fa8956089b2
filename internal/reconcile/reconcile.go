// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package reconcile decides, for each feed entry, whether it is a new
// incident, an update to a known one or nothing new, and performs the
// matching channel call and store write.
//
// A store record is written only after the channel call it depends on
// succeeds, so a failed call leaves the previous record in place and the
// same decision is made again on the next pass.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/statusrelay/internal/feed"
	"go.astrophena.name/statusrelay/internal/incident"
	"go.astrophena.name/statusrelay/internal/logger"
	"go.astrophena.name/statusrelay/internal/store"
)

// Channel is where incidents are announced.
type Channel interface {
	// Post sends a new message and returns a handle identifying it.
	Post(ctx context.Context, text string) (handle string, err error)
	// Update replaces the text of the message identified by handle and
	// returns the handle to keep.
	Update(ctx context.Context, handle, text string) (string, error)
}

// Formatter renders an incident as message text.
type Formatter interface {
	Format(*incident.Incident) string
}

// BlockRule is an optional user-defined filter applied at first sight.
type BlockRule interface {
	Blocked(context.Context, *incident.Incident) (bool, error)
}

// Config controls the first-sight filters and side effects.
type Config struct {
	// SkipResolved skips incidents that are already resolved when first seen.
	SkipResolved bool
	// MaxAge skips incidents first seen more than MaxAge after their feed
	// timestamp. Zero disables the check.
	MaxAge time.Duration
	// Rule, if set, is consulted after the other first-sight filters.
	Rule BlockRule
	// DryRun logs decisions without calling the channel or writing the store.
	DryRun bool
	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time
	// Metrics, if set, receives decision counts.
	Metrics *Metrics
}

// Decision is what happened to one feed entry.
type Decision string

// Possible decisions.
const (
	Created         Decision = "created"
	Updated         Decision = "updated"
	Unchanged       Decision = "unchanged"
	SkippedResolved Decision = "skipped_resolved"
	SkippedOld      Decision = "skipped_old"
	Blocked         Decision = "blocked"
	Duplicate       Decision = "duplicate"
	Invalid         Decision = "invalid"
	Failed          Decision = "failed"
)

var decisions = []Decision{
	Created, Updated, Unchanged,
	SkippedResolved, SkippedOld, Blocked,
	Duplicate, Invalid, Failed,
}

// Outcome records the decision for one entry.
type Outcome struct {
	ID       string
	Title    string
	Status   incident.Status
	Decision Decision
	// Handle is the message handle after the pass, if any.
	Handle string
	Err    error
}

// Result summarizes one reconciliation pass.
type Result struct {
	Outcomes []Outcome
	Started  time.Time
	Duration time.Duration
}

// Count returns how many entries ended with decision d.
func (r Result) Count(d Decision) int {
	var n int
	for _, o := range r.Outcomes {
		if o.Decision == d {
			n++
		}
	}
	return n
}

// Counts returns the number of entries per decision.
func (r Result) Counts() map[Decision]int {
	m := make(map[Decision]int)
	for _, o := range r.Outcomes {
		m[o.Decision]++
	}
	return m
}

// Summary renders the non-zero counts as "created=1 unchanged=3", or "no
// entries" for an empty pass.
func (r Result) Summary() string {
	counts := r.Counts()
	var parts []string
	for _, d := range decisions {
		if n := counts[d]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", d, n))
		}
	}
	if len(parts) == 0 {
		return "no entries"
	}
	return strings.Join(parts, " ")
}

// Err joins the errors of failed entries.
func (r Result) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.ID, o.Err))
		}
	}
	return errors.Join(errs...)
}

// Engine reconciles feed batches against a store and a channel.
type Engine struct {
	store   store.Store
	channel Channel
	format  Formatter
	cfg     Config

	// mu serializes passes, which makes each get+put a single critical
	// section.
	mu sync.Mutex
}

// New returns an Engine.
func New(s store.Store, ch Channel, f Formatter, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{store: s, channel: ch, format: f, cfg: cfg}
}

type candidate struct {
	inc     *incident.Incident
	at      time.Time
	dated   bool
	invalid bool
}

// Normalize turns a feed entry into an incident. The id falls back to the
// link; an entry with neither yields [store.ErrNoIncidentID].
func Normalize(e feed.Entry, now time.Time) (*incident.Incident, error) {
	inc := &incident.Incident{
		ID:          e.GUID,
		Title:       cmp.Or(e.Title, "No title"),
		Body:        e.Body,
		Link:        e.Link,
		LastUpdated: cmp.Or(e.Timestamp(), incident.FormatTime(now)),
	}
	if inc.ID == "" {
		inc.ID = e.Link
	}
	inc.Status = incident.Classify(inc.Title + " " + inc.Body)
	if inc.ID == "" {
		return inc, store.ErrNoIncidentID
	}
	return inc, nil
}

// order normalizes entries and sorts them newest first. Entries without a
// parseable timestamp keep their feed order after the dated ones.
func (e *Engine) order(entries []feed.Entry) []candidate {
	now := e.cfg.Now()
	cands := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		inc, err := Normalize(entry, now)
		c := candidate{inc: inc, invalid: err != nil}
		if t, err := inc.Time(); err == nil {
			c.at, c.dated = t, true
		}
		cands = append(cands, c)
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.dated && b.dated:
			return b.at.Compare(a.at)
		case a.dated:
			return -1
		case b.dated:
			return 1
		}
		return 0
	})
	return cands
}

// Reconcile processes one batch of feed entries. A failure on one entry is
// recorded in its Outcome and does not stop the others.
func (e *Engine) Reconcile(ctx context.Context, entries []feed.Entry) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := logger.Get(ctx)
	res := Result{Started: e.cfg.Now()}
	start := time.Now()

	seen := make(map[string]bool)
	for _, c := range e.order(entries) {
		var o Outcome
		switch {
		case c.invalid:
			log.Warn("entry has neither id nor link", "title", c.inc.Title)
			o = Outcome{Title: c.inc.Title, Decision: Invalid}
		case seen[c.inc.ID]:
			log.Debug("duplicate entry in batch", "incident", c.inc.ID, "title", c.inc.Title)
			o = Outcome{ID: c.inc.ID, Title: c.inc.Title, Status: c.inc.Status, Decision: Duplicate}
		default:
			seen[c.inc.ID] = true
			o = e.reconcileOne(ctx, c.inc)
		}
		e.cfg.Metrics.decision(o.Decision)
		res.Outcomes = append(res.Outcomes, o)
	}

	res.Duration = time.Since(start)
	if m := e.cfg.Metrics; m != nil {
		m.PassDuration.Observe(res.Duration.Seconds())
		m.EntriesPerPass.Observe(float64(len(entries)))
		m.LastPassFinished.SetToCurrentTime()
	}
	return res
}

func (e *Engine) reconcileOne(ctx context.Context, cand *incident.Incident) Outcome {
	log := logger.Get(ctx).With("incident", cand.ID)
	o := Outcome{ID: cand.ID, Title: cand.Title, Status: cand.Status}

	existing, err := e.store.Get(ctx, cand.ID)
	if err != nil {
		log.Warn("reading store failed", "error", err)
		o.Decision, o.Err = Failed, err
		return o
	}

	if existing != nil {
		o.Handle = existing.MessageHandle
		if !existing.Changed(cand) {
			log.Debug("unchanged", "status", cand.Status)
			o.Decision = Unchanged
			return o
		}
		log.Info("incident changed", "title", cand.Title, "from", existing.Status, "to", cand.Status)
		return e.send(ctx, log, o, cand, existing.MessageHandle, Updated)
	}

	if d, ok := e.filter(ctx, log, cand); ok {
		o.Decision = d
		return o
	}
	log.Info("new incident", "title", cand.Title, "status", cand.Status)
	return e.send(ctx, log, o, cand, "", Created)
}

// filter applies the first-sight policy. It reports the skip decision and
// true if cand must not be announced.
func (e *Engine) filter(ctx context.Context, log *slog.Logger, cand *incident.Incident) (Decision, bool) {
	if e.cfg.SkipResolved && cand.Status == incident.Resolved {
		log.Info("skipping resolved incident", "title", cand.Title)
		return SkippedResolved, true
	}
	if e.cfg.MaxAge > 0 {
		// Unparseable timestamps are not too old.
		if t, err := cand.Time(); err == nil {
			if age := e.cfg.Now().Sub(t); age > e.cfg.MaxAge {
				log.Info("skipping old incident", "title", cand.Title, "age", age.Round(time.Hour))
				return SkippedOld, true
			}
		} else {
			log.Debug("unparseable timestamp, not applying age filter", "last_updated", cand.LastUpdated)
		}
	}
	if e.cfg.Rule != nil {
		blocked, err := e.cfg.Rule.Blocked(ctx, cand)
		if err != nil {
			log.Warn("block rule failed, not blocking", "error", err)
		} else if blocked {
			log.Info("blocked by rule", "title", cand.Title)
			return Blocked, true
		}
	}
	return "", false
}

// send posts or edits the message for cand and persists the record. A
// record without a handle is posted anew.
func (e *Engine) send(ctx context.Context, log *slog.Logger, o Outcome, cand *incident.Incident, handle string, d Decision) Outcome {
	text := e.format.Format(cand)

	if e.cfg.DryRun {
		log.Info("dry run, not sending", "decision", d, "handle", handle)
		o.Decision = d
		return o
	}

	var (
		newHandle string
		err       error
	)
	if handle == "" {
		newHandle, err = e.channel.Post(ctx, text)
		e.cfg.Metrics.channelCall("post", err)
	} else {
		newHandle, err = e.channel.Update(ctx, handle, text)
		e.cfg.Metrics.channelCall("update", err)
	}
	if err != nil {
		log.Warn("channel call failed, will retry next pass", "error", err)
		o.Decision, o.Err = Failed, err
		return o
	}

	rec := *cand
	rec.MessageHandle = newHandle
	if err := e.store.Put(ctx, &rec); err != nil {
		log.Warn("message sent but not recorded", "handle", newHandle, "error", err)
		o.Decision, o.Err, o.Handle = Failed, err, newHandle
		return o
	}

	o.Decision, o.Handle = d, newHandle
	return o
}
