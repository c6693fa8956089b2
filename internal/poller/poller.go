// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package poller runs reconciliation passes on a fixed interval.
//
// A Poller is either idle or polling. A pass starts on a timer tick, on a
// manual trigger or on a direct call to [Poller.Poll]. At most one pass is in
// flight at any instant: a tick or trigger that arrives while polling is
// dropped, never queued.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.astrophena.name/statusrelay/internal/feed"
	"go.astrophena.name/statusrelay/internal/logger"
	"go.astrophena.name/statusrelay/internal/reconcile"
	"go.astrophena.name/statusrelay/internal/syncx"
)

// ErrBusy is returned when a pass is requested while another is in flight.
var ErrBusy = errors.New("poll already in progress")

// State is the poller state.
type State int32

// Poller states.
const (
	Idle State = iota
	Polling
)

func (s State) String() string {
	if s == Polling {
		return "polling"
	}
	return "idle"
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Source produces feed entries.
type Source interface {
	Fetch(context.Context) ([]feed.Entry, error)
}

// Reconciler consumes feed entries.
type Reconciler interface {
	Reconcile(context.Context, []feed.Entry) reconcile.Result
}

// Config configures a Poller.
type Config struct {
	// Interval between passes. Must be positive for Run.
	Interval time.Duration
	// Metrics, if set, receives pass counts.
	Metrics *Metrics
}

// Status describes the poller for health checks.
type Status struct {
	State        State                      `json:"state"`
	Interval     time.Duration              `json:"interval"`
	Passes       int                        `json:"passes"`
	Dropped      int                        `json:"dropped"`
	LastStarted  time.Time                  `json:"last_started,omitzero"`
	LastFinished time.Time                  `json:"last_finished,omitzero"`
	LastError    string                     `json:"last_error,omitempty"`
	LastCounts   map[reconcile.Decision]int `json:"last_counts,omitempty"`
}

// Poller drives a Source into a Reconciler.
type Poller struct {
	src     Source
	rec     Reconciler
	cfg     Config
	state   atomic.Int32
	trigger chan struct{}
	status  *syncx.Protected[Status]
}

// New returns an idle Poller.
func New(src Source, rec Reconciler, cfg Config) *Poller {
	return &Poller{
		src:     src,
		rec:     rec,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		status:  syncx.Protect(Status{Interval: cfg.Interval}),
	}
}

// State returns the current state.
func (p *Poller) State() State { return State(p.state.Load()) }

// Status returns a snapshot of the poller status.
func (p *Poller) Status() Status {
	st := p.status.Load()
	st.State = p.State()
	return st
}

// Health reports the poller status. It fails while the most recent pass
// failed.
func (p *Poller) Health() (any, error) {
	st := p.Status()
	if st.LastError != "" {
		return st, fmt.Errorf("last pass failed: %s", st.LastError)
	}
	return st, nil
}

// Poll runs one pass: fetch the feed, then reconcile it. A fetch error
// aborts the pass before anything is reconciled. Poll returns ErrBusy
// without doing anything if a pass is already in flight.
func (p *Poller) Poll(ctx context.Context) (reconcile.Result, error) {
	if !p.state.CompareAndSwap(int32(Idle), int32(Polling)) {
		p.drop(ctx, "poll")
		return reconcile.Result{}, ErrBusy
	}
	defer p.state.Store(int32(Idle))

	log := logger.Get(ctx)
	started := time.Now()
	p.status.WriteAccess(func(st *Status) { st.LastStarted = started })

	entries, err := p.src.Fetch(ctx)
	if err != nil {
		log.Error("pass aborted, feed fetch failed", "error", err)
		p.finish(reconcile.Result{}, err)
		p.cfg.Metrics.pass("fetch_error")
		return reconcile.Result{}, err
	}

	res := p.rec.Reconcile(ctx, entries)
	p.finish(res, nil)

	counts := res.Counts()
	args := []any{"entries", len(entries), "duration", time.Since(started).Round(time.Millisecond)}
	for d, n := range counts {
		args = append(args, string(d), n)
	}
	if counts[reconcile.Failed] > 0 {
		log.Warn("pass finished with failures", args...)
		p.cfg.Metrics.pass("partial")
	} else {
		log.Info("pass finished", args...)
		p.cfg.Metrics.pass("ok")
	}
	return res, nil
}

func (p *Poller) finish(res reconcile.Result, err error) {
	p.status.WriteAccess(func(st *Status) {
		st.Passes++
		st.LastFinished = time.Now()
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
		st.LastCounts = res.Counts()
	})
}

func (p *Poller) drop(ctx context.Context, source string) {
	logger.Get(ctx).Debug("pass in flight, dropping request", "source", source)
	p.status.WriteAccess(func(st *Status) { st.Dropped++ })
	p.cfg.Metrics.pass("dropped")
}

// Trigger requests a pass from a running [Poller.Run] loop. It returns ErrBusy
// if a pass is in flight. Triggers made before the loop picks up the previous
// one are coalesced.
func (p *Poller) Trigger(ctx context.Context) error {
	if p.State() == Polling {
		p.drop(ctx, "trigger")
		return ErrBusy
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Run polls immediately and then on every interval tick or trigger until ctx
// is canceled. Pass errors are logged and retried on the next tick; they
// never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return errors.New("poller: interval must be positive")
	}
	logger.Get(ctx).Info("polling", "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pass(ctx, ticker)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pass(ctx, ticker)
		case <-p.trigger:
			p.pass(ctx, ticker)
		}
	}
}

func (p *Poller) pass(ctx context.Context, ticker *time.Ticker) {
	// Poll logs its own errors.
	_, _ = p.Poll(ctx)
	// A tick that arrived during the pass is dropped.
	select {
	case <-ticker.C:
		p.drop(ctx, "tick")
	default:
	}
}

// Metrics holds Prometheus metrics for the poll loop.
type Metrics struct {
	PassesTotal *prometheus.CounterVec
}

// NewMetrics registers and returns poller metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusrelay_passes_total",
			Help: "Poll passes by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.PassesTotal)
	return m
}

func (m *Metrics) pass(result string) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(result).Inc()
}
