// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for reconciliation passes.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	ChannelCalls     *prometheus.CounterVec
	PassDuration     prometheus.Histogram
	EntriesPerPass   prometheus.Histogram
	LastPassFinished prometheus.Gauge
}

// NewMetrics registers and returns reconciliation metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusrelay_decisions_total",
			Help: "Feed entries processed, by decision.",
		}, []string{"decision"}),
		ChannelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusrelay_channel_calls_total",
			Help: "Messaging channel calls by operation and result.",
		}, []string{"op", "result"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statusrelay_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		EntriesPerPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statusrelay_reconcile_entries",
			Help:    "Feed entries per reconciliation pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 .. 128
		}),
		LastPassFinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statusrelay_reconcile_last_finished_timestamp_seconds",
			Help: "Unix time the last reconciliation pass finished.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.ChannelCalls,
		m.PassDuration,
		m.EntriesPerPass,
		m.LastPassFinished,
	)

	return m
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(d)).Inc()
}

func (m *Metrics) channelCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ChannelCalls.WithLabelValues(op, result).Inc()
}
