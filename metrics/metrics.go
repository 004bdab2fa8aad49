// Package metrics exposes the Prometheus collectors shared by the wallet,
// session, rule and HTTP layers. Every method is nil-safe so components can
// run without metrics in tests.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "story_engine"

// Charge outcomes.
const (
	ChargeCharged      = "charged"
	ChargeReplayed     = "replayed"
	ChargeInsufficient = "insufficient"
	ChargeFailed       = "failed"
)

// Rule firing outcomes.
const (
	FireCreated    = "created"
	FireSuppressed = "suppressed"
	FireFailed     = "failed"
)

// Metrics holds the collectors.
type Metrics struct {
	charges      *prometheus.CounterVec
	topups       prometheus.Counter
	topupCoins   prometheus.Counter
	refunds      *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	ruleFirings  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry. The
// collectors are created once to avoid duplicate registration panics.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs Metrics registered on reg. Pass a fresh
// prometheus.NewRegistry() in tests. Registration errors other than
// AlreadyRegistered panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "charges_total",
			Help:      "Chapter charge attempts by outcome.",
		}, []string{"outcome"}),
		topups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "topups_total",
			Help:      "Number of topup entries written.",
		}),
		topupCoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "topup_coins_total",
			Help:      "Coins credited by topups.",
		}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "refunds_total",
			Help:      "Refund attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		}, []string{"transition"}),
		ruleFirings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "firings_total",
			Help:      "Rule firings by rule and outcome.",
		}, []string{"rule", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}

	m.charges = register(reg, m.charges)
	m.topups = register(reg, m.topups)
	m.topupCoins = register(reg, m.topupCoins)
	m.refunds = register(reg, m.refunds)
	m.transitions = register(reg, m.transitions)
	m.ruleFirings = register(reg, m.ruleFirings)
	m.httpRequests = register(reg, m.httpRequests)
	m.httpLatency = register(reg, m.httpLatency)
	return m
}

// register returns the already-registered collector when one exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveCharge counts a charge attempt.
func (m *Metrics) ObserveCharge(outcome string) {
	if m == nil {
		return
	}
	m.charges.WithLabelValues(outcome).Inc()
}

// ObserveTopup counts a topup and the coins it credited.
func (m *Metrics) ObserveTopup(coins int64) {
	if m == nil {
		return
	}
	m.topups.Inc()
	m.topupCoins.Add(float64(coins))
}

// ObserveRefund counts a refund attempt.
func (m *Metrics) ObserveRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts a session transition ("start", "resume", "advance", "complete").
func (m *Metrics) ObserveTransition(transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
}

// ObserveRuleFiring counts a dedupe-gated rule firing.
func (m *Metrics) ObserveRuleFiring(rule, outcome string) {
	if m == nil {
		return
	}
	m.ruleFirings.WithLabelValues(rule, outcome).Inc()
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
