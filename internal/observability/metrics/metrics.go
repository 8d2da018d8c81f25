// Package metrics exposes prometheus instruments for the metering engine.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures metric const labels.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	creditEvents    *prometheus.CounterVec
	duplicateEvents *prometheus.CounterVec
	secondsGranted  prometheus.Counter
	secondsConsumed prometheus.Counter
	sessionsStarted prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	outboxRetries   *prometheus.CounterVec
}

// New configures and registers the domain instruments.
func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"env":     environmentLabel(cfg.Environment),
	}

	creditEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "talktime_credit_events_total",
		Help:        "Credit events applied to account balances, by provider.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	duplicateEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "talktime_credit_events_duplicate_total",
		Help:        "Redelivered credit events absorbed by the idempotency key.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	secondsGranted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "talktime_seconds_granted_total",
		Help:        "Total purchased seconds credited to accounts.",
		ConstLabels: constLabels,
	})
	secondsConsumed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "talktime_seconds_consumed_total",
		Help:        "Total session seconds committed to account ledgers.",
		ConstLabels: constLabels,
	})
	sessionsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "talktime_sessions_started_total",
		Help:        "Counseling sessions opened.",
		ConstLabels: constLabels,
	})
	sessionsClosed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "talktime_sessions_closed_total",
		Help:        "Counseling sessions closed, by termination reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	outboxRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "talktime_consume_outbox_retries_total",
		Help:        "Deferred consume deltas retried from the outbox, by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	registerer.MustRegister(
		creditEvents,
		duplicateEvents,
		secondsGranted,
		secondsConsumed,
		sessionsStarted,
		sessionsClosed,
		outboxRetries,
	)

	return &Metrics{
		creditEvents:    creditEvents,
		duplicateEvents: duplicateEvents,
		secondsGranted:  secondsGranted,
		secondsConsumed: secondsConsumed,
		sessionsStarted: sessionsStarted,
		sessionsClosed:  sessionsClosed,
		outboxRetries:   outboxRetries,
	}
}

// RecordCreditApplied increments credit apply counts.
func (m *Metrics) RecordCreditApplied(provider string, seconds int64) {
	if m == nil {
		return
	}
	m.creditEvents.WithLabelValues(strings.TrimSpace(provider)).Inc()
	if seconds > 0 {
		m.secondsGranted.Add(float64(seconds))
	}
}

// RecordDuplicateEvent increments redelivery no-op counts.
func (m *Metrics) RecordDuplicateEvent(provider string) {
	if m == nil {
		return
	}
	m.duplicateEvents.WithLabelValues(strings.TrimSpace(provider)).Inc()
}

// RecordSecondsConsumed tracks seconds committed to the ledger.
func (m *Metrics) RecordSecondsConsumed(seconds int64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.secondsConsumed.Add(float64(seconds))
}

// RecordSessionStarted increments session open counts.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// RecordSessionClosed increments session close counts by reason.
func (m *Metrics) RecordSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(strings.TrimSpace(reason)).Inc()
}

// RecordOutboxRetry increments outbox retry counts by outcome.
func (m *Metrics) RecordOutboxRetry(outcome string) {
	if m == nil {
		return
	}
	m.outboxRetries.WithLabelValues(strings.TrimSpace(outcome)).Inc()
}

func environmentLabel(env string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		return "unknown"
	}
	return env
}
