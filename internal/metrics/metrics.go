// Package metrics holds the Prometheus collectors for the governance core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the governance core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	policyDecisions    *prometheus.CounterVec
	classifications    *prometheus.CounterVec
	gateResolutions    *prometheus.CounterVec
	gatesOpen          prometheus.Gauge
	ledgerAppends      *prometheus.CounterVec
	chainVerifications *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	runsTotal          *prometheus.CounterVec
	ruleReloads        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_policy_decisions_total",
				Help: "Policy evaluations by final decision",
			},
			[]string{"decision"},
		),

		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_classifications_total",
				Help: "MAI classifications by tier",
			},
			[]string{"classification"},
		),

		gateResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_gate_resolutions_total",
				Help: "Approval gate resolutions by outcome",
			},
			[]string{"outcome"},
		),

		gatesOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_gates_open",
				Help: "Number of approval gates currently pending",
			},
		),

		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_ledger_appends_total",
				Help: "Ledger entries appended by action",
			},
			[]string{"action"},
		),

		chainVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_chain_verifications_total",
				Help: "Hash chain verifications by result",
			},
			[]string{"result"},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_step_duration_seconds",
				Help:    "Agent step execution time in seconds, including repair",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"role"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_runs_total",
				Help: "Workflow runs reaching a terminal or suspended status",
			},
			[]string{"status"},
		),

		ruleReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_policy_rule_reloads_total",
				Help: "Policy rule file reloads by result",
			},
			[]string{"result"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.policyDecisions,
		m.classifications,
		m.gateResolutions,
		m.gatesOpen,
		m.ledgerAppends,
		m.chainVerifications,
		m.stepDuration,
		m.runsTotal,
		m.ruleReloads,
	)

	return m
}

// RecordPolicyDecision counts a policy evaluation.
func (m *Metrics) RecordPolicyDecision(decision string) {
	if m == nil {
		return
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// RecordClassification counts a classifier result.
func (m *Metrics) RecordClassification(classification string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(classification).Inc()
}

// RecordGateOpened increments the open-gate gauge.
func (m *Metrics) RecordGateOpened() {
	if m == nil {
		return
	}
	m.gatesOpen.Inc()
}

// RecordGateResolution counts a gate reaching a final state.
func (m *Metrics) RecordGateResolution(outcome string) {
	if m == nil {
		return
	}
	m.gatesOpen.Dec()
	m.gateResolutions.WithLabelValues(outcome).Inc()
}

// RecordLedgerAppend counts an appended ledger entry.
func (m *Metrics) RecordLedgerAppend(action string) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(action).Inc()
}

// RecordChainVerification counts a chain verification.
func (m *Metrics) RecordChainVerification(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.chainVerifications.WithLabelValues(result).Inc()
}

// RecordStep observes the duration of one agent step.
func (m *Metrics) RecordStep(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordRunStatus counts a run status transition.
func (m *Metrics) RecordRunStatus(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

// RecordRuleReload counts a policy rule file reload.
func (m *Metrics) RecordRuleReload(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.ruleReloads.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
