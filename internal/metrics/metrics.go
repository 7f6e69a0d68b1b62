// Package metrics exposes negotiation and workflow counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

type Metrics struct {
	registry *prometheus.Registry

	negotiations  *prometheus.CounterVec
	rounds        prometheus.Histogram
	peerResponses *prometheus.CounterVec
	workflowRuns  *prometheus.CounterVec
}

// New registers the collectors on a dedicated registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		negotiations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "negotiations_total",
				Help:      "Finished negotiations by final state and failure reason",
			},
			[]string{"state", "reason"},
		),
		rounds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "negotiation_rounds",
				Help:      "Rounds used per finished negotiation",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),
		peerResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_responses_total",
				Help:      "Peer decisions recorded per round",
			},
			[]string{"decision"},
		),
		workflowRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Workflow runs by outcome",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) NegotiationFinished(state, reason string, rounds int) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(state, reason).Inc()
	m.rounds.Observe(float64(rounds))
}

func (m *Metrics) PeerResponse(decision string) {
	if m == nil {
		return
	}
	m.peerResponses.WithLabelValues(decision).Inc()
}

func (m *Metrics) WorkflowRun(status string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
