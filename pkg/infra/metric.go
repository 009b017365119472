package infra

import (
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "e2e"

// Metrics counts what happened during a run. A nil *Metrics records nothing.
type Metrics struct {
	Endorsements  *prometheus.CounterVec
	Commits       *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Endorsements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "endorsements_total",
			Help:      "Proposal responses received, by phase and status.",
		}, []string{"phase", "status"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Commit events observed for submitted transactions, by phase and validation code.",
		}, []string{"phase", "code"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failures_total",
			Help:      "Runs aborted, by phase and reason.",
		}, []string{"phase", "reason"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each completed phase.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"phase"}),
	}

	if reg != nil {
		reg.MustRegister(m.Endorsements, m.Commits, m.Failures, m.PhaseDuration)
	}
	return m
}

func (m *Metrics) AddEndorsement(phase Phase, status Status) {
	if m == nil {
		return
	}
	m.Endorsements.WithLabelValues(phase.String(), status.String()).Inc()
}

func (m *Metrics) AddCommit(phase Phase, code peer.TxValidationCode) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(phase.String(), code.String()).Inc()
}

// AddFailure records err when it is a PipelineError
func (m *Metrics) AddFailure(err error) {
	if m == nil {
		return
	}
	if pe, ok := AsPipelineError(err); ok {
		m.Failures.WithLabelValues(pe.Phase.String(), pe.Reason.String()).Inc()
	}
}

func (m *Metrics) ObservePhase(phase Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase.String()).Observe(d.Seconds())
}
