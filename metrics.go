package profileauthz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	DecisionsTotal       *prometheus.CounterVec
	ConditionErrorsTotal *prometheus.CounterVec
	RiskScore            prometheus.Histogram
	EvaluationDuration   prometheus.Histogram
	AnomaliesTotal       *prometheus.CounterVec
	AuditFlushTotal      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profileauthz_decisions_total",
			Help: "Access decisions by outcome",
		}, []string{"outcome"}),
		ConditionErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profileauthz_condition_errors_total",
			Help: "Conditions that failed to evaluate, by kind",
		}, []string{"kind"}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "profileauthz_risk_score",
			Help:    "Risk score of evaluated requests",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "profileauthz_evaluation_duration_seconds",
			Help:    "Time spent in Evaluate",
			Buckets: prometheus.ExponentialBuckets(0.000005, 4, 8),
		}),
		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profileauthz_anomalies_total",
			Help: "Detected pattern deviations by type",
		}, []string{"type"}),
		AuditFlushTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "profileauthz_audit_flush_total",
			Help: "Audit sink batch writes by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) decision(d *AccessDecision, seconds float64) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(d.Outcome.String()).Inc()
	m.RiskScore.Observe(float64(d.RiskScore))
	m.EvaluationDuration.Observe(seconds)
}

func (m *Metrics) conditionError(kind ConditionKind) {
	if m == nil {
		return
	}
	m.ConditionErrorsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) anomaly(t DeviationType) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) auditFlush(result string) {
	if m == nil {
		return
	}
	m.AuditFlushTotal.WithLabelValues(result).Inc()
}
