package psexec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for command execution.
//
// Methods handle a nil receiver, so a nil *Metrics is a no-op.
type Metrics struct {
	// Invocations counts invocations by the state they returned with.
	// Labels: state=[Running, Completed, Failed, Disconnected]
	Invocations *prometheus.CounterVec

	// Duration observes foreground collection time.
	Duration prometheus.Histogram

	// Active is the number of tracked invocations.
	Active prometheus.Gauge

	// Timeouts counts collections abandoned on timeout.
	Timeouts prometheus.Counter

	// Signals counts signals sent.
	// Labels: signal=[terminate, ctrl_c], result=[success, error]
	Signals *prometheus.CounterVec
}

// NewMetrics creates and registers executor metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "winrmexec_invocations_total",
				Help: "Total invocations by returned state",
			},
			[]string{"state"},
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "winrmexec_invocation_duration_seconds",
				Help:    "Time spent collecting command output",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
		),
		Active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "winrmexec_active_invocations",
				Help: "Invocations currently tracked by the executor",
			},
		),
		Timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "winrmexec_invocation_timeouts_total",
				Help: "Output collections abandoned on timeout",
			},
		),
		Signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "winrmexec_signals_total",
				Help: "Signals sent to remote commands",
			},
			[]string{"signal", "result"},
		),
	}
	registerer.MustRegister(m.Invocations, m.Duration, m.Active, m.Timeouts, m.Signals)
	return m
}

func (m *Metrics) invocation(state InvocationState) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) duration(d time.Duration) {
	if m == nil {
		return
	}
	m.Duration.Observe(d.Seconds())
}

func (m *Metrics) tracked(delta float64) {
	if m == nil {
		return
	}
	m.Active.Add(delta)
}

func (m *Metrics) timeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}

func (m *Metrics) signal(sig Signal, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Signals.WithLabelValues(sig.String(), result).Inc()
}
