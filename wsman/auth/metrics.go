package auth

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks Prometheus metrics for authentication handshakes.
//
// Methods handle a nil receiver, so a nil *Metrics is a no-op.
type Metrics struct {
	// Handshakes counts completed handshakes.
	// Labels: method, result=[success, rejected, error]
	Handshakes *prometheus.CounterVec

	// Rounds observes how many requests a handshake needed.
	Rounds prometheus.Histogram
}

// NewMetrics creates and registers authentication metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "winrmexec_auth_handshakes_total",
				Help: "Total authentication handshakes by method and result",
			},
			[]string{"method", "result"},
		),
		Rounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "winrmexec_auth_handshake_rounds",
				Help:    "Requests needed to complete an authentication handshake",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
	}
	registerer.MustRegister(m.Handshakes, m.Rounds)
	return m
}

func (m *Metrics) observe(method, result string, rounds int) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(method, result).Inc()
	m.Rounds.Observe(float64(rounds))
}
