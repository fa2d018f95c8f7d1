package postoffice

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	envelopes      *prometheus.CounterVec
	handlerSeconds prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		envelopes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hush_postoffice_envelopes_total",
				Help: "Number of envelopes processed, by result",
			},
			[]string{"result"},
		),
		handlerSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hush_postoffice_handler_seconds",
				Help:    "Time taken by payload handlers",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.Register(m.envelopes); err != nil {
		return nil, err
	}
	if err := reg.Register(m.handlerSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) count(r Result) {
	m.envelopes.WithLabelValues(r.String()).Inc()
}
