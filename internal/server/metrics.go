package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler activity on /metrics.
type Metrics struct {
	Dispatches     *prometheus.CounterVec
	Results        *prometheus.CounterVec
	Snapshots      prometheus.Gauge
	AvailableTests *prometheus.GaugeVec
}

// NewMetrics registers the server metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqua_dispatches_total",
			Help: "Tests handed out, by worker kind.",
		}, []string{"kind"}),
		Results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aqua_results_total",
			Help: "Test results recorded, by outcome.",
		}, []string{"passed"}),
		Snapshots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aqua_snapshots",
			Help: "Snapshots currently retained.",
		}),
		AvailableTests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqua_tests_available",
			Help: "Tests currently dispatchable, by worker kind.",
		}, []string{"kind"}),
	}
}
