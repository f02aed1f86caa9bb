package coherence

import (
	"errors"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports the loop state as Prometheus metrics.
//
// Metrics (namespace "coherence" unless overridden):
//
//	coherence_margin, coherence_drift, coherence_reserve   gauges
//	coherence_horizon_seconds                              gauge, -1 when infinite
//	coherence_param{param="batch_size|concurrency|..."}    gauge
//	coherence_decisions_total{kind="HOLD|COUPLE_DOWN|..."} counter
type PrometheusSink struct {
	margin    prometheus.Gauge
	drift     prometheus.Gauge
	reserve   prometheus.Gauge
	horizon   prometheus.Gauge
	params    *prometheus.GaugeVec
	decisions *prometheus.CounterVec
}

// NewPrometheusSink creates the metrics and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer. An empty namespace means
// "coherence".
func NewPrometheusSink(reg prometheus.Registerer, namespace string) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "coherence"
	}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	s := &PrometheusSink{
		margin:  gauge("margin", "Estimated safety margin M in [0,1]."),
		drift:   gauge("drift", "Margin drift dM/dt per second."),
		reserve: gauge("reserve", "Correction reserve R in [0,1]."),
		horizon: gauge("horizon_seconds", "Predicted seconds until margin reaches zero, -1 when not eroding."),
		params: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "param",
			Help:      "Current coupling parameter value.",
		}, []string{"param"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Controller decisions by kind.",
		}, []string{"kind"}),
	}

	var registered []prometheus.Collector
	for _, c := range []prometheus.Collector{s.margin, s.drift, s.reserve, s.horizon, s.params, s.decisions} {
		if err := reg.Register(c); err != nil {
			// Roll back the partial registration.
			for _, done := range registered {
				reg.Unregister(done)
			}
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, fmt.Errorf("coherence metrics already registered in namespace %q: %w", namespace, err)
			}
			return nil, fmt.Errorf("register coherence metrics: %w", err)
		}
		registered = append(registered, c)
	}
	return s, nil
}

// Record implements Sink.
func (s *PrometheusSink) Record(r TelemetryRecord) {
	s.margin.Set(r.State.Margin)
	s.drift.Set(r.State.Drift)
	s.reserve.Set(r.State.Reserve)
	if math.IsInf(r.State.Horizon, 1) {
		s.horizon.Set(-1)
	} else {
		s.horizon.Set(r.State.Horizon)
	}

	s.params.WithLabelValues("batch_size").Set(r.Params.BatchSize)
	s.params.WithLabelValues("concurrency").Set(r.Params.Concurrency)
	s.params.WithLabelValues("redundancy").Set(r.Params.Redundancy)
	s.params.WithLabelValues("pace_ms").Set(r.Params.PaceMs)

	if r.Decision != "" {
		s.decisions.WithLabelValues(string(r.Decision)).Inc()
	}
}
