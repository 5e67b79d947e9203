// Package metrics exports machine activity as Prometheus metrics through an
// hsm.Observer.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stateweave/hsm"
)

// Observer counts dispatches and transitions and tracks which states are
// active. Metrics are labelled with the machine name, not its ID, so many
// machines built from one model share series.
type Observer struct {
	hsm.NopObserver
	dispatches  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	active      *prometheus.GaugeVec
}

var _ hsm.Observer = (*Observer)(nil)

// New creates an Observer and registers its collectors with registerer. A nil
// registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) (*Observer, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	observer := &Observer{
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_dispatch_total",
				Help: "Events dispatched to running machines.",
			},
			[]string{"machine", "event", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_transitions_total",
				Help: "Transitions taken, Unnamed and initial transitions included.",
			},
			[]string{"machine", "from", "to"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hsm_dispatch_duration_seconds",
				Help:    "Time spent running a dispatch to completion.",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
			},
			[]string{"machine"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hsm_active_states",
				Help: "Machines with the state active.",
			},
			[]string{"machine", "state"},
		),
	}
	for _, collector := range []prometheus.Collector{observer.dispatches, observer.transitions, observer.duration, observer.active} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return observer, nil
}

func outcome(response hsm.Response) string {
	switch {
	case response.Transitioned:
		return "transitioned"
	case response.Acted:
		return "acted"
	}
	return "ignored"
}

func (o *Observer) Dispatched(_ context.Context, sm *hsm.Machine, event hsm.Event, response hsm.Response, elapsed time.Duration) {
	o.dispatches.WithLabelValues(sm.Name(), event.Name, outcome(response)).Inc()
	o.duration.WithLabelValues(sm.Name()).Observe(elapsed.Seconds())
}

func (o *Observer) Transitioned(_ context.Context, sm *hsm.Machine, from, to hsm.StateID, _ hsm.Event) {
	model := sm.Model()
	o.transitions.WithLabelValues(sm.Name(), model.QualifiedName(from), model.QualifiedName(to)).Inc()
}

func (o *Observer) Entered(_ context.Context, sm *hsm.Machine, state hsm.StateID) {
	if sm.Model().IsPseudostate(state) {
		return
	}
	o.active.WithLabelValues(sm.Name(), sm.Model().QualifiedName(state)).Inc()
}

func (o *Observer) Exited(_ context.Context, sm *hsm.Machine, state hsm.StateID) {
	if sm.Model().IsPseudostate(state) {
		return
	}
	o.active.WithLabelValues(sm.Name(), sm.Model().QualifiedName(state)).Dec()
}
