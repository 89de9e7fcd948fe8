package events

import (
	"context"

	"github.com/compeval/conveyor/submission"
	"github.com/prometheus/client_golang/prometheus"
)

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "submissions",
		Name:      "transitions_total",
		Help:      "Total submission transitions into each state.",
	},
	[]string{"state"},
)

var scoredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "submissions",
		Name:      "scored_total",
		Help:      "Total submissions scored successfully.",
	},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(scoredTotal)
}

// Metrics is an event writer which feeds prometheus collectors from
// state events.
type Metrics struct{}

// WriteEvent updates metrics from an event.
func (Metrics) WriteEvent(ctx context.Context, ev *Event) error {
	if ev.Type != TypeState {
		return nil
	}
	transitionsTotal.WithLabelValues(ev.State.String()).Inc()
	if ev.State == submission.Scored {
		scoredTotal.Inc()
	}
	return nil
}
