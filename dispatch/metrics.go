package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var slotsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "conveyor_dispatch_slots_active",
	Help: "Number of occupied execution slots.",
})

func init() {
	prometheus.MustRegister(slotsActive)
}
