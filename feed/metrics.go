package feed

import "github.com/prometheus/client_golang/prometheus"

var (
	metricCircuitState = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tradeguard_feed_circuit_state", Help: "0=closed, 1=half_open, 2=open"})
	metricFeedFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "tradeguard_feed_failures_total", Help: "Feed failures reported to the health monitor"})
	metricTicks        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tradeguard_feed_ticks_total", Help: "Ticks decoded from the feed stream"})
)

func init() {
	prometheus.MustRegister(metricCircuitState, metricFeedFailures, metricTicks)
}
