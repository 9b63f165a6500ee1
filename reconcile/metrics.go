package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	metricRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_reconcile_runs_total",
		Help: "Reconciliation runs by result",
	}, []string{"result"})
	metricRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_reconcile_repairs_total",
		Help: "Position differences repaired, by action",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(metricRuns, metricRepairs)
}
