package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	metricExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_executions_total",
		Help: "Intents by kind and resulting state",
	}, []string{"kind", "state"})
	metricAdmission = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_admission_rejections_total",
		Help: "Intents refused before reservation, by reason",
	}, []string{"reason"})
	metricCompensations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_compensations_total",
		Help: "Compensating closes by result",
	}, []string{"result"})
	metricSubmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeguard_submit_seconds",
		Help:    "Batch submission latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(metricExecutions, metricAdmission, metricCompensations, metricSubmitLatency)
}
