package capital

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricBucket = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeguard_bucket_capital",
		Help: "Bucket capital by kind (total, reserved, committed, available)",
	}, []string{"bucket", "kind"})
	metricHalted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeguard_bucket_halted",
		Help: "1 while a bucket refuses new reservations",
	}, []string{"bucket"})
	metricRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_ledger_rejections_total",
		Help: "Ledger operations refused, by reason",
	}, []string{"bucket", "reason"})
	metricExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_reservations_expired_total",
		Help: "Reservations auto-released by the sweeper",
	}, []string{"bucket"})
)

func init() {
	prometheus.MustRegister(metricBucket, metricHalted, metricRejections, metricExpired)
}

func publish(b Bucket) {
	total, _ := b.Total.Float64()
	reserved, _ := b.Reserved.Float64()
	committed, _ := b.Committed.Float64()
	available, _ := b.Available().Float64()

	metricBucket.WithLabelValues(b.Name, "total").Set(total)
	metricBucket.WithLabelValues(b.Name, "reserved").Set(reserved)
	metricBucket.WithLabelValues(b.Name, "committed").Set(committed)
	metricBucket.WithLabelValues(b.Name, "available").Set(available)

	halted := 0.0
	if b.Halted {
		halted = 1
	}
	metricHalted.WithLabelValues(b.Name).Set(halted)
}
