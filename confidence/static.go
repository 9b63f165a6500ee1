package confidence

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tradeguard_confidence_score",
	Help: "Agreement between broker and modeled greek, 0..1",
}, []string{"instrument"})

func init() {
	prometheus.MustRegister(metricScore)
}

// StaticModel is a ModelSource backed by fixed values. The pricing model
// itself lives outside this module; StaticModel stands in for it in paper
// trading and tests.
type StaticModel struct {
	mu     sync.RWMutex
	values map[string]float64
}

func NewStaticModel(values map[string]float64) *StaticModel {
	m := &StaticModel{values: make(map[string]float64, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *StaticModel) Set(instrument string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[instrument] = v
}

func (m *StaticModel) ModeledGreek(_ context.Context, instrument string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[instrument]
	if !ok {
		return 0, fmt.Errorf("no model value for %q", instrument)
	}
	return v, nil
}
