// Package confidence scores how far the broker's greeks have drifted from
// the model's and refuses trades on instruments where they disagree.
package confidence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrLowConfidence = errors.New("low confidence")

// ModelSource supplies the model-side greek for an instrument.
type ModelSource interface {
	ModeledGreek(ctx context.Context, instrument string) (float64, error)
}

type Sample struct {
	Instrument string    `json:"instrument"`
	Broker     float64   `json:"broker"`
	Modeled    float64   `json:"modeled"`
	Score      float64   `json:"score"`
	BrokerAt   time.Time `json:"broker_at"`
	ModeledAt  time.Time `json:"modeled_at"`
}

// Complete reports whether both sides have been observed.
func (s Sample) Complete() bool {
	return !s.BrokerAt.IsZero() && !s.ModeledAt.IsZero()
}

// UpdatedAt is the older of the two observations.
func (s Sample) UpdatedAt() time.Time {
	if s.BrokerAt.Before(s.ModeledAt) {
		return s.BrokerAt
	}
	return s.ModeledAt
}

type Config struct {
	ReferenceScale float64
	// Threshold of zero admits any complete sample.
	Threshold       float64
	RefreshInterval time.Duration
	// MaxSampleAge of zero disables the staleness check.
	MaxSampleAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReferenceScale:  0.1,
		Threshold:       0.5,
		RefreshInterval: 15 * time.Second,
	}
}

// Score maps the absolute greek difference onto [0,1].
func Score(broker, modeled, scale float64) float64 {
	if scale <= 0 {
		scale = DefaultConfig().ReferenceScale
	}
	d := math.Abs(broker-modeled) / scale
	if math.IsNaN(d) {
		return 0
	}
	return 1 - math.Min(1, d)
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

type Gate struct {
	mu      sync.RWMutex
	cfg     Config
	src     ModelSource
	log     *zap.Logger
	now     func() time.Time
	samples map[string]*Sample
	wake    chan struct{}
}

func NewGate(cfg Config, src ModelSource, log *zap.Logger, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.ReferenceScale <= 0 {
		cfg.ReferenceScale = def.ReferenceScale
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gate{
		cfg:     cfg,
		src:     src,
		log:     log,
		now:     time.Now,
		samples: make(map[string]*Sample),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Track adds instruments to the refresh set. A running gate fetches the
// model side of new instruments without waiting for the next interval.
func (g *Gate) Track(instruments ...string) {
	g.mu.Lock()
	added := false
	for _, inst := range instruments {
		if _, ok := g.samples[inst]; !ok {
			g.sampleLocked(inst)
			added = true
		}
	}
	g.mu.Unlock()

	if added {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
}

// UpdateBroker records the broker-side greek, usually from the feed stream.
func (g *Gate) UpdateBroker(instrument string, v float64, at time.Time) {
	if at.IsZero() {
		at = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sampleLocked(instrument)
	s.Broker = v
	s.BrokerAt = at
	g.rescoreLocked(s)
}

// UpdateModel records the model-side greek.
func (g *Gate) UpdateModel(instrument string, v float64, at time.Time) {
	if at.IsZero() {
		at = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sampleLocked(instrument)
	s.Modeled = v
	s.ModeledAt = at
	g.rescoreLocked(s)
}

// Refresh pulls the modeled greek for every tracked instrument once.
// Source errors leave the previous value in place.
func (g *Gate) Refresh(ctx context.Context) {
	if g.src == nil {
		return
	}

	g.mu.RLock()
	insts := make([]string, 0, len(g.samples))
	for inst := range g.samples {
		insts = append(insts, inst)
	}
	g.mu.RUnlock()
	sort.Strings(insts)

	for _, inst := range insts {
		if ctx.Err() != nil {
			return
		}
		v, err := g.src.ModeledGreek(ctx, inst)
		if err != nil {
			g.log.Warn("model greek unavailable", zap.String("instrument", inst), zap.Error(err))
			continue
		}
		g.UpdateModel(inst, v, g.now())
	}
}

// Run refreshes on RefreshInterval until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	g.Refresh(ctx)

	t := time.NewTicker(g.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Refresh(ctx)
		case <-g.wake:
			g.Refresh(ctx)
		}
	}
}

// Check admits the instruments only if each has a complete, fresh sample
// scoring at or above the threshold. It never calls the model.
func (g *Gate) Check(instruments ...string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	for _, inst := range instruments {
		s, ok := g.samples[inst]
		if !ok || !s.Complete() {
			return fmt.Errorf("%s: no sample: %w", inst, ErrLowConfidence)
		}
		if g.cfg.MaxSampleAge > 0 && now.Sub(s.UpdatedAt()) > g.cfg.MaxSampleAge {
			return fmt.Errorf("%s: sample is %s old: %w", inst, now.Sub(s.UpdatedAt()).Round(time.Second), ErrLowConfidence)
		}
		if s.Score < g.cfg.Threshold {
			return fmt.Errorf("%s: score %.3f below %.3f: %w", inst, s.Score, g.cfg.Threshold, ErrLowConfidence)
		}
	}
	return nil
}

func (g *Gate) Sample(instrument string) (Sample, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.samples[instrument]
	if !ok {
		return Sample{}, false
	}
	return *s, true
}

// Samples returns all samples sorted by instrument.
func (g *Gate) Samples() []Sample {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Sample, 0, len(g.samples))
	for _, s := range g.samples {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func (g *Gate) sampleLocked(instrument string) *Sample {
	s, ok := g.samples[instrument]
	if !ok {
		s = &Sample{Instrument: instrument}
		g.samples[instrument] = s
	}
	return s
}

func (g *Gate) rescoreLocked(s *Sample) {
	if !s.Complete() {
		return
	}
	s.Score = Score(s.Broker, s.Modeled, g.cfg.ReferenceScale)
	metricScore.WithLabelValues(s.Instrument).Set(s.Score)
}
