// Package feed guards trading on the health of the market data feed.
//
// The Monitor is a circuit breaker over feed connectivity:
//
//	CLOSED    --N failures inside Window-->  OPEN
//	OPEN      --CoolDown elapsed----------->  HALF_OPEN (one trial reconnect)
//	HALF_OPEN --trial succeeds------------->  CLOSED
//	HALF_OPEN --trial fails---------------->  OPEN (fresh cool-down)
//
// Only CLOSED admits risk-increasing trades.
package feed

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type CircuitState string

const (
	Closed   CircuitState = "CLOSED"
	Open     CircuitState = "OPEN"
	HalfOpen CircuitState = "HALF_OPEN"
)

func (s CircuitState) gauge() float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// Health is a point-in-time view of the monitor.
type Health struct {
	State         CircuitState `json:"state"`
	Failures      int          `json:"failures"`
	Since         time.Time    `json:"since"`
	TrialInFlight bool         `json:"trial_in_flight"`
	LastError     string       `json:"last_error,omitempty"`
}

type Transition struct {
	From   CircuitState
	To     CircuitState
	At     time.Time
	Reason string
}

type Config struct {
	FailureThreshold int
	Window           time.Duration
	CoolDown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		CoolDown:         5 * time.Minute,
	}
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
	state    CircuitState
	since    time.Time
	failures []time.Time
	trial    bool
	lastErr  string
	subs     []chan Transition
}

func NewMonitor(cfg Config, log *zap.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if log == nil {
		log = zap.NewNop()
	}

	m := &Monitor{cfg: cfg, log: log, now: time.Now, state: Closed}
	for _, o := range opts {
		o(m)
	}
	m.since = m.now()
	metricCircuitState.Set(Closed.gauge())
	return m
}

// ReportFailure records a connectivity or data-quality failure.
func (m *Monitor) ReportFailure(err error) {
	metricFeedFailures.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err != nil {
		m.lastErr = err.Error()
	}

	switch m.state {
	case Closed:
		m.failures = append(m.failures, now)
		m.pruneLocked(now)
		if len(m.failures) >= m.cfg.FailureThreshold {
			m.transitionLocked(Open, now, "failure threshold reached")
		}
	case HalfOpen:
		m.transitionLocked(Open, now, "trial reconnect failed")
	case Open:
		// already open; the cool-down keeps running
	}
}

// ReportSuccess records a healthy connection.
func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Closed:
		m.failures = m.failures[:0]
	case HalfOpen:
		m.transitionLocked(Closed, m.now(), "trial reconnect succeeded")
	}
}

// AllowReconnect reports whether a reconnection attempt may be made now.
// Once the cool-down has elapsed the first caller gets the single trial.
func (m *Monitor) AllowReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Closed:
		return true
	case Open:
		now := m.now()
		if now.Sub(m.since) < m.cfg.CoolDown {
			return false
		}
		m.transitionLocked(HalfOpen, now, "cool-down elapsed")
		m.trial = true
		return true
	default:
		return false
	}
}

// MayTrade is true only while the circuit is CLOSED.
func (m *Monitor) MayTrade() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Closed
}

func (m *Monitor) State() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return Health{
		State:         m.state,
		Failures:      len(m.failures),
		Since:         m.since,
		TrialInFlight: m.trial,
		LastError:     m.lastErr,
	}
}

// Subscribe returns a channel of state transitions. Slow subscribers miss
// transitions rather than block the monitor.
func (m *Monitor) Subscribe() <-chan Transition {
	ch := make(chan Transition, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(m.failures) && !m.failures[i].After(cutoff) {
		i++
	}
	m.failures = m.failures[i:]
}

func (m *Monitor) transitionLocked(to CircuitState, now time.Time, reason string) {
	from := m.state
	m.state = to
	m.since = now
	m.trial = false
	if to != Open {
		m.failures = m.failures[:0]
	}
	metricCircuitState.Set(to.gauge())

	fields := []zap.Field{
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	}
	if to == Open {
		m.log.Warn("feed circuit opened", append(fields, zap.String("last_error", m.lastErr))...)
	} else {
		m.log.Info("feed circuit transition", fields...)
	}

	tr := Transition{From: from, To: to, At: now, Reason: reason}
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
		}
	}
}
