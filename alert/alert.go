// Package alert carries operator-facing notifications for conditions the
// engine cannot resolve on its own.
package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Severity string

const (
	Critical Severity = "CRITICAL"
	Warning  Severity = "WARNING"
)

type Kind string

const (
	ReconciliationMismatch Kind = "ReconciliationMismatch"
	CompensationIncomplete Kind = "CompensationIncomplete"
	AmbiguousOutcome       Kind = "AmbiguousOutcome"
	ReservationAbandoned   Kind = "ReservationAbandoned"
	CommitOverrun          Kind = "CommitOverrun"
	PartialClose           Kind = "PartialClose"
	LedgerInvariant        Kind = "LedgerInvariant"
)

type Alert struct {
	At       time.Time         `json:"at"`
	Severity Severity          `json:"severity"`
	Kind     Kind              `json:"kind"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type Alerter interface {
	Raise(Alert)
}

var metricAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tradeguard_alerts_total",
	Help: "Alerts raised by severity and kind",
}, []string{"severity", "kind"})

func init() {
	prometheus.MustRegister(metricAlerts)
}

// New stamps an alert with the current time.
func New(sev Severity, kind Kind, msg string, kv ...string) Alert {
	a := Alert{At: time.Now().UTC(), Severity: sev, Kind: kind, Message: msg}
	if len(kv) > 1 {
		a.Fields = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			a.Fields[kv[i]] = kv[i+1]
		}
	}
	return a
}

// Log writes alerts to a zap logger. CRITICAL alerts log at Error.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("alert")}
}

func (l *Log) Raise(a Alert) {
	metricAlerts.WithLabelValues(string(a.Severity), string(a.Kind)).Inc()

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+1)
	fields = append(fields, zap.String("kind", string(a.Kind)))
	for _, k := range keys {
		fields = append(fields, zap.String(k, a.Fields[k]))
	}

	if a.Severity == Critical {
		l.log.Error(a.Message, fields...)
		return
	}
	l.log.Warn(a.Message, fields...)
}

// Memory keeps the most recent alerts for inspection.
type Memory struct {
	mu   sync.Mutex
	buf  []Alert
	size int
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{size: size}
}

func (m *Memory) Raise(a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append(m.buf, a)
	if len(m.buf) > m.size {
		m.buf = append([]Alert(nil), m.buf[len(m.buf)-m.size:]...)
	}
}

// List returns alerts oldest first.
func (m *Memory) List() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.buf...)
}

// Count returns how many retained alerts are of kind k.
func (m *Memory) Count(k Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.buf {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// Multi fans an alert out to several sinks.
type Multi []Alerter

func (m Multi) Raise(a Alert) {
	for _, s := range m {
		if s != nil {
			s.Raise(a)
		}
	}
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Raise(Alert) {}
