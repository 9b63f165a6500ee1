package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/trade"
)

// Memory is a Store that lives only as long as the process. It applies
// batches atomically and can be told to fail, for tests and demos.
type Memory struct {
	mu           sync.Mutex
	buckets      map[string]capital.Bucket
	reservations map[capital.Token]capital.Reservation
	records      map[string]trade.Record
	keys         map[string]string
	positions    map[string]trade.Position
	failNext     error
	applied      int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		buckets:      make(map[string]capital.Bucket),
		reservations: make(map[capital.Token]capital.Reservation),
		records:      make(map[string]trade.Record),
		keys:         make(map[string]string),
		positions:    make(map[string]trade.Position),
	}
}

// FailNext makes the next Apply return err without storing anything.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Applied counts successful batches.
func (m *Memory) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

func (m *Memory) Apply(_ context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}

	// validate before touching anything
	for _, rec := range b.Records {
		if id, ok := m.keys[rec.IdempotencyKey]; ok && id != rec.ID {
			return fmt.Errorf("record %s key %q: %w", rec.ID, rec.IdempotencyKey, ErrDuplicateKey)
		}
	}

	for _, bk := range b.Buckets {
		m.buckets[bk.Name] = bk
	}
	for _, tok := range b.DeleteReservations {
		delete(m.reservations, tok)
	}
	for _, r := range b.PutReservations {
		m.reservations[r.Token] = r
	}
	for _, rec := range b.Records {
		m.records[rec.ID] = rec.Clone()
		m.keys[rec.IdempotencyKey] = rec.ID
	}
	for _, id := range b.DeletePositions {
		delete(m.positions, id)
	}
	for _, p := range b.PutPositions {
		m.positions[p.ID()] = p
	}
	if !b.Empty() {
		m.applied++
	}
	return nil
}

func (m *Memory) LoadBuckets(context.Context) ([]capital.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]capital.Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) LoadReservations(context.Context) ([]capital.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]capital.Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token.ID < out[j].Token.ID
	})
	return out, nil
}

func (m *Memory) LoadRecords(context.Context) ([]trade.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]trade.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindByKey(_ context.Context, key string) (trade.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	if !ok {
		return trade.Record{}, fmt.Errorf("record key %s: %w", key, ErrNotFound)
	}
	return m.records[id].Clone(), nil
}

func (m *Memory) GetRecord(_ context.Context, id string) (trade.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return trade.Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *Memory) LoadPositions(context.Context) ([]trade.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]trade.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }
