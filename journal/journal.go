// journal/journal.go
package journal

import (
	"context"
	"errors"

	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/trade"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Batch is one atomic unit of persistence. Either everything in it is
// stored or nothing is.
type Batch struct {
	Buckets            []capital.Bucket
	PutReservations    []capital.Reservation
	DeleteReservations []capital.Token
	Records            []trade.Record
	PutPositions       []trade.Position
	DeletePositions    []string // position IDs
}

func (b Batch) Empty() bool {
	return len(b.Buckets) == 0 && len(b.PutReservations) == 0 && len(b.DeleteReservations) == 0 &&
		len(b.Records) == 0 && len(b.PutPositions) == 0 && len(b.DeletePositions) == 0
}

// Merge appends o to b.
func (b *Batch) Merge(o Batch) {
	b.Buckets = append(b.Buckets, o.Buckets...)
	b.PutReservations = append(b.PutReservations, o.PutReservations...)
	b.DeleteReservations = append(b.DeleteReservations, o.DeleteReservations...)
	b.Records = append(b.Records, o.Records...)
	b.PutPositions = append(b.PutPositions, o.PutPositions...)
	b.DeletePositions = append(b.DeletePositions, o.DeletePositions...)
}

// FromMutation converts a ledger mutation into the rows it touches.
func FromMutation(m capital.Mutation) Batch {
	b := Batch{Buckets: []capital.Bucket{m.Bucket}}
	if m.Reservation != nil {
		if m.Removed {
			b.DeleteReservations = []capital.Token{m.Reservation.Token}
		} else {
			b.PutReservations = []capital.Reservation{*m.Reservation}
		}
	}
	return b
}

type Store interface {
	LoadBuckets(ctx context.Context) ([]capital.Bucket, error)
	LoadReservations(ctx context.Context) ([]capital.Reservation, error)
	// LoadRecords returns every execution record in creation order.
	LoadRecords(ctx context.Context) ([]trade.Record, error)
	FindByKey(ctx context.Context, idempotencyKey string) (trade.Record, error)
	GetRecord(ctx context.Context, id string) (trade.Record, error)
	LoadPositions(ctx context.Context) ([]trade.Position, error)
	Apply(ctx context.Context, b Batch) error
	Close() error
}
