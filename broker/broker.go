package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
)

// Gateway is the order path to the brokerage. Implementations must treat
// ClientOrderID as an idempotency key: resubmitting the same ID never
// creates a second order.
type Gateway interface {
	// SubmitBatch sends all legs of one intent as a single request. A
	// returned error means the outcome is unknown.
	SubmitBatch(ctx context.Context, orders []Order) (BatchResult, error)
	// SubmitCompensatingClose flattens one previously filled leg.
	SubmitCompensatingClose(ctx context.Context, order Order) (trade.Fill, error)
	// ListOpenPositions is authoritative for reconciliation.
	ListOpenPositions(ctx context.Context) ([]trade.Position, error)
}

type Order struct {
	Leg           int             `json:"leg"`
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Side          trade.Side      `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

type Status string

const (
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
	StatusPartial  Status = "PARTIAL"
)

// LegFailure explains why one leg was not filled.
type LegFailure struct {
	Leg    int    `json:"leg"`
	Reason string `json:"reason"`
}

type BatchResult struct {
	Status   Status       `json:"status"`
	Fills    []trade.Fill `json:"fills,omitempty"`
	Failures []LegFailure `json:"failures,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

var ErrRejected = errors.New("order rejected")

// clientIDSpace namespaces client order IDs so the same idempotency key
// always maps to the same per-leg IDs across restarts.
var clientIDSpace = uuid.MustParse("5f1d8a36-6f0e-4c7b-9d5e-0c1f1b7e2a40")

// ClientOrderID derives a deterministic order ID for one leg of an intent.
func ClientOrderID(idempotencyKey string, leg int) string {
	return uuid.NewSHA1(clientIDSpace, []byte(fmt.Sprintf("%s/%d", idempotencyKey, leg))).String()
}

// CompensationID derives the client ID of the n-th compensating close for a leg.
func CompensationID(idempotencyKey string, leg int) string {
	return uuid.NewSHA1(clientIDSpace, []byte(fmt.Sprintf("%s/%d/close", idempotencyKey, leg))).String()
}

// OrdersFor turns an intent into broker orders. Buy legs go first so the
// protective side of a spread is on before the short side.
func OrdersFor(in trade.Intent) []Order {
	out := make([]Order, 0, len(in.Legs))
	for i, l := range in.Legs {
		out = append(out, Order{
			Leg:           i,
			ClientOrderID: ClientOrderID(in.IdempotencyKey, i),
			Instrument:    l.Instrument,
			Side:          l.Side,
			Quantity:      l.Quantity,
			Price:         l.Price,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Side == trade.Buy && out[j].Side != trade.Buy
	})
	return out
}

// Summarize derives a batch status from the fills received for n legs.
func Summarize(n int, fills []trade.Fill, failures []LegFailure) BatchResult {
	res := BatchResult{Fills: fills, Failures: failures}
	switch {
	case len(fills) == n:
		res.Status = StatusFilled
	case len(fills) == 0:
		res.Status = StatusRejected
	default:
		res.Status = StatusPartial
	}
	if len(failures) > 0 {
		res.Reason = failures[0].Reason
	}
	return res
}
