package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StatePending    State = "PENDING"
	StateReserved   State = "RESERVED"
	StateSubmitted  State = "SUBMITTED"
	StateFilled     State = "FILLED"
	StateRolledBack State = "ROLLED_BACK"
	StateRejected   State = "REJECTED"
	StateClosed     State = "CLOSED"
)

// Terminal reports whether no further transition is expected for s.
// ROLLED_BACK is terminal even when compensation is incomplete; that case
// is tracked by Record.CompensationIncomplete.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateRolledBack, StateRejected, StateClosed:
		return true
	}
	return false
}

// OriginAdopted marks records synthesized by reconciliation for positions
// the broker reported but no local record explained.
const OriginAdopted = "ADOPTED"

// Fill is the broker's acknowledgment for one leg.
type Fill struct {
	Leg           int             `json:"leg"`
	ClientOrderID string          `json:"client_order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Time          time.Time       `json:"time"`
}

func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// Compensation tracks the compensating close issued for one filled leg.
type Compensation struct {
	Leg       int    `json:"leg"`
	Attempts  int    `json:"attempts"`
	Confirmed bool   `json:"confirmed"`
	Fill      *Fill  `json:"fill,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Record is the durable trace of one intent's lifecycle.
type Record struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Bucket         string          `json:"bucket"`
	Kind           Kind            `json:"kind"`
	Legs           []Leg           `json:"legs"`
	State          State           `json:"state"`
	Reservation    string          `json:"reservation,omitempty"`
	Reserved       decimal.Decimal `json:"reserved"`
	Committed      decimal.Decimal `json:"committed"`
	Fills          []Fill          `json:"fills,omitempty"`
	Compensations  []Compensation  `json:"compensations,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	Discrepant     bool            `json:"discrepant,omitempty"`

	CompensationIncomplete bool `json:"compensation_incomplete,omitempty"`

	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewRecord(id string, in Intent, now time.Time) Record {
	kind := in.Kind
	if kind == "" {
		kind = KindOpen
	}
	legs := make([]Leg, len(in.Legs))
	copy(legs, in.Legs)
	return Record{
		ID:             id,
		IdempotencyKey: in.IdempotencyKey,
		Bucket:         in.Bucket,
		Kind:           kind,
		Legs:           legs,
		State:          StatePending,
		Reserved:       decimal.Zero,
		Committed:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r Record) Adopted() bool {
	return r.Origin == OriginAdopted
}

// Unresolved reports whether reconciliation still has work to do for r.
func (r Record) Unresolved() bool {
	if !r.State.Terminal() {
		return true
	}
	return r.State == StateRolledBack && r.CompensationIncomplete
}

// FilledNotional sums the notional of all fills.
func (r Record) FilledNotional() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fills {
		total = total.Add(f.Notional())
	}
	return total
}

// Clone returns a deep copy so callers can mutate slices freely.
func (r Record) Clone() Record {
	out := r
	out.Legs = append([]Leg(nil), r.Legs...)
	out.Fills = append([]Fill(nil), r.Fills...)
	out.Compensations = make([]Compensation, len(r.Compensations))
	for i, c := range r.Compensations {
		if c.Fill != nil {
			f := *c.Fill
			c.Fill = &f
		}
		out.Compensations[i] = c
	}
	if len(r.Compensations) == 0 {
		out.Compensations = nil
	}
	return out
}
