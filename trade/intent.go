package trade

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind separates risk-increasing intents from ones that only reduce
// exposure. Closing intents are always admitted, even with the feed
// circuit open.
type Kind string

const (
	KindOpen  Kind = "OPEN"
	KindClose Kind = "CLOSE"
)

// Leg is one single-instrument order inside a multi-leg intent.
type Leg struct {
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"` // target price
}

// Notional is quantity times target price.
func (l Leg) Notional() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(l.Quantity))
}

// Intent is a proposed multi-leg order. It must not be modified after it is
// handed to the coordinator.
type Intent struct {
	IdempotencyKey string `json:"idempotency_key"`
	Bucket         string `json:"bucket"`
	Kind           Kind   `json:"kind"`
	Legs           []Leg  `json:"legs"`
}

var ErrInvalidIntent = errors.New("invalid trade intent")

func (in Intent) IsClose() bool {
	return in.Kind == KindClose
}

// Notional sums the target notional of all legs.
func (in Intent) Notional() decimal.Decimal {
	total := decimal.Zero
	for _, l := range in.Legs {
		total = total.Add(l.Notional())
	}
	return total
}

// Instruments returns the distinct instruments in leg order.
func (in Intent) Instruments() []string {
	seen := make(map[string]struct{}, len(in.Legs))
	out := make([]string, 0, len(in.Legs))
	for _, l := range in.Legs {
		if _, ok := seen[l.Instrument]; ok {
			continue
		}
		seen[l.Instrument] = struct{}{}
		out = append(out, l.Instrument)
	}
	return out
}

func (in Intent) Validate() error {
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidIntent)
	}
	if in.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidIntent)
	}
	if in.Kind != "" && in.Kind != KindOpen && in.Kind != KindClose {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, in.Kind)
	}
	if len(in.Legs) == 0 {
		return fmt.Errorf("%w: at least one leg is required", ErrInvalidIntent)
	}
	for i, l := range in.Legs {
		if l.Instrument == "" {
			return fmt.Errorf("%w: leg %d has no instrument", ErrInvalidIntent, i)
		}
		if !l.Side.Valid() {
			return fmt.Errorf("%w: leg %d has side %q", ErrInvalidIntent, i, l.Side)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: leg %d quantity must be positive", ErrInvalidIntent, i)
		}
		if l.Price.IsNegative() {
			return fmt.Errorf("%w: leg %d price must not be negative", ErrInvalidIntent, i)
		}
		if !in.IsClose() && !l.Price.IsPositive() {
			return fmt.Errorf("%w: leg %d needs a target price", ErrInvalidIntent, i)
		}
	}
	return nil
}
