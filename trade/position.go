package trade

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Position is an open holding in one instrument. Quantity is always
// positive; direction lives in Side.
type Position struct {
	Instrument  string          `json:"instrument"`
	Side        Side            `json:"side"`
	Quantity    int64           `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Bucket      string          `json:"bucket,omitempty"`

	// Funded is the capital committed in Bucket behind this position. It is
	// what closing the position gives back, and may be less than Notional.
	Funded decimal.Decimal `json:"funded"`
}

// ID identifies a locally held position: one per execution and instrument.
func (p Position) ID() string {
	return p.ExecutionID + "/" + p.Instrument
}

// Signed is Quantity with the sign of Side.
func (p Position) Signed() int64 {
	return p.Side.Sign() * p.Quantity
}

func (p Position) Notional() decimal.Decimal {
	return p.AvgPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// Reduce takes qty units off p. It returns the share of Funded that goes
// with them and the position left over. Taking everything returns all of
// Funded so repeated partial reductions never leave a remainder behind.
func (p Position) Reduce(qty int64) (decimal.Decimal, Position) {
	rest := p
	if qty >= p.Quantity || p.Quantity <= 0 {
		rest.Quantity = 0
		rest.Funded = decimal.Zero
		return p.Funded, rest
	}
	share := p.Funded.Mul(decimal.NewFromInt(qty)).Div(decimal.NewFromInt(p.Quantity)).Round(8)
	rest.Quantity -= qty
	rest.Funded = p.Funded.Sub(share)
	return share, rest
}

// Fund spreads amount over ps in proportion to notional. The last position
// takes the rounding remainder, so the Funded values always sum to amount.
func Fund(ps []Position, amount decimal.Decimal) {
	total := decimal.Zero
	for _, p := range ps {
		total = total.Add(p.Notional())
	}
	left := amount
	for i := range ps {
		switch {
		case i == len(ps)-1:
			ps[i].Funded = left
		case total.IsZero():
			ps[i].Funded = decimal.Zero
		default:
			ps[i].Funded = amount.Mul(ps[i].Notional()).Div(total).Round(8)
			left = left.Sub(ps[i].Funded)
		}
	}
}

// NetByInstrument folds positions into a signed quantity per instrument.
func NetByInstrument(ps []Position) map[string]int64 {
	out := make(map[string]int64, len(ps))
	for _, p := range ps {
		out[p.Instrument] += p.Signed()
	}
	return out
}

// SortPositions orders positions by instrument then side.
func SortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Instrument != ps[j].Instrument {
			return ps[i].Instrument < ps[j].Instrument
		}
		return ps[i].Side < ps[j].Side
	})
}
