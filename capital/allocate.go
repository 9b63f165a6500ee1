package capital

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Allocation sizes one bucket either absolutely or as a share of the
// account.
type Allocation struct {
	Name   string
	Amount decimal.Decimal
	Pct    decimal.Decimal
}

// Allocate turns allocations into buckets. An explicit Amount wins over Pct.
// The shares may not add up to more than the whole account.
func Allocate(accountSize decimal.Decimal, allocs []Allocation) ([]Bucket, error) {
	out := make([]Bucket, 0, len(allocs))
	pctSum := decimal.Zero
	for _, a := range allocs {
		var total decimal.Decimal
		switch {
		case a.Amount.IsPositive():
			total = a.Amount
		case a.Pct.IsPositive():
			if !accountSize.IsPositive() {
				return nil, fmt.Errorf("bucket %q: percentage allocation needs an account size", a.Name)
			}
			pctSum = pctSum.Add(a.Pct)
			total = accountSize.Mul(a.Pct).Round(2)
		default:
			return nil, fmt.Errorf("bucket %q: %w: needs amount or pct", a.Name, ErrInvalidAmount)
		}
		out = append(out, Bucket{Name: a.Name, Total: total})
	}
	if pctSum.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("bucket percentages sum to %s, above 1", pctSum)
	}
	return out, nil
}
