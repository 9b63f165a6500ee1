package trade

import (
	"fmt"
	"strings"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that closes exposure opened on s.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return s
	}
}

// Sign is +1 for Buy, -1 for Sell and 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case Buy:
		return 1
	case Sell:
		return -1
	default:
		return 0
	}
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide accepts BUY/SELL in any case.
func ParseSide(v string) (Side, error) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown side %q", v)
	}
	return s, nil
}

// SideOf converts a signed quantity into a side and an absolute quantity.
func SideOf(signed int64) (Side, int64) {
	if signed < 0 {
		return Sell, -signed
	}
	return Buy, signed
}
