package capital

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrBucketHalted        = errors.New("bucket halted")
	ErrUnknownBucket       = errors.New("unknown bucket")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrLockTimeout         = errors.New("bucket lock timeout")
)

// Bucket is a named allocation of capital for one strategy class.
// Reserved+Committed never exceeds Total.
type Bucket struct {
	Name       string          `json:"name"`
	Total      decimal.Decimal `json:"total"`
	Reserved   decimal.Decimal `json:"reserved"`
	Committed  decimal.Decimal `json:"committed"`
	Halted     bool            `json:"halted"`
	HaltReason string          `json:"halt_reason,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (b Bucket) Available() decimal.Decimal {
	return b.Total.Sub(b.Reserved).Sub(b.Committed)
}

func (b Bucket) fits(reserved, committed decimal.Decimal) bool {
	return reserved.Add(committed).LessThanOrEqual(b.Total)
}

// Token identifies a reservation within its bucket.
type Token struct {
	Bucket string `json:"bucket"`
	ID     string `json:"id"`
}

func (t Token) String() string {
	return t.Bucket + "/" + t.ID
}

func (t Token) IsZero() bool {
	return t.ID == ""
}

type Reservation struct {
	Token     Token           `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Owner     string          `json:"owner"`
	CreatedAt time.Time       `json:"created_at"`
	// Pinned reservations are never auto-released by the sweeper.
	Pinned bool `json:"pinned"`
}

type Op string

const (
	OpReserve Op = "RESERVE"
	OpCommit  Op = "COMMIT"
	OpRelease Op = "RELEASE"
	OpExpire  Op = "EXPIRE"
	OpPin     Op = "PIN"
	OpAdopt   Op = "ADOPT"
	OpSettle  Op = "SETTLE"
	OpHalt    Op = "HALT"
	OpResume  Op = "RESUME"
)

// Mutation describes one ledger change after it was applied in memory.
type Mutation struct {
	Op     Op
	Bucket Bucket
	// Reservation is the reservation created, pinned or removed by Op.
	Reservation *Reservation
	// Removed is set when Reservation no longer exists after Op.
	Removed bool
	Amount  decimal.Decimal
}

// Hook runs inside the bucket's critical section after the in-memory
// change. Returning an error undoes the change.
type Hook func(Mutation) error
