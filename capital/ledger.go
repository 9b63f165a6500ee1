// Package capital is the ledger of strategy buckets. Every bucket has its
// own lock; no operation ever holds more than one.
package capital

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	// LockWait bounds how long a caller waits for a bucket lock.
	LockWait time.Duration
	// ReservationTTL is the age at which unpinned reservations are
	// treated as abandoned.
	ReservationTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockWait:       2 * time.Second,
		ReservationTTL: 5 * time.Minute,
	}
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithAlerter(a alert.Alerter) Option {
	return func(l *Ledger) { l.alerts = a }
}

// WithHook sets the hook used for changes the ledger makes on its own:
// sweeps, halts and resumes.
func WithHook(h Hook) Option {
	return func(l *Ledger) { l.hook = h }
}

type bucketState struct {
	sem chan struct{}
	b   Bucket
	res map[string]*Reservation
}

type Ledger struct {
	cfg    Config
	log    *zap.Logger
	alerts alert.Alerter
	hook   Hook
	now    func() time.Time

	// fixed after NewLedger; only the states are mutated
	buckets map[string]*bucketState
}

func NewLedger(cfg Config, buckets []Bucket, log *zap.Logger, opts ...Option) (*Ledger, error) {
	def := DefaultConfig()
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if log == nil {
		log = zap.NewNop()
	}

	l := &Ledger{
		cfg:     cfg,
		log:     log,
		alerts:  alert.Nop{},
		now:     time.Now,
		buckets: make(map[string]*bucketState, len(buckets)),
	}
	for _, o := range opts {
		o(l)
	}

	for _, b := range buckets {
		if b.Name == "" {
			return nil, fmt.Errorf("capital: bucket with empty name")
		}
		if _, dup := l.buckets[b.Name]; dup {
			return nil, fmt.Errorf("capital: duplicate bucket %q", b.Name)
		}
		if b.Total.IsNegative() {
			return nil, fmt.Errorf("capital: bucket %q: %w", b.Name, ErrInvalidAmount)
		}
		b.Reserved = decimal.Zero
		b.Committed = decimal.Zero
		b.UpdatedAt = l.now().UTC()
		l.buckets[b.Name] = &bucketState{
			sem: make(chan struct{}, 1),
			b:   b,
			res: make(map[string]*Reservation),
		}
		publish(b)
	}
	return l, nil
}

func (l *Ledger) lock(ctx context.Context, name string) (*bucketState, func(), error) {
	st, ok := l.buckets[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBucket, name)
	}

	t := time.NewTimer(l.cfg.LockWait)
	defer t.Stop()

	select {
	case st.sem <- struct{}{}:
		return st, func() { <-st.sem }, nil
	case <-t.C:
		metricRejections.WithLabelValues(name, "lock_timeout").Inc()
		return nil, nil, fmt.Errorf("%w: %q after %s", ErrLockTimeout, name, l.cfg.LockWait)
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("capital: lock %q: %w", name, ctx.Err())
	}
}

func runHook(h Hook, m Mutation) error {
	if h == nil {
		return nil
	}
	return h(m)
}

func (st *bucketState) touch(now time.Time) {
	st.b.UpdatedAt = now.UTC()
}

// Reserve earmarks amount in bucket for owner.
func (l *Ledger) Reserve(ctx context.Context, bucket string, amount decimal.Decimal, owner string, hook Hook) (Reservation, error) {
	if !amount.IsPositive() {
		return Reservation{}, fmt.Errorf("reserve %s: %w", amount, ErrInvalidAmount)
	}

	st, unlock, err := l.lock(ctx, bucket)
	if err != nil {
		return Reservation{}, err
	}
	defer unlock()

	if st.b.Halted {
		metricRejections.WithLabelValues(bucket, "halted").Inc()
		return Reservation{}, fmt.Errorf("%w: %q: %s", ErrBucketHalted, bucket, st.b.HaltReason)
	}
	if !st.b.fits(st.b.Reserved.Add(amount), st.b.Committed) {
		metricRejections.WithLabelValues(bucket, "insufficient").Inc()
		return Reservation{}, fmt.Errorf("%w: %q needs %s, available %s",
			ErrInsufficientCapital, bucket, amount, st.b.Available())
	}

	prev := st.b
	now := l.now()
	r := &Reservation{
		Token:     Token{Bucket: bucket, ID: id.Prefixed("rsv")},
		Amount:    amount,
		Owner:     owner,
		CreatedAt: now.UTC(),
	}
	st.b.Reserved = st.b.Reserved.Add(amount)
	st.touch(now)
	st.res[r.Token.ID] = r

	cp := *r
	if err := runHook(hook, Mutation{Op: OpReserve, Bucket: st.b, Reservation: &cp, Amount: amount}); err != nil {
		st.b = prev
		delete(st.res, r.Token.ID)
		return Reservation{}, fmt.Errorf("reserve %q: %w", bucket, err)
	}

	publish(st.b)
	return *r, nil
}

// Commit converts a reservation into committed capital at the actual fill
// notional. Any unused part of the reservation becomes available again.
func (l *Ledger) Commit(ctx context.Context, tok Token, actual decimal.Decimal, hook Hook) (Bucket, error) {
	if actual.IsNegative() {
		return Bucket{}, fmt.Errorf("commit %s: %w", actual, ErrInvalidAmount)
	}

	st, unlock, err := l.lock(ctx, tok.Bucket)
	if err != nil {
		return Bucket{}, err
	}
	defer unlock()

	r, ok := st.res[tok.ID]
	if !ok {
		return Bucket{}, fmt.Errorf("%w: %s", ErrUnknownReservation, tok)
	}

	reserved := st.b.Reserved.Sub(r.Amount)
	committed := st.b.Committed.Add(actual)
	if !st.b.fits(reserved, committed) {
		metricRejections.WithLabelValues(tok.Bucket, "commit_overrun").Inc()
		return Bucket{}, fmt.Errorf("%w: commit %s against reservation %s in %q",
			ErrInsufficientCapital, actual, r.Amount, tok.Bucket)
	}

	prev := st.b
	st.b.Reserved = reserved
	st.b.Committed = committed
	st.touch(l.now())
	delete(st.res, tok.ID)

	cp := *r
	if err := runHook(hook, Mutation{Op: OpCommit, Bucket: st.b, Reservation: &cp, Removed: true, Amount: actual}); err != nil {
		st.b = prev
		st.res[tok.ID] = r
		return Bucket{}, fmt.Errorf("commit %s: %w", tok, err)
	}

	publish(st.b)
	return st.b, nil
}

// Release drops a reservation and returns its amount to the bucket.
func (l *Ledger) Release(ctx context.Context, tok Token, hook Hook) (Bucket, error) {
	return l.remove(ctx, tok, OpRelease, hook)
}

func (l *Ledger) remove(ctx context.Context, tok Token, op Op, hook Hook) (Bucket, error) {
	st, unlock, err := l.lock(ctx, tok.Bucket)
	if err != nil {
		return Bucket{}, err
	}
	defer unlock()

	return l.removeLocked(st, tok, op, hook)
}

func (l *Ledger) removeLocked(st *bucketState, tok Token, op Op, hook Hook) (Bucket, error) {
	r, ok := st.res[tok.ID]
	if !ok {
		return Bucket{}, fmt.Errorf("%w: %s", ErrUnknownReservation, tok)
	}

	prev := st.b
	st.b.Reserved = st.b.Reserved.Sub(r.Amount)
	st.touch(l.now())
	delete(st.res, tok.ID)

	cp := *r
	if err := runHook(hook, Mutation{Op: op, Bucket: st.b, Reservation: &cp, Removed: true, Amount: r.Amount}); err != nil {
		st.b = prev
		st.res[tok.ID] = r
		return Bucket{}, fmt.Errorf("%s %s: %w", op, tok, err)
	}

	publish(st.b)
	return st.b, nil
}

// Pin exempts a reservation from abandonment auto-release.
func (l *Ledger) Pin(ctx context.Context, tok Token, hook Hook) error {
	st, unlock, err := l.lock(ctx, tok.Bucket)
	if err != nil {
		return err
	}
	defer unlock()

	r, ok := st.res[tok.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, tok)
	}
	if r.Pinned {
		return nil
	}

	r.Pinned = true
	cp := *r
	if err := runHook(hook, Mutation{Op: OpPin, Bucket: st.b, Reservation: &cp, Amount: r.Amount}); err != nil {
		r.Pinned = false
		return fmt.Errorf("pin %s: %w", tok, err)
	}
	return nil
}

// Adopt commits amount directly, for positions discovered at the broker
// that were never reserved locally. Halted buckets still adopt; the
// positions already exist.
func (l *Ledger) Adopt(ctx context.Context, bucket string, amount decimal.Decimal, hook Hook) (Bucket, error) {
	if amount.IsNegative() {
		return Bucket{}, fmt.Errorf("adopt %s: %w", amount, ErrInvalidAmount)
	}

	st, unlock, err := l.lock(ctx, bucket)
	if err != nil {
		return Bucket{}, err
	}
	defer unlock()

	committed := st.b.Committed.Add(amount)
	if !st.b.fits(st.b.Reserved, committed) {
		metricRejections.WithLabelValues(bucket, "adopt_overrun").Inc()
		return Bucket{}, fmt.Errorf("%w: adopt %s into %q, available %s",
			ErrInsufficientCapital, amount, bucket, st.b.Available())
	}

	prev := st.b
	st.b.Committed = committed
	st.touch(l.now())

	if err := runHook(hook, Mutation{Op: OpAdopt, Bucket: st.b, Amount: amount}); err != nil {
		st.b = prev
		return Bucket{}, fmt.Errorf("adopt %q: %w", bucket, err)
	}

	publish(st.b)
	return st.b, nil
}

// Settle releases committed capital when a funded position is closed. It
// never takes Committed below zero and returns the amount settled.
func (l *Ledger) Settle(ctx context.Context, bucket string, amount decimal.Decimal, hook Hook) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("settle %s: %w", amount, ErrInvalidAmount)
	}

	st, unlock, err := l.lock(ctx, bucket)
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()

	settled := decimal.Min(amount, st.b.Committed)
	prev := st.b
	st.b.Committed = st.b.Committed.Sub(settled)
	st.touch(l.now())

	if err := runHook(hook, Mutation{Op: OpSettle, Bucket: st.b, Amount: settled}); err != nil {
		st.b = prev
		return decimal.Zero, fmt.Errorf("settle %q: %w", bucket, err)
	}

	publish(st.b)
	return settled, nil
}

// Halt stops new reservations on bucket until Resume.
func (l *Ledger) Halt(bucket, reason string) error {
	st, unlock, err := l.lock(context.Background(), bucket)
	if err != nil {
		return err
	}
	defer unlock()

	if st.b.Halted && st.b.HaltReason == reason {
		return nil
	}

	prev := st.b
	st.b.Halted = true
	st.b.HaltReason = reason
	st.touch(l.now())
	if err := runHook(l.hook, Mutation{Op: OpHalt, Bucket: st.b}); err != nil {
		// keep the halt in memory even when it cannot be persisted
		l.log.Error("persist halt failed", zap.String("bucket", bucket), zap.Error(err))
	}
	if !prev.Halted {
		l.log.Error("bucket halted", zap.String("bucket", bucket), zap.String("reason", reason))
	}
	publish(st.b)
	return nil
}

func (l *Ledger) Resume(bucket string) error {
	st, unlock, err := l.lock(context.Background(), bucket)
	if err != nil {
		return err
	}
	defer unlock()

	if !st.b.Halted {
		return nil
	}
	if !st.b.fits(st.b.Reserved, st.b.Committed) {
		return fmt.Errorf("resume %q: reserved %s + committed %s exceed total %s",
			bucket, st.b.Reserved, st.b.Committed, st.b.Total)
	}

	prev := st.b
	st.b.Halted = false
	st.b.HaltReason = ""
	st.touch(l.now())
	if err := runHook(l.hook, Mutation{Op: OpResume, Bucket: st.b}); err != nil {
		st.b = prev
		return fmt.Errorf("resume %q: %w", bucket, err)
	}
	l.log.Info("bucket resumed", zap.String("bucket", bucket))
	publish(st.b)
	return nil
}

// Bucket returns a copy of one bucket.
func (l *Ledger) Bucket(name string) (Bucket, error) {
	st, ok := l.buckets[name]
	if !ok {
		return Bucket{}, fmt.Errorf("%w: %q", ErrUnknownBucket, name)
	}
	st.sem <- struct{}{}
	defer func() { <-st.sem }()
	return st.b, nil
}

// Snapshot copies every bucket, sorted by name. Each bucket is read under
// its own lock.
func (l *Ledger) Snapshot() []Bucket {
	names := l.names()
	out := make([]Bucket, 0, len(names))
	for _, n := range names {
		b, _ := l.Bucket(n)
		out = append(out, b)
	}
	return out
}

// Reservations lists outstanding reservations, oldest first.
func (l *Ledger) Reservations() []Reservation {
	var out []Reservation
	for _, n := range l.names() {
		st := l.buckets[n]
		st.sem <- struct{}{}
		for _, r := range st.res {
			out = append(out, *r)
		}
		<-st.sem
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token.ID < out[j].Token.ID
	})
	return out
}

// Reservation looks up one reservation.
func (l *Ledger) Reservation(tok Token) (Reservation, bool) {
	st, ok := l.buckets[tok.Bucket]
	if !ok {
		return Reservation{}, false
	}
	st.sem <- struct{}{}
	defer func() { <-st.sem }()
	r, ok := st.res[tok.ID]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

func (l *Ledger) names() []string {
	names := make([]string, 0, len(l.buckets))
	for n := range l.buckets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
