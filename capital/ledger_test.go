package capital

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dur)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *testClock, *alert.Memory) {
	t.Helper()
	clk := &testClock{t: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	mem := alert.NewMemory(16)
	opts = append([]Option{WithClock(clk.Now), WithAlerter(mem)}, opts...)
	l, err := NewLedger(Config{LockWait: 200 * time.Millisecond, ReservationTTL: time.Minute},
		[]Bucket{
			{Name: "weekly", Total: d("1000")},
			{Name: "adopted", Total: d("500")},
		},
		zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return l, clk, mem
}

func bucket(t *testing.T, l *Ledger, name string) Bucket {
	t.Helper()
	b, err := l.Bucket(name)
	require.NoError(t, err)
	return b
}

func TestNewLedgerRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewLedger(Config{}, []Bucket{{Name: "a", Total: d("1")}, {Name: "a", Total: d("2")}}, nil)
	assert.Error(t, err)
}

func TestReserveCommitRelease(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "weekly", d("400"), "exec-1", nil)
	require.NoError(t, err)
	assert.True(t, bucket(t, l, "weekly").Reserved.Equal(d("400")))

	// commit below the reservation frees the difference
	b, err := l.Commit(ctx, r.Token, d("350"), nil)
	require.NoError(t, err)
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Committed.Equal(d("350")))
	assert.True(t, b.Available().Equal(d("650")))

	r2, err := l.Reserve(ctx, "weekly", d("600"), "exec-2", nil)
	require.NoError(t, err)
	b, err = l.Release(ctx, r2.Token, nil)
	require.NoError(t, err)
	assert.True(t, b.Available().Equal(d("650")))

	_, err = l.Release(ctx, r2.Token, nil)
	assert.True(t, errors.Is(err, ErrUnknownReservation))
}

func TestReserveErrors(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "weekly", d("1000.01"), "x", nil)
	assert.True(t, errors.Is(err, ErrInsufficientCapital))

	_, err = l.Reserve(ctx, "nope", d("1"), "x", nil)
	assert.True(t, errors.Is(err, ErrUnknownBucket))

	_, err = l.Reserve(ctx, "weekly", d("0"), "x", nil)
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	require.NoError(t, l.Halt("weekly", "operator"))
	_, err = l.Reserve(ctx, "weekly", d("1"), "x", nil)
	assert.True(t, errors.Is(err, ErrBucketHalted))

	require.NoError(t, l.Resume("weekly"))
	_, err = l.Reserve(ctx, "weekly", d("1"), "x", nil)
	assert.NoError(t, err)
}

func TestCommitAboveReservation(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "weekly", d("500"), "a", nil)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "weekly", d("400"), "b", nil)
	require.NoError(t, err)

	// 520 fits: 400 reserved + 520 committed <= 1000
	_, err = l.Commit(ctx, r.Token, d("520"), nil)
	require.NoError(t, err)

	r3, err := l.Reserve(ctx, "weekly", d("80"), "c", nil)
	require.NoError(t, err)
	_, err = l.Commit(ctx, r3.Token, d("81"), nil)
	assert.True(t, errors.Is(err, ErrInsufficientCapital))

	_, ok := l.Reservation(r3.Token)
	assert.True(t, ok, "reservation kept after refused commit")
}

func TestHookErrorRollsBack(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	boom := errors.New("disk full")
	fail := func(Mutation) error { return boom }

	_, err := l.Reserve(ctx, "weekly", d("100"), "a", fail)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, bucket(t, l, "weekly").Reserved.IsZero())
	assert.Empty(t, l.Reservations())

	r, err := l.Reserve(ctx, "weekly", d("100"), "a", nil)
	require.NoError(t, err)

	_, err = l.Commit(ctx, r.Token, d("100"), fail)
	assert.Error(t, err)
	b := bucket(t, l, "weekly")
	assert.True(t, b.Reserved.Equal(d("100")))
	assert.True(t, b.Committed.IsZero())

	_, err = l.Adopt(ctx, "adopted", d("10"), fail)
	assert.Error(t, err)
	assert.True(t, bucket(t, l, "adopted").Committed.IsZero())
}

func TestHookSeesMutation(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	var got []Mutation
	rec := func(m Mutation) error {
		got = append(got, m)
		return nil
	}

	r, err := l.Reserve(ctx, "weekly", d("100"), "a", rec)
	require.NoError(t, err)
	require.NoError(t, l.Pin(ctx, r.Token, rec))
	_, err = l.Commit(ctx, r.Token, d("90"), rec)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, OpReserve, got[0].Op)
	assert.True(t, got[0].Bucket.Reserved.Equal(d("100")))
	assert.Equal(t, OpPin, got[1].Op)
	assert.True(t, got[1].Reservation.Pinned)
	assert.Equal(t, OpCommit, got[2].Op)
	assert.True(t, got[2].Removed)
	assert.True(t, got[2].Bucket.Committed.Equal(d("90")))
}

func TestConcurrentReserveNeverOverAdmits(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	l.cfg.LockWait = 5 * time.Second
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.Reserve(ctx, "weekly", d("30"), "x", nil)
			if err != nil {
				assert.True(t, errors.Is(err, ErrInsufficientCapital), "unexpected %v", err)
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()

			switch i % 3 {
			case 0:
				_, err = l.Commit(ctx, r.Token, d("25"), nil)
			case 1:
				_, err = l.Release(ctx, r.Token, nil)
			}
			assert.NoError(t, err)

			b := bucket(t, l, "weekly")
			assert.True(t, b.Reserved.Add(b.Committed).LessThanOrEqual(b.Total))
		}(i)
	}
	wg.Wait()

	b := bucket(t, l, "weekly")
	assert.True(t, b.Reserved.Add(b.Committed).LessThanOrEqual(b.Total))
	assert.Greater(t, granted, 0)
}

func TestLockTimeout(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	inHook := make(chan struct{})
	hold := make(chan struct{})
	go func() {
		_, _ = l.Reserve(ctx, "weekly", d("1"), "slow", func(Mutation) error {
			close(inHook)
			<-hold
			return nil
		})
	}()
	<-inHook

	_, err := l.Reserve(ctx, "weekly", d("1"), "fast", nil)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	// other buckets are unaffected
	_, err = l.Reserve(ctx, "adopted", d("1"), "fast", nil)
	assert.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Reserve(cctx, "weekly", d("1"), "cancelled", nil)
	assert.True(t, errors.Is(err, context.Canceled))

	close(hold)
}

func TestAdoptAndSettle(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	b, err := l.Adopt(ctx, "adopted", d("300"), nil)
	require.NoError(t, err)
	assert.True(t, b.Committed.Equal(d("300")))

	_, err = l.Adopt(ctx, "adopted", d("201"), nil)
	assert.True(t, errors.Is(err, ErrInsufficientCapital))

	settled, err := l.Settle(ctx, "adopted", d("100"), nil)
	require.NoError(t, err)
	assert.True(t, settled.Equal(d("100")))

	settled, err = l.Settle(ctx, "adopted", d("1000"), nil)
	require.NoError(t, err)
	assert.True(t, settled.Equal(d("200")))
	assert.True(t, bucket(t, l, "adopted").Committed.IsZero())
}

func TestSweepReleasesUnpinned(t *testing.T) {
	t.Parallel()

	var persisted []Mutation
	l, clk, mem := newTestLedger(t, WithHook(func(m Mutation) error {
		persisted = append(persisted, m)
		return nil
	}))
	ctx := context.Background()

	stale, err := l.Reserve(ctx, "weekly", d("100"), "lost", nil)
	require.NoError(t, err)
	pinned, err := l.Reserve(ctx, "weekly", d("200"), "ambiguous", nil)
	require.NoError(t, err)
	require.NoError(t, l.Pin(ctx, pinned.Token, nil))

	clk.Advance(30 * time.Second)
	fresh, err := l.Reserve(ctx, "weekly", d("50"), "new", nil)
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	released := l.Sweep(clk.Now())

	require.Len(t, released, 1)
	assert.Equal(t, stale.Token, released[0].Token)
	_, ok := l.Reservation(pinned.Token)
	assert.True(t, ok)
	_, ok = l.Reservation(fresh.Token)
	assert.True(t, ok)

	assert.True(t, bucket(t, l, "weekly").Reserved.Equal(d("250")))
	assert.Equal(t, 1, mem.Count(alert.ReservationAbandoned))
	require.Len(t, persisted, 1)
	assert.Equal(t, OpExpire, persisted[0].Op)
}

func TestRestoreRebuildsAndHalts(t *testing.T) {
	t.Parallel()

	l, clk, mem := newTestLedger(t)
	now := clk.Now()

	err := l.Restore(
		[]Bucket{
			{Name: "weekly", Total: d("1000"), Reserved: d("999"), Committed: d("300")},
			{Name: "adopted", Total: d("500"), Committed: d("450")},
			{Name: "retired", Total: d("1")},
		},
		[]Reservation{
			{Token: Token{Bucket: "weekly", ID: "rsv-1"}, Amount: d("100"), CreatedAt: now, Pinned: true},
			{Token: Token{Bucket: "adopted", ID: "rsv-2"}, Amount: d("100"), CreatedAt: now},
		},
	)
	require.NoError(t, err)

	w := bucket(t, l, "weekly")
	assert.True(t, w.Reserved.Equal(d("100")), "rebuilt from reservations")
	assert.True(t, w.Committed.Equal(d("300")))
	assert.False(t, w.Halted)

	a := bucket(t, l, "adopted")
	assert.True(t, a.Halted, "450 + 100 > 500")
	assert.Equal(t, 1, mem.Count(alert.LedgerInvariant))

	r, ok := l.Reservation(Token{Bucket: "weekly", ID: "rsv-1"})
	require.True(t, ok)
	assert.True(t, r.Pinned)
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLedger(t)
	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "adopted", snap[0].Name)
	assert.Equal(t, "weekly", snap[1].Name)
}

func TestAllocate(t *testing.T) {
	t.Parallel()

	bs, err := Allocate(d("2000000"), []Allocation{
		{Name: "weekly", Pct: d("0.40")},
		{Name: "intraday", Pct: d("0.10")},
		{Name: "fixed", Amount: d("1234.5")},
	})
	require.NoError(t, err)
	assert.True(t, bs[0].Total.Equal(d("800000")))
	assert.True(t, bs[1].Total.Equal(d("200000")))
	assert.True(t, bs[2].Total.Equal(d("1234.5")))

	_, err = Allocate(d("100"), []Allocation{{Name: "a", Pct: d("0.6")}, {Name: "b", Pct: d("0.5")}})
	assert.Error(t, err)

	_, err = Allocate(d("100"), []Allocation{{Name: "a"}})
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}
