package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/confidence"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubFeed struct{ blocked atomic.Bool }

func (f *stubFeed) MayTrade() bool { return !f.blocked.Load() }

type stubConf struct {
	mu  sync.Mutex
	err error
}

func (c *stubConf) Check(...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

type harness struct {
	c      *Coordinator
	ledger *capital.Ledger
	gw     *paper.Gateway
	store  *journal.Memory
	feed   *stubFeed
	conf   *stubConf
	alerts *alert.Memory
}

func newHarness(t *testing.T, weekly string) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	mem := alert.NewMemory(32)
	l, err := capital.NewLedger(capital.Config{LockWait: time.Second, ReservationTTL: time.Hour},
		[]capital.Bucket{
			{Name: "weekly", Total: d(weekly)},
			{Name: "adopted", Total: d("1000")},
		}, log, capital.WithAlerter(mem))
	require.NoError(t, err)

	h := &harness{
		ledger: l,
		gw:     paper.New(log),
		store:  journal.NewMemory(),
		feed:   &stubFeed{},
		conf:   &stubConf{},
		alerts: mem,
	}
	h.c = New(Config{
		GatewayTimeout:         50 * time.Millisecond,
		CompensationAttempts:   3,
		CompensationBackoff:    time.Millisecond,
		CompensationMaxBackoff: 2 * time.Millisecond,
	}, l, h.gw, h.store, h.feed, h.conf, log, WithAlerter(mem))
	h.c.Open()
	return h
}

func (h *harness) bucket(t *testing.T, name string) capital.Bucket {
	t.Helper()
	b, err := h.ledger.Bucket(name)
	require.NoError(t, err)
	return b
}

func ironCondor(key string) trade.Intent {
	return trade.Intent{
		IdempotencyKey: key,
		Bucket:         "weekly",
		Kind:           trade.KindOpen,
		Legs: []trade.Leg{
			{Instrument: "SPX-C-5100", Side: trade.Sell, Quantity: 1, Price: d("12")},
			{Instrument: "SPX-C-5150", Side: trade.Buy, Quantity: 1, Price: d("6")},
			{Instrument: "SPX-P-4900", Side: trade.Sell, Quantity: 1, Price: d("10")},
			{Instrument: "SPX-P-4850", Side: trade.Buy, Quantity: 1, Price: d("5")},
		},
	}
}

func TestExecuteFilled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	rec, err := h.c.Execute(ctx, ironCondor("k-1"))
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, rec.State)
	assert.Len(t, rec.Fills, 4)
	assert.True(t, rec.Committed.Equal(d("33")))

	b := h.bucket(t, "weekly")
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Committed.Equal(d("33")))

	ps, err := h.store.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, ps, 4)
	for _, p := range ps {
		assert.Equal(t, rec.ID, p.ExecutionID)
		assert.Equal(t, "weekly", p.Bucket)
	}

	stored, err := h.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, stored.State)
	assert.False(t, h.c.InFlight(rec.ID))
}

func TestExecuteIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	first, err := h.c.Execute(ctx, ironCondor("same"))
	require.NoError(t, err)
	second, err := h.c.Execute(ctx, ironCondor("same"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	batches, _ := h.gw.Counts()
	assert.Equal(t, 1, batches)
	assert.True(t, h.bucket(t, "weekly").Committed.Equal(d("33")))

	recs, err := h.store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestExecuteIdempotentConcurrent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := h.c.Execute(ctx, ironCondor("race"))
			if err == nil {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	for _, got := range ids {
		assert.Equal(t, ids[0], got)
	}
	assert.True(t, h.bucket(t, "weekly").Committed.Equal(d("33")))
	assert.True(t, h.bucket(t, "weekly").Reserved.IsZero())
}

func TestExecuteNotReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	c := New(Config{}, h.ledger, h.gw, h.store, h.feed, h.conf, nil)

	_, err := c.Execute(context.Background(), ironCondor("k"))
	assert.ErrorIs(t, err, ErrNotReady)

	c.Open()
	c.Open()
	select {
	case <-c.Ready():
	default:
		t.Fatal("ready channel not closed")
	}
}

func TestExecuteInvalidIntent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	in := ironCondor("")
	_, err := h.c.Execute(context.Background(), in)
	assert.ErrorIs(t, err, trade.ErrInvalidIntent)
}

func TestFeedOpenBlocksOpensButNotCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	opened, err := h.c.Execute(ctx, ironCondor("open-1"))
	require.NoError(t, err)

	h.feed.blocked.Store(true)
	_, err = h.c.Execute(ctx, ironCondor("open-2"))
	require.ErrorIs(t, err, ErrFeedBlocked)
	_, err = h.store.FindByKey(ctx, "open-2")
	assert.ErrorIs(t, err, journal.ErrNotFound)

	closing := trade.Intent{IdempotencyKey: "close-1", Bucket: "weekly", Kind: trade.KindClose}
	for _, l := range opened.Legs {
		closing.Legs = append(closing.Legs, trade.Leg{
			Instrument: l.Instrument, Side: l.Side.Opposite(), Quantity: l.Quantity, Price: l.Price,
		})
	}
	rec, err := h.c.Execute(ctx, closing)
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, rec.State)

	b := h.bucket(t, "weekly")
	assert.True(t, b.Committed.IsZero(), "committed %s", b.Committed)
	ps, err := h.store.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ps)

	held, err := h.gw.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestConfidenceRejectsBeforeReserve(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	h.conf.err = fmt.Errorf("SPX-C-5100: %w", confidence.ErrLowConfidence)

	_, err := h.c.Execute(context.Background(), ironCondor("k"))
	require.ErrorIs(t, err, confidence.ErrLowConfidence)
	assert.True(t, h.bucket(t, "weekly").Reserved.IsZero())
	batches, _ := h.gw.Counts()
	assert.Zero(t, batches)
}

func TestInsufficientCapitalRejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "20")
	_, err := h.c.Execute(context.Background(), ironCondor("k"))
	require.ErrorIs(t, err, capital.ErrInsufficientCapital)

	recs, err := h.store.LoadRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRejectedReleases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	for _, l := range ironCondor("").Legs {
		h.gw.Reject(l.Instrument, "market closed")
	}

	rec, err := h.c.Execute(context.Background(), ironCondor("k"))
	require.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, trade.StateRejected, rec.State)
	assert.True(t, h.bucket(t, "weekly").Available().Equal(d("1000")))
	_, closes := h.gw.Counts()
	assert.Zero(t, closes)
}

func TestPartialFillCompensates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()
	before := h.bucket(t, "weekly")

	h.gw.Reject("SPX-P-4900", "no liquidity")
	h.gw.Reject("SPX-P-4850", "no liquidity")

	rec, err := h.c.Execute(ctx, ironCondor("k"))
	require.ErrorIs(t, err, ErrPartialFill)
	assert.NotErrorIs(t, err, ErrCompensationIncomplete)
	assert.Equal(t, trade.StateRolledBack, rec.State)
	assert.False(t, rec.CompensationIncomplete)
	assert.Len(t, rec.Fills, 2)
	require.Len(t, rec.Compensations, 2)
	for _, comp := range rec.Compensations {
		assert.True(t, comp.Confirmed)
	}

	_, closes := h.gw.Counts()
	assert.Equal(t, 2, closes)

	after := h.bucket(t, "weekly")
	assert.True(t, after.Reserved.Equal(before.Reserved))
	assert.True(t, after.Committed.Equal(before.Committed))

	held, err := h.gw.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
	ps, err := h.store.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestCompensationExhaustedHaltsThenResolve(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	h.gw.Reject("SPX-P-4900", "no liquidity")
	h.gw.Reject("SPX-P-4850", "no liquidity")
	h.gw.FailCompensations("SPX-C-5100", 3)

	rec, err := h.c.Execute(ctx, ironCondor("k"))
	require.ErrorIs(t, err, ErrCompensationIncomplete)
	assert.True(t, rec.CompensationIncomplete)
	assert.True(t, rec.Unresolved())

	b := h.bucket(t, "weekly")
	assert.True(t, b.Halted)
	assert.True(t, b.Reserved.Equal(d("33")), "reservation held")
	assert.Equal(t, 1, h.alerts.Count(alert.CompensationIncomplete))

	// the stranded leg is booked locally
	ps, err := h.store.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "SPX-C-5100", ps[0].Instrument)

	h.gw.ClearRejects()
	_, err = h.c.Execute(ctx, ironCondor("k-2"))
	assert.ErrorIs(t, err, capital.ErrBucketHalted)

	held, err := h.gw.ListOpenPositions(ctx)
	require.NoError(t, err)
	out, err := h.c.Resolve(ctx, rec, held)
	require.ErrorIs(t, err, ErrPartialFill)
	assert.False(t, out.CompensationIncomplete)

	b = h.bucket(t, "weekly")
	assert.False(t, b.Halted)
	assert.True(t, b.Reserved.IsZero())
	ps, err = h.store.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestConfirmFlatResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	h.gw.Reject("SPX-P-4900", "no liquidity")
	h.gw.Reject("SPX-P-4850", "no liquidity")
	h.gw.FailCompensations("SPX-C-5150", 100)

	rec, err := h.c.Execute(ctx, ironCondor("k"))
	require.ErrorIs(t, err, ErrCompensationIncomplete)

	_, err = h.c.ConfirmFlat(ctx, "missing")
	assert.ErrorIs(t, err, journal.ErrNotFound)

	out, err := h.c.ConfirmFlat(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StateRolledBack, out.State)
	assert.False(t, out.CompensationIncomplete)
	assert.False(t, h.bucket(t, "weekly").Halted)
	assert.True(t, h.bucket(t, "weekly").Reserved.IsZero())

	_, err = h.c.ConfirmFlat(ctx, rec.ID)
	assert.Error(t, err)
}

func TestTimeoutAfterFillResolvesFilled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	h.gw.SetHang(paper.HangAfterFill)

	rec, err := h.c.Execute(context.Background(), ironCondor("k"))
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, rec.State)
	assert.True(t, h.bucket(t, "weekly").Committed.Equal(d("33")))
}

func TestTimeoutBeforeFillResolvesRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	h.gw.SetHang(paper.HangBeforeFill)

	rec, err := h.c.Execute(context.Background(), ironCondor("k"))
	require.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, trade.StateRejected, rec.State)
	assert.True(t, h.bucket(t, "weekly").Available().Equal(d("1000")))
}

func TestTimeoutUnresolvedHoldsReservation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()
	h.gw.SetHang(paper.HangBeforeFill)
	h.gw.FailListPositions(errors.New("broker api down"))

	rec, err := h.c.Execute(ctx, ironCondor("k"))
	require.ErrorIs(t, err, ErrGatewayTimeout)
	assert.Equal(t, trade.StateSubmitted, rec.State)
	assert.Equal(t, 1, h.alerts.Count(alert.AmbiguousOutcome))

	res, ok := h.ledger.Reservation(capital.Token{Bucket: "weekly", ID: rec.Reservation})
	require.True(t, ok)
	assert.True(t, res.Pinned)

	out, err := h.c.Resolve(ctx, rec, nil)
	require.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, trade.StateRejected, out.State)
	assert.True(t, h.bucket(t, "weekly").Reserved.IsZero())
}

func TestCommitOverrunHalts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "100")
	h.gw.SetMark("SPX-C-5150", d("14"))

	in := trade.Intent{
		IdempotencyKey: "k",
		Bucket:         "weekly",
		Legs:           []trade.Leg{{Instrument: "SPX-C-5150", Side: trade.Buy, Quantity: 8, Price: d("10")}},
	}
	rec, err := h.c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, rec.Discrepant)
	assert.True(t, rec.Committed.Equal(d("80")))

	b := h.bucket(t, "weekly")
	assert.True(t, b.Halted)
	assert.True(t, b.Committed.Equal(d("80")))
	assert.Equal(t, 1, h.alerts.Count(alert.CommitOverrun))
}

func TestResolveReservedRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	in := ironCondor("crashed")
	res, err := h.ledger.Reserve(ctx, "weekly", in.Notional(), "exec-x", nil)
	require.NoError(t, err)
	rec := trade.NewRecord("exec-x", in, time.Now().UTC())
	rec.State = trade.StateReserved
	rec.Reservation = res.Token.ID
	rec.Reserved = in.Notional()
	require.NoError(t, h.store.Apply(ctx, journal.Batch{Records: []trade.Record{rec}}))

	out, err := h.c.Resolve(ctx, rec, nil)
	require.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, trade.StateRejected, out.State)
	assert.True(t, h.bucket(t, "weekly").Reserved.IsZero())

	// terminal records are left alone
	again, err := h.c.Resolve(ctx, out, nil)
	require.NoError(t, err)
	assert.Equal(t, out.State, again.State)
}

func TestResolveSubmittedFoundAtBroker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	in := ironCondor("crashed")
	res, err := h.ledger.Reserve(ctx, "weekly", in.Notional(), "exec-y", nil)
	require.NoError(t, err)
	rec := trade.NewRecord("exec-y", in, time.Now().UTC())
	rec.State = trade.StateSubmitted
	rec.Reservation = res.Token.ID
	rec.Reserved = in.Notional()

	var held []trade.Position
	for _, l := range in.Legs {
		held = append(held, trade.Position{Instrument: l.Instrument, Side: l.Side, Quantity: l.Quantity, AvgPrice: l.Price})
	}

	out, err := h.c.Resolve(ctx, rec, held)
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, out.State)
	assert.True(t, h.bucket(t, "weekly").Committed.Equal(d("33")))
}

func TestReducePositionsOldestFirst(t *testing.T) {
	t.Parallel()

	local := []trade.Position{
		{Instrument: "X", Side: trade.Buy, Quantity: 2, AvgPrice: d("5"), Funded: d("10"), ExecutionID: "02", Bucket: "monthly"},
		{Instrument: "X", Side: trade.Buy, Quantity: 1, AvgPrice: d("4"), Funded: d("4"), ExecutionID: "01", Bucket: "weekly"},
		{Instrument: "Y", Side: trade.Sell, Quantity: 1, AvgPrice: d("3"), Funded: d("3"), ExecutionID: "01", Bucket: "weekly"},
	}
	fills := []trade.Fill{{Instrument: "X", Side: trade.Sell, Quantity: 2, Price: d("6")}}

	changed, settle, short := reducePositions(local, fills)
	assert.False(t, short)
	assert.True(t, settle["weekly"].Equal(d("4")))
	assert.True(t, settle["monthly"].Equal(d("5")))
	assert.Equal(t, int64(0), changed["01/X"].Quantity)
	assert.Equal(t, int64(1), changed["02/X"].Quantity)
	assert.True(t, changed["02/X"].Funded.Equal(d("5")))
	assert.NotContains(t, changed, "01/Y")

	_, _, short = reducePositions(local, []trade.Fill{{Instrument: "Y", Side: trade.Buy, Quantity: 2}})
	assert.True(t, short)
}

func TestCloseUnfundedPositionKeepsCommitment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1000")
	ctx := context.Background()

	in := trade.Intent{
		IdempotencyKey: "open-funded",
		Bucket:         "weekly",
		Legs:           []trade.Leg{{Instrument: "SPX-C-5150", Side: trade.Buy, Quantity: 1, Price: d("10")}},
	}
	_, err := h.c.Execute(ctx, in)
	require.NoError(t, err)
	require.True(t, h.bucket(t, "weekly").Committed.Equal(d("10")))

	// booked without capital behind it, as after a failed commit
	unfunded := trade.Position{
		ExecutionID: "00", Bucket: "weekly", Instrument: "SPX-C-5100",
		Side: trade.Buy, Quantity: 2, AvgPrice: d("20"), Funded: decimal.Zero,
	}
	require.NoError(t, h.store.Apply(ctx, journal.Batch{PutPositions: []trade.Position{unfunded}}))

	closing := trade.Intent{
		IdempotencyKey: "close-unfunded",
		Bucket:         "weekly",
		Kind:           trade.KindClose,
		Legs:           []trade.Leg{{Instrument: "SPX-C-5100", Side: trade.Sell, Quantity: 2, Price: d("20")}},
	}
	rec, err := h.c.Execute(ctx, closing)
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, rec.State)

	b := h.bucket(t, "weekly")
	assert.True(t, b.Committed.Equal(d("10")), "committed %s", b.Committed)

	ps, err := h.store.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "SPX-C-5150", ps[0].Instrument)
	assert.True(t, ps[0].Funded.Equal(d("10")))
}

func TestCommitOverrunFundsReservedAmount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "100")
	h.gw.SetMark("SPX-C-5150", d("14"))

	in := trade.Intent{
		IdempotencyKey: "k",
		Bucket:         "weekly",
		Legs:           []trade.Leg{{Instrument: "SPX-C-5150", Side: trade.Buy, Quantity: 8, Price: d("10")}},
	}
	_, err := h.c.Execute(context.Background(), in)
	require.NoError(t, err)

	ps, err := h.store.LoadPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].Funded.Equal(d("80")), "funded %s", ps[0].Funded)
	assert.True(t, ps[0].Notional().Equal(d("112")))
}

func TestCompensationBudget(t *testing.T) {
	t.Parallel()

	cfg := Config{
		GatewayTimeout:         time.Second,
		CompensationAttempts:   4,
		CompensationBackoff:    100 * time.Millisecond,
		CompensationMaxBackoff: 300 * time.Millisecond,
	}
	// 4 timeouts, then waits of 100ms, 200ms and a capped 300ms
	assert.Equal(t, 4600*time.Millisecond, cfg.CompensationBudget())
	assert.Equal(t, 5600*time.Millisecond, cfg.ExecutionBudget())

	def := DefaultConfig()
	assert.Equal(t, def.CompensationBudget(), Config{}.CompensationBudget())
}
