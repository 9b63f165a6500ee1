package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/execution"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	rec    *Reconciler
	coord  *execution.Coordinator
	ledger *capital.Ledger
	gw     *paper.Gateway
	store  *journal.Memory
	alerts *alert.Memory
}

func newFixture(t *testing.T, adoptedTotal string) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	mem := alert.NewMemory(32)
	l, err := capital.NewLedger(capital.Config{LockWait: time.Second},
		[]capital.Bucket{
			{Name: "weekly", Total: d("1000")},
			{Name: "adopted", Total: d(adoptedTotal)},
		}, log)
	require.NoError(t, err)

	f := &fixture{ledger: l, gw: paper.New(log), store: journal.NewMemory(), alerts: mem}
	f.coord = execution.New(execution.Config{GatewayTimeout: 50 * time.Millisecond},
		l, f.gw, f.store, nil, nil, log, execution.WithAlerter(mem))
	f.rec = New(l, f.gw, f.store, f.coord, "adopted", log, WithAlerter(mem))
	return f
}

func (f *fixture) bucket(t *testing.T, name string) capital.Bucket {
	t.Helper()
	b, err := f.ledger.Bucket(name)
	require.NoError(t, err)
	return b
}

func ready(c *execution.Coordinator) bool {
	select {
	case <-c.Ready():
		return true
	default:
		return false
	}
}

// storeFilled books a filled single-leg record as if a previous process had
// executed it.
func (f *fixture) storeFilled(t *testing.T, execID, inst string, side trade.Side, qty int64, price string) trade.Record {
	t.Helper()
	ctx := context.Background()
	in := trade.Intent{
		IdempotencyKey: "key-" + execID,
		Bucket:         "weekly",
		Legs:           []trade.Leg{{Instrument: inst, Side: side, Quantity: qty, Price: d(price)}},
	}
	rec := trade.NewRecord(execID, in, time.Now().UTC())
	rec.State = trade.StateFilled
	rec.Committed = in.Notional()
	pos := trade.Position{
		Instrument: inst, Side: side, Quantity: qty, AvgPrice: d(price),
		ExecutionID: execID, Bucket: "weekly", Funded: in.Notional(),
	}

	_, err := f.ledger.Adopt(ctx, "weekly", in.Notional(), func(m capital.Mutation) error {
		b := journal.FromMutation(m)
		b.Records = []trade.Record{rec}
		b.PutPositions = []trade.Position{pos}
		return f.store.Apply(ctx, b)
	})
	require.NoError(t, err)
	return rec
}

func TestRestartAdoptsUnknownPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "500")
	ctx := context.Background()
	f.gw.Seed(trade.Position{Instrument: "SPX-C-5200", Side: trade.Buy, Quantity: 2, AvgPrice: d("7.5")})

	require.False(t, ready(f.coord))
	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.True(t, ready(f.coord))
	require.Len(t, rep.Adopted, 1)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, []Action{ActionAdopt}, rep.Mismatches[0].Actions)

	recs, err := f.store.LoadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Adopted())
	assert.Equal(t, trade.StateFilled, recs[0].State)
	assert.Equal(t, "adopted", recs[0].Bucket)
	assert.True(t, f.bucket(t, "adopted").Committed.Equal(d("15")))

	// a second pass finds nothing to do
	rep, err = f.rec.Run(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Clean())
	recs, err = f.store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestAdoptWithoutCapitalStillRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "10")
	ctx := context.Background()
	f.gw.Seed(trade.Position{Instrument: "SPX-P-4800", Side: trade.Sell, Quantity: 3, AvgPrice: d("20")})

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Adopted, 1)

	rec, err := f.store.GetRecord(ctx, rep.Adopted[0])
	require.NoError(t, err)
	assert.True(t, rec.Discrepant)
	assert.True(t, rec.Committed.IsZero())
	assert.True(t, f.bucket(t, "adopted").Committed.IsZero())

	ps, err := f.store.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, trade.Sell, ps[0].Side)

	var critical int
	for _, a := range f.alerts.List() {
		if a.Kind == alert.ReconciliationMismatch && a.Severity == alert.Critical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
}

func TestUnfundedGhostKeepsFundedCommitment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "100")
	ctx := context.Background()
	f.gw.Seed(
		trade.Position{Instrument: "SPX-C-5000", Side: trade.Buy, Quantity: 1, AvgPrice: d("80")},
		trade.Position{Instrument: "SPX-C-5100", Side: trade.Buy, Quantity: 1, AvgPrice: d("50")},
	)

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Adopted, 2)
	require.True(t, f.bucket(t, "adopted").Committed.Equal(d("80")))

	// the unfunded one goes away at the broker
	f.gw.Seed(trade.Position{Instrument: "SPX-C-5100", Side: trade.Sell, Quantity: 1, AvgPrice: d("50")})

	rep, err = f.rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, []Action{ActionClose}, rep.Mismatches[0].Actions)
	assert.True(t, f.bucket(t, "adopted").Committed.Equal(d("80")),
		"committed %s", f.bucket(t, "adopted").Committed)

	ps, err := f.store.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "SPX-C-5000", ps[0].Instrument)
	assert.True(t, ps[0].Funded.Equal(d("80")))
}

func TestGhostLocalPositionClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "500")
	ctx := context.Background()
	f.storeFilled(t, "exec-ghost", "SPX-C-5300", trade.Sell, 2, "10")
	require.True(t, f.bucket(t, "weekly").Committed.Equal(d("20")))

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-ghost"}, rep.Closed)
	assert.Empty(t, rep.Adopted)

	rec, err := f.store.GetRecord(ctx, "exec-ghost")
	require.NoError(t, err)
	assert.Equal(t, trade.StateClosed, rec.State)
	assert.True(t, rec.Discrepant)

	assert.True(t, f.bucket(t, "weekly").Committed.IsZero())
	ps, err := f.store.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ps)
	assert.Equal(t, 1, f.alerts.Count(alert.ReconciliationMismatch))
}

func TestBrokerSmallerReducesLocal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "500")
	ctx := context.Background()
	f.storeFilled(t, "exec-1", "SPX-C-5300", trade.Buy, 3, "10")
	f.gw.Seed(trade.Position{Instrument: "SPX-C-5300", Side: trade.Buy, Quantity: 1, AvgPrice: d("10")})

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, []Action{ActionReduce}, rep.Mismatches[0].Actions)
	assert.Empty(t, rep.Closed)

	ps, err := f.store.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, int64(1), ps[0].Quantity)

	rec, err := f.store.GetRecord(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, rec.State)
	assert.True(t, rec.Discrepant)
	assert.True(t, f.bucket(t, "weekly").Committed.Equal(d("10")))
}

func TestFlippedPositionClosesAndAdopts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "500")
	ctx := context.Background()
	f.storeFilled(t, "exec-1", "SPX-P-4700", trade.Buy, 1, "8")
	f.gw.Seed(trade.Position{Instrument: "SPX-P-4700", Side: trade.Sell, Quantity: 2, AvgPrice: d("9")})

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, []Action{ActionClose, ActionAdopt}, rep.Mismatches[0].Actions)
	assert.Len(t, rep.Adopted, 1)
	assert.Equal(t, []string{"exec-1"}, rep.Closed)

	assert.True(t, f.bucket(t, "weekly").Committed.IsZero())
	assert.True(t, f.bucket(t, "adopted").Committed.Equal(d("18")))

	ps, err := f.store.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, trade.Sell, ps[0].Side)
	assert.Equal(t, int64(2), ps[0].Quantity)
}

func TestResolvesSubmittedRecordBeforeDiff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "500")
	ctx := context.Background()

	in := trade.Intent{
		IdempotencyKey: "k",
		Bucket:         "weekly",
		Legs:           []trade.Leg{{Instrument: "SPX-C-5100", Side: trade.Buy, Quantity: 2, Price: d("4")}},
	}
	res, err := f.ledger.Reserve(ctx, "weekly", in.Notional(), "exec-s", nil)
	require.NoError(t, err)
	rec := trade.NewRecord("exec-s", in, time.Now().UTC())
	rec.State = trade.StateSubmitted
	rec.Reservation = res.Token.ID
	rec.Reserved = in.Notional()
	require.NoError(t, f.store.Apply(ctx, journal.Batch{Records: []trade.Record{rec}}))

	f.gw.Seed(trade.Position{Instrument: "SPX-C-5100", Side: trade.Buy, Quantity: 2, AvgPrice: d("4")})

	rep, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-s"}, rep.Resolved)
	assert.Empty(t, rep.Adopted, "resolved fill must not be adopted again")
	assert.Empty(t, rep.Mismatches)

	got, err := f.store.GetRecord(ctx, "exec-s")
	require.NoError(t, err)
	assert.Equal(t, trade.StateFilled, got.State)
	assert.True(t, f.bucket(t, "weekly").Committed.Equal(d("8")))
	assert.True(t, f.bucket(t, "weekly").Reserved.IsZero())
}

func TestBrokerUnavailableKeepsBarrierClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "500")
	f.gw.FailListPositions(errors.New("connection refused"))

	_, err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.False(t, ready(f.coord))

	f.gw.FailListPositions(nil)
	_, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ready(f.coord))
}
