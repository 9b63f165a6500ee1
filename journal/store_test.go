package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both stores must behave the same way.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		j, _ := newTestSQLite(t)
		t.Cleanup(func() { _ = j.Close() })
		fn(t, j)
	})
}

func TestStoreRecordLifecycle(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := sampleRecord("01JX0000000000000000000001", "key-1")
		require.NoError(t, s.Apply(ctx, Batch{Records: []trade.Record{rec}}))

		rec.State = trade.StateFilled
		rec.Committed = d("3.90")
		rec.Fills = []trade.Fill{{Leg: 0, Instrument: "SPY-C-500", Side: trade.Buy, Quantity: 2, Price: d("1.20"), Time: t0}}
		require.NoError(t, s.Apply(ctx, Batch{Records: []trade.Record{rec}}))

		got, err := s.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, trade.StateFilled, got.State)
		assert.True(t, got.Committed.Equal(d("3.90")))
		require.Len(t, got.Fills, 1)
		assert.True(t, got.Fills[0].Price.Equal(d("1.20")))

		_, err = s.GetRecord(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.FindByKey(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))

		all, err := s.LoadRecords(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStoreReservationsAndPositions(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tok := capital.Token{Bucket: "weekly", ID: "rsv-1"}

		require.NoError(t, s.Apply(ctx, FromMutation(capital.Mutation{
			Op:          capital.OpReserve,
			Bucket:      capital.Bucket{Name: "weekly", Total: d("100"), Reserved: d("10"), Committed: d("0"), UpdatedAt: t0},
			Reservation: &capital.Reservation{Token: tok, Amount: d("10"), Owner: "x", CreatedAt: t0},
		})))

		rs, err := s.LoadReservations(ctx)
		require.NoError(t, err)
		require.Len(t, rs, 1)

		b := FromMutation(capital.Mutation{
			Op:          capital.OpCommit,
			Bucket:      capital.Bucket{Name: "weekly", Total: d("100"), Reserved: d("0"), Committed: d("9"), UpdatedAt: t0},
			Reservation: &capital.Reservation{Token: tok, Amount: d("10")},
			Removed:     true,
		})
		b.PutPositions = []trade.Position{
			{Instrument: "A", Side: trade.Buy, Quantity: 3, AvgPrice: d("3"), Funded: d("8.1"), ExecutionID: "x", Bucket: "weekly"},
			{Instrument: "B", Side: trade.Sell, Quantity: 1, AvgPrice: d("1"), Funded: d("0.9"), ExecutionID: "x", Bucket: "weekly"},
		}
		require.NoError(t, s.Apply(ctx, b))

		rs, err = s.LoadReservations(ctx)
		require.NoError(t, err)
		assert.Empty(t, rs)

		bs, err := s.LoadBuckets(ctx)
		require.NoError(t, err)
		require.Len(t, bs, 1)
		assert.True(t, bs[0].Committed.Equal(d("9")))

		ps, err := s.LoadPositions(ctx)
		require.NoError(t, err)
		require.Len(t, ps, 2)
		assert.Equal(t, "A", ps[0].Instrument)
		assert.True(t, ps[0].Funded.Equal(d("8.1")), "funded %s", ps[0].Funded)
		assert.Equal(t, trade.Sell, ps[1].Side)

		require.NoError(t, s.Apply(ctx, Batch{DeletePositions: []string{ps[0].ID()}}))
		ps, err = s.LoadPositions(ctx)
		require.NoError(t, err)
		assert.Len(t, ps, 1)
	})
}

func TestMemoryFailNext(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	boom := errors.New("boom")
	m.FailNext(boom)

	err := m.Apply(context.Background(), Batch{Records: []trade.Record{sampleRecord("1", "k")}})
	assert.True(t, errors.Is(err, boom))
	recs, _ := m.LoadRecords(context.Background())
	assert.Empty(t, recs)

	assert.NoError(t, m.Apply(context.Background(), Batch{Records: []trade.Record{sampleRecord("1", "k")}}))
	assert.Equal(t, 1, m.Applied())
}
