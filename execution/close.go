package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// executeClose submits a risk-reducing intent. Closes reserve nothing and
// pass no gates; on fill they release the commitment behind the positions
// they close.
func (c *Coordinator) executeClose(ctx context.Context, in trade.Intent) (trade.Record, error) {
	if err := ctx.Err(); err != nil {
		return trade.Record{}, err
	}

	rec := trade.NewRecord(id.New(), in, c.now().UTC())
	rec.State = trade.StateSubmitted
	if err := c.store.Apply(ctx, journal.Batch{Records: []trade.Record{rec}}); err != nil {
		if errors.Is(err, journal.ErrDuplicateKey) {
			return c.store.FindByKey(context.WithoutCancel(ctx), in.IdempotencyKey)
		}
		return trade.Record{}, fmt.Errorf("persist close %s: %w", rec.ID, err)
	}

	ctx = context.WithoutCancel(ctx)
	c.track(rec.ID)
	defer c.untrack(rec.ID)

	orders := broker.OrdersFor(in)
	sctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	res, err := c.gw.SubmitBatch(sctx, orders)
	cancel()

	var out trade.Record
	switch {
	case err != nil:
		out, err = c.ambiguous(ctx, rec, capital.Token{}, err)
	case res.Status == broker.StatusRejected:
		out, err = c.closeOutcome(ctx, rec, nil, res.Reason)
	default:
		out, err = c.closeOutcome(ctx, rec, res.Fills, res.Reason)
	}
	metricExecutions.WithLabelValues(string(out.Kind), string(out.State)).Inc()
	return out, err
}

// closeOutcome books the fills of a close against local positions, oldest
// first, and settles the commitment of each position it reduces.
func (c *Coordinator) closeOutcome(ctx context.Context, rec trade.Record, fills []trade.Fill, reason string) (trade.Record, error) {
	rec.Fills = fills
	if len(fills) == 0 {
		rec.State = trade.StateRejected
		rec.Reason = reason
		_ = c.persist(ctx, journal.Batch{Records: []trade.Record{rec}})
		c.log.Info("close rejected", zap.String("execution_id", rec.ID), zap.String("reason", reason))
		return rec, fmt.Errorf("%w: %s", broker.ErrRejected, reason)
	}

	rec.State = trade.StateFilled
	partial := len(fills) < len(rec.Legs)
	if partial {
		rec.Reason = fmt.Sprintf("partial close: %d of %d legs filled: %s", len(fills), len(rec.Legs), reason)
	}

	local, err := c.store.LoadPositions(ctx)
	if err != nil {
		c.log.Error("load positions for close", zap.Error(err))
	}
	changed, settle, short := reducePositions(local, fills)
	if short {
		rec.Discrepant = true
		c.log.Warn("close exceeded local positions", zap.String("execution_id", rec.ID))
	}

	buckets := make([]string, 0, len(settle))
	for b := range settle {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	recorded := false
	for i, bucket := range buckets {
		batch := positionBatch(changed, bucket)
		if i == len(buckets)-1 {
			recorded = true
			_, err = c.ledger.Settle(ctx, bucket, settle[bucket], c.recordHook(ctx, &rec, batch))
		} else {
			_, err = c.ledger.Settle(ctx, bucket, settle[bucket], func(m capital.Mutation) error {
				b := journal.FromMutation(m)
				b.Merge(batch)
				return c.store.Apply(ctx, b)
			})
		}
		if err != nil {
			c.log.Error("settle close", zap.String("bucket", bucket), zap.Error(err))
			rec.Discrepant = true
			if i == len(buckets)-1 {
				recorded = false
			}
			_ = c.persist(ctx, batch)
		}
	}
	if !recorded {
		_ = c.persist(ctx, journal.Batch{Records: []trade.Record{rec}})
	}

	if partial {
		c.raise(alert.Warning, alert.PartialClose, rec.Reason, rec)
		return rec, fmt.Errorf("%s: %w", rec.ID, ErrPartialFill)
	}
	c.log.Info("closed", zap.String("execution_id", rec.ID), zap.Int("legs", len(fills)))
	return rec, nil
}

// reducePositions applies close fills to a copy of the local book. It
// returns the touched positions, the funded capital to settle per bucket, and
// whether any fill exceeded what was held locally.
func reducePositions(local []trade.Position, fills []trade.Fill) (map[string]trade.Position, map[string]decimal.Decimal, bool) {
	book := make([]trade.Position, len(local))
	copy(book, local)
	sort.SliceStable(book, func(i, j int) bool { return book[i].ExecutionID < book[j].ExecutionID })

	changed := make(map[string]trade.Position)
	settle := make(map[string]decimal.Decimal)
	short := false

	for _, f := range fills {
		remaining := f.Quantity
		for i := range book {
			p := &book[i]
			if remaining == 0 {
				break
			}
			if p.Instrument != f.Instrument || p.Side != f.Side.Opposite() || p.Quantity == 0 {
				continue
			}
			take := min(remaining, p.Quantity)
			share, rest := p.Reduce(take)
			*p = rest
			remaining -= take
			settle[p.Bucket] = settle[p.Bucket].Add(share)
			changed[p.ID()] = *p
		}
		if remaining > 0 {
			short = true
		}
	}
	return changed, settle, short
}

func positionBatch(changed map[string]trade.Position, bucket string) journal.Batch {
	var b journal.Batch
	ids := make([]string, 0, len(changed))
	for pid := range changed {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	for _, pid := range ids {
		p := changed[pid]
		if p.Bucket != bucket {
			continue
		}
		if p.Quantity == 0 {
			b.DeletePositions = append(b.DeletePositions, pid)
		} else {
			b.PutPositions = append(b.PutPositions, p)
		}
	}
	return b
}
