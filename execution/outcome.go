package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// filled commits the actual fill notional and opens local positions.
func (c *Coordinator) filled(ctx context.Context, rec trade.Record, tok capital.Token, fills []trade.Fill) (trade.Record, error) {
	rec.Fills = fills
	rec.State = trade.StateFilled
	actual := rec.FilledNotional()
	rec.Committed = actual
	positions := journal.Batch{PutPositions: positionsFor(rec, fills, actual)}

	_, err := c.ledger.Commit(ctx, tok, actual, c.recordHook(ctx, &rec, positions))
	switch {
	case err == nil:
		c.log.Info("filled",
			zap.String("execution_id", rec.ID),
			zap.String("committed", actual.String()),
			zap.Int("legs", len(fills)))
		return rec, nil

	case errors.Is(err, capital.ErrInsufficientCapital):
		// the fill cost more than the bucket can hold; commit what was reserved
		rec.Committed = rec.Reserved
		rec.Discrepant = true
		rec.Reason = fmt.Sprintf("fill notional %s exceeds bucket capacity, committed %s", actual, rec.Reserved)
		positions.PutPositions = positionsFor(rec, fills, rec.Reserved)
		if _, cerr := c.ledger.Commit(ctx, tok, rec.Reserved, c.recordHook(ctx, &rec, positions)); cerr != nil {
			return c.unbooked(ctx, rec, fills, cerr)
		}
		c.raise(alert.Critical, alert.CommitOverrun, rec.Reason, rec)
		c.halt(rec.Bucket, rec.Reason)
		return rec, nil

	case errors.Is(err, capital.ErrUnknownReservation):
		// reservation vanished (swept or restored without it); book the fill directly
		rec.Discrepant = true
		rec.Reason = "reservation missing at commit"
		if _, aerr := c.ledger.Adopt(ctx, rec.Bucket, actual, c.recordHook(ctx, &rec, positions)); aerr != nil {
			return c.unbooked(ctx, rec, fills, aerr)
		}
		c.raise(alert.Warning, alert.CommitOverrun, rec.Reason, rec)
		return rec, nil

	default:
		return c.unbooked(ctx, rec, fills, err)
	}
}

// unbooked stores a filled record whose capital could not be booked. The
// positions exist at the broker, so the record must exist locally. Nothing
// was committed behind them, so closing them later releases nothing.
func (c *Coordinator) unbooked(ctx context.Context, rec trade.Record, fills []trade.Fill, cause error) (trade.Record, error) {
	rec.State = trade.StateFilled
	rec.Committed = decimal.Zero
	rec.Discrepant = true
	rec.Reason = "filled but not booked: " + cause.Error()

	b := journal.Batch{
		Records:      []trade.Record{rec},
		PutPositions: positionsFor(rec, fills, decimal.Zero),
	}
	if err := c.persist(ctx, b); err != nil {
		c.log.Error("could not persist filled record", zap.String("execution_id", rec.ID), zap.Error(err))
	}
	c.raise(alert.Critical, alert.CommitOverrun, rec.Reason, rec)
	c.halt(rec.Bucket, rec.Reason)
	return rec, fmt.Errorf("book fill %s: %w", rec.ID, cause)
}

func (c *Coordinator) rejected(ctx context.Context, rec trade.Record, tok capital.Token, reason string) (trade.Record, error) {
	rec.State = trade.StateRejected
	rec.Reason = reason
	if _, err := c.ledger.Release(ctx, tok, c.recordHook(ctx, &rec, journal.Batch{})); err != nil {
		if !errors.Is(err, capital.ErrUnknownReservation) {
			c.log.Error("release after reject", zap.String("execution_id", rec.ID), zap.Error(err))
		}
		_ = c.persist(ctx, journal.Batch{Records: []trade.Record{rec}})
	}
	c.log.Info("rejected", zap.String("execution_id", rec.ID), zap.String("reason", reason))
	return rec, fmt.Errorf("%w: %s", broker.ErrRejected, reason)
}

// partial flattens every filled leg. The reservation is pinned until all
// compensating closes are confirmed.
func (c *Coordinator) partial(ctx context.Context, rec trade.Record, tok capital.Token, fills []trade.Fill, reason string) (trade.Record, error) {
	rec.Fills = fills
	rec.Reason = "partial fill: " + reason
	if err := c.ledger.Pin(ctx, tok, c.recordHook(ctx, &rec, journal.Batch{})); err != nil &&
		!errors.Is(err, capital.ErrUnknownReservation) {
		c.log.Error("pin before compensation", zap.String("execution_id", rec.ID), zap.Error(err))
	}

	c.log.Warn("partial fill, compensating",
		zap.String("execution_id", rec.ID),
		zap.Int("filled", len(fills)),
		zap.Int("legs", len(rec.Legs)),
		zap.String("reason", reason))

	rec.Compensations = make([]trade.Compensation, 0, len(fills))
	for _, f := range fills {
		rec.Compensations = append(rec.Compensations, c.compensate(ctx, rec.IdempotencyKey, f))
	}
	return c.settleRollback(ctx, rec, tok)
}

// settleRollback records the result of compensation. All confirmed
// releases the reservation; anything else halts the bucket.
func (c *Coordinator) settleRollback(ctx context.Context, rec trade.Record, tok capital.Token) (trade.Record, error) {
	rec.State = trade.StateRolledBack

	open := c.uncompensated(rec)
	if len(open) == 0 {
		rec.CompensationIncomplete = false
		extra := journal.Batch{DeletePositions: c.positionIDs(ctx, rec.ID)}
		if _, err := c.ledger.Release(ctx, tok, c.recordHook(ctx, &rec, extra)); err != nil {
			if !errors.Is(err, capital.ErrUnknownReservation) {
				c.log.Error("release after rollback", zap.String("execution_id", rec.ID), zap.Error(err))
			}
			extra.Records = []trade.Record{rec}
			_ = c.persist(ctx, extra)
		}
		c.log.Info("rolled back", zap.String("execution_id", rec.ID))
		return rec, fmt.Errorf("%s: %w", rec.ID, ErrPartialFill)
	}

	rec.CompensationIncomplete = true
	b := journal.Batch{
		Records:      []trade.Record{rec},
		PutPositions: positionsFor(rec, open, decimal.Zero),
	}
	if err := c.persist(ctx, b); err != nil {
		c.log.Error("persist incomplete rollback", zap.String("execution_id", rec.ID), zap.Error(err))
	}
	msg := fmt.Sprintf("%d of %d compensating closes failed; reservation held", len(open), len(rec.Compensations))
	c.raise(alert.Critical, alert.CompensationIncomplete, msg, rec)
	c.halt(rec.Bucket, haltReason(rec.ID))
	return rec, fmt.Errorf("%s: %w: %w", rec.ID, ErrPartialFill, ErrCompensationIncomplete)
}

// uncompensated returns the fills whose compensating close is not confirmed.
func (c *Coordinator) uncompensated(rec trade.Record) []trade.Fill {
	confirmed := make(map[int]bool, len(rec.Compensations))
	for _, comp := range rec.Compensations {
		if comp.Confirmed {
			confirmed[comp.Leg] = true
		}
	}
	var out []trade.Fill
	for _, f := range rec.Fills {
		if !confirmed[f.Leg] {
			out = append(out, f)
		}
	}
	return out
}

// compensate closes one filled leg, retrying with capped exponential backoff.
func (c *Coordinator) compensate(ctx context.Context, key string, f trade.Fill) trade.Compensation {
	order := broker.Order{
		Leg:           f.Leg,
		ClientOrderID: broker.CompensationID(key, f.Leg),
		Instrument:    f.Instrument,
		Side:          f.Side.Opposite(),
		Quantity:      f.Quantity,
		Price:         f.Price,
	}

	comp := trade.Compensation{Leg: f.Leg}
	backoff := c.cfg.CompensationBackoff
	for comp.Attempts < c.cfg.CompensationAttempts {
		comp.Attempts++
		cctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
		fill, err := c.gw.SubmitCompensatingClose(cctx, order)
		cancel()
		if err == nil {
			comp.Confirmed = true
			comp.Fill = &fill
			comp.Error = ""
			metricCompensations.WithLabelValues("confirmed").Inc()
			return comp
		}

		comp.Error = err.Error()
		metricCompensations.WithLabelValues("retry").Inc()
		c.log.Warn("compensating close failed",
			zap.String("instrument", f.Instrument),
			zap.Int("leg", f.Leg),
			zap.Int("attempt", comp.Attempts),
			zap.Error(err))

		if comp.Attempts >= c.cfg.CompensationAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return comp
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.CompensationMaxBackoff {
			backoff = c.cfg.CompensationMaxBackoff
		}
	}
	metricCompensations.WithLabelValues("exhausted").Inc()
	return comp
}

// positionsFor nets fills into one position per instrument for rec, with
// funded spread over them as the capital committed behind them.
func positionsFor(rec trade.Record, fills []trade.Fill, funded decimal.Decimal) []trade.Position {
	type agg struct {
		signed   int64
		qty      int64
		notional decimal.Decimal
	}
	byInst := make(map[string]*agg)
	for _, f := range fills {
		a, ok := byInst[f.Instrument]
		if !ok {
			a = &agg{notional: decimal.Zero}
			byInst[f.Instrument] = a
		}
		a.signed += f.Side.Sign() * f.Quantity
		a.qty += f.Quantity
		a.notional = a.notional.Add(f.Notional())
	}

	out := make([]trade.Position, 0, len(byInst))
	for inst, a := range byInst {
		if a.signed == 0 {
			continue
		}
		side, qty := trade.SideOf(a.signed)
		out = append(out, trade.Position{
			Instrument:  inst,
			Side:        side,
			Quantity:    qty,
			AvgPrice:    a.notional.Div(decimal.NewFromInt(a.qty)),
			ExecutionID: rec.ID,
			Bucket:      rec.Bucket,
		})
	}
	trade.SortPositions(out)
	trade.Fund(out, funded)
	return out
}

// positionIDs lists stored positions that belong to recID.
func (c *Coordinator) positionIDs(ctx context.Context, recID string) []string {
	ps, err := c.store.LoadPositions(ctx)
	if err != nil {
		c.log.Error("load positions", zap.Error(err))
		return nil
	}
	var ids []string
	for _, p := range ps {
		if p.ExecutionID == recID {
			ids = append(ids, p.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) raise(sev alert.Severity, kind alert.Kind, msg string, rec trade.Record) {
	c.alerts.Raise(alert.New(sev, kind, msg,
		"execution_id", rec.ID,
		"bucket", rec.Bucket,
		"key", rec.IdempotencyKey))
}

func (c *Coordinator) halt(bucket, reason string) {
	if err := c.ledger.Halt(bucket, reason); err != nil {
		c.log.Error("halt bucket", zap.String("bucket", bucket), zap.Error(err))
	}
}
