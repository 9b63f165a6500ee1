package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/trade"
	"go.uber.org/zap"
)

type checkResult int

const (
	checkNone checkResult = iota
	checkAll
	checkSome
	checkUnknown
)

// legCheck compares broker positions against what the local book would be
// with and without each leg. It decides per instrument, so legs sharing an
// instrument are judged together.
func legCheck(legs []trade.Leg, local, brokerPos []trade.Position) (checkResult, []int) {
	localNet := trade.NetByInstrument(local)
	brokerNet := trade.NetByInstrument(brokerPos)

	delta := make(map[string]int64)
	for _, l := range legs {
		delta[l.Instrument] += l.Side.Sign() * l.Quantity
	}

	filledInst := make(map[string]bool)
	for inst, dq := range delta {
		switch brokerNet[inst] {
		case localNet[inst] + dq:
			filledInst[inst] = true
		case localNet[inst]:
			filledInst[inst] = false
		default:
			return checkUnknown, nil
		}
	}

	var filled []int
	for i, l := range legs {
		if filledInst[l.Instrument] {
			filled = append(filled, i)
		}
	}
	switch len(filled) {
	case 0:
		return checkNone, nil
	case len(legs):
		return checkAll, filled
	default:
		return checkSome, filled
	}
}

// syntheticFills builds fills for legs found at the broker, priced at the
// broker's average price.
func syntheticFills(rec trade.Record, legs []int, brokerPos []trade.Position, at time.Time) []trade.Fill {
	byInst := make(map[string]trade.Position, len(brokerPos))
	for _, p := range brokerPos {
		byInst[p.Instrument] = p
	}
	out := make([]trade.Fill, 0, len(legs))
	for _, i := range legs {
		l := rec.Legs[i]
		f := trade.Fill{
			Leg:           i,
			BrokerOrderID: "position-check",
			Instrument:    l.Instrument,
			Side:          l.Side,
			Quantity:      l.Quantity,
			Price:         l.Price,
			Time:          at,
		}
		if p, ok := byInst[l.Instrument]; ok && p.AvgPrice.IsPositive() {
			f.Price = p.AvgPrice
		}
		out = append(out, f)
	}
	return out
}

// ambiguous handles a submission whose outcome is unknown.
func (c *Coordinator) ambiguous(ctx context.Context, rec trade.Record, tok capital.Token, cause error) (trade.Record, error) {
	rec.Reason = "outcome unknown: " + cause.Error()
	if tok.IsZero() {
		_ = c.persist(ctx, journal.Batch{Records: []trade.Record{rec}})
	} else if err := c.ledger.Pin(ctx, tok, c.recordHook(ctx, &rec, journal.Batch{})); err != nil &&
		!errors.Is(err, capital.ErrUnknownReservation) {
		c.log.Error("pin after timeout", zap.String("execution_id", rec.ID), zap.Error(err))
	}
	c.log.Warn("submission outcome unknown, checking positions",
		zap.String("execution_id", rec.ID), zap.Error(cause))

	lctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	brokerPos, err := c.gw.ListOpenPositions(lctx)
	cancel()
	if err != nil {
		return c.unresolved(ctx, rec, fmt.Sprintf("position check failed: %v", err))
	}
	return c.positionCheck(ctx, rec, tok, brokerPos)
}

func (c *Coordinator) positionCheck(ctx context.Context, rec trade.Record, tok capital.Token, brokerPos []trade.Position) (trade.Record, error) {
	local, err := c.store.LoadPositions(ctx)
	if err != nil {
		return c.unresolved(ctx, rec, fmt.Sprintf("load local positions: %v", err))
	}
	// this record's own positions are not part of the baseline
	baseline := local[:0:0]
	for _, p := range local {
		if p.ExecutionID != rec.ID {
			baseline = append(baseline, p)
		}
	}

	result, legs := legCheck(rec.Legs, baseline, brokerPos)
	fills := syntheticFills(rec, legs, brokerPos, c.now().UTC())

	if rec.Kind == trade.KindClose {
		switch result {
		case checkUnknown:
			return c.unresolved(ctx, rec, "broker positions do not match any outcome")
		case checkNone:
			return c.closeOutcome(ctx, rec, nil, "not found at broker after timeout")
		default:
			return c.closeOutcome(ctx, rec, fills, "")
		}
	}

	switch result {
	case checkAll:
		return c.filled(ctx, rec, tok, fills)
	case checkNone:
		return c.rejected(ctx, rec, tok, "not found at broker after timeout")
	case checkSome:
		return c.partial(ctx, rec, tok, fills, "some legs found at broker after timeout")
	default:
		return c.unresolved(ctx, rec, "broker positions do not match any outcome")
	}
}

// unresolved leaves rec SUBMITTED with its reservation held for
// reconciliation.
func (c *Coordinator) unresolved(ctx context.Context, rec trade.Record, why string) (trade.Record, error) {
	rec.State = trade.StateSubmitted
	rec.Reason = why
	_ = c.persist(ctx, journal.Batch{Records: []trade.Record{rec}})
	c.raise(alert.Warning, alert.AmbiguousOutcome, why, rec)
	return rec, fmt.Errorf("%s: %s: %w", rec.ID, why, ErrGatewayTimeout)
}

// Resolve finishes a record left unresolved by a crash or an ambiguous
// outcome, using brokerPos as the authoritative broker view.
func (c *Coordinator) Resolve(ctx context.Context, rec trade.Record, brokerPos []trade.Position) (trade.Record, error) {
	if !rec.Unresolved() || c.InFlight(rec.ID) {
		return rec, nil
	}
	c.track(rec.ID)
	defer c.untrack(rec.ID)

	tok := capital.Token{Bucket: rec.Bucket, ID: rec.Reservation}
	c.log.Info("resolving record", zap.String("execution_id", rec.ID), zap.String("state", string(rec.State)))

	var (
		out trade.Record
		err error
	)
	switch rec.State {
	case trade.StatePending, trade.StateReserved:
		// never handed to the broker
		out, err = c.rejected(ctx, rec, tok, "not submitted before restart")
	case trade.StateSubmitted:
		if !tok.IsZero() {
			if perr := c.ledger.Pin(ctx, tok, nil); perr != nil && !errors.Is(perr, capital.ErrUnknownReservation) {
				return rec, perr
			}
		}
		out, err = c.positionCheck(ctx, rec, tok, brokerPos)
	case trade.StateRolledBack:
		out, err = c.retryCompensation(ctx, rec, tok)
	default:
		return rec, nil
	}
	metricExecutions.WithLabelValues(string(out.Kind), string(out.State)).Inc()
	return out, err
}

// retryCompensation re-issues every unconfirmed compensating close.
func (c *Coordinator) retryCompensation(ctx context.Context, rec trade.Record, tok capital.Token) (trade.Record, error) {
	open := c.uncompensated(rec)
	byLeg := make(map[int]int, len(rec.Compensations))
	for i, comp := range rec.Compensations {
		byLeg[comp.Leg] = i
	}
	for _, f := range open {
		comp := c.compensate(ctx, rec.IdempotencyKey, f)
		if i, ok := byLeg[f.Leg]; ok {
			comp.Attempts += rec.Compensations[i].Attempts
			rec.Compensations[i] = comp
		} else {
			rec.Compensations = append(rec.Compensations, comp)
		}
	}

	out, err := c.settleRollback(ctx, rec, tok)
	if !out.CompensationIncomplete {
		c.resumeIfHaltedFor(out)
	}
	return out, err
}

// ConfirmFlat is the operator's statement that the legs of an incomplete
// rollback are no longer held at the broker.
func (c *Coordinator) ConfirmFlat(ctx context.Context, executionID string) (trade.Record, error) {
	rec, err := c.store.GetRecord(ctx, executionID)
	if err != nil {
		return trade.Record{}, err
	}
	if rec.State != trade.StateRolledBack || !rec.CompensationIncomplete {
		return rec, fmt.Errorf("%s is %s, nothing to confirm", rec.ID, rec.State)
	}
	if c.InFlight(rec.ID) {
		return rec, fmt.Errorf("%s is being resolved", rec.ID)
	}
	c.track(rec.ID)
	defer c.untrack(rec.ID)

	for i := range rec.Compensations {
		if !rec.Compensations[i].Confirmed {
			rec.Compensations[i].Confirmed = true
			rec.Compensations[i].Error = "confirmed flat by operator"
		}
	}
	seen := make(map[int]bool)
	for _, comp := range rec.Compensations {
		seen[comp.Leg] = true
	}
	for _, f := range rec.Fills {
		if !seen[f.Leg] {
			rec.Compensations = append(rec.Compensations, trade.Compensation{Leg: f.Leg, Confirmed: true, Error: "confirmed flat by operator"})
		}
	}

	tok := capital.Token{Bucket: rec.Bucket, ID: rec.Reservation}
	out, _ := c.settleRollback(ctx, rec, tok)
	c.resumeIfHaltedFor(out)
	c.log.Info("rollback confirmed flat", zap.String("execution_id", out.ID))
	return out, nil
}

func (c *Coordinator) resumeIfHaltedFor(rec trade.Record) {
	b, err := c.ledger.Bucket(rec.Bucket)
	if err != nil || !b.Halted || b.HaltReason != haltReason(rec.ID) {
		return
	}
	if err := c.ledger.Resume(rec.Bucket); err != nil {
		c.log.Error("resume bucket", zap.String("bucket", rec.Bucket), zap.Error(err))
	}
}
