// Package paper is an in-process order gateway that fills against marks
// held in memory. Failures can be scripted per instrument so the partial
// fill and ambiguous timeout paths can be driven end to end.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Hang controls whether SubmitBatch blocks until its context expires.
type Hang int

const (
	HangNone Hang = iota
	// HangBeforeFill blocks without touching positions.
	HangBeforeFill
	// HangAfterFill fills every leg, then blocks. The caller sees a timeout
	// although the broker holds the positions.
	HangAfterFill
)

type holding struct {
	qty int64 // signed
	avg decimal.Decimal
}

type Gateway struct {
	mu        sync.Mutex
	log       *zap.Logger
	marks     map[string]decimal.Decimal
	greeks    map[string]float64
	holdings  map[string]*holding
	fills     map[string]trade.Fill // by client order ID
	rejects   map[string]string
	compFails map[string]int
	hang      Hang
	listErr   error
	batches   int
	closes    int
	now       func() time.Time
}

func New(log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		log:       log,
		marks:     make(map[string]decimal.Decimal),
		greeks:    make(map[string]float64),
		holdings:  make(map[string]*holding),
		fills:     make(map[string]trade.Fill),
		rejects:   make(map[string]string),
		compFails: make(map[string]int),
		now:       time.Now,
	}
}

var _ broker.Gateway = (*Gateway)(nil)

// SetMark sets the fill price for an instrument. Without a mark orders fill
// at their own price.
func (g *Gateway) SetMark(instrument string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[instrument] = price
}

// SetGreek sets the broker-side greek published by the tick server.
func (g *Gateway) SetGreek(instrument string, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.greeks[instrument] = v
}

// Reject makes every leg on instrument fail with reason.
func (g *Gateway) Reject(instrument, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason == "" {
		reason = "rejected by paper broker"
	}
	g.rejects[instrument] = reason
}

func (g *Gateway) ClearRejects() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejects = make(map[string]string)
}

// FailCompensations makes the next n compensating closes on instrument fail.
func (g *Gateway) FailCompensations(instrument string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.compFails[instrument] = n
}

func (g *Gateway) SetHang(h Hang) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hang = h
}

// FailListPositions makes ListOpenPositions return err until cleared with nil.
func (g *Gateway) FailListPositions(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
}

// Seed opens positions directly, as if they had been filled by a previous
// process.
func (g *Gateway) Seed(ps ...trade.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range ps {
		g.applyLocked(p.Instrument, p.Signed(), p.AvgPrice)
	}
}

// Counts returns how many batches and compensating closes were received.
func (g *Gateway) Counts() (batches, closes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.batches, g.closes
}

func (g *Gateway) SubmitBatch(ctx context.Context, orders []broker.Order) (broker.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.BatchResult{}, err
	}

	g.mu.Lock()
	g.batches++
	hang := g.hang
	if hang == HangBeforeFill {
		g.mu.Unlock()
		<-ctx.Done()
		return broker.BatchResult{}, fmt.Errorf("paper: submit batch: %w", ctx.Err())
	}

	var (
		fills    []trade.Fill
		failures []broker.LegFailure
	)
	for _, o := range orders {
		if f, ok := g.fills[o.ClientOrderID]; ok {
			fills = append(fills, f)
			continue
		}
		if reason, ok := g.rejects[o.Instrument]; ok {
			failures = append(failures, broker.LegFailure{Leg: o.Leg, Reason: reason})
			continue
		}
		fills = append(fills, g.fillLocked(o))
	}
	g.mu.Unlock()

	g.log.Debug("paper batch",
		zap.Int("legs", len(orders)),
		zap.Int("filled", len(fills)),
		zap.Int("failed", len(failures)),
	)

	if hang == HangAfterFill {
		<-ctx.Done()
		return broker.BatchResult{}, fmt.Errorf("paper: submit batch: %w", ctx.Err())
	}
	return broker.Summarize(len(orders), fills, failures), nil
}

func (g *Gateway) SubmitCompensatingClose(ctx context.Context, o broker.Order) (trade.Fill, error) {
	if err := ctx.Err(); err != nil {
		return trade.Fill{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++

	if f, ok := g.fills[o.ClientOrderID]; ok {
		return f, nil
	}
	if n := g.compFails[o.Instrument]; n > 0 {
		g.compFails[o.Instrument] = n - 1
		return trade.Fill{}, fmt.Errorf("paper: close %s: %w", o.Instrument, broker.ErrRejected)
	}
	return g.fillLocked(o), nil
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]trade.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}

	out := make([]trade.Position, 0, len(g.holdings))
	for inst, h := range g.holdings {
		side, qty := trade.SideOf(h.qty)
		out = append(out, trade.Position{
			Instrument: inst,
			Side:       side,
			Quantity:   qty,
			AvgPrice:   h.avg,
		})
	}
	trade.SortPositions(out)
	return out, nil
}

// Greeks returns a copy of the published greeks keyed by instrument.
func (g *Gateway) Greeks() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.greeks))
	for k, v := range g.greeks {
		out[k] = v
	}
	return out
}

func (g *Gateway) fillLocked(o broker.Order) trade.Fill {
	price := o.Price
	if m, ok := g.marks[o.Instrument]; ok {
		price = m
	}

	f := trade.Fill{
		Leg:           o.Leg,
		ClientOrderID: o.ClientOrderID,
		BrokerOrderID: id.Prefixed("paper"),
		Instrument:    o.Instrument,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         price,
		Time:          g.now().UTC(),
	}
	g.fills[o.ClientOrderID] = f
	g.applyLocked(o.Instrument, o.Side.Sign()*o.Quantity, price)
	return f
}

// applyLocked nets a signed quantity into the instrument's holding.
func (g *Gateway) applyLocked(instrument string, delta int64, price decimal.Decimal) {
	if delta == 0 {
		return
	}
	h, ok := g.holdings[instrument]
	if !ok {
		h = &holding{avg: decimal.Zero}
		g.holdings[instrument] = h
	}

	next := h.qty + delta
	switch {
	case h.qty == 0 || (h.qty > 0) == (delta > 0):
		oldAbs := decimal.NewFromInt(abs(h.qty))
		addAbs := decimal.NewFromInt(abs(delta))
		h.avg = h.avg.Mul(oldAbs).Add(price.Mul(addAbs)).Div(oldAbs.Add(addAbs))
	case next != 0 && (next > 0) != (h.qty > 0):
		// flipped through zero
		h.avg = price
	}
	h.qty = next

	if h.qty == 0 {
		delete(g.holdings, instrument)
	}
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
