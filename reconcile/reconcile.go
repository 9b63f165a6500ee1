// Package reconcile brings the local journal in line with the broker, which
// is always treated as the truth about open positions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrMismatch is returned when a difference was found but could not be
// written back.
var ErrMismatch = errors.New("reconciliation mismatch")

// Coordinator finishes unresolved records and owns the admission barrier.
type Coordinator interface {
	Resolve(ctx context.Context, rec trade.Record, brokerPos []trade.Position) (trade.Record, error)
	Open()
}

type Action string

const (
	ActionAdopt  Action = "adopt"
	ActionClose  Action = "close"
	ActionReduce Action = "reduce"
	ActionDefer  Action = "defer"
)

// Mismatch is one instrument whose local and broker net quantities differ.
type Mismatch struct {
	Instrument string   `json:"instrument"`
	Local      int64    `json:"local"`  // signed
	Broker     int64    `json:"broker"` // signed
	Actions    []Action `json:"actions"`
}

type Report struct {
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at"`
	BrokerPositions int        `json:"broker_positions"`
	Resolved        []string   `json:"resolved,omitempty"`
	Unresolved      []string   `json:"unresolved,omitempty"`
	Adopted         []string   `json:"adopted,omitempty"`
	Closed          []string   `json:"closed,omitempty"`
	Mismatches      []Mismatch `json:"mismatches,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// Clean reports whether local state already matched the broker.
func (r Report) Clean() bool {
	return len(r.Mismatches) == 0 && len(r.Unresolved) == 0 && len(r.Errors) == 0
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithAlerter(a alert.Alerter) Option {
	return func(r *Reconciler) { r.alerts = a }
}

type Reconciler struct {
	ledger  *capital.Ledger
	gw      broker.Gateway
	store   journal.Store
	coord   Coordinator
	adopted string
	alerts  alert.Alerter
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	opened bool
}

// New builds a Reconciler. Positions found only at the broker are funded
// from adoptedBucket.
func New(ledger *capital.Ledger, gw broker.Gateway, store journal.Store, coord Coordinator,
	adoptedBucket string, log *zap.Logger, opts ...Option) *Reconciler {

	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		ledger:  ledger,
		gw:      gw,
		store:   store,
		coord:   coord,
		adopted: adoptedBucket,
		alerts:  alert.Nop{},
		log:     log,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run performs one reconciliation pass. Runs are serialised. The first
// run that completes without error opens the coordinator.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{StartedAt: r.now().UTC()}
	err := r.run(ctx, &rep)
	rep.FinishedAt = r.now().UTC()

	switch {
	case err != nil:
		metricRuns.WithLabelValues("error").Inc()
		r.log.Error("reconciliation failed", zap.Error(err))
		return rep, err
	case rep.Clean():
		metricRuns.WithLabelValues("clean").Inc()
	default:
		metricRuns.WithLabelValues("repaired").Inc()
	}

	r.log.Info("reconciliation complete",
		zap.Int("broker_positions", rep.BrokerPositions),
		zap.Int("resolved", len(rep.Resolved)),
		zap.Int("unresolved", len(rep.Unresolved)),
		zap.Int("adopted", len(rep.Adopted)),
		zap.Int("closed", len(rep.Closed)),
		zap.Int("mismatches", len(rep.Mismatches)))

	if !r.opened {
		r.opened = true
		r.coord.Open()
	}
	return rep, nil
}

func (r *Reconciler) run(ctx context.Context, rep *Report) error {
	held, err := r.gw.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}
	rep.BrokerPositions = len(held)

	recs, err := r.store.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	// instruments of records that stay unresolved are left for a later run
	deferred := make(map[string]bool)
	for _, rec := range recs {
		if !rec.Unresolved() {
			continue
		}
		out, rerr := r.coord.Resolve(ctx, rec, held)
		if rerr != nil {
			r.log.Info("record resolved with error", zap.String("execution_id", rec.ID), zap.Error(rerr))
		}
		if out.Unresolved() {
			rep.Unresolved = append(rep.Unresolved, rec.ID)
			for _, l := range rec.Legs {
				deferred[l.Instrument] = true
			}
			continue
		}
		rep.Resolved = append(rep.Resolved, rec.ID)
	}

	local, err := r.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	return r.diff(ctx, rep, local, held, deferred)
}

func (r *Reconciler) diff(ctx context.Context, rep *Report, local, held []trade.Position, deferred map[string]bool) error {
	localNet := trade.NetByInstrument(local)
	brokerNet := trade.NetByInstrument(held)
	avg := make(map[string]decimal.Decimal, len(held))
	for _, p := range held {
		avg[p.Instrument] = p.AvgPrice
	}
	rows := make(map[string][]trade.Position)
	for _, p := range local {
		rows[p.Instrument] = append(rows[p.Instrument], p)
	}

	insts := make([]string, 0, len(localNet)+len(brokerNet))
	for inst := range localNet {
		insts = append(insts, inst)
	}
	for inst := range brokerNet {
		if _, ok := localNet[inst]; !ok {
			insts = append(insts, inst)
		}
	}
	sort.Strings(insts)

	// remaining local quantity per execution, for deciding when a record is closed
	open := make(map[string]int64)
	for _, p := range local {
		open[p.ExecutionID] += p.Quantity
	}

	var failed int
	for _, inst := range insts {
		l, b := localNet[inst], brokerNet[inst]
		if l == b {
			continue
		}
		m := Mismatch{Instrument: inst, Local: l, Broker: b}
		if deferred[inst] {
			m.Actions = []Action{ActionDefer}
			rep.Mismatches = append(rep.Mismatches, m)
			continue
		}

		var errs []error
		sameSide := l != 0 && b != 0 && (l > 0) == (b > 0)
		switch {
		case l == 0:
			m.Actions = []Action{ActionAdopt}
			errs = append(errs, r.adopt(ctx, rep, inst, b, avg[inst]))
		case sameSide && abs(b) > abs(l):
			m.Actions = []Action{ActionAdopt}
			errs = append(errs, r.adopt(ctx, rep, inst, b-l, avg[inst]))
		case sameSide:
			m.Actions = []Action{ActionReduce}
			side, _ := trade.SideOf(l)
			errs = append(errs, r.reduce(ctx, rep, onSide(rows[inst], side), abs(l)-abs(b), open)...)
		default:
			// gone, or flipped to the other side
			m.Actions = []Action{ActionClose}
			errs = append(errs, r.reduce(ctx, rep, rows[inst], totalQty(rows[inst]), open)...)
			if b != 0 {
				m.Actions = append(m.Actions, ActionAdopt)
				errs = append(errs, r.adopt(ctx, rep, inst, b, avg[inst]))
			}
		}
		for _, e := range errs {
			if e != nil {
				failed++
				rep.Errors = append(rep.Errors, e.Error())
			}
		}
		for _, a := range m.Actions {
			metricRepairs.WithLabelValues(string(a)).Inc()
		}
		rep.Mismatches = append(rep.Mismatches, m)
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d repairs not stored", ErrMismatch, failed)
	}
	return nil
}

// adopt books a broker position that has no local record.
func (r *Reconciler) adopt(ctx context.Context, rep *Report, inst string, signed int64, price decimal.Decimal) error {
	now := r.now().UTC()
	side, qty := trade.SideOf(signed)
	if price.IsNegative() {
		price = decimal.Zero
	}

	execID := id.NewAt(now)
	rec := trade.Record{
		ID:             execID,
		IdempotencyKey: "adopt-" + execID,
		Bucket:         r.adopted,
		Kind:           trade.KindOpen,
		Legs:           []trade.Leg{{Instrument: inst, Side: side, Quantity: qty, Price: price}},
		State:          trade.StateFilled,
		Origin:         trade.OriginAdopted,
		Fills: []trade.Fill{{
			BrokerOrderID: "reconcile",
			Instrument:    inst,
			Side:          side,
			Quantity:      qty,
			Price:         price,
			Time:          now,
		}},
		Reason:    "found at broker without a local record",
		CreatedAt: now,
		UpdatedAt: now,
	}
	notional := rec.FilledNotional()
	rec.Committed = notional
	pos := trade.Position{
		Instrument:  inst,
		Side:        side,
		Quantity:    qty,
		AvgPrice:    price,
		ExecutionID: execID,
		Bucket:      r.adopted,
		Funded:      notional,
	}

	_, err := r.ledger.Adopt(ctx, r.adopted, notional, func(m capital.Mutation) error {
		b := journal.FromMutation(m)
		b.Records = []trade.Record{rec}
		b.PutPositions = []trade.Position{pos}
		return r.store.Apply(ctx, b)
	})
	if err != nil {
		// the position exists regardless; store it unfunded
		rec.Committed = decimal.Zero
		pos.Funded = decimal.Zero
		rec.Discrepant = true
		rec.Reason = "adopted without capital: " + err.Error()
		if perr := r.store.Apply(ctx, journal.Batch{Records: []trade.Record{rec}, PutPositions: []trade.Position{pos}}); perr != nil {
			return fmt.Errorf("adopt %s: %w", inst, perr)
		}
		r.raise(alert.Critical, rec.Reason, inst, rec)
		rep.Adopted = append(rep.Adopted, execID)
		return nil
	}

	r.log.Warn("adopted broker position",
		zap.String("instrument", inst),
		zap.String("side", string(side)),
		zap.Int64("quantity", qty),
		zap.String("notional", notional.String()),
		zap.String("execution_id", execID))
	r.raise(alert.Warning, "adopted broker position", inst, rec)
	rep.Adopted = append(rep.Adopted, execID)
	return nil
}

// reduce removes qty from local rows, oldest execution first, settling the
// capital behind each. Records left with nothing open become CLOSED.
func (r *Reconciler) reduce(ctx context.Context, rep *Report, rows []trade.Position, qty int64, open map[string]int64) []error {
	sorted := append([]trade.Position(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ExecutionID < sorted[j].ExecutionID })

	var errs []error
	for _, p := range sorted {
		if qty == 0 {
			break
		}
		take := min(qty, p.Quantity)
		qty -= take
		open[p.ExecutionID] -= take

		amount, rest := p.Reduce(take)
		batch := journal.Batch{}
		if rest.Quantity == 0 {
			batch.DeletePositions = []string{p.ID()}
		} else {
			batch.PutPositions = []trade.Position{rest}
		}

		rec, err := r.store.GetRecord(ctx, p.ExecutionID)
		if err == nil {
			rec.Discrepant = true
			rec.Reason = fmt.Sprintf("reconciliation: %d %s not held at broker", take, p.Instrument)
			rec.UpdatedAt = r.now().UTC()
			if open[p.ExecutionID] <= 0 {
				rec.State = trade.StateClosed
				rep.Closed = append(rep.Closed, rec.ID)
			}
			batch.Records = []trade.Record{rec}
		} else {
			r.log.Warn("position without record", zap.String("position", p.ID()), zap.Error(err))
			rec = trade.Record{ID: p.ExecutionID, Bucket: p.Bucket}
		}

		_, serr := r.ledger.Settle(ctx, p.Bucket, amount, func(m capital.Mutation) error {
			b := journal.FromMutation(m)
			b.Merge(batch)
			return r.store.Apply(ctx, b)
		})
		if serr != nil {
			r.log.Error("settle ghost position", zap.String("position", p.ID()), zap.Error(serr))
			if aerr := r.store.Apply(ctx, batch); aerr != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", p.ID(), aerr))
			}
		}

		r.log.Warn("local position not held at broker",
			zap.String("position", p.ID()),
			zap.Int64("quantity", take),
			zap.String("settled", amount.String()))
		r.raise(alert.Critical, "local position not held at broker", p.Instrument, rec)
	}
	return errs
}

func (r *Reconciler) raise(sev alert.Severity, msg, inst string, rec trade.Record) {
	r.alerts.Raise(alert.New(sev, alert.ReconciliationMismatch, msg,
		"instrument", inst,
		"execution_id", rec.ID,
		"bucket", rec.Bucket))
}

func onSide(rows []trade.Position, side trade.Side) []trade.Position {
	var out []trade.Position
	for _, p := range rows {
		if p.Side == side {
			out = append(out, p)
		}
	}
	return out
}

func totalQty(rows []trade.Position) int64 {
	var n int64
	for _, p := range rows {
		n += p.Quantity
	}
	return n
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
