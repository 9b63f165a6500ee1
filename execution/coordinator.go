// Package execution turns admitted trade intents into broker orders with
// all-or-nothing semantics across legs.
//
// Every state change is persisted in the same journal transaction as the
// ledger mutation it belongs to, so a crash leaves either the old or the new
// state on disk and reconciliation can pick up from there.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/trade"
	"go.uber.org/zap"
)

// FeedGate admits risk-increasing trades only while the feed is healthy.
type FeedGate interface {
	MayTrade() bool
}

// ConfidenceGate rejects instruments whose greeks cannot be trusted.
type ConfidenceGate interface {
	Check(instruments ...string) error
}

type Config struct {
	GatewayTimeout         time.Duration
	CompensationAttempts   int
	CompensationBackoff    time.Duration
	CompensationMaxBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		GatewayTimeout:         10 * time.Second,
		CompensationAttempts:   5,
		CompensationBackoff:    250 * time.Millisecond,
		CompensationMaxBackoff: 5 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = def.GatewayTimeout
	}
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = def.CompensationAttempts
	}
	if cfg.CompensationBackoff <= 0 {
		cfg.CompensationBackoff = def.CompensationBackoff
	}
	if cfg.CompensationMaxBackoff < cfg.CompensationBackoff {
		cfg.CompensationMaxBackoff = def.CompensationMaxBackoff
	}
	return cfg
}

// CompensationBudget is the longest one leg's compensating close can take:
// every attempt timing out plus the backoff between attempts.
func (cfg Config) CompensationBudget() time.Duration {
	cfg = cfg.withDefaults()
	total := time.Duration(cfg.CompensationAttempts) * cfg.GatewayTimeout
	backoff := cfg.CompensationBackoff
	for i := 1; i < cfg.CompensationAttempts; i++ {
		total += backoff
		backoff = min(backoff*2, cfg.CompensationMaxBackoff)
	}
	return total
}

// ExecutionBudget is the longest an open can hold an unpinned reservation:
// the batch submit plus one leg's compensation.
func (cfg Config) ExecutionBudget() time.Duration {
	return cfg.withDefaults().GatewayTimeout + cfg.CompensationBudget()
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithAlerter(a alert.Alerter) Option {
	return func(c *Coordinator) { c.alerts = a }
}

type Coordinator struct {
	cfg    Config
	ledger *capital.Ledger
	gw     broker.Gateway
	store  journal.Store
	feed   FeedGate
	conf   ConfidenceGate
	alerts alert.Alerter
	log    *zap.Logger
	now    func() time.Time

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(cfg Config, ledger *capital.Ledger, gw broker.Gateway, store journal.Store,
	feed FeedGate, conf ConfidenceGate, log *zap.Logger, opts ...Option) *Coordinator {

	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	c := &Coordinator{
		cfg:      cfg,
		ledger:   ledger,
		gw:       gw,
		store:    store,
		feed:     feed,
		conf:     conf,
		alerts:   alert.Nop{},
		log:      log,
		now:      time.Now,
		ready:    make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open admits intents. Only the first call has an effect.
func (c *Coordinator) Open() {
	c.readyOnce.Do(func() {
		close(c.ready)
		c.log.Info("execution open")
	})
}

// Ready is closed once Open has been called.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

func (c *Coordinator) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *Coordinator) track(recID string) {
	c.mu.Lock()
	c.inflight[recID] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(recID string) {
	c.mu.Lock()
	delete(c.inflight, recID)
	c.mu.Unlock()
}

// InFlight reports whether recID is being worked on right now.
func (c *Coordinator) InFlight(recID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[recID]
	return ok
}

// Execute runs one intent to a recorded outcome. A repeated idempotency
// key returns the stored record without touching the ledger or broker.
//
// Errors before the reservation leave no trace. After the reservation the
// returned record is always meaningful, even when err is non-nil.
func (c *Coordinator) Execute(ctx context.Context, in trade.Intent) (trade.Record, error) {
	if err := in.Validate(); err != nil {
		metricAdmission.WithLabelValues("invalid").Inc()
		return trade.Record{}, err
	}
	if !c.isReady() {
		metricAdmission.WithLabelValues("not_ready").Inc()
		return trade.Record{}, ErrNotReady
	}

	existing, err := c.store.FindByKey(ctx, in.IdempotencyKey)
	if err == nil {
		c.log.Info("duplicate intent", zap.String("key", in.IdempotencyKey), zap.String("execution_id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, journal.ErrNotFound) {
		return trade.Record{}, fmt.Errorf("lookup %q: %w", in.IdempotencyKey, err)
	}

	if in.IsClose() {
		return c.executeClose(ctx, in)
	}

	if c.feed != nil && !c.feed.MayTrade() {
		metricAdmission.WithLabelValues("feed").Inc()
		return trade.Record{}, ErrFeedBlocked
	}
	if c.conf != nil {
		if err := c.conf.Check(in.Instruments()...); err != nil {
			metricAdmission.WithLabelValues("confidence").Inc()
			return trade.Record{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return trade.Record{}, err
	}

	rec := trade.NewRecord(id.New(), in, c.now().UTC())
	amount := in.Notional()
	res, err := c.ledger.Reserve(ctx, in.Bucket, amount, rec.ID, func(m capital.Mutation) error {
		rec.State = trade.StateReserved
		rec.Reservation = m.Reservation.Token.ID
		rec.Reserved = amount
		b := journal.FromMutation(m)
		b.Records = []trade.Record{rec.Clone()}
		return c.store.Apply(ctx, b)
	})
	if err != nil {
		if errors.Is(err, journal.ErrDuplicateKey) {
			// lost a race with an identical intent
			return c.store.FindByKey(context.WithoutCancel(ctx), in.IdempotencyKey)
		}
		metricAdmission.WithLabelValues(admissionReason(err)).Inc()
		return trade.Record{}, err
	}

	// past this point the intent runs to completion
	ctx = context.WithoutCancel(ctx)
	c.track(rec.ID)
	defer c.untrack(rec.ID)

	c.log.Info("reserved",
		zap.String("execution_id", rec.ID),
		zap.String("bucket", rec.Bucket),
		zap.String("amount", amount.String()),
		zap.String("token", res.Token.String()))

	out, err := c.submit(ctx, rec, res.Token)
	metricExecutions.WithLabelValues(string(out.Kind), string(out.State)).Inc()
	return out, err
}

func admissionReason(err error) string {
	switch {
	case errors.Is(err, capital.ErrInsufficientCapital):
		return "capital"
	case errors.Is(err, capital.ErrBucketHalted):
		return "halted"
	case errors.Is(err, capital.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, capital.ErrUnknownBucket):
		return "unknown_bucket"
	default:
		return "other"
	}
}

func (c *Coordinator) submit(ctx context.Context, rec trade.Record, tok capital.Token) (trade.Record, error) {
	rec.State = trade.StateSubmitted
	rec.UpdatedAt = c.now().UTC()
	if err := c.persist(ctx, journal.Batch{Records: []trade.Record{rec}}); err != nil {
		// nothing reached the broker yet
		rec.Reason = "persist submitted: " + err.Error()
		rec.State = trade.StateRejected
		if _, rerr := c.ledger.Release(ctx, tok, c.recordHook(ctx, &rec, journal.Batch{})); rerr != nil {
			c.log.Error("release after persist failure", zap.String("execution_id", rec.ID), zap.Error(rerr))
		}
		return rec, fmt.Errorf("persist submitted %s: %w", rec.ID, err)
	}

	orders := broker.OrdersFor(intentOf(rec))
	sctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	start := time.Now()
	res, err := c.gw.SubmitBatch(sctx, orders)
	metricSubmitLatency.Observe(time.Since(start).Seconds())
	cancel()

	if err != nil {
		return c.ambiguous(ctx, rec, tok, err)
	}

	switch res.Status {
	case broker.StatusFilled:
		return c.filled(ctx, rec, tok, res.Fills)
	case broker.StatusRejected:
		return c.rejected(ctx, rec, tok, res.Reason)
	case broker.StatusPartial:
		return c.partial(ctx, rec, tok, res.Fills, res.Reason)
	default:
		return c.ambiguous(ctx, rec, tok, fmt.Errorf("unexpected batch status %q", res.Status))
	}
}

// recordHook persists rec together with the ledger mutation and extra rows.
func (c *Coordinator) recordHook(ctx context.Context, rec *trade.Record, extra journal.Batch) capital.Hook {
	return func(m capital.Mutation) error {
		rec.UpdatedAt = c.now().UTC()
		b := journal.FromMutation(m)
		b.Merge(extra)
		b.Records = append(b.Records, rec.Clone())
		return c.store.Apply(ctx, b)
	}
}

func (c *Coordinator) persist(ctx context.Context, b journal.Batch) error {
	for i := range b.Records {
		b.Records[i].UpdatedAt = c.now().UTC()
	}
	if err := c.store.Apply(ctx, b); err != nil {
		c.log.Error("journal write failed", zap.Error(err))
		return err
	}
	return nil
}

func intentOf(rec trade.Record) trade.Intent {
	return trade.Intent{
		IdempotencyKey: rec.IdempotencyKey,
		Bucket:         rec.Bucket,
		Kind:           rec.Kind,
		Legs:           rec.Legs,
	}
}

func haltReason(recID string) string {
	return "compensation incomplete for " + recID
}
