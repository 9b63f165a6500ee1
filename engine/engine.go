// Package engine wires the ledger, feed monitor, confidence gate,
// execution coordinator and reconciler into one process and exposes the
// operations the CLI and operators use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/tradeguard/alert"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/confidence"
	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/execution"
	"github.com/rustyeddy/tradeguard/feed"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/reconcile"
	"github.com/rustyeddy/tradeguard/trade"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("engine already started")

// Deps are the collaborators the engine does not build itself.
type Deps struct {
	Gateway broker.Gateway
	Models  confidence.ModelSource
	Store   journal.Store
	Logger  *zap.Logger
	// Alerter receives alerts in addition to the log and the in-memory ring.
	Alerter alert.Alerter
	Clock   func() time.Time
}

type Engine struct {
	cfg   *config.Config
	log   *zap.Logger
	store journal.Store
	gw    broker.Gateway

	ledger  *capital.Ledger
	monitor *feed.Monitor
	gate    *confidence.Gate
	coord   *execution.Coordinator
	recon   *reconcile.Reconciler
	stream  *feed.Stream
	alerts  *alert.Memory
	queue   *intentQueue

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// OpenStore opens the journal named by cfg.
func OpenStore(cfg config.JournalConfig) (journal.Store, error) {
	switch cfg.Type {
	case "memory":
		return journal.NewMemory(), nil
	case "sqlite", "":
		return journal.NewSQLite(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}

// New validates cfg and builds an engine from it. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if deps.Gateway == nil {
		return nil, errors.New("engine: gateway is required")
	}
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	buckets, err := cfg.LedgerBuckets()
	if err != nil {
		return nil, fmt.Errorf("engine: buckets: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		store:  deps.Store,
		gw:     deps.Gateway,
		alerts: alert.NewMemory(256),
		queue:  newIntentQueue(cfg.Execution.QueueSize),
	}
	sink := alert.Multi{alert.NewLog(log.Named("alert")), e.alerts, deps.Alerter}

	e.ledger, err = capital.NewLedger(capital.Config{
		LockWait:       config.MustDuration(cfg.Ledger.LockWait),
		ReservationTTL: config.MustDuration(cfg.Ledger.ReservationTTL),
	}, buckets, log.Named("ledger"),
		capital.WithClock(now),
		capital.WithAlerter(sink),
		capital.WithHook(func(m capital.Mutation) error {
			return e.store.Apply(context.Background(), journal.FromMutation(m))
		}))
	if err != nil {
		return nil, fmt.Errorf("engine: ledger: %w", err)
	}

	e.monitor = feed.NewMonitor(feed.Config{
		FailureThreshold: cfg.Feed.FailureThreshold,
		Window:           config.MustDuration(cfg.Feed.Window),
		CoolDown:         config.MustDuration(cfg.Feed.CoolDown),
	}, log.Named("feed"), feed.WithClock(now))

	e.gate = confidence.NewGate(confidence.Config{
		ReferenceScale:  cfg.Confidence.ReferenceScale,
		Threshold:       cfg.Confidence.Threshold,
		RefreshInterval: config.MustDuration(cfg.Confidence.RefreshInterval),
		MaxSampleAge:    config.MustDuration(cfg.Confidence.MaxSampleAge),
	}, deps.Models, log.Named("confidence"), confidence.WithClock(now))

	e.coord = execution.New(cfg.ExecutionConfig(), e.ledger, e.gw, e.store,
		e.monitor, e.gate, log.Named("execution"),
		execution.WithClock(now), execution.WithAlerter(sink))

	e.recon = reconcile.New(e.ledger, e.gw, e.store, e.coord, cfg.Ledger.AdoptedBucket,
		log.Named("reconcile"), reconcile.WithClock(now), reconcile.WithAlerter(sink))

	if cfg.Feed.URL != "" {
		e.stream = feed.NewStream(feed.StreamConfig{
			URL:        cfg.Feed.URL,
			StaleAfter: config.MustDuration(cfg.Feed.StaleAfter),
		}, e.monitor, e.ObserveTick, log.Named("stream"))
	}
	return e, nil
}

// Start restores the ledger, reconciles with the broker and starts the
// background loops, which run until Stop. Intents are refused until
// reconciliation succeeds.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	buckets, err := e.store.LoadBuckets(ctx)
	if err != nil {
		return fmt.Errorf("load buckets: %w", err)
	}
	reservations, err := e.store.LoadReservations(ctx)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	if err := e.ledger.Restore(buckets, reservations); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	if err := e.startupReconcile(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.started = true

	e.spawn(func() { e.queue.run(runCtx, e.coord.Execute) })
	e.spawn(func() { e.ledger.RunSweeper(runCtx, config.MustDuration(e.cfg.Ledger.SweepInterval)) })
	e.spawn(func() { e.gate.Run(runCtx) })
	e.spawn(func() { e.watchFeed(runCtx) })
	if e.stream != nil {
		e.spawn(func() {
			if err := e.stream.Run(runCtx); err != nil {
				e.log.Error("feed stream stopped", zap.Error(err))
			}
		})
	}
	if every := config.MustDuration(e.cfg.Reconcile.Interval); every > 0 {
		e.spawn(func() { e.reconcileEvery(runCtx, every) })
	}

	e.log.Info("engine started",
		zap.Int("buckets", len(e.ledger.Snapshot())),
		zap.Bool("stream", e.stream != nil))
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) startupReconcile(ctx context.Context) error {
	attempts := e.cfg.Reconcile.StartupAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := config.MustDuration(e.cfg.Reconcile.RetryDelay)

	var err error
	for i := 1; i <= attempts; i++ {
		var rep reconcile.Report
		rep, err = e.recon.Run(ctx)
		if err == nil {
			e.log.Info("startup reconciliation done",
				zap.Int("attempt", i),
				zap.Int("adopted", len(rep.Adopted)),
				zap.Int("closed", len(rep.Closed)),
				zap.Int("unresolved", len(rep.Unresolved)))
			return nil
		}
		e.log.Warn("startup reconciliation failed", zap.Int("attempt", i), zap.Error(err))
		if i == attempts {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("startup reconciliation: %d attempts: %w", attempts, err)
}

func (e *Engine) watchFeed(ctx context.Context) {
	ch := e.monitor.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-ch:
			if tr.To == feed.Open {
				e.log.Warn("risk-increasing intents blocked", zap.String("reason", tr.Reason))
			} else if tr.To == feed.Closed {
				e.log.Info("risk-increasing intents allowed again")
			}
		}
	}
}

func (e *Engine) reconcileEvery(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.recon.Run(ctx); err != nil {
				e.log.Warn("periodic reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Stop halts the background loops. Intents still queued get ErrStopped;
// one being executed runs to completion first.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.Info("engine stopped")
}

// Close stops the engine and closes the journal.
func (e *Engine) Close() error {
	e.Stop()
	return e.store.Close()
}

// SubmitTradeIntent queues in for the execution flow and waits for its
// outcome. ctx is honoured while queued and up to the reservation.
func (e *Engine) SubmitTradeIntent(ctx context.Context, in trade.Intent) (trade.Record, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return trade.Record{}, execution.ErrNotReady
	}
	return e.queue.submit(ctx, in)
}

// ForceFlattenAll submits one close per open local position. Closes pass
// no gates and reserve nothing.
func (e *Engine) ForceFlattenAll(ctx context.Context) ([]trade.Record, error) {
	positions, err := e.store.LoadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	var (
		out  []trade.Record
		errs []error
	)
	for _, p := range positions {
		in := trade.Intent{
			IdempotencyKey: "flatten-" + uuid.NewString(),
			Bucket:         p.Bucket,
			Kind:           trade.KindClose,
			Legs: []trade.Leg{{
				Instrument: p.Instrument,
				Side:       p.Side.Opposite(),
				Quantity:   p.Quantity,
				Price:      p.AvgPrice,
			}},
		}
		rec, err := e.SubmitTradeIntent(ctx, in)
		if err != nil {
			errs = append(errs, fmt.Errorf("flatten %s: %w", p.ID(), err))
		}
		if rec.ID != "" {
			out = append(out, rec)
		}
	}
	e.log.Warn("force flatten", zap.Int("positions", len(positions)), zap.Int("failed", len(errs)))
	return out, errors.Join(errs...)
}

// ObserveTick feeds a broker greek into the confidence gate. It runs on the
// stream goroutine and never calls the model; a new instrument is tracked
// and the gate fetches its modeled value in the background.
func (e *Engine) ObserveTick(t feed.Tick) {
	e.gate.Track(t.Instrument)
	e.gate.UpdateBroker(t.Instrument, t.Greek, t.Time)
}

// RefreshConfidence pulls modeled greeks for every tracked instrument now.
func (e *Engine) RefreshConfidence(ctx context.Context) {
	e.gate.Refresh(ctx)
}

func (e *Engine) LedgerSnapshot() []capital.Bucket {
	return e.ledger.Snapshot()
}

func (e *Engine) CircuitState() feed.Health {
	return e.monitor.State()
}

func (e *Engine) Confidence() []confidence.Sample {
	return e.gate.Samples()
}

// Reconcile runs a manual reconciliation pass.
func (e *Engine) Reconcile(ctx context.Context) (reconcile.Report, error) {
	return e.recon.Run(ctx)
}

// ConfirmFlat accepts the operator's word that an incomplete rollback left
// nothing open at the broker.
func (e *Engine) ConfirmFlat(ctx context.Context, executionID string) (trade.Record, error) {
	return e.coord.ConfirmFlat(ctx, executionID)
}

func (e *Engine) ResumeBucket(name string) error {
	return e.ledger.Resume(name)
}

func (e *Engine) Alerts() []alert.Alert {
	return e.alerts.List()
}

func (e *Engine) Records(ctx context.Context) ([]trade.Record, error) {
	return e.store.LoadRecords(ctx)
}

func (e *Engine) Positions(ctx context.Context) ([]trade.Position, error) {
	return e.store.LoadPositions(ctx)
}

// Ready is closed once startup reconciliation has succeeded.
func (e *Engine) Ready() <-chan struct{} {
	return e.coord.Ready()
}
