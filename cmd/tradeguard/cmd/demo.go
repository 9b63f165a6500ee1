package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/confidence"
	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/engine"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run scripted scenarios against the paper broker",
	Long: `Run scripted scenarios that show how the engine keeps capital and
positions consistent when the broker misbehaves.

Available demos:
  fill     - An iron condor that fills completely
  partial  - One leg rejected, filled legs closed again
  halt     - Compensation fails, the bucket halts until an operator confirms flat
  timeout  - The broker fills but the response never arrives
  adopt    - The broker holds a position the journal has never seen

Examples:
  tradeguard demo partial
  tradeguard demo halt`,
}

type demoScenario struct {
	use, short string
	run        func(ctx context.Context, gw *paper.Gateway, e *engine.Engine) error
}

var demoScenarios = []demoScenario{
	{"fill", "An iron condor that fills completely", demoFill},
	{"partial", "One leg rejected, filled legs closed again", demoPartial},
	{"halt", "Compensation fails and the bucket halts", demoHalt},
	{"timeout", "The broker fills but the response is lost", demoTimeout},
	{"adopt", "An unknown broker position is adopted at startup", demoAdopt},
}

var demoVerbose bool

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.PersistentFlags().BoolVarP(&demoVerbose, "verbose", "v", false, "log engine activity")

	for _, sc := range demoScenarios {
		demoCmd.AddCommand(&cobra.Command{
			Use:   sc.use,
			Short: sc.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDemo(sc)
			},
		})
	}
}

var demoModels = map[string]float64{
	"SPX-P-4800": -0.08,
	"SPX-P-4850": -0.15,
	"SPX-C-5150": 0.16,
	"SPX-C-5200": 0.09,
}

func condor(key string) trade.Intent {
	leg := func(inst string, side trade.Side, price string) trade.Leg {
		return trade.Leg{Instrument: inst, Side: side, Quantity: 2, Price: decimal.RequireFromString(price)}
	}
	return trade.Intent{
		IdempotencyKey: key,
		Bucket:         "weekly",
		Legs: []trade.Leg{
			leg("SPX-P-4800", trade.Buy, "4.10"),
			leg("SPX-P-4850", trade.Sell, "7.30"),
			leg("SPX-C-5150", trade.Sell, "8.20"),
			leg("SPX-C-5200", trade.Buy, "4.60"),
		},
	}
}

func demoConfig() *config.Config {
	cfg := config.Default()
	cfg.Account.ID = "paper"
	cfg.Account.Size = 25000
	cfg.Journal = config.JournalConfig{Type: "memory"}
	cfg.Feed.URL = ""
	cfg.Execution.GatewayTimeout = "500ms"
	cfg.Execution.CompensationAttempts = 3
	cfg.Execution.CompensationBackoff = "50ms"
	cfg.Reconcile.Interval = ""
	return cfg
}

func runDemo(sc demoScenario) error {
	log := zap.NewNop()
	if demoVerbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	gw := paper.New(log.Named("paper"))
	for inst, v := range demoModels {
		gw.SetGreek(inst, v)
	}
	e, err := engine.New(demoConfig(), engine.Deps{
		Gateway: gw,
		Models:  confidence.NewStaticModel(demoModels),
		Store:   journal.NewMemory(),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Printf("=== %s ===\n\n", sc.short)
	return sc.run(context.Background(), gw, e)
}

// startWarm starts the engine, feeds it one round of broker greeks and
// pulls the matching model values.
func startWarm(ctx context.Context, gw *paper.Gateway, e *engine.Engine) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	for _, t := range gw.Ticks() {
		e.ObserveTick(t)
	}
	e.RefreshConfidence(ctx)
	return nil
}

func submit(ctx context.Context, e *engine.Engine, in trade.Intent) trade.Record {
	fmt.Printf("Submitting %s (%d legs, notional %s)\n", in.IdempotencyKey, len(in.Legs), in.Notional().StringFixed(2))
	rec, err := e.SubmitTradeIntent(ctx, in)
	if err != nil {
		fmt.Printf("  result: %v\n", err)
	}
	fmt.Printf("  state: %s\n", rec.State)
	for _, c := range rec.Compensations {
		fmt.Printf("  compensation leg %d: confirmed=%v attempts=%d %s\n", c.Leg, c.Confirmed, c.Attempts, c.Error)
	}
	fmt.Println()
	return rec
}

func report(ctx context.Context, e *engine.Engine) error {
	recs, err := e.Records(ctx)
	if err != nil {
		return err
	}
	printRecords(os.Stdout, recs)
	fmt.Println()
	printBuckets(os.Stdout, e.LedgerSnapshot())

	if alerts := e.Alerts(); len(alerts) > 0 {
		fmt.Println("\nAlerts:")
		for _, a := range alerts {
			fmt.Printf("  [%s] %s: %s\n", a.Severity, a.Kind, a.Message)
		}
	}
	return nil
}

func demoFill(ctx context.Context, gw *paper.Gateway, e *engine.Engine) error {
	if err := startWarm(ctx, gw, e); err != nil {
		return err
	}
	submit(ctx, e, condor("condor-1"))
	fmt.Println("Submitting the same key again returns the original record:")
	submit(ctx, e, condor("condor-1"))
	return report(ctx, e)
}

func demoPartial(ctx context.Context, gw *paper.Gateway, e *engine.Engine) error {
	if err := startWarm(ctx, gw, e); err != nil {
		return err
	}
	gw.Reject("SPX-C-5150", "no bid for short call")
	submit(ctx, e, condor("condor-1"))

	held, err := gw.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Broker positions after rollback: %d\n\n", len(held))
	return report(ctx, e)
}

func demoHalt(ctx context.Context, gw *paper.Gateway, e *engine.Engine) error {
	if err := startWarm(ctx, gw, e); err != nil {
		return err
	}
	gw.Reject("SPX-C-5150", "no bid for short call")
	gw.FailCompensations("SPX-P-4850", 100)
	rec := submit(ctx, e, condor("condor-1"))

	fmt.Println("Further intents on the bucket are refused:")
	submit(ctx, e, condor("condor-2"))
	if err := report(ctx, e); err != nil {
		return err
	}

	fmt.Println("\nOperator flattens SPX-P-4850 by hand and confirms:")
	gw.Seed(trade.Position{Instrument: "SPX-P-4850", Side: trade.Buy, Quantity: 2, AvgPrice: decimal.RequireFromString("7.30")})
	if _, err := e.ConfirmFlat(ctx, rec.ID); err != nil {
		return err
	}
	printBuckets(os.Stdout, e.LedgerSnapshot())
	return nil
}

func demoTimeout(ctx context.Context, gw *paper.Gateway, e *engine.Engine) error {
	if err := startWarm(ctx, gw, e); err != nil {
		return err
	}
	gw.SetHang(paper.HangAfterFill)
	start := time.Now()
	submit(ctx, e, condor("condor-1"))
	fmt.Printf("Resolved from broker positions after %s\n\n", time.Since(start).Round(time.Millisecond))
	return report(ctx, e)
}

func demoAdopt(ctx context.Context, gw *paper.Gateway, e *engine.Engine) error {
	gw.Seed(trade.Position{Instrument: "SPX-P-4700", Side: trade.Sell, Quantity: 3, AvgPrice: decimal.RequireFromString("2.45")})
	fmt.Println("Broker holds 3x SPX-P-4700 short that the journal has never seen")
	if err := startWarm(ctx, gw, e); err != nil {
		return err
	}
	if err := report(ctx, e); err != nil {
		return err
	}

	fmt.Println("\nA second reconciliation finds nothing to repair:")
	rep, err := e.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  clean=%v adopted=%d closed=%d\n", rep.Clean(), len(rep.Adopted), len(rep.Closed))
	return nil
}
