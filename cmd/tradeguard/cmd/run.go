package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/confidence"
	"github.com/rustyeddy/tradeguard/engine"
	"github.com/rustyeddy/tradeguard/internal/logging"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine against the paper broker",
	Long: `Start the engine: restore the ledger from the journal, reconcile with the
broker, then accept intents until interrupted.

The broker is the in-process paper gateway. Its positions live in memory, so
a journal that outlives the process is reconciled against an empty broker
on the next run.

Intents are read from a JSON array of trade intents. Intents without an
idempotency key get a generated one.

Example:
  tradeguard run -f tradeguard.yaml --ticks :8091 \
    --model SPX-C-5100=0.30 --model SPX-C-5150=0.22 --intents intents.json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runIntents  string
	runTicks    string
	runModels   map[string]string
	runFlatten  bool
	runInterval time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runIntents, "intents", "", "JSON file of trade intents to submit after start")
	runCmd.Flags().StringVar(&runTicks, "ticks", "", "serve paper greeks over websocket on this address")
	runCmd.Flags().StringToStringVar(&runModels, "model", nil, "model greek per instrument (INSTRUMENT=VALUE)")
	runCmd.Flags().BoolVar(&runFlatten, "flatten-on-exit", false, "close every open position before exiting")
	runCmd.Flags().DurationVar(&runInterval, "tick-interval", time.Second, "paper tick interval")
}

func parseModels(in map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(in))
	for inst, v := range in {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", inst, err)
		}
		out[inst] = f
	}
	return out, nil
}

func readIntents(path string) ([]trade.Intent, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ins []trade.Intent
	if err := json.Unmarshal(buf, &ins); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range ins {
		if ins[i].IdempotencyKey == "" {
			ins[i].IdempotencyKey = "cli-" + uuid.NewString()
		}
	}
	return ins, nil
}

func serve(log *zap.Logger, name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("listening", zap.String("server", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.String("server", name), zap.Error(err))
		}
	}()
	return srv
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	models, err := parseModels(runModels)
	if err != nil {
		return err
	}
	var intents []trade.Intent
	if runIntents != "" {
		if intents, err = readIntents(runIntents); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := paper.New(log.Named("paper"))
	for inst, v := range models {
		gw.SetGreek(inst, v)
	}

	var servers []*http.Server
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
	}()

	if runTicks != "" {
		mux := http.NewServeMux()
		mux.Handle("/ticks", paper.NewTickServer(gw, runInterval, log.Named("ticks")))
		servers = append(servers, serve(log, "ticks", runTicks, mux))
		if cfg.Feed.URL == "" {
			host := runTicks
			if strings.HasPrefix(host, ":") {
				host = "localhost" + host
			}
			cfg.Feed.URL = "ws://" + host + "/ticks"
		}
	}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, serve(log, "metrics", cfg.Metrics.Addr, mux))
	}

	store, err := engine.OpenStore(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	e, err := engine.New(cfg, engine.Deps{
		Gateway: gw,
		Models:  confidence.NewStaticModel(models),
		Store:   store,
		Logger:  log,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer e.Close()

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	fmt.Println("✓ Engine ready")
	printBuckets(os.Stdout, e.LedgerSnapshot())

	if len(intents) > 0 {
		// give the stream a chance to deliver broker greeks
		if cfg.Feed.URL != "" {
			time.Sleep(runInterval + 100*time.Millisecond)
		}
		var recs []trade.Record
		for _, in := range intents {
			rec, err := e.SubmitTradeIntent(ctx, in)
			if err != nil {
				fmt.Printf("✗ %s: %v\n", in.IdempotencyKey, err)
			}
			if rec.ID != "" {
				recs = append(recs, rec)
			}
		}
		fmt.Println()
		printRecords(os.Stdout, recs)
		fmt.Println()
		printBuckets(os.Stdout, e.LedgerSnapshot())
	}

	<-ctx.Done()
	fmt.Println("\nShutting down")

	if runFlatten {
		fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		recs, err := e.ForceFlattenAll(fctx)
		printRecords(os.Stdout, recs)
		if err != nil {
			return fmt.Errorf("flatten: %w", err)
		}
	}
	return nil
}
