package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/engine"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show capital buckets and open reservations from the journal",
	Long: `Rebuild the capital ledger from the journal named by the config and
print each bucket and every reservation still held. The broker is not
contacted.

Example:
  tradeguard ledger -f tradeguard.yaml`,
	Args: cobra.NoArgs,
	RunE: runLedger,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
}

func runLedger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := engine.OpenStore(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	buckets, err := cfg.LedgerBuckets()
	if err != nil {
		return err
	}
	ledger, err := capital.NewLedger(capital.Config{
		LockWait:       config.MustDuration(cfg.Ledger.LockWait),
		ReservationTTL: config.MustDuration(cfg.Ledger.ReservationTTL),
	}, buckets, zap.NewNop())
	if err != nil {
		return err
	}

	saved, err := store.LoadBuckets(ctx)
	if err != nil {
		return fmt.Errorf("load buckets: %w", err)
	}
	res, err := store.LoadReservations(ctx)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	if err := ledger.Restore(saved, res); err != nil {
		return err
	}

	printBuckets(os.Stdout, ledger.Snapshot())
	if res := ledger.Reservations(); len(res) > 0 {
		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOKEN\tAMOUNT\tOWNER\tCREATED\tPINNED")
		for _, r := range res {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", r.Token, r.Amount.StringFixed(2), r.Owner,
				r.CreatedAt.Format("2006-01-02 15:04:05"), r.Pinned)
		}
		tw.Flush()
	}
	return nil
}
