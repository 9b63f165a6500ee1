package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rustyeddy/tradeguard/engine"
	"github.com/rustyeddy/tradeguard/journal"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/spf13/cobra"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Query execution records and positions in the journal",
	Long: `List execution records from the journal.

Subcommands:
  show <id>  - Print one record as JSON
  positions  - List locally held positions

Examples:
  tradeguard records -f tradeguard.yaml
  tradeguard records --state FILLED --csv > filled.csv
  tradeguard records -o records-2026-10.csv.xz
  tradeguard records show 01J9Z8Q4M6X3C2V1B0N9M8K7J6
  tradeguard records positions --csv`,
	Args: cobra.NoArgs,
	RunE: runRecords,
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one execution record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsShow,
}

var recordsPositionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List locally held positions",
	Args:  cobra.NoArgs,
	RunE:  runRecordsPositions,
}

var (
	recordsCSV   bool
	recordsOut   string
	recordsState string
)

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsPositionsCmd)

	recordsCmd.PersistentFlags().BoolVar(&recordsCSV, "csv", false, "write CSV to stdout")
	recordsCmd.PersistentFlags().StringVarP(&recordsOut, "out", "o", "", "write CSV to a file, xz-compressed when it ends in .xz")
	recordsCmd.Flags().StringVar(&recordsState, "state", "", "only records in this state")
}

func openJournal() (journal.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := engine.OpenStore(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}

func exportCSV(path string, write func(io.Writer) error) error {
	w, err := journal.CreateExport(path)
	if err != nil {
		return err
	}
	if err := write(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	fmt.Printf("✓ Wrote %s\n", path)
	return nil
}

func runRecords(cmd *cobra.Command, args []string) error {
	store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.LoadRecords(context.Background())
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	if recordsState != "" {
		kept := recs[:0]
		for _, r := range recs {
			if string(r.State) == recordsState {
				kept = append(kept, r)
			}
		}
		recs = kept
	}

	if recordsOut != "" {
		return exportCSV(recordsOut, func(w io.Writer) error { return journal.WriteRecordsCSV(w, recs) })
	}
	if recordsCSV {
		return journal.WriteRecordsCSV(os.Stdout, recs)
	}
	printRecords(os.Stdout, recs)
	return nil
}

func runRecordsShow(cmd *cobra.Command, args []string) error {
	store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetRecord(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("get record: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runRecordsPositions(cmd *cobra.Command, args []string) error {
	store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	ps, err := store.LoadPositions(context.Background())
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	trade.SortPositions(ps)
	if recordsOut != "" {
		return exportCSV(recordsOut, func(w io.Writer) error { return journal.WritePositionsCSV(w, ps) })
	}
	if recordsCSV {
		return journal.WritePositionsCSV(os.Stdout, ps)
	}
	printPositions(os.Stdout, ps)
	return nil
}
