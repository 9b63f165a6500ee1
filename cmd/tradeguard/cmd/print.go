package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/trade"
)

func printBuckets(w io.Writer, buckets []capital.Bucket) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tTOTAL\tRESERVED\tCOMMITTED\tAVAILABLE\tHALTED")
	for _, b := range buckets {
		halted := ""
		if b.Halted {
			halted = "yes: " + b.HaltReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", b.Name,
			b.Total.StringFixed(2), b.Reserved.StringFixed(2), b.Committed.StringFixed(2),
			b.Available().StringFixed(2), halted)
	}
	tw.Flush()
}

func printRecords(w io.Writer, recs []trade.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tBUCKET\tKIND\tSTATE\tCOMMITTED\tFILLS\tFLAGS\tREASON")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n", r.ID, r.IdempotencyKey,
			r.Bucket, r.Kind, r.State, r.Committed.StringFixed(2), len(r.Fills), len(r.Legs),
			flags(r), r.Reason)
	}
	tw.Flush()
}

func printPositions(w io.Writer, ps []trade.Position) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tINSTRUMENT\tSIDE\tQTY\tAVG\tBUCKET")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", p.ExecutionID, p.Instrument, p.Side,
			p.Quantity, p.AvgPrice.String(), p.Bucket)
	}
	tw.Flush()
}

func flags(r trade.Record) string {
	var out []string
	if r.Adopted() {
		out = append(out, "adopted")
	}
	if r.Discrepant {
		out = append(out, "discrepant")
	}
	if r.CompensationIncomplete {
		out = append(out, "unflattened")
	}
	return strings.Join(out, ",")
}
