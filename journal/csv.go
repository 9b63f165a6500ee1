package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rustyeddy/tradeguard/trade"
)

var recordHeader = []string{
	"id", "idempotency_key", "bucket", "kind", "state", "legs",
	"reserved", "committed", "origin", "discrepant", "compensation_incomplete",
	"reason", "created_at", "updated_at",
}

// WriteRecordsCSV writes one row per execution record.
func WriteRecordsCSV(w io.Writer, recs []trade.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(recordHeader); err != nil {
		return err
	}

	for _, r := range recs {
		if err := cw.Write([]string{
			r.ID,
			r.IdempotencyKey,
			r.Bucket,
			string(r.Kind),
			string(r.State),
			strconv.Itoa(len(r.Legs)),
			r.Reserved.String(),
			r.Committed.String(),
			r.Origin,
			strconv.FormatBool(r.Discrepant),
			strconv.FormatBool(r.CompensationIncomplete),
			r.Reason,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

var positionHeader = []string{"execution_id", "bucket", "instrument", "side", "quantity", "avg_price", "funded"}

func WritePositionsCSV(w io.Writer, ps []trade.Position) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(positionHeader); err != nil {
		return err
	}
	for _, p := range ps {
		if err := cw.Write([]string{
			p.ExecutionID,
			p.Bucket,
			p.Instrument,
			string(p.Side),
			strconv.FormatInt(p.Quantity, 10),
			p.AvgPrice.String(),
			p.Funded.String(),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
