package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rustyeddy/tradeguard/capital"
	"github.com/rustyeddy/tradeguard/trade"
)

func (j *SQLite) LoadBuckets(ctx context.Context) ([]capital.Bucket, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT name, total, reserved, committed, halted, halt_reason, updated_at
		FROM buckets
		ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capital.Bucket
	for rows.Next() {
		var b capital.Bucket
		if err := rows.Scan(
			&b.Name,
			&b.Total,
			&b.Reserved,
			&b.Committed,
			&b.Halted,
			&b.HaltReason,
			&b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *SQLite) LoadReservations(ctx context.Context) ([]capital.Reservation, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT bucket, id, amount, owner, created_at, pinned
		FROM reservations
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capital.Reservation
	for rows.Next() {
		var r capital.Reservation
		if err := rows.Scan(
			&r.Token.Bucket,
			&r.Token.ID,
			&r.Amount,
			&r.Owner,
			&r.CreatedAt,
			&r.Pinned,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *SQLite) LoadRecords(ctx context.Context) ([]trade.Record, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT body FROM records ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec trade.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *SQLite) FindByKey(ctx context.Context, key string) (trade.Record, error) {
	row := j.db.QueryRowContext(ctx, `SELECT body FROM records WHERE idempotency_key = ?`, key)
	return scanRecord(row, "key "+key)
}

func (j *SQLite) GetRecord(ctx context.Context, id string) (trade.Record, error) {
	row := j.db.QueryRowContext(ctx, `SELECT body FROM records WHERE id = ?`, id)
	return scanRecord(row, id)
}

func scanRecord(row *sql.Row, what string) (trade.Record, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trade.Record{}, fmt.Errorf("record %s: %w", what, ErrNotFound)
		}
		return trade.Record{}, err
	}
	var rec trade.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return trade.Record{}, fmt.Errorf("decode record %s: %w", what, err)
	}
	return rec, nil
}

func (j *SQLite) LoadPositions(ctx context.Context) ([]trade.Position, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT execution_id, bucket, instrument, side, quantity, avg_price, funded
		FROM positions
		ORDER BY instrument ASC, execution_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Position
	for rows.Next() {
		var (
			p    trade.Position
			side string
		)
		if err := rows.Scan(
			&p.ExecutionID,
			&p.Bucket,
			&p.Instrument,
			&side,
			&p.Quantity,
			&p.AvgPrice,
			&p.Funded,
		); err != nil {
			return nil, err
		}
		p.Side = trade.Side(side)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
