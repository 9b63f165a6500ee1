package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serialises them anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) Apply(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, bk := range b.Buckets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO buckets (name, total, reserved, committed, halted, halt_reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				total = excluded.total,
				reserved = excluded.reserved,
				committed = excluded.committed,
				halted = excluded.halted,
				halt_reason = excluded.halt_reason,
				updated_at = excluded.updated_at`,
			bk.Name, bk.Total.String(), bk.Reserved.String(), bk.Committed.String(),
			bk.Halted, bk.HaltReason, bk.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("bucket %s: %w", bk.Name, err)
		}
	}

	for _, tok := range b.DeleteReservations {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE bucket = ? AND id = ?`, tok.Bucket, tok.ID); err != nil {
			return fmt.Errorf("delete reservation %s: %w", tok, err)
		}
	}

	for _, r := range b.PutReservations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (bucket, id, amount, owner, created_at, pinned)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(bucket, id) DO UPDATE SET
				amount = excluded.amount,
				owner = excluded.owner,
				pinned = excluded.pinned`,
			r.Token.Bucket, r.Token.ID, r.Amount.String(), r.Owner, r.CreatedAt.UTC(), r.Pinned,
		); err != nil {
			return fmt.Errorf("reservation %s: %w", r.Token, err)
		}
	}

	for _, rec := range b.Records {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (id, idempotency_key, bucket, kind, state, origin, discrepant, created_at, updated_at, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				origin = excluded.origin,
				discrepant = excluded.discrepant,
				updated_at = excluded.updated_at,
				body = excluded.body`,
			rec.ID, rec.IdempotencyKey, rec.Bucket, string(rec.Kind), string(rec.State),
			rec.Origin, rec.Discrepant, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), string(body),
		)
		if err != nil {
			var se sqlite3.Error
			if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("record %s key %q: %w", rec.ID, rec.IdempotencyKey, ErrDuplicateKey)
			}
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
	}

	for _, id := range b.DeletePositions {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete position %s: %w", id, err)
		}
	}

	for _, p := range b.PutPositions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (id, execution_id, bucket, instrument, side, quantity, avg_price, funded)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				bucket = excluded.bucket,
				side = excluded.side,
				quantity = excluded.quantity,
				avg_price = excluded.avg_price,
				funded = excluded.funded`,
			p.ID(), p.ExecutionID, p.Bucket, p.Instrument, string(p.Side), p.Quantity, p.AvgPrice.String(), p.Funded.String(),
		); err != nil {
			return fmt.Errorf("position %s: %w", p.ID(), err)
		}
	}

	return tx.Commit()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
