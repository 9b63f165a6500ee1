package capital

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/tradeguard/alert"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Restore loads persisted state. Totals always come from configuration;
// reserved capital is rebuilt from the reservations themselves. A bucket
// whose restored state breaks Reserved+Committed <= Total is halted.
func (l *Ledger) Restore(buckets []Bucket, reservations []Reservation) error {
	byBucket := make(map[string][]Reservation)
	for _, r := range reservations {
		if _, ok := l.buckets[r.Token.Bucket]; !ok {
			l.log.Warn("restore: reservation for unknown bucket dropped",
				zap.String("token", r.Token.String()), zap.String("amount", r.Amount.String()))
			continue
		}
		byBucket[r.Token.Bucket] = append(byBucket[r.Token.Bucket], r)
	}

	persisted := make(map[string]Bucket, len(buckets))
	for _, b := range buckets {
		if _, ok := l.buckets[b.Name]; !ok {
			l.log.Warn("restore: persisted bucket not configured", zap.String("bucket", b.Name))
			continue
		}
		persisted[b.Name] = b
	}

	for _, name := range l.names() {
		st, unlock, err := l.lock(context.Background(), name)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}

		st.res = make(map[string]*Reservation)
		reserved := decimal.Zero
		for _, r := range byBucket[name] {
			r := r
			st.res[r.Token.ID] = &r
			reserved = reserved.Add(r.Amount)
		}

		st.b.Reserved = reserved
		st.b.Committed = decimal.Zero
		st.b.Halted = false
		st.b.HaltReason = ""
		if p, ok := persisted[name]; ok {
			if !p.Reserved.Equal(reserved) {
				l.log.Warn("restore: bucket reserved differs from its reservations",
					zap.String("bucket", name),
					zap.String("persisted", p.Reserved.String()),
					zap.String("rebuilt", reserved.String()))
			}
			st.b.Committed = p.Committed
			st.b.Halted = p.Halted
			st.b.HaltReason = p.HaltReason
		}

		if !st.b.fits(st.b.Reserved, st.b.Committed) {
			reason := fmt.Sprintf("restored reserved %s + committed %s exceed total %s",
				st.b.Reserved, st.b.Committed, st.b.Total)
			st.b.Halted = true
			st.b.HaltReason = reason
			l.log.Error("restore: ledger invariant violated", zap.String("bucket", name), zap.String("reason", reason))
			l.alerts.Raise(alert.New(alert.Critical, alert.LedgerInvariant, reason, "bucket", name))
		}
		st.touch(l.now())
		publish(st.b)
		unlock()
	}
	return nil
}

// Sweep releases unpinned reservations older than ReservationTTL and
// returns them. Each one is an anomaly: an execution lost track of it.
func (l *Ledger) Sweep(now time.Time) []Reservation {
	var released []Reservation
	for _, name := range l.names() {
		st, unlock, err := l.lock(context.Background(), name)
		if err != nil {
			l.log.Warn("sweep: skipping bucket", zap.String("bucket", name), zap.Error(err))
			continue
		}

		var expired []Token
		for _, r := range st.res {
			if !r.Pinned && now.Sub(r.CreatedAt) > l.cfg.ReservationTTL {
				expired = append(expired, r.Token)
			}
		}
		for _, tok := range expired {
			r := *st.res[tok.ID]
			if _, err := l.removeLocked(st, tok, OpExpire, l.hook); err != nil {
				l.log.Error("sweep: release failed", zap.String("token", tok.String()), zap.Error(err))
				continue
			}
			metricExpired.WithLabelValues(name).Inc()
			l.log.Warn("abandoned reservation released",
				zap.String("token", tok.String()),
				zap.String("owner", r.Owner),
				zap.String("amount", r.Amount.String()),
				zap.Duration("age", now.Sub(r.CreatedAt)))
			l.alerts.Raise(alert.New(alert.Warning, alert.ReservationAbandoned,
				"abandoned reservation auto-released",
				"token", tok.String(), "owner", r.Owner, "amount", r.Amount.String()))
			released = append(released, r)
		}
		unlock()
	}
	return released
}

// RunSweeper sweeps on interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.ReservationTTL / 4
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep(l.now())
		}
	}
}
