// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS buckets (
	name TEXT PRIMARY KEY,
	total TEXT NOT NULL,
	reserved TEXT NOT NULL,
	committed TEXT NOT NULL,
	halted INTEGER NOT NULL DEFAULT 0,
	halt_reason TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	bucket TEXT NOT NULL,
	id TEXT NOT NULL,
	amount TEXT NOT NULL,
	owner TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	pinned INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket, id)
);

CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	bucket TEXT NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	origin TEXT NOT NULL DEFAULT '',
	discrepant INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_state ON records(state);

CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	bucket TEXT NOT NULL,
	instrument TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	avg_price TEXT NOT NULL,
	funded TEXT NOT NULL DEFAULT '0'
);

CREATE INDEX IF NOT EXISTS idx_positions_instrument ON positions(instrument);
`
