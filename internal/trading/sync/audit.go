package sync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AuditLedger is a durable record of every drift event the Sync Manager
// observes (a local/exchange disagreement, auto-corrected or halted).
// Grounded on engine/simple/store_sqlite.go's WAL-mode + checksum pattern,
// adapted from a single-row state blob to an append-only events table.
type AuditLedger struct {
	db *sql.DB
}

// DriftEvent is one reconciliation disagreement.
type DriftEvent struct {
	Timestamp     time.Time
	Kind          string // "tpsl_missing", "position_divergence", "pending_order_orphan"
	Symbol        string
	RecordID      string
	DetailsJSON   string
	Corrected     bool
	DivergencePct string
}

// NewAuditLedger opens (creating if necessary) the sqlite file at dbPath.
func NewAuditLedger(dbPath string) (*AuditLedger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sync: open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sync: ping audit db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("sync: enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS drift_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	symbol TEXT NOT NULL,
	record_id TEXT,
	divergence_pct TEXT,
	corrected INTEGER NOT NULL,
	details TEXT NOT NULL,
	checksum BLOB NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sync: create drift_events table: %w", err)
	}

	return &AuditLedger{db: db}, nil
}

// Record appends one drift event with a commit-or-rollback transaction and
// a checksum over the marshaled details, mirroring SaveState's
// round-trip-and-checksum discipline.
func (l *AuditLedger) Record(ctx context.Context, e DriftEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sync: marshal drift event: %w", err)
	}
	var probe DriftEvent
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("sync: drift event round-trip failed: %w", err)
	}
	checksum := sha256.Sum256(data)

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("sync: begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	corrected := 0
	if e.Corrected {
		corrected = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO drift_events (ts, kind, symbol, record_id, divergence_pct, corrected, details, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.Kind, e.Symbol, e.RecordID, e.DivergencePct, corrected, e.DetailsJSON, checksum[:])
	if err != nil {
		return fmt.Errorf("sync: insert drift event: %w", err)
	}
	return tx.Commit()
}

func (l *AuditLedger) Close() error { return l.db.Close() }
