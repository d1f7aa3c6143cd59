package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lims-autoverify-server/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanDecision scans a row into a DecisionEvent struct.
func scanDecision(s scanner) (*DecisionEvent, error) {
	ev := &DecisionEvent{}
	var outcome, reasons string

	err := s.Scan(&ev.ID, &ev.ResultID, &ev.TestID, &outcome, &reasons, &ev.IsCritical, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}

	ev.Outcome = domain.DecisionOutcome(outcome)
	if reasons != "" {
		ev.Reasons = strings.Split(reasons, "\n")
	}
	return ev, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS decision_events (
		id TEXT PRIMARY KEY,
		result_id TEXT NOT NULL,
		test_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reasons TEXT DEFAULT '',
		is_critical INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS critical_acks (
		id TEXT PRIMARY KEY,
		result_id TEXT NOT NULL,
		acknowledged_by TEXT NOT NULL,
		acknowledged_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_decision_test_id ON decision_events(test_id);
	CREATE INDEX IF NOT EXISTS idx_decision_result_id ON decision_events(result_id);
	CREATE INDEX IF NOT EXISTS idx_decision_created_at ON decision_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_ack_result_id ON critical_acks(result_id);
	`

	_, err := db.Exec(schema)
	return err
}

// AppendDecision appends one decision event.
func (s *SQLiteStore) AppendDecision(ctx context.Context, event *DecisionEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_events (id, result_id, test_id, outcome, reasons, is_critical, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.ResultID,
		event.TestID,
		string(event.Outcome),
		strings.Join(event.Reasons, "\n"),
		event.IsCritical,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision event: %w", err)
	}
	return nil
}

// DecisionTotals derives the success/failure counters for a test from the
// event stream.
func (s *SQLiteStore) DecisionTotals(ctx context.Context, testID string) (*CounterTotals, error) {
	totals := &CounterTotals{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN outcome = ? THEN 1 END),
			COUNT(CASE WHEN outcome = ? THEN 1 END)
		FROM decision_events
		WHERE test_id = ?
	`, string(domain.AUTO_VERIFIED), string(domain.HELD_FOR_REVIEW), testID).
		Scan(&totals.Success, &totals.Failure)
	if err != nil {
		return nil, fmt.Errorf("failed to derive totals: %w", err)
	}
	return totals, nil
}

// ListDecisions returns decision events for a test, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, testID string, limit, offset int) ([]*DecisionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, result_id, test_id, outcome, reasons, is_critical, created_at
		FROM decision_events
		WHERE test_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, testID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*DecisionEvent
	for rows.Next() {
		ev, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// AcknowledgeCritical records a critical-value acknowledgment.
func (s *SQLiteStore) AcknowledgeCritical(ctx context.Context, ack *CriticalAck) error {
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO critical_acks (id, result_id, acknowledged_by, acknowledged_at)
		VALUES (?, ?, ?, ?)
	`, ack.ID, ack.ResultID, ack.AcknowledgedBy, ack.AcknowledgedAt)
	if err != nil {
		return fmt.Errorf("failed to insert acknowledgment: %w", err)
	}
	return nil
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

// ExportJSON exports all decision events to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, result_id, test_id, outcome, reasons, is_critical, created_at
		FROM decision_events
		ORDER BY created_at DESC
		LIMIT ?
	`, maxExportLimit)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var all []*DecisionEvent
	for rows.Next() {
		ev, err := scanDecision(rows)
		if err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		all = append(all, ev)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	export := &DecisionExport{
		Version:    "1.0",
		ExportedAt: time.Now(),
		Count:      len(all),
		Decisions:  all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
