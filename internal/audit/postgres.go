package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/lims-autoverify-server/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store.
// It expects the database and schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL audit store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// AppendDecision appends one decision event.
func (s *PostgresStore) AppendDecision(ctx context.Context, event *DecisionEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	reasons, err := json.Marshal(event.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_events (id, result_id, test_id, outcome, reasons, is_critical, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		event.ID,
		event.ResultID,
		event.TestID,
		string(event.Outcome),
		reasons,
		event.IsCritical,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision event: %w", err)
	}
	return nil
}

// DecisionTotals derives the success/failure counters for a test.
func (s *PostgresStore) DecisionTotals(ctx context.Context, testID string) (*CounterTotals, error) {
	totals := &CounterTotals{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE outcome = $1),
			COUNT(*) FILTER (WHERE outcome = $2)
		FROM decision_events
		WHERE test_id = $3
	`, string(domain.AUTO_VERIFIED), string(domain.HELD_FOR_REVIEW), testID).
		Scan(&totals.Success, &totals.Failure)
	if err != nil {
		return nil, fmt.Errorf("failed to derive totals: %w", err)
	}
	return totals, nil
}

// ListDecisions returns decision events for a test, newest first.
func (s *PostgresStore) ListDecisions(ctx context.Context, testID string, limit, offset int) ([]*DecisionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, result_id, test_id, outcome, reasons, is_critical, created_at
		FROM decision_events
		WHERE test_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, testID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*DecisionEvent
	for rows.Next() {
		ev, err := scanPostgresDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// scanPostgresDecision scans a row with JSON-encoded reasons.
func scanPostgresDecision(s scanner) (*DecisionEvent, error) {
	ev := &DecisionEvent{}
	var outcome string
	var reasons []byte

	err := s.Scan(&ev.ID, &ev.ResultID, &ev.TestID, &outcome, &reasons, &ev.IsCritical, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}

	ev.Outcome = domain.DecisionOutcome(outcome)
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &ev.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
		}
	}
	return ev, nil
}

// AcknowledgeCritical records a critical-value acknowledgment.
func (s *PostgresStore) AcknowledgeCritical(ctx context.Context, ack *CriticalAck) error {
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO critical_acks (id, result_id, acknowledged_by, acknowledged_at)
		VALUES ($1, $2, $3, $4)
	`, ack.ID, ack.ResultID, ack.AcknowledgedBy, ack.AcknowledgedAt)
	if err != nil {
		return fmt.Errorf("failed to insert acknowledgment: %w", err)
	}
	return nil
}

// ExportJSON exports all decision events to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, result_id, test_id, outcome, reasons, is_critical, created_at
		FROM decision_events
		ORDER BY created_at DESC
		LIMIT $1
	`, maxExportLimit)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var all []*DecisionEvent
	for rows.Next() {
		ev, err := scanPostgresDecision(rows)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
