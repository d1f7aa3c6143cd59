// Package audit provides the decision audit event stream. Every
// auto-verification decision is appended exactly once by the verification
// workflow; the per-test success/failure counters used to tune criteria are
// derived from this stream rather than mutated in place, which keeps the
// decider pure and the counters consistent under concurrent decisions.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/lims-autoverify-server/internal/domain"
)

// DecisionEvent records one auto-verification decision.
type DecisionEvent struct {
	ID         string                 `json:"id,omitempty"`
	ResultID   string                 `json:"result_id"`
	TestID     string                 `json:"test_id"`
	Outcome    domain.DecisionOutcome `json:"outcome"`
	Reasons    []string               `json:"reasons,omitempty"`
	IsCritical bool                   `json:"is_critical"`
	CreatedAt  time.Time              `json:"created_at"`
}

// CriticalAck records an operator acknowledging a critical value before the
// result could be finalized.
type CriticalAck struct {
	ID             string    `json:"id,omitempty"`
	ResultID       string    `json:"result_id"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// CounterTotals are the per-test counters derived from the event stream.
type CounterTotals struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// Store defines the interface for audit storage operations.
type Store interface {
	// AppendDecision appends one decision event. Called exactly once per
	// decision by the verification workflow.
	AppendDecision(ctx context.Context, event *DecisionEvent) error

	// DecisionTotals derives the success/failure counters for a test.
	DecisionTotals(ctx context.Context, testID string) (*CounterTotals, error)

	// ListDecisions returns decision events for a test, newest first.
	ListDecisions(ctx context.Context, testID string, limit, offset int) ([]*DecisionEvent, error)

	// AcknowledgeCritical records a critical-value acknowledgment.
	AcknowledgeCritical(ctx context.Context, ack *CriticalAck) error

	// ExportJSON exports all decision events to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// Close closes the store and releases resources.
	Close() error
}

// DecisionExport represents the JSON export format.
type DecisionExport struct {
	Version    string           `json:"version"`
	ExportedAt time.Time        `json:"exported_at"`
	Count      int              `json:"count"`
	Decisions  []*DecisionEvent `json:"decisions"`
}
