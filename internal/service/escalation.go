package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
)

// dedupCacheSize bounds how many recently escalated identifiers are kept
// for duplicate suppression.
const dedupCacheSize = 4096

// EscalationRouter decides that and to whom an escalation goes: the ordering
// clinician on a critical value, the lab supervisor on a QC rejection.
// Exactly one intent is emitted per triggering event; delivery is the
// notifier's concern and never blocks result submission.
type EscalationRouter struct {
	logger       *logrus.Logger
	notifier     domain.Notifier
	tatThreshold time.Duration
	seen         *lru.Cache[string, struct{}]
}

// NewEscalationRouter creates an escalation router. tatThreshold of zero
// disables TAT-breach marking.
func NewEscalationRouter(logger *logrus.Logger, notifier domain.Notifier, tatThreshold time.Duration) (*EscalationRouter, error) {
	seen, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}
	return &EscalationRouter{
		logger:       logger,
		notifier:     notifier,
		tatThreshold: tatThreshold,
		seen:         seen,
	}, nil
}

// RouteCriticalValue emits one intent for a critical result, keyed by the
// result identifier. Returns nil when the event was already escalated.
func (r *EscalationRouter) RouteCriticalValue(ctx context.Context, result *domain.ResultValue, outcome *domain.ValidationOutcome) *domain.EscalationIntent {
	if !outcome.IsCritical {
		return nil
	}

	dedupKey := "result:" + result.ID
	if !r.markSeen(dedupKey) {
		return nil
	}

	flag := domain.FLAG_CRITICAL_HIGH
	if outcome.HasFlag(domain.FLAG_CRITICAL_LOW) {
		flag = domain.FLAG_CRITICAL_LOW
	}

	intent := &domain.EscalationIntent{
		ID:         uuid.New().String(),
		Kind:       domain.INTENT_CRITICAL_VALUE,
		TargetRole: domain.ROLE_ORDERING_CLINICIAN,
		DedupKey:   dedupKey,
		Payload: map[string]string{
			"result_id":  result.ID,
			"test_id":    result.TestID,
			"patient_id": result.PatientID,
			"value":      fmt.Sprintf("%g", result.Value),
			"unit":       result.Unit,
			"flag":       flag.String(),
		},
		TATBreached: r.tatBreached(result.Timestamp),
		CreatedAt:   time.Now().UTC(),
	}

	r.dispatch(ctx, intent)
	return intent
}

// RouteQCFailure emits one intent for a rejected QC point, keyed by the QC
// point identifier. Returns nil when the point carries no reject violation
// or was already escalated.
func (r *EscalationRouter) RouteQCFailure(ctx context.Context, point *domain.QCResult) *domain.EscalationIntent {
	if !point.HasRejectViolation() {
		return nil
	}

	dedupKey := "qc:" + point.ID
	if !r.markSeen(dedupKey) {
		return nil
	}

	violations := ""
	for i, v := range point.Violations {
		if i > 0 {
			violations += ","
		}
		violations += v.String()
	}

	intent := &domain.EscalationIntent{
		ID:         uuid.New().String(),
		Kind:       domain.INTENT_QC_FAILURE,
		TargetRole: domain.ROLE_LAB_SUPERVISOR,
		DedupKey:   dedupKey,
		Payload: map[string]string{
			"qc_result_id": point.ID,
			"qc_test_id":   point.QCTestID,
			"level_id":     point.LevelID,
			"value":        fmt.Sprintf("%g", point.Value),
			"violations":   violations,
		},
		CreatedAt: time.Now().UTC(),
	}

	r.dispatch(ctx, intent)
	return intent
}

// markSeen records the dedup key, reporting false when it was already
// present.
func (r *EscalationRouter) markSeen(key string) bool {
	if _, ok := r.seen.Get(key); ok {
		return false
	}
	r.seen.Add(key, struct{}{})
	return true
}

func (r *EscalationRouter) tatBreached(resultTime time.Time) bool {
	if r.tatThreshold <= 0 || resultTime.IsZero() {
		return false
	}
	return time.Since(resultTime) > r.tatThreshold
}

// dispatch hands the intent to the notifier. A delivery error is logged
// and dropped here: the notifier owns retries, and escalation must not
// block the submission path.
func (r *EscalationRouter) dispatch(ctx context.Context, intent *domain.EscalationIntent) {
	if r.notifier == nil {
		r.logger.WithField("intent_id", intent.ID).Warn("No notifier configured, dropping escalation intent")
		return
	}

	if err := r.notifier.Notify(ctx, intent); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"intent_id": intent.ID,
			"kind":      intent.Kind,
			"target":    intent.TargetRole,
		}).Error("Failed to hand off escalation intent")
		return
	}

	r.logger.WithFields(logrus.Fields{
		"intent_id":    intent.ID,
		"kind":         intent.Kind,
		"target":       intent.TargetRole,
		"dedup_key":    intent.DedupKey,
		"tat_breached": intent.TATBreached,
	}).Info("Escalation intent routed")
}
