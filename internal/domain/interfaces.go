package domain

import (
	"context"
)

// RuleStore supplies the active rule sets for a test. Read-only from the
// engine's perspective; rules are authored and toggled elsewhere.
type RuleStore interface {
	GetValidationRules(ctx context.Context, testID string) ([]ValidationRule, error)
	GetAutoVerificationRule(ctx context.Context, testID string) (*AutoVerificationRule, error)
}

// QCHistorySource supplies QC result history ordered oldest to newest.
type QCHistorySource interface {
	GetQCHistory(ctx context.Context, qcTestID, levelID string, windowSize int) ([]QCResult, error)
	GetQCLevel(ctx context.Context, qcTestID, levelID string) (*QCLevel, error)
}

// ResultSource supplies the patient's previous result for delta checks.
type ResultSource interface {
	GetPreviousResult(ctx context.Context, patientID, testID string) (*ResultValue, error)
}

// InstrumentStatusSource reports instrument readiness.
type InstrumentStatusSource interface {
	IsReady(ctx context.Context, instrumentID string) (bool, error)
}

// SampleIntegritySource reports sample integrity from chain-of-custody data.
type SampleIntegritySource interface {
	IsIntact(ctx context.Context, sampleID string) (bool, error)
}

// ConsistencySource reports panel-level consistency for a result.
type ConsistencySource interface {
	IsConsistent(ctx context.Context, result *ResultValue) (bool, error)
}

// QCStateSource answers whether a (qcTestID, levelID) pair is currently
// QC-failed. Must be O(1) — derived from the latest frozen violations,
// never recomputed from full history per check.
type QCStateSource interface {
	IsFailed(ctx context.Context, qcTestID, levelID string) (bool, error)
}

// Notifier accepts escalation intents. Delivery semantics — retries,
// ordering, rate limiting — are its own concern; callers never block on it.
type Notifier interface {
	Notify(ctx context.Context, intent *EscalationIntent) error
}

// CustomPredicate evaluates an externally defined check against a result.
type CustomPredicate func(ctx context.Context, result *ResultValue) (bool, error)

// PredicateResolver resolves custom rule predicate identifiers. A failed
// resolution degrades the rule to a warning, never a silent skip.
type PredicateResolver interface {
	Resolve(predicateID string) (CustomPredicate, error)
}
