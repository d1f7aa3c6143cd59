package domain

import (
	"fmt"
	"time"
)

// Error codes for different failure scenarios
const (
	ErrInvalidInput    = "INVALID_INPUT"
	ErrDatabaseError   = "DATABASE_ERROR"
	ErrRuleEvaluation  = "RULE_EVALUATION_ERROR"
	ErrValidation      = "VALIDATION_ERROR"
	ErrQCOutOfControl  = "QC_OUT_OF_CONTROL"
	ErrNotification    = "NOTIFICATION_ERROR"
	ErrInternalServer  = "INTERNAL_SERVER_ERROR"
	ErrRuleUnavailable = "RULE_UNAVAILABLE"
)

// ValidationError is a blocking validation failure. It prevents submission
// of the triggering result but is recoverable by correcting and resubmitting.
type ValidationError struct {
	RuleID  string `json:"rule_id"`
	TestID  string `json:"test_id"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (rule %s): %s", e.RuleID, e.Message)
}

// RuleEvaluationError marks a rule that could not be evaluated — malformed
// parameters or an unavailable dependency. It degrades that single rule to
// a warning; the remaining rules still run.
type RuleEvaluationError struct {
	RuleID string
	Cause  error
}

// Error implements the error interface
func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s could not be evaluated: %v", e.RuleID, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *RuleEvaluationError) Unwrap() error {
	return e.Cause
}

// CriticalValueAlert is surfaced when a result crosses a critical threshold.
// It never blocks submission; it always escalates.
type CriticalValueAlert struct {
	ResultID  string     `json:"result_id"`
	TestID    string     `json:"test_id"`
	Flag      ResultFlag `json:"flag"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

// Error implements the error interface
func (e *CriticalValueAlert) Error() string {
	return fmt.Sprintf("critical value for test %s: %g (%s)", e.TestID, e.Value, e.Flag)
}

// EngineError is a standardized error response carried across the service
// boundary.
type EngineError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewEngineError creates a new EngineError with timestamp
func NewEngineError(code, message, details, requestID string) *EngineError {
	return &EngineError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewRuleEvaluationError wraps a cause for a single unevaluable rule.
func NewRuleEvaluationError(ruleID string, cause error) *RuleEvaluationError {
	return &RuleEvaluationError{RuleID: ruleID, Cause: cause}
}
