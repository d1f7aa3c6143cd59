package service

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
)

// ValidationEvaluator applies a test's validation rules to one incoming
// result value. Evaluation is pure: identical inputs always produce an
// identical outcome, and every rule contributes — there is no
// short-circuiting, so the caller sees all reasons at once.
type ValidationEvaluator struct {
	logger     *logrus.Logger
	predicates domain.PredicateResolver
}

// NewValidationEvaluator creates a new validation evaluator. The predicate
// resolver may be nil when no custom rules are configured.
func NewValidationEvaluator(logger *logrus.Logger, predicates domain.PredicateResolver) *ValidationEvaluator {
	return &ValidationEvaluator{
		logger:     logger,
		predicates: predicates,
	}
}

// Evaluate runs every active rule against the result, in the order the
// rule store returned them. previous may be nil; delta rules are then
// skipped. Inactive rules never fire.
func (e *ValidationEvaluator) Evaluate(ctx context.Context, result *domain.ResultValue, rules []domain.ValidationRule, previous *domain.ResultValue) *domain.ValidationOutcome {
	outcome := &domain.ValidationOutcome{
		Errors:   []string{},
		Warnings: []string{},
		Flags:    []domain.ResultFlag{},
	}

	for _, rule := range rules {
		if !rule.Active {
			continue
		}

		var err error
		switch rule.RuleType {
		case domain.RULE_RANGE:
			err = e.evaluateRange(&rule, result, outcome)
		case domain.RULE_ABSURD:
			err = e.evaluateAbsurd(&rule, result, outcome)
		case domain.RULE_CRITICAL:
			err = e.evaluateCritical(&rule, result, outcome)
		case domain.RULE_DELTA:
			err = e.evaluateDelta(&rule, result, previous, outcome)
		case domain.RULE_CUSTOM:
			err = e.evaluateCustom(ctx, &rule, result, outcome)
		default:
			err = fmt.Errorf("unknown rule type: %s", rule.RuleType)
		}

		// One bad rule definition must not mask the other checks: degrade
		// the single rule to a warning and keep going.
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"rule_id":   rule.ID,
				"rule_type": rule.RuleType,
				"test_id":   result.TestID,
			}).Warn("Rule could not be evaluated")
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("rule %s could not be evaluated", rule.ID))
		}
	}

	if len(outcome.Flags) == 0 {
		outcome.Flags = append(outcome.Flags, domain.FLAG_NORMAL)
	}
	outcome.IsValid = len(outcome.Errors) == 0

	e.logger.WithFields(logrus.Fields{
		"test_id":     result.TestID,
		"result_id":   result.ID,
		"errors":      len(outcome.Errors),
		"warnings":    len(outcome.Warnings),
		"is_critical": outcome.IsCritical,
		"is_valid":    outcome.IsValid,
	}).Debug("Completed result validation")

	return outcome
}

// evaluateRange checks the reference range. Boundaries are inclusive: a
// value exactly at min or max does not fire the rule.
func (e *ValidationEvaluator) evaluateRange(rule *domain.ValidationRule, result *domain.ResultValue, outcome *domain.ValidationOutcome) error {
	p := rule.Range
	if p == nil {
		return domain.NewRuleEvaluationError(rule.ID, fmt.Errorf("missing range parameters"))
	}

	if result.Value >= p.Min && result.Value <= p.Max {
		return nil
	}

	msg := fmt.Sprintf("value %g %s outside reference range %g-%g %s",
		result.Value, result.Unit, p.Min, p.Max, p.Unit)

	if result.Value > p.Max {
		outcome.Flags = append(outcome.Flags, domain.FLAG_HIGH)
	} else {
		outcome.Flags = append(outcome.Flags, domain.FLAG_LOW)
	}

	if rule.Action == domain.ACTION_BLOCK {
		outcome.Errors = append(outcome.Errors, msg)
	} else {
		outcome.Warnings = append(outcome.Warnings, msg)
	}
	return nil
}

// evaluateAbsurd checks physiological plausibility. A violation always
// blocks regardless of the configured action: an impossible value must
// never be silently released.
func (e *ValidationEvaluator) evaluateAbsurd(rule *domain.ValidationRule, result *domain.ResultValue, outcome *domain.ValidationOutcome) error {
	p := rule.Absurd
	if p == nil {
		return domain.NewRuleEvaluationError(rule.ID, fmt.Errorf("missing absurd parameters"))
	}

	if result.Value < p.AbsurdLow || result.Value > p.AbsurdHigh {
		outcome.Errors = append(outcome.Errors,
			fmt.Sprintf("value %g %s is physiologically implausible (allowed %g-%g)",
				result.Value, result.Unit, p.AbsurdLow, p.AbsurdHigh))
	}
	return nil
}

// evaluateCritical checks the critical (panic) thresholds. A critical value
// is not a data-entry error: it never blocks submission, but it always sets
// IsCritical so the decision and escalation stages see it.
func (e *ValidationEvaluator) evaluateCritical(rule *domain.ValidationRule, result *domain.ResultValue, outcome *domain.ValidationOutcome) error {
	p := rule.Critical
	if p == nil {
		return domain.NewRuleEvaluationError(rule.ID, fmt.Errorf("missing critical parameters"))
	}

	switch {
	case result.Value <= p.CriticalLow:
		outcome.Flags = append(outcome.Flags, domain.FLAG_CRITICAL_LOW)
	case result.Value >= p.CriticalHigh:
		outcome.Flags = append(outcome.Flags, domain.FLAG_CRITICAL_HIGH)
	default:
		return nil
	}

	outcome.IsCritical = true
	if rule.NotifyOnTrigger {
		outcome.NotifyCritical = true
	}
	return nil
}

// evaluateDelta compares against the patient's previous result for the same
// test. Without a previous value the rule is skipped — a first result is
// not an error.
func (e *ValidationEvaluator) evaluateDelta(rule *domain.ValidationRule, result *domain.ResultValue, previous *domain.ResultValue, outcome *domain.ValidationOutcome) error {
	p := rule.Delta
	if p == nil {
		return domain.NewRuleEvaluationError(rule.ID, fmt.Errorf("missing delta parameters"))
	}
	if previous == nil {
		return nil
	}

	var delta float64
	switch p.DeltaType {
	case domain.DELTA_PERCENT:
		if previous.Value == 0 {
			return domain.NewRuleEvaluationError(rule.ID, fmt.Errorf("previous value is zero, percent delta undefined"))
		}
		delta = math.Abs(result.Value-previous.Value) / previous.Value * 100
	case domain.DELTA_ABSOLUTE:
		delta = math.Abs(result.Value - previous.Value)
	default:
		return domain.NewRuleEvaluationError(rule.ID, fmt.Errorf("unknown delta type: %s", p.DeltaType))
	}

	if delta <= p.Threshold {
		return nil
	}

	outcome.DeltaTriggered = true
	msg := fmt.Sprintf("delta check failed: change of %.2f%s exceeds threshold %.2f",
		delta, deltaUnitSuffix(p.DeltaType), p.Threshold)

	if rule.Action == domain.ACTION_BLOCK {
		outcome.Errors = append(outcome.Errors, msg)
	} else {
		outcome.Warnings = append(outcome.Warnings, msg)
	}
	return nil
}

// evaluateCustom resolves and runs an externally registered predicate. An
// unresolvable predicate degrades to a warning rather than being silently
// ignored.
func (e *ValidationEvaluator) evaluateCustom(ctx context.Context, rule *domain.ValidationRule, result *domain.ResultValue, outcome *domain.ValidationOutcome) error {
	p := rule.Custom
	if p == nil {
		return domain.NewRuleEvaluationError(rule.ID, fmt.Errorf("missing custom parameters"))
	}
	if e.predicates == nil {
		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("rule %s unavailable: no predicate resolver configured", rule.ID))
		return nil
	}

	predicate, err := e.predicates.Resolve(p.PredicateID)
	if err != nil {
		outcome.Warnings = append(outcome.Warnings,
			fmt.Sprintf("rule %s unavailable: %v", rule.ID, err))
		return nil
	}

	ok, err := predicate(ctx, result)
	if err != nil {
		return domain.NewRuleEvaluationError(rule.ID, err)
	}
	if ok {
		return nil
	}

	msg := fmt.Sprintf("custom rule %s failed", p.PredicateID)
	if rule.Action == domain.ACTION_BLOCK {
		outcome.Errors = append(outcome.Errors, msg)
	} else {
		outcome.Warnings = append(outcome.Warnings, msg)
	}
	return nil
}

func deltaUnitSuffix(t domain.DeltaType) string {
	if t == domain.DELTA_PERCENT {
		return "%"
	}
	return ""
}
