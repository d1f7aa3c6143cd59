package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
)

// RuleRepository reads the authored rule sets. Rules are written by the lab
// administration screens, never by this service.
type RuleRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *pgxpool.Pool, logger *logrus.Logger) *RuleRepository {
	return &RuleRepository{
		db:  db,
		log: logger,
	}
}

// GetValidationRules returns the active validation rules for a test in
// their authored evaluation order.
func (r *RuleRepository) GetValidationRules(ctx context.Context, testID string) ([]domain.ValidationRule, error) {
	query := `
		SELECT id, test_id, rule_type, parameters, action,
			   requires_review, notify_on_trigger, active
		FROM validation_rules
		WHERE test_id = $1 AND active
		ORDER BY position, id`

	rows, err := r.db.Query(ctx, query, testID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"test_id": testID,
			"error":   err,
		}).Error("Failed to query validation rules")
		return nil, fmt.Errorf("querying validation rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.ValidationRule
	for rows.Next() {
		var rule domain.ValidationRule
		var ruleType string
		var parameters []byte

		if err := rows.Scan(&rule.ID, &rule.TestID, &ruleType, &parameters,
			&rule.Action, &rule.RequiresReview, &rule.NotifyOnTrigger, &rule.Active); err != nil {
			return nil, fmt.Errorf("scanning validation rule: %w", err)
		}

		rule.RuleType = domain.RuleType(ruleType)
		if err := unmarshalRuleParameters(&rule, parameters); err != nil {
			// A malformed rule definition degrades at evaluation time; it
			// must not hide the rest of the rule set.
			r.log.WithError(err).WithField("rule_id", rule.ID).
				Warn("Validation rule has malformed parameters")
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// unmarshalRuleParameters decodes the JSONB parameters column into the
// parameter struct selected by the rule type.
func unmarshalRuleParameters(rule *domain.ValidationRule, parameters []byte) error {
	if len(parameters) == 0 {
		return fmt.Errorf("empty parameters for rule type %s", rule.RuleType)
	}

	switch rule.RuleType {
	case domain.RULE_RANGE:
		rule.Range = &domain.RangeParams{}
		return json.Unmarshal(parameters, rule.Range)
	case domain.RULE_DELTA:
		rule.Delta = &domain.DeltaParams{}
		return json.Unmarshal(parameters, rule.Delta)
	case domain.RULE_ABSURD:
		rule.Absurd = &domain.AbsurdParams{}
		return json.Unmarshal(parameters, rule.Absurd)
	case domain.RULE_CRITICAL:
		rule.Critical = &domain.CriticalParams{}
		return json.Unmarshal(parameters, rule.Critical)
	case domain.RULE_CUSTOM:
		rule.Custom = &domain.CustomParams{}
		return json.Unmarshal(parameters, rule.Custom)
	default:
		return fmt.Errorf("unknown rule type: %s", rule.RuleType)
	}
}

// GetAutoVerificationRule returns the active auto-verification policy for a
// test, with its counters derived from the decision audit stream. Returns
// nil when no policy is configured.
func (r *RuleRepository) GetAutoVerificationRule(ctx context.Context, testID string) (*domain.AutoVerificationRule, error) {
	query := `
		SELECT v.test_id, v.criteria,
			   COALESCE(d.success, 0), COALESCE(d.failure, 0)
		FROM auto_verification_rules v
		LEFT JOIN (
			SELECT test_id,
				   COUNT(*) FILTER (WHERE outcome = 'AUTO_VERIFIED')   AS success,
				   COUNT(*) FILTER (WHERE outcome = 'HELD_FOR_REVIEW') AS failure
			FROM decision_events
			GROUP BY test_id
		) d ON d.test_id = v.test_id
		WHERE v.test_id = $1 AND v.active`

	var rule domain.AutoVerificationRule
	var criteria []byte

	err := r.db.QueryRow(ctx, query, testID).
		Scan(&rule.TestID, &criteria, &rule.SuccessCount, &rule.FailureCount)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying auto-verification rule: %w", err)
	}

	if err := json.Unmarshal(criteria, &rule.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshaling criteria: %w", err)
	}
	return &rule, nil
}
