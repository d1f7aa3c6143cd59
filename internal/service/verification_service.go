package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/audit"
	"github.com/lims-autoverify-server/internal/domain"
)

// QCStateTracker is the writable side of the QC-failed state: Apply folds a
// newly frozen QC point into the state the decider consults.
type QCStateTracker interface {
	domain.QCStateSource
	Apply(ctx context.Context, point *domain.QCResult) error
}

// ResultStore persists accepted result values and serves the previous value
// lookups the delta checks depend on.
type ResultStore interface {
	domain.ResultSource
	SaveResult(ctx context.Context, result *domain.ResultValue) error
}

// QCRepository persists QC points. AppendAndEvaluate must run the read of
// history, the evaluation callback, and the insert of the frozen point
// inside one transaction serialized per (qcTestID, levelID) — two
// concurrent appends judging themselves against the same prior history
// would corrupt the Westgard sequence.
type QCRepository interface {
	domain.QCHistorySource
	AppendAndEvaluate(ctx context.Context, point *domain.QCResult,
		evaluate func(history []domain.QCResult, level *domain.QCLevel) *QCEvaluation) (*QCEvaluation, error)
	LatestStatistics(ctx context.Context, qcTestID, levelID string, windowSize int) ([]domain.QCResult, *domain.QCLevel, error)
}

// VerificationService orchestrates the full result verification workflow:
// validate, decide, escalate, audit. The evaluators it drives are pure and
// synchronous; every signal they need is fetched up front.
type VerificationService struct {
	logger      *logrus.Logger
	rules       domain.RuleStore
	results     ResultStore
	instruments domain.InstrumentStatusSource
	samples     domain.SampleIntegritySource
	consistency domain.ConsistencySource
	qcState     QCStateTracker
	qcRepo      QCRepository
	auditStore  audit.Store

	evaluator *ValidationEvaluator
	decider   *AutoVerificationDecider
	qcEngine  *QCStatisticsEngine
	router    *EscalationRouter
}

// VerificationResult is the caller-facing product of one verification run.
type VerificationResult struct {
	ResultID       string                           `json:"result_id"`
	Outcome        *domain.ValidationOutcome        `json:"outcome"`
	Decision       *domain.AutoVerificationDecision `json:"decision"`
	ProcessingTime time.Duration                    `json:"processing_time"`
}

// NewVerificationService wires the decision core to its collaborators.
func NewVerificationService(
	logger *logrus.Logger,
	rules domain.RuleStore,
	results ResultStore,
	instruments domain.InstrumentStatusSource,
	samples domain.SampleIntegritySource,
	consistency domain.ConsistencySource,
	qcState QCStateTracker,
	qcRepo QCRepository,
	auditStore audit.Store,
	notifier domain.Notifier,
	predicates domain.PredicateResolver,
	qcConfig domain.QCConfig,
	verification domain.VerificationConfig,
) (*VerificationService, error) {
	router, err := NewEscalationRouter(logger, notifier, verification.TATBreachThreshold)
	if err != nil {
		return nil, fmt.Errorf("creating escalation router: %w", err)
	}

	return &VerificationService{
		logger:      logger,
		rules:       rules,
		results:     results,
		instruments: instruments,
		samples:     samples,
		consistency: consistency,
		qcState:     qcState,
		qcRepo:      qcRepo,
		auditStore:  auditStore,
		evaluator:   NewValidationEvaluator(logger, predicates),
		decider:     NewAutoVerificationDecider(logger),
		qcEngine:    NewQCStatisticsEngine(logger, qcConfig),
		router:      router,
	}, nil
}

// VerifyResult runs the complete decision workflow for one incoming result.
// It completes before returning, so a blocking error reaches the caller
// before anything is persisted.
func (s *VerificationService) VerifyResult(ctx context.Context, result *domain.ResultValue) (*VerificationResult, error) {
	startTime := time.Now()

	if result.TestID == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput, "test_id is required", "", "")
	}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}

	s.logger.WithFields(logrus.Fields{
		"result_id": result.ID,
		"test_id":   result.TestID,
		"sample_id": result.SampleID,
	}).Info("Starting result verification")

	rules, err := s.rules.GetValidationRules(ctx, result.TestID)
	if err != nil {
		return nil, fmt.Errorf("fetching validation rules: %w", err)
	}

	previous, err := s.results.GetPreviousResult(ctx, result.PatientID, result.TestID)
	if err != nil {
		// A missing previous value only disables delta checks; it must not
		// abort the remaining validation.
		s.logger.WithError(err).WithField("patient_id", result.PatientID).
			Warn("Could not fetch previous result, delta checks skipped")
		previous = nil
	}

	outcome := s.evaluator.Evaluate(ctx, result, rules, previous)

	// A blocked result is not submitted; only accepted values enter the
	// history future delta checks run against.
	if outcome.IsValid {
		if err := s.results.SaveResult(ctx, result); err != nil {
			return nil, fmt.Errorf("saving result: %w", err)
		}
	}

	avRule, err := s.rules.GetAutoVerificationRule(ctx, result.TestID)
	if err != nil {
		return nil, fmt.Errorf("fetching auto-verification rule: %w", err)
	}

	var decision *domain.AutoVerificationDecision
	if avRule == nil {
		// No policy configured: never release without review.
		decision = &domain.AutoVerificationDecision{
			Outcome: domain.HELD_FOR_REVIEW,
			Reasons: []string{"no auto-verification rule configured"},
		}
	} else {
		input, err := s.gatherSignals(ctx, result, outcome, avRule.Criteria)
		if err != nil {
			return nil, err
		}
		decision = s.decider.Decide(*input)
	}

	if outcome.IsCritical {
		s.router.RouteCriticalValue(ctx, result, outcome)
	}

	s.appendDecisionEvent(ctx, result, outcome, decision)

	s.logger.WithFields(logrus.Fields{
		"result_id":       result.ID,
		"outcome":         decision.Outcome,
		"reasons":         decision.Reasons,
		"is_critical":     outcome.IsCritical,
		"processing_time": time.Since(startTime),
	}).Info("Result verification completed")

	return &VerificationResult{
		ResultID:       result.ID,
		Outcome:        outcome,
		Decision:       decision,
		ProcessingTime: time.Since(startTime),
	}, nil
}

// gatherSignals fetches only the readiness signals the enabled criteria
// consult; disabled criteria cost no collaborator round trips.
func (s *VerificationService) gatherSignals(ctx context.Context, result *domain.ResultValue, outcome *domain.ValidationOutcome, criteria domain.AutoVerificationCriteria) (*DecisionInput, error) {
	input := &DecisionInput{
		Outcome:       outcome,
		Criteria:      criteria,
		InstrumentOK:  true,
		SampleOK:      true,
		ConsistencyOK: true,
	}

	if criteria.RequireQCPass {
		failed, err := s.qcState.IsFailed(ctx, result.TestID, "")
		if err != nil {
			return nil, fmt.Errorf("checking QC state: %w", err)
		}
		input.QCFailed = failed
	}

	if criteria.InstrumentCheck {
		ok, err := s.instruments.IsReady(ctx, result.InstrumentID)
		if err != nil {
			return nil, fmt.Errorf("checking instrument status: %w", err)
		}
		input.InstrumentOK = ok
	}

	if criteria.SampleIntegrityCheck {
		ok, err := s.samples.IsIntact(ctx, result.SampleID)
		if err != nil {
			return nil, fmt.Errorf("checking sample integrity: %w", err)
		}
		input.SampleOK = ok
	}

	if criteria.ConsistencyCheck {
		ok, err := s.consistency.IsConsistent(ctx, result)
		if err != nil {
			return nil, fmt.Errorf("checking panel consistency: %w", err)
		}
		input.ConsistencyOK = ok
	}

	return input, nil
}

// appendDecisionEvent writes the single audit event for this decision. An
// audit write failure is logged, not returned: the decision itself already
// stands and the caller still needs it.
func (s *VerificationService) appendDecisionEvent(ctx context.Context, result *domain.ResultValue, outcome *domain.ValidationOutcome, decision *domain.AutoVerificationDecision) {
	if s.auditStore == nil {
		return
	}

	event := &audit.DecisionEvent{
		ID:         uuid.New().String(),
		ResultID:   result.ID,
		TestID:     result.TestID,
		Outcome:    decision.Outcome,
		Reasons:    decision.Reasons,
		IsCritical: outcome.IsCritical,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.auditStore.AppendDecision(ctx, event); err != nil {
		s.logger.WithError(err).WithField("result_id", result.ID).
			Error("Failed to append decision audit event")
	}
}

// RecordQCResult appends one control point: history read, Westgard
// evaluation, and insert of the frozen violations run inside the
// repository's serialized transaction. The QC-failed state and any
// escalation follow from the frozen point.
func (s *VerificationService) RecordQCResult(ctx context.Context, point *domain.QCResult) (*QCEvaluation, error) {
	if point.QCTestID == "" || point.LevelID == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput, "qc_test_id and level_id are required", "", "")
	}
	if point.ID == "" {
		point.ID = uuid.New().String()
	}
	if point.Timestamp.IsZero() {
		point.Timestamp = time.Now().UTC()
	}

	evaluation, err := s.qcRepo.AppendAndEvaluate(ctx, point,
		func(history []domain.QCResult, level *domain.QCLevel) *QCEvaluation {
			return s.qcEngine.RecordQCPoint(point, history, level)
		})
	if err != nil {
		return nil, fmt.Errorf("appending QC point: %w", err)
	}

	point.Violations = evaluation.Violations

	if err := s.qcState.Apply(ctx, point); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"qc_test_id": point.QCTestID,
			"level_id":   point.LevelID,
		}).Error("Failed to update QC state")
	}

	if point.HasRejectViolation() {
		s.router.RouteQCFailure(ctx, point)
	}

	return evaluation, nil
}

// GetQCStatistics recomputes the current statistics snapshot for a level
// from its most recent window.
func (s *VerificationService) GetQCStatistics(ctx context.Context, qcTestID, levelID string) (*domain.QCStatistics, error) {
	history, _, err := s.qcRepo.LatestStatistics(ctx, qcTestID, levelID, s.qcEngine.windowSize)
	if err != nil {
		return nil, fmt.Errorf("fetching QC history: %w", err)
	}
	if len(history) == 0 {
		return &domain.QCStatistics{}, nil
	}

	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = h.Value
	}
	statistics := s.qcEngine.computeStatistics(values)
	statistics.PeriodStart = history[0].Timestamp
	statistics.PeriodEnd = history[len(history)-1].Timestamp
	return statistics, nil
}

// GetQCWindow returns the most recent window of a series with its level
// definition, points oldest first with their frozen violations.
func (s *VerificationService) GetQCWindow(ctx context.Context, qcTestID, levelID string) ([]domain.QCResult, *domain.QCLevel, error) {
	return s.qcRepo.LatestStatistics(ctx, qcTestID, levelID, s.qcEngine.windowSize)
}

// AcknowledgeCritical records the operator acknowledgment the UI collects
// before a critical result can be finalized.
func (s *VerificationService) AcknowledgeCritical(ctx context.Context, resultID, acknowledgedBy string) error {
	if s.auditStore == nil {
		return domain.NewEngineError(domain.ErrInternalServer, "audit store not configured", "", "")
	}
	return s.auditStore.AcknowledgeCritical(ctx, &audit.CriticalAck{
		ID:             uuid.New().String(),
		ResultID:       resultID,
		AcknowledgedBy: acknowledgedBy,
		AcknowledgedAt: time.Now().UTC(),
	})
}
