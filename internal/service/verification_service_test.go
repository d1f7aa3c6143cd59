package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims-autoverify-server/internal/audit"
	"github.com/lims-autoverify-server/internal/domain"
)

// fakeRuleStore serves rules from memory.
type fakeRuleStore struct {
	rules  map[string][]domain.ValidationRule
	av     map[string]*domain.AutoVerificationRule
	avErr  error
	rulErr error
}

func (f *fakeRuleStore) GetValidationRules(ctx context.Context, testID string) ([]domain.ValidationRule, error) {
	return f.rules[testID], f.rulErr
}

func (f *fakeRuleStore) GetAutoVerificationRule(ctx context.Context, testID string) (*domain.AutoVerificationRule, error) {
	return f.av[testID], f.avErr
}

// fakeResultSource serves previous results from memory and records saves.
type fakeResultSource struct {
	previous *domain.ResultValue
	saved    []*domain.ResultValue
	err      error
}

func (f *fakeResultSource) GetPreviousResult(ctx context.Context, patientID, testID string) (*domain.ResultValue, error) {
	return f.previous, f.err
}

func (f *fakeResultSource) SaveResult(ctx context.Context, result *domain.ResultValue) error {
	f.saved = append(f.saved, result)
	return nil
}

// fakeQCState is an in-memory QCStateTracker.
type fakeQCState struct {
	failed map[string]bool
}

func newFakeQCState() *fakeQCState {
	return &fakeQCState{failed: make(map[string]bool)}
}

func (f *fakeQCState) IsFailed(ctx context.Context, qcTestID, levelID string) (bool, error) {
	if levelID == "" {
		for key, failed := range f.failed {
			if failed && len(key) > len(qcTestID) && key[:len(qcTestID)] == qcTestID {
				return true, nil
			}
		}
		return false, nil
	}
	return f.failed[qcTestID+":"+levelID], nil
}

func (f *fakeQCState) Apply(ctx context.Context, point *domain.QCResult) error {
	f.failed[point.QCTestID+":"+point.LevelID] = point.HasRejectViolation()
	return nil
}

// fakeQCRepo keeps one in-memory series per (qcTestID, levelID).
type fakeQCRepo struct {
	history map[string][]domain.QCResult
	levels  map[string]*domain.QCLevel
}

func newFakeQCRepo() *fakeQCRepo {
	return &fakeQCRepo{
		history: make(map[string][]domain.QCResult),
		levels:  make(map[string]*domain.QCLevel),
	}
}

func (f *fakeQCRepo) key(qcTestID, levelID string) string { return qcTestID + ":" + levelID }

func (f *fakeQCRepo) GetQCHistory(ctx context.Context, qcTestID, levelID string, windowSize int) ([]domain.QCResult, error) {
	return f.history[f.key(qcTestID, levelID)], nil
}

func (f *fakeQCRepo) GetQCLevel(ctx context.Context, qcTestID, levelID string) (*domain.QCLevel, error) {
	return f.levels[f.key(qcTestID, levelID)], nil
}

func (f *fakeQCRepo) AppendAndEvaluate(ctx context.Context, point *domain.QCResult,
	evaluate func(history []domain.QCResult, level *domain.QCLevel) *QCEvaluation) (*QCEvaluation, error) {

	key := f.key(point.QCTestID, point.LevelID)
	evaluation := evaluate(f.history[key], f.levels[key])

	frozen := *point
	frozen.Violations = evaluation.Violations
	f.history[key] = append(f.history[key], frozen)
	return evaluation, nil
}

func (f *fakeQCRepo) LatestStatistics(ctx context.Context, qcTestID, levelID string, windowSize int) ([]domain.QCResult, *domain.QCLevel, error) {
	key := f.key(qcTestID, levelID)
	history := f.history[key]
	if len(history) > windowSize {
		history = history[len(history)-windowSize:]
	}
	return history, f.levels[key], nil
}

// memAuditStore records decision events in memory.
type memAuditStore struct {
	events []*audit.DecisionEvent
	acks   []*audit.CriticalAck
}

func (m *memAuditStore) AppendDecision(ctx context.Context, event *audit.DecisionEvent) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAuditStore) DecisionTotals(ctx context.Context, testID string) (*audit.CounterTotals, error) {
	totals := &audit.CounterTotals{}
	for _, ev := range m.events {
		if ev.TestID != testID {
			continue
		}
		if ev.Outcome == domain.AUTO_VERIFIED {
			totals.Success++
		} else {
			totals.Failure++
		}
	}
	return totals, nil
}

func (m *memAuditStore) ListDecisions(ctx context.Context, testID string, limit, offset int) ([]*audit.DecisionEvent, error) {
	return m.events, nil
}

func (m *memAuditStore) AcknowledgeCritical(ctx context.Context, ack *audit.CriticalAck) error {
	m.acks = append(m.acks, ack)
	return nil
}

func (m *memAuditStore) ExportJSON(ctx context.Context, writer io.Writer) error { return nil }
func (m *memAuditStore) Close() error                                          { return nil }

type serviceFixture struct {
	service  *VerificationService
	rules    *fakeRuleStore
	results  *fakeResultSource
	qcState  *fakeQCState
	qcRepo   *fakeQCRepo
	audit    *memAuditStore
	notifier *captureNotifier
	signals  *SignalRegistry
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()

	rules := &fakeRuleStore{
		rules: map[string][]domain.ValidationRule{},
		av:    map[string]*domain.AutoVerificationRule{},
	}
	results := &fakeResultSource{}
	qcState := newFakeQCState()
	qcRepo := newFakeQCRepo()
	auditStore := &memAuditStore{}
	notifier := &captureNotifier{}
	signals := NewSignalRegistry()

	svc, err := NewVerificationService(
		testLogger(),
		rules,
		results,
		signals,
		signals,
		signals,
		qcState,
		qcRepo,
		auditStore,
		notifier,
		NewPredicateRegistry(),
		domain.QCConfig{WindowSize: 20, MinSeedPoints: 5},
		domain.VerificationConfig{TATBreachThreshold: time.Hour},
	)
	require.NoError(t, err)

	return &serviceFixture{
		service:  svc,
		rules:    rules,
		results:  results,
		qcState:  qcState,
		qcRepo:   qcRepo,
		audit:    auditStore,
		notifier: notifier,
		signals:  signals,
	}
}

func TestVerifyResult_AutoVerified(t *testing.T) {
	f := newFixture(t)
	f.rules.rules["GLU"] = []domain.ValidationRule{rangeRule(domain.ACTION_BLOCK)}
	f.rules.av["GLU"] = &domain.AutoVerificationRule{TestID: "GLU", Criteria: allCriteria()}

	verification, err := f.service.VerifyResult(context.Background(), glucoseResult(85))

	require.NoError(t, err)
	assert.Equal(t, domain.AUTO_VERIFIED, verification.Decision.Outcome)
	assert.Empty(t, verification.Decision.Reasons)
	assert.True(t, verification.Outcome.IsValid)

	// Exactly one audit event per decision.
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, domain.AUTO_VERIFIED, f.audit.events[0].Outcome)
	assert.Equal(t, "GLU", f.audit.events[0].TestID)

	// The accepted value is persisted for future delta checks.
	require.Len(t, f.results.saved, 1)
	assert.Equal(t, 85.0, f.results.saved[0].Value)
}

func TestVerifyResult_BlockedResultNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.rules.rules["GLU"] = []domain.ValidationRule{rangeRule(domain.ACTION_BLOCK)}
	f.rules.av["GLU"] = &domain.AutoVerificationRule{TestID: "GLU", Criteria: allCriteria()}

	verification, err := f.service.VerifyResult(context.Background(), glucoseResult(150))

	require.NoError(t, err)
	assert.False(t, verification.Outcome.IsValid)
	assert.Equal(t, domain.HELD_FOR_REVIEW, verification.Decision.Outcome)
	assert.Empty(t, f.results.saved)
}

func TestVerifyResult_MissingTestID(t *testing.T) {
	f := newFixture(t)

	result := glucoseResult(85)
	result.TestID = ""

	_, err := f.service.VerifyResult(context.Background(), result)
	require.Error(t, err)

	var engineErr *domain.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, domain.ErrInvalidInput, engineErr.Code)
}

func TestVerifyResult_NoPolicyHolds(t *testing.T) {
	f := newFixture(t)
	f.rules.rules["GLU"] = []domain.ValidationRule{rangeRule(domain.ACTION_WARN)}

	verification, err := f.service.VerifyResult(context.Background(), glucoseResult(85))

	require.NoError(t, err)
	assert.Equal(t, domain.HELD_FOR_REVIEW, verification.Decision.Outcome)
	assert.Contains(t, verification.Decision.Reasons, "no auto-verification rule configured")
}

func TestVerifyResult_QCFailedHolds(t *testing.T) {
	f := newFixture(t)
	f.rules.av["GLU"] = &domain.AutoVerificationRule{TestID: "GLU", Criteria: allCriteria()}
	f.qcState.failed["GLU:L1"] = true

	verification, err := f.service.VerifyResult(context.Background(), glucoseResult(85))

	require.NoError(t, err)
	assert.Equal(t, domain.HELD_FOR_REVIEW, verification.Decision.Outcome)
	assert.Equal(t, []string{ReasonQCOutOfControl}, verification.Decision.Reasons)
}

func TestVerifyResult_CriticalEscalates(t *testing.T) {
	f := newFixture(t)
	f.rules.rules["GLU"] = []domain.ValidationRule{{
		ID:              "rule-critical",
		TestID:          "GLU",
		RuleType:        domain.RULE_CRITICAL,
		Critical:        &domain.CriticalParams{CriticalLow: 40, CriticalHigh: 500},
		Action:          domain.ACTION_WARN,
		NotifyOnTrigger: true,
		Active:          true,
	}}
	f.rules.av["GLU"] = &domain.AutoVerificationRule{TestID: "GLU", Criteria: allCriteria()}

	verification, err := f.service.VerifyResult(context.Background(), glucoseResult(600))

	require.NoError(t, err)
	assert.Equal(t, domain.HELD_FOR_REVIEW, verification.Decision.Outcome)
	assert.True(t, verification.Outcome.IsCritical)

	// One intent to the ordering clinician.
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, domain.INTENT_CRITICAL_VALUE, f.notifier.intents[0].Kind)

	// Audit event marks the decision critical.
	require.Len(t, f.audit.events, 1)
	assert.True(t, f.audit.events[0].IsCritical)
}

func TestVerifyResult_PreviousLookupFailureSkipsDelta(t *testing.T) {
	f := newFixture(t)
	f.rules.rules["GLU"] = []domain.ValidationRule{{
		ID:       "rule-delta",
		TestID:   "GLU",
		RuleType: domain.RULE_DELTA,
		Delta:    &domain.DeltaParams{Threshold: 25, DeltaType: domain.DELTA_PERCENT},
		Action:   domain.ACTION_BLOCK,
		Active:   true,
	}}
	f.rules.av["GLU"] = &domain.AutoVerificationRule{TestID: "GLU", Criteria: allCriteria()}
	f.results.err = errors.New("history service down")

	verification, err := f.service.VerifyResult(context.Background(), glucoseResult(85))

	require.NoError(t, err)
	assert.False(t, verification.Outcome.DeltaTriggered)
	assert.Equal(t, domain.AUTO_VERIFIED, verification.Decision.Outcome)
}

func TestVerifyResult_InstrumentSignalHolds(t *testing.T) {
	f := newFixture(t)
	f.rules.av["GLU"] = &domain.AutoVerificationRule{TestID: "GLU", Criteria: allCriteria()}
	f.signals.SetInstrumentReady("chem-01", false)

	verification, err := f.service.VerifyResult(context.Background(), glucoseResult(85))

	require.NoError(t, err)
	assert.Equal(t, []string{ReasonInstrument}, verification.Decision.Reasons)
}

func TestRecordQCResult_FreezesViolationsAndEscalates(t *testing.T) {
	f := newFixture(t)
	f.qcRepo.levels["GLU-QC:L1"] = seededLevel()

	ctx := context.Background()

	// First point beyond 2SD: warning only, still in control.
	first := &domain.QCResult{QCTestID: "GLU-QC", LevelID: "L1", Value: 112}
	eval, err := f.service.RecordQCResult(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []domain.WestgardCode{domain.WESTGARD_1_2S}, eval.Violations)
	assert.False(t, first.HasRejectViolation())

	failed, err := f.qcState.IsFailed(ctx, "GLU-QC", "L1")
	require.NoError(t, err)
	assert.False(t, failed)
	assert.Zero(t, f.notifier.count())

	// Second consecutive point beyond 2SD on the same side: 2-2s rejects.
	second := &domain.QCResult{QCTestID: "GLU-QC", LevelID: "L1", Value: 113}
	eval, err = f.service.RecordQCResult(ctx, second)
	require.NoError(t, err)
	assert.Contains(t, eval.Violations, domain.WESTGARD_2_2S)
	assert.True(t, second.HasRejectViolation())
	assert.NotEmpty(t, second.ID)
	assert.False(t, second.Timestamp.IsZero())

	failed, err = f.qcState.IsFailed(ctx, "GLU-QC", "L1")
	require.NoError(t, err)
	assert.True(t, failed)

	// One supervisor intent for the rejected point.
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, domain.INTENT_QC_FAILURE, f.notifier.intents[0].Kind)

	// An in-control point clears the failed state.
	third := &domain.QCResult{QCTestID: "GLU-QC", LevelID: "L1", Value: 100}
	_, err = f.service.RecordQCResult(ctx, third)
	require.NoError(t, err)

	failed, err = f.qcState.IsFailed(ctx, "GLU-QC", "L1")
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestRecordQCResult_MissingIdentifiers(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.RecordQCResult(context.Background(), &domain.QCResult{QCTestID: "GLU-QC"})
	require.Error(t, err)

	var engineErr *domain.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, domain.ErrInvalidInput, engineErr.Code)
}

func TestGetQCStatistics(t *testing.T) {
	f := newFixture(t)
	f.qcRepo.levels["GLU-QC:L1"] = seededLevel()
	f.qcRepo.history["GLU-QC:L1"] = series(98, 102, 100)

	statistics, err := f.service.GetQCStatistics(context.Background(), "GLU-QC", "L1")

	require.NoError(t, err)
	assert.Equal(t, 3, statistics.N)
	assert.InDelta(t, 100.0, statistics.Mean, 0.0001)
	assert.Equal(t, 98.0, statistics.Min)
	assert.Equal(t, 102.0, statistics.Max)
}

func TestAcknowledgeCritical(t *testing.T) {
	f := newFixture(t)

	err := f.service.AcknowledgeCritical(context.Background(), "res-1", "dr-jones")
	require.NoError(t, err)

	require.Len(t, f.audit.acks, 1)
	assert.Equal(t, "res-1", f.audit.acks[0].ResultID)
	assert.Equal(t, "dr-jones", f.audit.acks[0].AcknowledgedBy)
}
