package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lims-autoverify-server/internal/domain"
)

func cleanOutcome() *domain.ValidationOutcome {
	return &domain.ValidationOutcome{
		Errors:   []string{},
		Warnings: []string{},
		Flags:    []domain.ResultFlag{domain.FLAG_NORMAL},
		IsValid:  true,
	}
}

func allCriteria() domain.AutoVerificationCriteria {
	return domain.AutoVerificationCriteria{
		NormalRangeCheck:     true,
		DeltaCheck:           true,
		CriticalValueCheck:   true,
		RequireQCPass:        true,
		InstrumentCheck:      true,
		SampleIntegrityCheck: true,
		ConsistencyCheck:     true,
	}
}

func okInput(outcome *domain.ValidationOutcome, criteria domain.AutoVerificationCriteria) DecisionInput {
	return DecisionInput{
		Outcome:       outcome,
		Criteria:      criteria,
		InstrumentOK:  true,
		SampleOK:      true,
		ConsistencyOK: true,
	}
}

func TestDecider_CleanResultAutoVerifies(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	decision := decider.Decide(okInput(cleanOutcome(), allCriteria()))

	assert.Equal(t, domain.AUTO_VERIFIED, decision.Outcome)
	assert.Empty(t, decision.Reasons)
}

func TestDecider_NoCriteriaAutoVerifiesAbnormal(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	// Everything disabled: an abnormal but valid result sails through.
	outcome := cleanOutcome()
	outcome.Flags = []domain.ResultFlag{domain.FLAG_HIGH}
	outcome.DeltaTriggered = true

	decision := decider.Decide(okInput(outcome, domain.AutoVerificationCriteria{}))

	assert.Equal(t, domain.AUTO_VERIFIED, decision.Outcome)
	assert.Empty(t, decision.Reasons)
}

func TestDecider_BlockingErrorAlwaysHolds(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	// Validation errors hold even with every criterion disabled.
	outcome := cleanOutcome()
	outcome.IsValid = false
	outcome.Errors = []string{"value outside reference range"}

	decision := decider.Decide(okInput(outcome, domain.AutoVerificationCriteria{}))

	assert.Equal(t, domain.HELD_FOR_REVIEW, decision.Outcome)
	assert.Equal(t, []string{ReasonValidationError}, decision.Reasons)
}

func TestDecider_CriticalAlwaysHolds(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	// A critical value is held when CriticalValueCheck is on, even though
	// the result is otherwise valid and every other check passes.
	outcome := cleanOutcome()
	outcome.IsCritical = true
	outcome.Flags = []domain.ResultFlag{domain.FLAG_CRITICAL_HIGH}

	criteria := domain.AutoVerificationCriteria{CriticalValueCheck: true}
	decision := decider.Decide(okInput(outcome, criteria))

	assert.Equal(t, domain.HELD_FOR_REVIEW, decision.Outcome)
	assert.Contains(t, decision.Reasons, ReasonCriticalValue)
}

func TestDecider_SingleCriterionReasons(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	tests := []struct {
		name       string
		mutate     func(*DecisionInput)
		wantReason string
	}{
		{
			"abnormal flag",
			func(in *DecisionInput) { in.Outcome.Flags = []domain.ResultFlag{domain.FLAG_LOW} },
			ReasonOutOfRange,
		},
		{
			"delta triggered",
			func(in *DecisionInput) { in.Outcome.DeltaTriggered = true },
			ReasonDeltaFailed,
		},
		{
			"qc failed",
			func(in *DecisionInput) { in.QCFailed = true },
			ReasonQCOutOfControl,
		},
		{
			"instrument down",
			func(in *DecisionInput) { in.InstrumentOK = false },
			ReasonInstrument,
		},
		{
			"sample compromised",
			func(in *DecisionInput) { in.SampleOK = false },
			ReasonSampleIntegrity,
		},
		{
			"panel inconsistent",
			func(in *DecisionInput) { in.ConsistencyOK = false },
			ReasonInconsistency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := okInput(cleanOutcome(), allCriteria())
			tt.mutate(&in)

			decision := decider.Decide(in)

			assert.Equal(t, domain.HELD_FOR_REVIEW, decision.Outcome)
			assert.Equal(t, []string{tt.wantReason}, decision.Reasons)
		})
	}
}

func TestDecider_DisabledCriterionIgnoresSignal(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	// QC is failed but the criterion is off: treated as satisfied.
	criteria := allCriteria()
	criteria.RequireQCPass = false

	in := okInput(cleanOutcome(), criteria)
	in.QCFailed = true

	decision := decider.Decide(in)

	assert.Equal(t, domain.AUTO_VERIFIED, decision.Outcome)
}

func TestDecider_CollectsAllReasons(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	outcome := cleanOutcome()
	outcome.Flags = []domain.ResultFlag{domain.FLAG_CRITICAL_HIGH}
	outcome.IsCritical = true
	outcome.DeltaTriggered = true

	in := okInput(outcome, allCriteria())
	in.QCFailed = true
	in.InstrumentOK = false

	decision := decider.Decide(in)

	assert.Equal(t, domain.HELD_FOR_REVIEW, decision.Outcome)
	assert.Equal(t, []string{
		ReasonOutOfRange,
		ReasonCriticalValue,
		ReasonDeltaFailed,
		ReasonQCOutOfControl,
		ReasonInstrument,
	}, decision.Reasons)
}

func TestDecider_Idempotent(t *testing.T) {
	decider := NewAutoVerificationDecider(testLogger())

	outcome := cleanOutcome()
	outcome.DeltaTriggered = true
	in := okInput(outcome, allCriteria())

	first := decider.Decide(in)
	second := decider.Decide(in)

	assert.Equal(t, first, second)
}
