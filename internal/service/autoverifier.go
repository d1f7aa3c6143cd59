package service

import (
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
)

// Hold reasons surfaced on a held-for-review decision.
const (
	ReasonOutOfRange      = "out of reference range"
	ReasonCriticalValue   = "critical value"
	ReasonDeltaFailed     = "delta check failed"
	ReasonValidationError = "validation error"
	ReasonQCOutOfControl  = "QC out of control"
	ReasonInstrument      = "instrument not ready"
	ReasonSampleIntegrity = "sample integrity issue"
	ReasonInconsistency   = "panel inconsistency"
)

// DecisionInput carries everything the decider consults: the validation
// outcome and the readiness signals gathered by the caller.
type DecisionInput struct {
	Outcome       *domain.ValidationOutcome
	QCFailed      bool
	InstrumentOK  bool
	SampleOK      bool
	ConsistencyOK bool
	Criteria      domain.AutoVerificationCriteria
}

// AutoVerificationDecider decides whether a validated result may be released
// without human sign-off. The decision is pure: it neither notifies nor
// persists — the caller records the audit event afterwards.
type AutoVerificationDecider struct {
	logger *logrus.Logger
}

// NewAutoVerificationDecider creates a new decider.
func NewAutoVerificationDecider(logger *logrus.Logger) *AutoVerificationDecider {
	return &AutoVerificationDecider{logger: logger}
}

// abnormalFlags are the outcome flags that fail the normal-range criterion.
var abnormalFlags = []domain.ResultFlag{
	domain.FLAG_HIGH,
	domain.FLAG_LOW,
	domain.FLAG_ABNORMAL,
	domain.FLAG_CRITICAL_HIGH,
	domain.FLAG_CRITICAL_LOW,
}

// Decide evaluates only the criteria flagged true; a disabled criterion is
// treated as satisfied. All matching hold reasons are collected, not just
// the first. Blocking validation errors hold regardless of which criteria
// are enabled, and a critical result is never auto-verified while
// CriticalValueCheck is on — even if every other check passes.
func (d *AutoVerificationDecider) Decide(in DecisionInput) *domain.AutoVerificationDecision {
	reasons := []string{}
	outcome := in.Outcome

	if in.Criteria.NormalRangeCheck {
		for _, f := range abnormalFlags {
			if outcome.HasFlag(f) {
				reasons = append(reasons, ReasonOutOfRange)
				break
			}
		}
	}

	if in.Criteria.CriticalValueCheck && outcome.IsCritical {
		reasons = append(reasons, ReasonCriticalValue)
	}

	if in.Criteria.DeltaCheck && outcome.DeltaTriggered {
		reasons = append(reasons, ReasonDeltaFailed)
	}

	if !outcome.IsValid {
		reasons = append(reasons, ReasonValidationError)
	}

	if in.Criteria.RequireQCPass && in.QCFailed {
		reasons = append(reasons, ReasonQCOutOfControl)
	}

	if in.Criteria.InstrumentCheck && !in.InstrumentOK {
		reasons = append(reasons, ReasonInstrument)
	}

	if in.Criteria.SampleIntegrityCheck && !in.SampleOK {
		reasons = append(reasons, ReasonSampleIntegrity)
	}

	if in.Criteria.ConsistencyCheck && !in.ConsistencyOK {
		reasons = append(reasons, ReasonInconsistency)
	}

	decision := &domain.AutoVerificationDecision{Reasons: reasons}
	if len(reasons) == 0 {
		decision.Outcome = domain.AUTO_VERIFIED
	} else {
		decision.Outcome = domain.HELD_FOR_REVIEW
	}

	d.logger.WithFields(logrus.Fields{
		"outcome": decision.Outcome,
		"reasons": len(reasons),
	}).Debug("Completed auto-verification decision")

	return decision
}
