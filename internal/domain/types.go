package domain

// Core Enums and Types

// RuleType identifies the kind of validation rule applied to a result value.
type RuleType string

const (
	RULE_RANGE    RuleType = "RANGE"
	RULE_DELTA    RuleType = "DELTA"
	RULE_ABSURD   RuleType = "ABSURD"
	RULE_CRITICAL RuleType = "CRITICAL"
	RULE_CUSTOM   RuleType = "CUSTOM"
)

// RuleAction determines how a triggered rule affects result submission.
type RuleAction string

const (
	ACTION_WARN  RuleAction = "WARN"
	ACTION_BLOCK RuleAction = "BLOCK"
	ACTION_FLAG  RuleAction = "FLAG"
)

// DeltaType selects how a delta check compares against the previous result.
type DeltaType string

const (
	DELTA_PERCENT  DeltaType = "PERCENT"
	DELTA_ABSOLUTE DeltaType = "ABSOLUTE"
)

// ResultFlag annotates a validated result value.
type ResultFlag string

const (
	FLAG_NORMAL        ResultFlag = "NORMAL"
	FLAG_ABNORMAL      ResultFlag = "ABNORMAL"
	FLAG_HIGH          ResultFlag = "HIGH"
	FLAG_LOW           ResultFlag = "LOW"
	FLAG_CRITICAL_HIGH ResultFlag = "CRITICAL_HIGH"
	FLAG_CRITICAL_LOW  ResultFlag = "CRITICAL_LOW"
)

// WestgardCode names a multi-rule QC violation.
type WestgardCode string

const (
	WESTGARD_1_2S WestgardCode = "1-2s"
	WESTGARD_1_3S WestgardCode = "1-3s"
	WESTGARD_2_2S WestgardCode = "2-2s"
	WESTGARD_R_4S WestgardCode = "R-4s"
	WESTGARD_4_1S WestgardCode = "4-1s"
	WESTGARD_10X  WestgardCode = "10x"
)

// IsReject reports whether the code rejects the QC run. 1-2s is a warning
// only and never rejects on its own.
func (c WestgardCode) IsReject() bool {
	return c != WESTGARD_1_2S
}

// DecisionOutcome is the result of an auto-verification decision.
type DecisionOutcome string

const (
	AUTO_VERIFIED   DecisionOutcome = "AUTO_VERIFIED"
	HELD_FOR_REVIEW DecisionOutcome = "HELD_FOR_REVIEW"
)

// IntentKind classifies an escalation intent.
type IntentKind string

const (
	INTENT_CRITICAL_VALUE IntentKind = "CRITICAL_VALUE"
	INTENT_QC_FAILURE     IntentKind = "QC_FAILURE"
)

// TargetRole is the staff role an escalation intent is routed to.
type TargetRole string

const (
	ROLE_ORDERING_CLINICIAN TargetRole = "ORDERING_CLINICIAN"
	ROLE_LAB_SUPERVISOR     TargetRole = "LAB_SUPERVISOR"
)

func (t RuleType) String() string        { return string(t) }
func (a RuleAction) String() string      { return string(a) }
func (d DeltaType) String() string       { return string(d) }
func (f ResultFlag) String() string      { return string(f) }
func (c WestgardCode) String() string    { return string(c) }
func (o DecisionOutcome) String() string { return string(o) }
func (k IntentKind) String() string      { return string(k) }
func (r TargetRole) String() string      { return string(r) }
