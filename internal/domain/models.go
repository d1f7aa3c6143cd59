package domain

import (
	"time"
)

// Core Data Models

// ResultValue is a single test result as entered into the system. Immutable
// once created; a correction supersedes it with a new ResultValue referencing
// the original via SupersedesID.
type ResultValue struct {
	ID           string    `json:"id"`
	TestID       string    `json:"test_id"`
	PatientID    string    `json:"patient_id"`
	SampleID     string    `json:"sample_id"`
	InstrumentID string    `json:"instrument_id"`
	Value        float64   `json:"value"`
	CodedValue   string    `json:"coded_value,omitempty"` // enumerated results (e.g. "positive")
	Unit         string    `json:"unit"`
	Timestamp    time.Time `json:"timestamp"`
	SupersedesID string    `json:"supersedes_id,omitempty"`
}

// Rule parameter types. Exactly one is populated on a ValidationRule,
// selected by RuleType.

// RangeParams bounds a reference range check. Boundaries are inclusive:
// a value exactly at Min or Max does not trigger the rule.
type RangeParams struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Unit string  `json:"unit"`
}

// DeltaParams configures a delta check against the patient's previous result.
type DeltaParams struct {
	Threshold float64   `json:"threshold"`
	DeltaType DeltaType `json:"delta_type"`
}

// AbsurdParams bounds physiological plausibility. A violation always blocks
// submission regardless of the rule's configured action.
type AbsurdParams struct {
	AbsurdLow  float64 `json:"absurd_low"`
	AbsurdHigh float64 `json:"absurd_high"`
}

// CriticalParams bounds the critical (panic) value range.
type CriticalParams struct {
	CriticalLow  float64 `json:"critical_low"`
	CriticalHigh float64 `json:"critical_high"`
}

// CustomParams names an externally registered predicate.
type CustomParams struct {
	PredicateID string `json:"predicate_id"`
}

// ValidationRule is a single authored rule for a test. Rules are read-only
// inputs to the engine; evaluation order is the order the RuleStore returns
// them in.
type ValidationRule struct {
	ID              string          `json:"id"`
	TestID          string          `json:"test_id"`
	RuleType        RuleType        `json:"rule_type"`
	Range           *RangeParams    `json:"range,omitempty"`
	Delta           *DeltaParams    `json:"delta,omitempty"`
	Absurd          *AbsurdParams   `json:"absurd,omitempty"`
	Critical        *CriticalParams `json:"critical,omitempty"`
	Custom          *CustomParams   `json:"custom,omitempty"`
	Action          RuleAction      `json:"action"`
	RequiresReview  bool            `json:"requires_review"`
	NotifyOnTrigger bool            `json:"notify_on_trigger"`
	Active          bool            `json:"active"`
}

// ValidationOutcome is the aggregate of every rule that fired for one
// result value. Derived, never persisted on its own: recomputing from the
// same ResultValue and rule set yields an identical outcome.
type ValidationOutcome struct {
	Errors         []string     `json:"errors"`
	Warnings       []string     `json:"warnings"`
	Flags          []ResultFlag `json:"flags"`
	IsCritical     bool         `json:"is_critical"`
	IsValid        bool         `json:"is_valid"`
	DeltaTriggered bool         `json:"delta_triggered"`
	NotifyCritical bool         `json:"notify_critical"`
}

// HasFlag reports whether the outcome carries the given flag.
func (o *ValidationOutcome) HasFlag(flag ResultFlag) bool {
	for _, f := range o.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// QC Models

// QCLevel identifies one control material level for a QC test. Target values
// are optional seeds used until enough history has accumulated to compute a
// running mean/SD.
type QCLevel struct {
	QCTestID   string   `json:"qc_test_id"`
	LevelID    string   `json:"level_id"`
	TargetMean *float64 `json:"target_mean,omitempty"`
	TargetSD   *float64 `json:"target_sd,omitempty"`
}

// QCResult is one control measurement. Append-only; Violations are computed
// at insertion time and frozen so re-evaluating the same series later
// reproduces the same violations for the same point.
type QCResult struct {
	ID          string         `json:"id"`
	QCTestID    string         `json:"qc_test_id"`
	LevelID     string         `json:"level_id"`
	Value       float64        `json:"value"`
	Timestamp   time.Time      `json:"timestamp"`
	PerformedBy string         `json:"performed_by"`
	Violations  []WestgardCode `json:"violations"`
}

// HasRejectViolation reports whether any frozen violation rejects the run.
func (r *QCResult) HasRejectViolation() bool {
	for _, v := range r.Violations {
		if v.IsReject() {
			return true
		}
	}
	return false
}

// QCStatistics is a snapshot over the most recent rolling window, always
// recomputed from history rather than incrementally mutated.
type QCStatistics struct {
	Mean        float64   `json:"mean"`
	SD          float64   `json:"sd"`
	CV          float64   `json:"cv"`
	N           int       `json:"n"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// Auto-Verification Models

// AutoVerificationCriteria selects which checks participate in the decision.
// A disabled criterion is treated as satisfied: it is not evaluated and not
// counted as a pass.
type AutoVerificationCriteria struct {
	NormalRangeCheck     bool `json:"normal_range_check"`
	DeltaCheck           bool `json:"delta_check"`
	CriticalValueCheck   bool `json:"critical_value_check"`
	RequireQCPass        bool `json:"require_qc_pass"`
	InstrumentCheck      bool `json:"instrument_check"`
	SampleIntegrityCheck bool `json:"sample_integrity_check"`
	ConsistencyCheck     bool `json:"consistency_check"`
}

// AutoVerificationRule is the authored per-test auto-verification policy.
// SuccessCount/FailureCount are derived from the audit event stream, not
// mutated by the decision function.
type AutoVerificationRule struct {
	TestID       string                   `json:"test_id"`
	Criteria     AutoVerificationCriteria `json:"criteria"`
	SuccessCount int64                    `json:"success_count"`
	FailureCount int64                    `json:"failure_count"`
}

// AutoVerificationDecision is the outcome of one decision. Reasons is empty
// iff Outcome is AUTO_VERIFIED.
type AutoVerificationDecision struct {
	Outcome DecisionOutcome `json:"outcome"`
	Reasons []string        `json:"reasons"`
}

// Escalation Models

// EscalationIntent is a routed notification request handed to the delivery
// collaborator. DedupKey is the triggering result or QC-point identifier;
// exactly one intent is emitted per key.
type EscalationIntent struct {
	ID          string            `json:"id"`
	Kind        IntentKind        `json:"kind"`
	TargetRole  TargetRole        `json:"target_role"`
	DedupKey    string            `json:"dedup_key"`
	Payload     map[string]string `json:"payload"`
	TATBreached bool              `json:"tat_breached"`
	CreatedAt   time.Time         `json:"created_at"`
}

// VerificationRecord is the audit snapshot stored after a verification run.
type VerificationRecord struct {
	ID               string                   `json:"id"`
	ResultID         string                   `json:"result_id"`
	TestID           string                   `json:"test_id"`
	Outcome          ValidationOutcome        `json:"outcome"`
	Decision         AutoVerificationDecision `json:"decision"`
	ProcessingTimeMS int                      `json:"processing_time_ms"`
	CreatedAt        time.Time                `json:"created_at"`
}

// Configuration Models

// Config is the main application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	QC           QCConfig           `mapstructure:"qc"`
	Verification VerificationConfig `mapstructure:"verification"`
	Notification NotificationConfig `mapstructure:"notification"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig holds settings for the shared QC state cache. Optional: when
// URL is empty the tracker runs on its in-process cache alone.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// QCConfig holds QC statistics engine settings.
type QCConfig struct {
	WindowSize    int `mapstructure:"window_size"`
	MinSeedPoints int `mapstructure:"min_seed_points"`
}

// VerificationConfig holds auto-verification workflow settings.
type VerificationConfig struct {
	TATBreachThreshold time.Duration `mapstructure:"tat_breach_threshold"`
}

// NotificationConfig holds notification dispatcher settings.
type NotificationConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	BreakerInterval time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// AuditConfig selects the decision audit backend. "postgres" shares the
// main database; "sqlite" keeps a local file for standalone deployments.
type AuditConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
