package domain

import (
	"testing"
)

func TestResultFlagConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    ResultFlag
		expected string
	}{
		{"Normal", FLAG_NORMAL, "NORMAL"},
		{"Abnormal", FLAG_ABNORMAL, "ABNORMAL"},
		{"High", FLAG_HIGH, "HIGH"},
		{"Low", FLAG_LOW, "LOW"},
		{"Critical High", FLAG_CRITICAL_HIGH, "CRITICAL_HIGH"},
		{"Critical Low", FLAG_CRITICAL_LOW, "CRITICAL_LOW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.value) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.value))
			}
		})
	}
}

func TestWestgardCodeIsReject(t *testing.T) {
	tests := []struct {
		name   string
		code   WestgardCode
		reject bool
	}{
		{"1-2s warns only", WESTGARD_1_2S, false},
		{"1-3s rejects", WESTGARD_1_3S, true},
		{"2-2s rejects", WESTGARD_2_2S, true},
		{"R-4s rejects", WESTGARD_R_4S, true},
		{"4-1s rejects", WESTGARD_4_1S, true},
		{"10x rejects", WESTGARD_10X, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code.IsReject() != tt.reject {
				t.Errorf("Expected IsReject()=%v for %s", tt.reject, tt.code)
			}
		})
	}
}

func TestDecisionOutcomeConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    DecisionOutcome
		expected string
	}{
		{"Auto Verified", AUTO_VERIFIED, "AUTO_VERIFIED"},
		{"Held For Review", HELD_FOR_REVIEW, "HELD_FOR_REVIEW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.value) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.value))
			}
		})
	}
}

func TestQCResultHasRejectViolation(t *testing.T) {
	tests := []struct {
		name       string
		violations []WestgardCode
		expected   bool
	}{
		{"no violations", nil, false},
		{"warning only", []WestgardCode{WESTGARD_1_2S}, false},
		{"single reject", []WestgardCode{WESTGARD_1_3S}, true},
		{"warning plus reject", []WestgardCode{WESTGARD_1_2S, WESTGARD_2_2S}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &QCResult{Violations: tt.violations}
			if r.HasRejectViolation() != tt.expected {
				t.Errorf("Expected HasRejectViolation()=%v", tt.expected)
			}
		})
	}
}

func TestValidationOutcomeHasFlag(t *testing.T) {
	o := &ValidationOutcome{Flags: []ResultFlag{FLAG_HIGH, FLAG_CRITICAL_HIGH}}

	if !o.HasFlag(FLAG_HIGH) {
		t.Error("Expected HasFlag(FLAG_HIGH) to be true")
	}
	if o.HasFlag(FLAG_LOW) {
		t.Error("Expected HasFlag(FLAG_LOW) to be false")
	}
}
