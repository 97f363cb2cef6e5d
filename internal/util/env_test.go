package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{" ON ", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("INTAKE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("INTAKE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Second},
		{"10s", 10 * time.Second},
		{" 24h ", 24 * time.Hour},
		{"soon", 5 * time.Second},
		{"-1m", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("INTAKE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("INTAKE_TEST_DURATION", 5*time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
