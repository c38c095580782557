package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"true", false, true},
		{"YES", false, true},
		{"0", true, false},
		{"off", true, false},
		{"garbage", true, true},
	}
	for _, c := range cases {
		t.Setenv("TEST_BOOL", c.value)
		if got := ParseBoolEnv("TEST_BOOL", c.def); got != c.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", c.value, c.def, got, c.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "90m")
	if got := ParseDurationEnv("TEST_DUR", time.Hour); got != 90*time.Minute {
		t.Errorf("ParseDurationEnv = %v, want 90m", got)
	}
	t.Setenv("TEST_DUR", "soon")
	if got := ParseDurationEnv("TEST_DUR", time.Hour); got != time.Hour {
		t.Errorf("ParseDurationEnv with invalid value = %v, want default 1h", got)
	}
}
