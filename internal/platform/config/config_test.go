package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("BROKER_TEST_STR", "value")
	if got := GetEnv("BROKER_TEST_STR", "fallback"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("BROKER_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnv unset = %q", got)
	}
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("BROKER_TEST_INT", "42")
	t.Setenv("BROKER_TEST_BAD", "x")
	t.Setenv("BROKER_TEST_FLOAT", "0.5")

	if got := GetEnvInt("BROKER_TEST_INT", 1); got != 42 {
		t.Errorf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("BROKER_TEST_BAD", 1); got != 1 {
		t.Errorf("GetEnvInt invalid = %d", got)
	}
	if got := GetEnvFloat("BROKER_TEST_FLOAT", 1); got != 0.5 {
		t.Errorf("GetEnvFloat = %g", got)
	}
}

func TestGetEnvDurations(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go_duration", "1m30s", 90 * time.Second},
		{"bare_seconds", "300", 5 * time.Minute},
		{"fractional_seconds", "2.5", 2500 * time.Millisecond},
		{"invalid", "soon", time.Second},
		{"negative_seconds", "-3", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BROKER_TEST_DURATION", tt.value)
			if got := GetEnvDuration("BROKER_TEST_DURATION", time.Second); got != tt.want {
				t.Errorf("GetEnvDuration(%q) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("BROKER_TEST_LOADED=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BROKER_TEST_LOADED", "")
	os.Unsetenv("BROKER_TEST_LOADED")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("BROKER_TEST_LOADED"); got != "yes" {
		t.Errorf("BROKER_TEST_LOADED = %q", got)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
