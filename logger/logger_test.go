package logger

import (
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWarnRecordsComponentStat(t *testing.T) {
	log := Logger()
	log.SetOutput(nopWriter{})
	log.WithComponent("stat_probe").Warn("boom")

	v, ok := components.Load("stat_probe")
	if !ok {
		t.Fatalf("expected component stat to be recorded")
	}
	if v.(*componentStat).warns == 0 {
		t.Fatalf("warn counter not incremented")
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
