package main

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryLogIntervalFromEnv(t *testing.T) {
	t.Setenv("YANA_MEMORY_LOG_INTERVAL", "30s")
	if got := memoryLogIntervalFromEnv(discardLogger()); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}

	t.Setenv("YANA_MEMORY_LOG_INTERVAL", "45")
	if got := memoryLogIntervalFromEnv(discardLogger()); got != 45*time.Second {
		t.Fatalf("expected bare seconds to parse, got %v", got)
	}

	t.Setenv("YANA_MEMORY_LOG_INTERVAL", "not-a-duration")
	if got := memoryLogIntervalFromEnv(discardLogger()); got != 0 {
		t.Fatalf("expected 0 for invalid value, got %v", got)
	}

	t.Setenv("YANA_MEMORY_LOG_INTERVAL", "")
	if got := memoryLogIntervalFromEnv(discardLogger()); got != 0 {
		t.Fatalf("expected 0 when unset, got %v", got)
	}
}

func TestDigitsOnly(t *testing.T) {
	if !digitsOnly("12345") {
		t.Fatal("expected digits-only string to pass")
	}
	if digitsOnly("12a") || digitsOnly("") || digitsOnly("-5") {
		t.Fatal("expected non-digit strings to fail")
	}
}
