package config

import (
	"flag"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadAllowsEmptyDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WORKER_COUNT", "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty DatabaseURL, got %q", cfg.DatabaseURL)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("expected default worker count 4, got %d", cfg.WorkerCount)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject empty DatabaseURL")
	}
}

func TestLoadInvalidWorkerCount(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WORKER_COUNT", "not-a-number")

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for invalid WORKER_COUNT")
	}

	t.Setenv("WORKER_COUNT", "0")
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for zero WORKER_COUNT")
	}
}

func TestLoadDisableWorkersFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DISABLE_WORKERS", "yes")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !cfg.DisableWorkers {
		t.Fatal("expected DisableWorkers to be set")
	}
}

func TestDurationFromEnvAcceptsBareSeconds(t *testing.T) {
	t.Setenv("LEASE_DURATION", "90")

	if got := durationFromEnv("LEASE_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}

	t.Setenv("LEASE_DURATION", "garbage")
	if got := durationFromEnv("LEASE_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for invalid value, got %v", got)
	}
}

func TestLoadAllowCIDRsFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ALLOW_CIDRS", "10.0.0.0/8, 192.0.2.0/24,,")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"10.0.0.0/8", "192.0.2.0/24"}
	if !reflect.DeepEqual(cfg.AllowCIDRs, want) {
		t.Fatalf("expected %v, got %v", want, cfg.AllowCIDRs)
	}
}

func TestBindFlagsParsesAllowCIDRs(t *testing.T) {
	cfg := defaults()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.BindFlags(fs)

	if err := fs.Parse([]string{"--allow-cidrs", "10.0.0.0/8,127.0.0.1/32", "--workers", "2"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"10.0.0.0/8", "127.0.0.1/32"}
	if !reflect.DeepEqual(cfg.AllowCIDRs, want) {
		t.Fatalf("expected %v, got %v", want, cfg.AllowCIDRs)
	}
	if cfg.WorkerCount != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.WorkerCount)
	}
}

func TestDefaultNodeID(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NODE_ID", "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasPrefix(cfg.NodeID, "yana-") {
		t.Fatalf("expected generated node id, got %q", cfg.NodeID)
	}
}

func TestValidateBackoffOrdering(t *testing.T) {
	cfg := defaults()
	cfg.DatabaseURL = "postgres://localhost/yana"
	cfg.RetryBackoffBase = time.Minute
	cfg.RetryBackoffMax = time.Second

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when backoff max < base")
	}
}
