package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"ENV", "HTTP_ADDR", "DRIFTQ_HTTP_URL", "API_BASE_URL",
		"WORKER_GROUP", "MAX_ATTEMPTS", "RETRY_BASE_DELAY", "STEP_DELAY",
		"FAILURE_WAIT", "DEAD_LETTER_WAIT", "SUCCESS_WAIT", "WAIT_TICK",
		"RATE_LIMIT_PER_MIN",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Env != "dev" {
		t.Fatalf("expected default Env=dev, got %s", cfg.Env)
	}
	if cfg.HTTPAddr != ":8000" {
		t.Fatalf("expected default HTTPAddr=:8000, got %s", cfg.HTTPAddr)
	}
	if cfg.DriftQURL != "http://127.0.0.1:8080/v1" {
		t.Fatalf("expected default DriftQURL, got %s", cfg.DriftQURL)
	}
	if cfg.WorkerGroup != "demo-worker" {
		t.Fatalf("expected default WorkerGroup=demo-worker, got %s", cfg.WorkerGroup)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected default MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.FailureWait != 30*time.Second {
		t.Fatalf("expected default FailureWait=30s, got %s", cfg.FailureWait)
	}
	if cfg.WaitTick != 400*time.Millisecond {
		t.Fatalf("expected default WaitTick=400ms, got %s", cfg.WaitTick)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Fatalf("expected default RateLimitPerMin=120, got %d", cfg.RateLimitPerMin)
	}
}

func TestLoadRespectsEnv(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("DRIFTQ_HTTP_URL", "http://driftq:8080")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("SUCCESS_WAIT", "90s")
	t.Setenv("WAIT_TICK", "250ms")

	cfg := Load()
	if cfg.Env != "prod" {
		t.Fatalf("expected ENV override, got %s", cfg.Env)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.DriftQURL != "http://driftq:8080" {
		t.Fatalf("expected DRIFTQ_HTTP_URL override, got %s", cfg.DriftQURL)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("expected MAX_ATTEMPTS override, got %d", cfg.MaxAttempts)
	}
	if cfg.SuccessWait != 90*time.Second {
		t.Fatalf("expected SUCCESS_WAIT override, got %s", cfg.SuccessWait)
	}
	if cfg.WaitTick != 250*time.Millisecond {
		t.Fatalf("expected WAIT_TICK override, got %s", cfg.WaitTick)
	}
}

func TestGetenvInt(t *testing.T) {
	t.Setenv("INT_KEY", "7")
	if got := getenvInt("INT_KEY", 3); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}

	t.Setenv("INT_KEY", "not-a-number")
	if got := getenvInt("INT_KEY", 3); got != 3 {
		t.Fatalf("expected fallback 3, got %d", got)
	}
}

func TestGetenvDuration(t *testing.T) {
	t.Setenv("DUR_KEY", "2s")
	if got := getenvDuration("DUR_KEY", time.Second); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}

	t.Setenv("DUR_KEY", "-5s")
	if got := getenvDuration("DUR_KEY", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s for non-positive value, got %s", got)
	}

	t.Setenv("DUR_KEY", "bogus")
	if got := getenvDuration("DUR_KEY", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
}
