package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env       string
	HTTPAddr  string
	DriftQURL string

	// Demo CLI target.
	APIBaseURL string

	// Worker retry policy.
	WorkerGroup    string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	StepDelay      time.Duration

	// Orchestrator wait budgets. The retry/backoff pacing between a failure
	// and its dead-letter record belongs to the worker environment, so these
	// are tunable rather than hard-coded.
	FailureWait    time.Duration
	DeadLetterWait time.Duration
	SuccessWait    time.Duration
	WaitTick       time.Duration

	RateLimitPerMin int
}

func Load() Config {
	return Config{
		Env:       getenv("ENV", "dev"),
		HTTPAddr:  getenv("HTTP_ADDR", ":8000"),
		DriftQURL: getenv("DRIFTQ_HTTP_URL", "http://127.0.0.1:8080/v1"),

		APIBaseURL: getenv("API_BASE_URL", "http://127.0.0.1:8000"),

		WorkerGroup:    getenv("WORKER_GROUP", "demo-worker"),
		MaxAttempts:    getenvInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay: getenvDuration("RETRY_BASE_DELAY", 300*time.Millisecond),
		StepDelay:      getenvDuration("STEP_DELAY", 200*time.Millisecond),

		FailureWait:    getenvDuration("FAILURE_WAIT", 30*time.Second),
		DeadLetterWait: getenvDuration("DEAD_LETTER_WAIT", 30*time.Second),
		SuccessWait:    getenvDuration("SUCCESS_WAIT", 60*time.Second),
		WaitTick:       getenvDuration("WAIT_TICK", 400*time.Millisecond),

		RateLimitPerMin: getenvInt("RATE_LIMIT_PER_MIN", 120),
	}
}

func getenv(key, defaultValue string) string {
	v := os.Getenv(key)
	if v != "" {
		return v
	}
	return defaultValue
}

func getenvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getenvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
