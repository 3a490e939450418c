// Package config loads the orchestrator's environment variables (SPEC_FULL.md
// §6 / spec.md §6) and task/environment parameter files. Grounded on
// orchestrator.py's os.environ.get(...) constants block and its
// normalize_positive_limit / resolve_failed_tests_feedback_limit helpers,
// translated from Python's dynamic env-parsing into typed Go fields loaded
// once at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Orchestrator holds every tunable named in spec.md §6, with the defaults the
// spec lists in parentheses.
type Orchestrator struct {
	EvaluationConcurrency      int
	EvaluationTimeout          time.Duration
	EvaluationTestPath         string
	EvaluationEnvoiURL         string
	TurnRecoveryRetries        int
	MessageTimeout             time.Duration
	LogsFlushInterval          time.Duration
	LogsFlushBatchSize         int
	ShutdownGrace              time.Duration
	EvaluatorDrainTimeout      time.Duration
	ResumeFromS3               bool
	AdvisorTimeout             time.Duration
	FailedTestFeedbackLimit    int
}

// FromEnv loads Orchestrator from the process environment, applying the
// spec's defaults and clamping floors (e.g. EvaluationTimeout can never fall
// below 60s, matching `max(60, int(os.environ.get(...)))`).
func FromEnv() Orchestrator {
	return Orchestrator{
		EvaluationConcurrency:   envIntFloor("EVALUATION_CONCURRENCY", 1, 1),
		EvaluationTimeout:       time.Duration(envIntFloor("EVALUATION_TIMEOUT_SECONDS", 7200, 60)) * time.Second,
		EvaluationTestPath:      envString("EVALUATION_TEST_PATH", "basics"),
		EvaluationEnvoiURL:      envStringNonEmpty("EVALUATION_ENVOI_URL", "http://localhost:8000"),
		TurnRecoveryRetries:     envIntFloor("TURN_RECOVERY_RETRIES", 3, 0),
		MessageTimeout:          time.Duration(envIntFloor("MESSAGE_TIMEOUT_SECONDS", 600, 0)) * time.Second,
		LogsFlushInterval:       time.Duration(envIntFloor("LOGS_FLUSH_INTERVAL_SECONDS", 5, 1)) * time.Second,
		LogsFlushBatchSize:      envIntFloor("LOGS_FLUSH_BATCH_SIZE", 50, 1),
		ShutdownGrace:           time.Duration(envIntFloor("SHUTDOWN_GRACE_SECONDS", 300, 0)) * time.Second,
		EvaluatorDrainTimeout:   time.Duration(envIntFloor("EVALUATOR_DRAIN_TIMEOUT_SECONDS", 30, 0)) * time.Second,
		ResumeFromS3:            envBool("RESUME_FROM_S3", true),
		AdvisorTimeout:          time.Duration(envIntFloor("ADVISOR_TIMEOUT_SECONDS", 180, 30)) * time.Second,
		FailedTestFeedbackLimit: envIntFloor("FAILED_TEST_FEEDBACK_LIMIT", 50, 1),
	}
}

func envIntFloor(name string, def, floor int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < floor {
		return floor
	}
	return v
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func envStringNonEmpty(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return def
	}
	switch raw {
	case "0", "false", "no":
		return false
	default:
		return true
	}
}

// NormalizePositiveLimit returns value if it is a positive int, nil
// otherwise — the Go analogue of normalize_positive_limit (nil means
// "unbounded").
func NormalizePositiveLimit(value int) *int {
	if value > 0 {
		return &value
	}
	return nil
}
