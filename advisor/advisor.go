// Package advisor implements the optional external-assessment step of the
// Turn Loop (spec.md §4.6 step 7): after a turn-end evaluation still leaves
// failing tests, an Advisor composes a prompt describing the task, the
// evaluated commit, and a bounded sample of failing tests, sends it to a
// hosted model, and folds the response back into the next turn's prompt.
package advisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/turnloop"
)

// Backend completes a single system/user prompt pair against a hosted model
// and returns its plain-text reply. Implemented by package advisor/anthropic
// and package advisor/bedrock.
type Backend interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Options configures an Advisor.
type Options struct {
	Backend Backend
	// ModelLabel appears in the wrapped assessment text, e.g. "claude-sonnet-4-5".
	ModelLabel string
	// ThinkingLabel appears alongside ModelLabel, e.g. "high" or "off".
	ThinkingLabel string
	Timeout       time.Duration
	// RatePerSecond bounds how often Assess may call the backend. Zero disables
	// limiting.
	RatePerSecond float64
	// MaxFailingTests caps how many failing tests are quoted in the user
	// prompt. Zero falls back to 20.
	MaxFailingTests int
	Logger          telemetry.Logger
}

// Advisor implements turnloop.Advisor by wrapping a Backend with prompt
// construction, timeout, and rate limiting.
type Advisor struct {
	backend       Backend
	modelLabel    string
	thinkingLabel string
	timeout       time.Duration
	limiter       *rate.Limiter
	maxFailing    int
	logger        telemetry.Logger
}

// New constructs an Advisor. Backend is required; all other fields are
// optional.
func New(opts Options) *Advisor {
	maxFailing := opts.MaxFailingTests
	if maxFailing <= 0 {
		maxFailing = 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &Advisor{
		backend:       opts.Backend,
		modelLabel:    opts.ModelLabel,
		thinkingLabel: opts.ThinkingLabel,
		timeout:       opts.Timeout,
		limiter:       limiter,
		maxFailing:    maxFailing,
		logger:        logger,
	}
}

const systemPrompt = `You are an external advisor brought in to review a coding agent's progress on a long-running task. You see only the task prompt, the latest evaluated commit, and a sample of currently failing tests. You do not see the agent's full trajectory or its internal reasoning.

Give a short, direct assessment: what is most likely wrong, and what the agent should try next. Prefer concrete, falsifiable hypotheses over general advice. If the failing tests suggest a narrow, specific bug, say so plainly. Keep the assessment under 200 words.`

// Assess builds a prompt from input, calls the backend within Timeout, and
// wraps the reply as turnloop.AdvisorResult. Returns an error only when the
// backend itself fails; a trivial "no failing tests" case returns a canned
// assessment instead of calling the backend at all.
func (a *Advisor) Assess(ctx context.Context, input turnloop.AdvisorInput) (turnloop.AdvisorResult, error) {
	if len(input.FailingTests) == 0 {
		return turnloop.AdvisorResult{Assessment: "Advisor assessment: no failing tests available."}, nil
	}
	if a.backend == nil {
		return turnloop.AdvisorResult{}, fmt.Errorf("advisor: no backend configured")
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return turnloop.AdvisorResult{}, fmt.Errorf("advisor: rate limiter: %w", err)
		}
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	userPrompt := a.buildUserPrompt(input)
	reply, err := a.backend.Complete(callCtx, systemPrompt, userPrompt)
	if err != nil {
		a.logger.Warn(ctx, "advisor: backend call failed", "error", err)
		return turnloop.AdvisorResult{}, fmt.Errorf("advisor: backend complete: %w", err)
	}

	label := a.modelLabel
	if label == "" {
		label = "external-model"
	}
	thinking := a.thinkingLabel
	if thinking == "" {
		thinking = "off"
	}
	assessment := fmt.Sprintf("External assessment (%s, thinking=%s):\n%s", label, thinking, strings.TrimSpace(reply))
	return turnloop.AdvisorResult{Assessment: assessment}, nil
}

func (a *Advisor) buildUserPrompt(input turnloop.AdvisorInput) string {
	var b strings.Builder
	b.WriteString("A coding agent is working on the following task:\n\n")
	b.WriteString(strings.TrimSpace(input.TaskPrompt))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Current turn: %d\n", input.CurrentTurn)
	if input.CurrentCommit != "" {
		fmt.Fprintf(&b, "Evaluated commit: %s\n", input.CurrentCommit)
	}
	b.WriteString("\n")

	if len(input.SuiteResults) > 0 {
		b.WriteString("Suite results:\n")
		keys := make([]string, 0, len(input.SuiteResults))
		for k := range input.SuiteResults {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sr := input.SuiteResults[k]
			fmt.Fprintf(&b, "- %s: %d/%d passed\n", k, sr.Passed, sr.Total)
		}
		b.WriteString("\n")
	}

	tests := input.FailingTests
	truncated := false
	if len(tests) > a.maxFailing {
		tests = tests[:a.maxFailing]
		truncated = true
	}
	b.WriteString("Failing tests:\n")
	for _, test := range tests {
		fmt.Fprintf(&b, "- [%s] %s", test.Suite, test.TestID)
		if test.Message != "" {
			fmt.Fprintf(&b, ": %s", oneLine(test.Message))
		}
		b.WriteString("\n")
	}
	if truncated {
		fmt.Fprintf(&b, "(%d more failing tests omitted)\n", len(input.FailingTests)-a.maxFailing)
	}

	b.WriteString("\nWhat is most likely wrong, and what should the agent try next?\n")
	return b.String()
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
