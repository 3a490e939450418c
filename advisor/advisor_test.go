package advisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envoi-run/trajectory/trajectory"
	"github.com/envoi-run/trajectory/turnloop"
)

var errBackendBoom = errors.New("backend boom")

type fakeBackend struct {
	reply   string
	err     error
	calls   int
	lastSys string
	lastUsr string
}

func (f *fakeBackend) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.lastSys = systemPrompt
	f.lastUsr = userPrompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func TestAssessReturnsCannedAssessmentWithoutFailingTests(t *testing.T) {
	backend := &fakeBackend{reply: "should not be called"}
	a := New(Options{Backend: backend})

	result, err := a.Assess(context.Background(), turnloop.AdvisorInput{TaskPrompt: "fix the bug"})
	require.NoError(t, err)
	require.Equal(t, "Advisor assessment: no failing tests available.", result.Assessment)
	require.Zero(t, backend.calls)
}

func TestAssessWrapsBackendReplyWithModelAndThinkingLabel(t *testing.T) {
	backend := &fakeBackend{reply: "  check the parser edge case  "}
	a := New(Options{Backend: backend, ModelLabel: "claude-sonnet-4-5", ThinkingLabel: "high"})

	result, err := a.Assess(context.Background(), turnloop.AdvisorInput{
		TaskPrompt:    "fix the parser",
		CurrentTurn:   3,
		CurrentCommit: "abc123",
		FailingTests: []trajectory.EvalTestResult{
			{Suite: "unit", TestID: "test_parser_handles_empty_input", Message: "AssertionError: expected 0, got 1"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "External assessment (claude-sonnet-4-5, thinking=high):\ncheck the parser edge case", result.Assessment)
	require.Equal(t, 1, backend.calls)
	require.Contains(t, backend.lastUsr, "fix the parser")
	require.Contains(t, backend.lastUsr, "abc123")
	require.Contains(t, backend.lastUsr, "test_parser_handles_empty_input")
}

func TestAssessUsesDefaultLabelsWhenUnset(t *testing.T) {
	backend := &fakeBackend{reply: "looks like a race condition"}
	a := New(Options{Backend: backend})

	result, err := a.Assess(context.Background(), turnloop.AdvisorInput{
		TaskPrompt:   "fix it",
		FailingTests: []trajectory.EvalTestResult{{Suite: "unit", TestID: "t1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "External assessment (external-model, thinking=off):\nlooks like a race condition", result.Assessment)
}

func TestAssessPropagatesBackendError(t *testing.T) {
	failing := &fakeBackend{err: errBackendBoom}
	a := New(Options{Backend: failing})

	_, err := a.Assess(context.Background(), turnloop.AdvisorInput{
		TaskPrompt:   "fix it",
		FailingTests: []trajectory.EvalTestResult{{Suite: "unit", TestID: "t1"}},
	})
	require.Error(t, err)
}

func TestAssessReturnsErrorWithoutBackend(t *testing.T) {
	a := New(Options{})
	_, err := a.Assess(context.Background(), turnloop.AdvisorInput{
		FailingTests: []trajectory.EvalTestResult{{Suite: "unit", TestID: "t1"}},
	})
	require.Error(t, err)
}

func TestBuildUserPromptTruncatesBeyondMaxFailingTests(t *testing.T) {
	backend := &fakeBackend{reply: "ok"}
	a := New(Options{Backend: backend, MaxFailingTests: 2})

	tests := []trajectory.EvalTestResult{
		{Suite: "unit", TestID: "t1"},
		{Suite: "unit", TestID: "t2"},
		{Suite: "unit", TestID: "t3"},
	}
	_, err := a.Assess(context.Background(), turnloop.AdvisorInput{TaskPrompt: "x", FailingTests: tests})
	require.NoError(t, err)
	require.Contains(t, backend.lastUsr, "t1")
	require.Contains(t, backend.lastUsr, "t2")
	require.NotContains(t, backend.lastUsr, "t3")
	require.Contains(t, backend.lastUsr, "1 more failing tests omitted")
}
