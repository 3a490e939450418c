package partstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoi-run/trajectory/agentadapter"
	"github.com/envoi-run/trajectory/checkpoint"
	"github.com/envoi-run/trajectory/evalscheduler"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/trajectory"
	"github.com/envoi-run/trajectory/winnerlatch"
)

// scriptedSandbox replays one CommandResult per call to Run, in order,
// letting a test drive a scripted git history (init, commit, rev-parse,
// diff) without a real git binary.
type scriptedSandbox struct {
	results []sandbox.CommandResult
	i       int
}

func (s *scriptedSandbox) Name() string { return "scripted" }
func (s *scriptedSandbox) Run(context.Context, string, sandbox.RunOptions) (sandbox.CommandResult, error) {
	if s.i >= len(s.results) {
		return sandbox.CommandResult{}, nil
	}
	r := s.results[s.i]
	s.i++
	return r, nil
}
func (s *scriptedSandbox) WriteFile(context.Context, string, string, bool) error { return nil }
func (s *scriptedSandbox) ReadFile(context.Context, string) (string, error)      { return "", nil }
func (s *scriptedSandbox) ReadFileBytes(context.Context, string) ([]byte, error) { return nil, nil }
func (s *scriptedSandbox) WriteFilesParallel(context.Context, map[string]string, int) error {
	return nil
}
func (s *scriptedSandbox) Terminate(context.Context) error { return nil }

func newTestTrajectory() *trajectory.Trajectory {
	return trajectory.New("stub", "test-model")
}

func TestProcessEnrichesWordCountAndTokenEstimate(t *testing.T) {
	p := New(Options{Trajectory: newTestTrajectory()})
	turn := trajectory.NewTurn(1, "do the thing", "")

	result, err := p.Process(context.Background(), turn, agentadapter.PartPayload{
		Kind:    "text",
		Role:    "assistant",
		Content: "four word part here",
	})

	require.NoError(t, err)
	require.Equal(t, 4, result.Part.WordCount)
	require.Equal(t, 5, result.Part.TokenEstimate) // ceil(19/4)
	require.False(t, result.ShouldInterrupt)
	require.Equal(t, 1, result.Part.Part)
	require.Len(t, turn.Parts, 1)
}

func TestProcessRedactsSecretLikeToolInputKeys(t *testing.T) {
	p := New(Options{Trajectory: newTestTrajectory()})
	turn := trajectory.NewTurn(1, "prompt", "")

	result, err := p.Process(context.Background(), turn, agentadapter.PartPayload{
		Kind:      "tool",
		ToolName:  "shell",
		ToolInput: map[string]any{"api_key": "sk-live-xxxx", "cmd": "ls"},
	})

	require.NoError(t, err)
	require.Equal(t, "[redacted]", result.Part.ToolInput["api_key"])
	require.Equal(t, "ls", result.Part.ToolInput["cmd"])
}

func TestProcessUpdatesSolveTrackerFromEnvoiCall(t *testing.T) {
	tr := newTestTrajectory()
	tracker := trajectory.NewSolveTracker([]string{"basics"})
	decode := func(payload agentadapter.PartPayload) (*trajectory.EnvoiCall, bool) {
		if payload.ToolName != "envoi_test" {
			return nil, false
		}
		return &trajectory.EnvoiCall{
			Path:       "basics",
			Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			StatusCode: 200,
			Result:     &trajectory.EnvoiCallResult{Passed: 3, Total: 3},
		}, true
	}
	p := New(Options{Trajectory: tr, Tracker: tracker, DecodeEnvoi: decode})
	turn := trajectory.NewTurn(1, "prompt", "")

	result, err := p.Process(context.Background(), turn, agentadapter.PartPayload{
		Kind:     "tool",
		ToolName: "envoi_test",
	})

	require.NoError(t, err)
	require.NotNil(t, result.Part.TestingState)
	require.Equal(t, []string{"basics"}, result.Part.TestingState.SolvedPaths)
	require.Equal(t, 3, result.Part.TestingState.LatestPassed)
}

func TestProcessChangedFilesCheckpointsAndSchedules(t *testing.T) {
	tr := newTestTrajectory()
	sb := &scriptedSandbox{results: []sandbox.CommandResult{
		{ExitCode: 0, Stdout: "before000\n"},             // headCommit (prior)
		{ExitCode: 0},                                    // git add/commit
		{ExitCode: 0, Stdout: "after111\n"},               // headCommit (new)
		{ExitCode: 0, Stdout: "main.go\n"},                 // diff --name-only
	}}
	ckpt := checkpoint.New(sb, nil)
	scheduler := evalscheduler.New(evalscheduler.Options{Sandbox: sb, Concurrency: 1}, nil)
	defer scheduler.Wait(context.Background())

	p := New(Options{Trajectory: tr, Checkpointer: ckpt, Scheduler: scheduler})
	turn := trajectory.NewTurn(1, "prompt", "")

	result, err := p.Process(context.Background(), turn, agentadapter.PartPayload{
		Kind:  "patch",
		Files: []string{"main.go"},
	})

	require.NoError(t, err)
	require.Equal(t, "after111", result.Part.GitCommit)
	require.NotNil(t, result.Part.RepoCheckpoint)
	require.Equal(t, []string{"main.go"}, result.Part.RepoCheckpoint.FilesChanged)
}

func TestProcessSkipsSchedulingForAlreadySeenCommit(t *testing.T) {
	tr := newTestTrajectory()
	sb := &scriptedSandbox{results: []sandbox.CommandResult{
		{ExitCode: 0, Stdout: "same000\n"},
		{ExitCode: 0},
		{ExitCode: 0, Stdout: "same000\n"},
	}}
	ckpt := checkpoint.New(sb, nil)
	p := New(Options{Trajectory: tr, Checkpointer: ckpt})
	p.SeedCommit("same000")
	turn := trajectory.NewTurn(1, "prompt", "")

	result, err := p.Process(context.Background(), turn, agentadapter.PartPayload{
		Kind:  "patch",
		Files: []string{"a.go"},
	})

	require.NoError(t, err)
	require.True(t, p.seenCommits["same000"])
	require.Equal(t, "same000", result.Part.GitCommit)
}

func TestProcessEmitsSnapshotAfterAppend(t *testing.T) {
	tr := newTestTrajectory()
	var snapshotted *trajectory.Trajectory
	p := New(Options{
		Trajectory: tr,
		Snapshot: func(ctx context.Context, t *trajectory.Trajectory) error {
			snapshotted = t
			return nil
		},
	})
	turn := trajectory.NewTurn(1, "prompt", "")

	_, err := p.Process(context.Background(), turn, agentadapter.PartPayload{Kind: "text", Content: "hi"})

	require.NoError(t, err)
	require.Same(t, tr, snapshotted)
}

func TestProcessInterruptsOncePartReachesLatchedWinner(t *testing.T) {
	tr := newTestTrajectory()
	latch := winnerlatch.New()
	latch.TryLatch(1)
	p := New(Options{Trajectory: tr, Latch: latch})
	turn := trajectory.NewTurn(1, "prompt", "")

	result, err := p.Process(context.Background(), turn, agentadapter.PartPayload{Kind: "text", Content: "a"})

	require.NoError(t, err)
	require.True(t, result.ShouldInterrupt)
}

func TestProcessDoesNotInterruptBeforeLatchedPart(t *testing.T) {
	tr := newTestTrajectory()
	latch := winnerlatch.New()
	latch.TryLatch(5)
	p := New(Options{Trajectory: tr, Latch: latch})
	turn := trajectory.NewTurn(1, "prompt", "")

	result, err := p.Process(context.Background(), turn, agentadapter.PartPayload{Kind: "text", Content: "a"})

	require.NoError(t, err)
	require.False(t, result.ShouldInterrupt)
}
