package turnloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoi-run/trajectory/agentadapter"
	"github.com/envoi-run/trajectory/partstream"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/trajectory"
	"github.com/envoi-run/trajectory/winnerlatch"
)

// fakeAdapter scripts one RunTurn outcome (and its streamed parts) per call.
type fakeAdapter struct {
	parts        [][]agentadapter.PartPayload
	outcomes     []*agentadapter.TurnOutcome
	errs         []error
	call         int
	recoverCalls int
}

func (f *fakeAdapter) Setup(context.Context, sandbox.Provider, agentadapter.SetupContext) error {
	return nil
}
func (f *fakeAdapter) CreateSession(context.Context, string) (string, error) { return "sess-0", nil }
func (f *fakeAdapter) RunTurn(ctx context.Context, sessionID string, input agentadapter.TurnInput, onPart agentadapter.OnStreamPart) (*agentadapter.TurnOutcome, error) {
	idx := f.call
	f.call++
	if idx < len(f.parts) {
		for _, payload := range f.parts[idx] {
			if err := onPart(ctx, payload); err != nil {
				return nil, err
			}
		}
	}
	if idx < len(f.outcomes) {
		return f.outcomes[idx], f.errs[idx]
	}
	return nil, nil
}
func (f *fakeAdapter) RecoverSession(ctx context.Context, trajectoryID string, attempt int) (string, error) {
	f.recoverCalls++
	return "sess-recovered", nil
}
func (f *fakeAdapter) CollectCrashMessages(context.Context, string) ([]agentadapter.PartPayload, error) {
	return nil, nil
}
func (f *fakeAdapter) ComputeTurnTimeout(agentadapter.ComputeTurnTimeoutInput) time.Duration {
	return time.Second
}
func (f *fakeAdapter) Interrupt(context.Context, sandbox.Provider, string) error { return nil }
func (f *fakeAdapter) LogFiles() []string                                       { return nil }

// scriptedEvalSandbox returns one CommandResult per Run call, cycling its
// last entry once exhausted, so the turn-end evaluation script always gets a
// parseable response.
type scriptedEvalSandbox struct {
	results []sandbox.CommandResult
	i       int
}

func (s *scriptedEvalSandbox) Name() string { return "scripted-eval" }
func (s *scriptedEvalSandbox) Run(context.Context, string, sandbox.RunOptions) (sandbox.CommandResult, error) {
	if len(s.results) == 0 {
		return sandbox.CommandResult{}, nil
	}
	idx := s.i
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.i++
	return s.results[idx], nil
}
func (s *scriptedEvalSandbox) WriteFile(context.Context, string, string, bool) error { return nil }
func (s *scriptedEvalSandbox) ReadFile(context.Context, string) (string, error)      { return "", nil }
func (s *scriptedEvalSandbox) ReadFileBytes(context.Context, string) ([]byte, error) { return nil, nil }
func (s *scriptedEvalSandbox) WriteFilesParallel(context.Context, map[string]string, int) error {
	return nil
}
func (s *scriptedEvalSandbox) Terminate(context.Context) error { return nil }

const evalMarker = "__ENVOI_EVAL_JSON__"

func allPassResult() sandbox.CommandResult {
	return sandbox.CommandResult{ExitCode: 0, Stdout: evalMarker + `{"passed":3,"failed":0,"total":3,"suite_results":{}}`}
}

func failingResult() sandbox.CommandResult {
	return sandbox.CommandResult{ExitCode: 0, Stdout: evalMarker + `{"passed":1,"failed":2,"total":3,"suite_results":{}}`}
}

func newTrajectory() *trajectory.Trajectory {
	return trajectory.New("stub", "test-model")
}

func TestRunStopsSolvedWhenLatchAlreadySet(t *testing.T) {
	tr := newTrajectory()
	latch := winnerlatch.New()
	latch.TryLatch(1)
	loop := New(Options{
		Trajectory: tr,
		SessionID:  "sess",
		Adapter:    &fakeAdapter{},
		Latch:      latch,
		Pipeline:   partstream.New(partstream.Options{Trajectory: tr}),
	})

	end, err := loop.Run(context.Background(), "solve it")
	require.NoError(t, err)
	require.Equal(t, trajectory.StopSolved, end.Reason)
}

func TestRunSolvesOnAllPassTurnEndEvaluation(t *testing.T) {
	tr := newTrajectory()
	adapter := &fakeAdapter{
		parts:    [][]agentadapter.PartPayload{{{Kind: "text", Content: "did the work"}}},
		outcomes: []*agentadapter.TurnOutcome{{MessageID: "m1"}},
		errs:     []error{nil},
	}
	sb := &scriptedEvalSandbox{results: []sandbox.CommandResult{allPassResult()}}
	loop := New(Options{
		Trajectory: tr,
		SessionID:  "sess",
		Adapter:    adapter,
		Sandbox:    sb,
		Pipeline:   partstream.New(partstream.Options{Trajectory: tr}),
	})

	end, err := loop.Run(context.Background(), "solve it")
	require.NoError(t, err)
	require.Equal(t, trajectory.StopSolved, end.Reason)
	require.Len(t, tr.Turns, 1)
	require.Len(t, tr.Parts, 1)
	lastPart := tr.Parts[len(tr.Parts)-1]
	require.Len(t, lastPart.EvalEventsDelta, 1)
	require.Equal(t, trajectory.EvalEventTurnEndBlocking, lastPart.EvalEventsDelta[0].Kind)
}

func TestRunStopsAtPartLimit(t *testing.T) {
	tr := newTrajectory()
	adapter := &fakeAdapter{
		parts: [][]agentadapter.PartPayload{
			{{Kind: "text", Content: "one"}},
			{{Kind: "text", Content: "two"}},
		},
		outcomes: []*agentadapter.TurnOutcome{{}, {}},
		errs:     []error{nil, nil},
	}
	sb := &scriptedEvalSandbox{results: []sandbox.CommandResult{failingResult(), failingResult()}}
	loop := New(Options{
		Trajectory: tr,
		SessionID:  "sess",
		Adapter:    adapter,
		Sandbox:    sb,
		Pipeline:   partstream.New(partstream.Options{Trajectory: tr}),
		MaxParts:   2,
	})

	end, err := loop.Run(context.Background(), "solve it")
	require.NoError(t, err)
	require.Equal(t, trajectory.StopPartLimit, end.Reason)
	require.Equal(t, 2, end.TotalParts)
}

func TestRunStopsAgentErrorAfterExhaustingRecoveryRetries(t *testing.T) {
	tr := newTrajectory()
	adapter := &fakeAdapter{
		outcomes: []*agentadapter.TurnOutcome{nil, nil, nil},
		errs:     []error{nil, nil, nil},
	}
	loop := New(Options{
		Trajectory:          tr,
		SessionID:           "sess",
		Adapter:             adapter,
		Pipeline:            partstream.New(partstream.Options{Trajectory: tr}),
		TurnRecoveryRetries: 2,
	})

	end, err := loop.Run(context.Background(), "solve it")
	require.NoError(t, err)
	require.Equal(t, trajectory.StopAgentError, end.Reason)
	require.Empty(t, tr.Turns) // invariant 3: no empty turn ever committed
	require.Equal(t, 2, adapter.recoverCalls)
}

func TestRunRecoversFromTransientFailureThenSolves(t *testing.T) {
	tr := newTrajectory()
	adapter := &fakeAdapter{
		parts: [][]agentadapter.PartPayload{
			nil,
			{{Kind: "text", Content: "recovered"}},
		},
		outcomes: []*agentadapter.TurnOutcome{nil, {}},
		errs:     []error{nil, nil},
	}
	sb := &scriptedEvalSandbox{results: []sandbox.CommandResult{allPassResult()}}
	loop := New(Options{
		Trajectory:          tr,
		SessionID:           "sess",
		Adapter:             adapter,
		Sandbox:             sb,
		Pipeline:            partstream.New(partstream.Options{Trajectory: tr}),
		TurnRecoveryRetries: 3,
	})

	end, err := loop.Run(context.Background(), "solve it")
	require.NoError(t, err)
	require.Equal(t, trajectory.StopSolved, end.Reason)
	require.Equal(t, 1, adapter.recoverCalls)
	require.Len(t, tr.Turns, 1)
}
