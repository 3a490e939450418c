package finalizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoi-run/trajectory/checkpoint"
	"github.com/envoi-run/trajectory/evalscheduler"
	"github.com/envoi-run/trajectory/logpipeline"
	"github.com/envoi-run/trajectory/objectstore/inmem"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/tracestore"
	"github.com/envoi-run/trajectory/trajectory"
)

// okSandbox succeeds every Run/ReadFileBytes/Terminate call, recording the
// commands it was asked to run.
type okSandbox struct {
	commands  []string
	bundle    []byte
	terminated bool
}

func (s *okSandbox) Name() string { return "ok-sandbox" }
func (s *okSandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (sandbox.CommandResult, error) {
	s.commands = append(s.commands, cmd)
	return sandbox.CommandResult{ExitCode: 0}, nil
}
func (s *okSandbox) WriteFile(context.Context, string, string, bool) error { return nil }
func (s *okSandbox) ReadFile(context.Context, string) (string, error)      { return "", nil }
func (s *okSandbox) ReadFileBytes(context.Context, string) ([]byte, error) {
	return s.bundle, nil
}
func (s *okSandbox) WriteFilesParallel(context.Context, map[string]string, int) error { return nil }
func (s *okSandbox) Terminate(context.Context) error                                 { s.terminated = true; return nil }

func newTestTrajectory() *trajectory.Trajectory {
	tr := trajectory.New("stub", "test-model")
	tr.Parts = append(tr.Parts, &trajectory.Part{Part: 1, GitCommit: "head-commit"})
	tr.SessionEnd = &trajectory.SessionEnd{Reason: trajectory.StopPartLimit, TotalParts: 1}
	return tr
}

func TestFinalizeTerminatesSandboxAndUploadsBundle(t *testing.T) {
	tr := newTestTrajectory()
	sb := &okSandbox{bundle: []byte("bundle-bytes")}
	blobs := inmem.New()

	f := New(Options{
		Trajectory: tr,
		Sandbox:    sb,
		Blobs:      blobs,
		TraceStore: tracestore.New(blobs, nil),
	})

	err := f.Finalize(context.Background())
	require.NoError(t, err)
	require.True(t, sb.terminated)
	require.NotEmpty(t, tr.Artifacts.BundleBlobURI)
	require.NotEmpty(t, tr.Artifacts.TraceBlobURI)
}

func TestFinalizeProjectsOntoWinningEvaluation(t *testing.T) {
	tr := newTestTrajectory()
	tr.Parts = append(tr.Parts, &trajectory.Part{Part: 2, GitCommit: "later-commit"})
	tr.Evaluations["winner-commit"] = &trajectory.Evaluation{
		Status: trajectory.EvalCompleted,
		Passed: 3, Total: 3, Part: 1,
	}
	sb := &okSandbox{}

	f := New(Options{
		Trajectory:   tr,
		Sandbox:      sb,
		Checkpointer: checkpoint.New(sb, nil),
	})

	err := f.Finalize(context.Background())
	require.NoError(t, err)
	require.Len(t, tr.Parts, 1)
	require.Equal(t, trajectory.StopSolved, tr.SessionEnd.Reason)
	require.Equal(t, "winner-commit", tr.SessionEnd.FinalGitCommit)

	foundCheckout := false
	for _, cmd := range sb.commands {
		if cmd != "" && contains(cmd, "git checkout") {
			foundCheckout = true
		}
	}
	require.True(t, foundCheckout, "expected a git checkout command for the winning commit")
}

func TestFinalizeCancelsPendingEvaluationsOnDrainTimeout(t *testing.T) {
	tr := newTestTrajectory()
	// The blocking sandbox's Run returns only once its context is
	// cancelled, so the evaluation is still in flight when the finalizer's
	// DrainTimeout fires and CancelPending has to end it.
	sched := evalscheduler.New(evalscheduler.Options{
		Sandbox: &blockingSandbox{},
		Timeout: 20 * time.Millisecond,
	}, nil)
	sched.Schedule(context.Background(), "stuck-commit", 1, 1)

	f := New(Options{
		Trajectory:   tr,
		Sandbox:      &okSandbox{},
		Scheduler:    sched,
		DrainTimeout: 5 * time.Millisecond,
	})

	err := f.Finalize(context.Background())
	require.NoError(t, err)
}

// blockingSandbox's Run returns only when its context is cancelled, standing
// in for an evaluation that is still in flight when the finalizer's
// drain deadline fires.
type blockingSandbox struct{}

func (s *blockingSandbox) Name() string { return "blocking-sandbox" }
func (s *blockingSandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (sandbox.CommandResult, error) {
	<-ctx.Done()
	return sandbox.CommandResult{}, ctx.Err()
}
func (s *blockingSandbox) WriteFile(context.Context, string, string, bool) error { return nil }
func (s *blockingSandbox) ReadFile(context.Context, string) (string, error)      { return "", nil }
func (s *blockingSandbox) ReadFileBytes(context.Context, string) ([]byte, error) { return nil, nil }
func (s *blockingSandbox) WriteFilesParallel(context.Context, map[string]string, int) error {
	return nil
}
func (s *blockingSandbox) Terminate(context.Context) error { return nil }

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
