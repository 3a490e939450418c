// Package finalizer implements the Session Finalizer (spec.md §4.8): the
// sequence that runs once the Turn Loop exits, regardless of why — drain the
// Evaluation Scheduler, re-scan for a winning evaluation and project the
// trajectory onto it, check out the winning commit, export a git bundle,
// write the final trace snapshot and log flush, and tear the sandbox down.
package finalizer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/envoi-run/trajectory/checkpoint"
	"github.com/envoi-run/trajectory/evalscheduler"
	"github.com/envoi-run/trajectory/logpipeline"
	"github.com/envoi-run/trajectory/objectstore"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/tracestore"
	"github.com/envoi-run/trajectory/trajectory"
)

// Options configures a Finalizer.
type Options struct {
	Trajectory   *trajectory.Trajectory
	Scheduler    *evalscheduler.Scheduler
	Checkpointer *checkpoint.Checkpointer
	Sandbox      sandbox.Provider
	TraceStore   *tracestore.Store
	LogPipeline  *logpipeline.Pipeline
	Blobs        objectstore.Store
	Logger       telemetry.Logger

	DrainTimeout time.Duration
}

// Finalizer runs the end-of-session sequence exactly once per trajectory.
type Finalizer struct {
	trajectory   *trajectory.Trajectory
	scheduler    *evalscheduler.Scheduler
	checkpointer *checkpoint.Checkpointer
	sandbox      sandbox.Provider
	traceStore   *tracestore.Store
	logPipeline  *logpipeline.Pipeline
	blobs        objectstore.Store
	logger       telemetry.Logger
	drainTimeout time.Duration
}

// New constructs a Finalizer. DrainTimeout defaults to 30s (matching
// EVALUATOR_DRAIN_TIMEOUT_SECONDS's spec.md default) when unset.
func New(opts Options) *Finalizer {
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Finalizer{
		trajectory:   opts.Trajectory,
		scheduler:    opts.Scheduler,
		checkpointer: opts.Checkpointer,
		sandbox:      opts.Sandbox,
		traceStore:   opts.TraceStore,
		logPipeline:  opts.LogPipeline,
		blobs:        opts.Blobs,
		logger:       logger,
		drainTimeout: drain,
	}
}

// Finalize runs the full six-step sequence. It is tolerant of a nil
// Scheduler/Checkpointer/TraceStore/LogPipeline/Blobs/Sandbox (each step is
// skipped when its collaborator is absent), so callers that exercise only
// part of the pipeline in tests do not need to stub every dependency.
func (f *Finalizer) Finalize(ctx context.Context) error {
	f.drainScheduler(ctx)
	f.projectWinner(ctx)

	if err := f.exportBundle(ctx); err != nil {
		f.logger.Warn(ctx, "finalizer: bundle export failed", "error", err)
	}

	if f.traceStore != nil {
		if err := f.traceStore.Snapshot(ctx, f.trajectory); err != nil {
			f.logger.Warn(ctx, "finalizer: final trace snapshot failed", "error", err)
		} else {
			f.trajectory.Artifacts.TraceBlobURI = traceArtifactHint(f.trajectory.TrajectoryID)
		}
	}

	if f.logPipeline != nil {
		if err := f.logPipeline.Flush(ctx, true); err != nil {
			f.logger.Warn(ctx, "finalizer: final log flush failed", "error", err)
		}
	}

	if f.sandbox != nil {
		if err := f.sandbox.Terminate(ctx); err != nil {
			return fmt.Errorf("finalizer: terminate sandbox: %w", err)
		}
	}
	return nil
}

// drainScheduler waits up to drainTimeout for in-flight evaluations to
// finish; evaluations still pending past the deadline are cancelled.
func (f *Finalizer) drainScheduler(ctx context.Context) {
	if f.scheduler == nil {
		return
	}
	drainCtx, cancel := context.WithTimeout(ctx, f.drainTimeout)
	defer cancel()
	f.scheduler.Wait(drainCtx)
	if f.scheduler.HasPending() {
		f.logger.Warn(ctx, "finalizer: scheduler drain timed out, cancelling pending evaluations")
		f.scheduler.CancelPending(context.Background(), "scheduler drain timed out")
	}
}

// projectWinner re-scans trajectory.Evaluations for a winner; if one exists,
// the trajectory is trimmed to end at it and the winning commit is checked
// out. Otherwise the trajectory (and its existing SessionEnd, set by the
// Turn Loop) is left as-is.
func (f *Finalizer) projectWinner(ctx context.Context) {
	commit, winner, ok := trajectory.FirstWinningCommit(f.trajectory.Evaluations)
	if !ok {
		return
	}
	trajectory.ApplyWinningProjection(f.trajectory, commit, winner)
	if f.trajectory.SessionEnd != nil {
		f.trajectory.SessionEnd.Reason = trajectory.StopSolved
	}
	if f.checkpointer != nil {
		if err := f.checkpointer.CheckoutCommit(ctx, commit); err != nil {
			f.logger.Warn(ctx, "finalizer: checkout winning commit failed", "commit", commit, "error", err)
		}
	}
}

// exportBundle runs `git bundle create` against the export commit (the
// winner if projectWinner found one, else current HEAD) and uploads it as
// repo.bundle.
func (f *Finalizer) exportBundle(ctx context.Context) error {
	if f.sandbox == nil || f.blobs == nil {
		return nil
	}
	ref := f.trajectory.LatestGitCommit()
	if ref == "" {
		return nil
	}

	branch := fmt.Sprintf("export-%d", time.Now().UnixNano())
	const bundlePath = "/tmp/repo.bundle"
	cmd := fmt.Sprintf(
		"set -euo pipefail\ncd /workspace\ngit branch %s %s\ngit bundle create %s %s\ngit branch -D %s\n",
		branch, ref, bundlePath, branch, branch,
	)
	result, err := f.sandbox.Run(ctx, cmd, sandbox.RunOptions{Timeout: 120})
	if err != nil {
		return fmt.Errorf("run git bundle create: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git bundle create exited %d: %s", result.ExitCode, result.Stderr)
	}

	raw, err := f.sandbox.ReadFileBytes(ctx, bundlePath)
	if err != nil {
		return fmt.Errorf("read exported bundle: %w", err)
	}

	key := fmt.Sprintf("trajectories/%s/repo.bundle", f.trajectory.TrajectoryID)
	uri, err := f.blobs.Put(ctx, key, bytes.NewReader(raw), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	f.trajectory.Artifacts.BundleBlobURI = uri
	return nil
}

func traceArtifactHint(trajectoryID string) string {
	return fmt.Sprintf("trajectories/%s/trace.parquet", trajectoryID)
}
