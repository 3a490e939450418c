// Package partstream implements the Part Stream Pipeline (spec.md §4.4): the
// per-part enrichment, checkpoint, evaluation-scheduling, trace-snapshot, and
// winner-latch-interrupt sequence every streamed agent part passes through
// before the Turn Loop resumes waiting on the next one.
package partstream

import (
	"context"
	"fmt"
	"time"

	"github.com/envoi-run/trajectory/agentadapter"
	"github.com/envoi-run/trajectory/checkpoint"
	"github.com/envoi-run/trajectory/evalscheduler"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/trajectory"
	"github.com/envoi-run/trajectory/winnerlatch"
)

// EnvoiCallDecoder extracts an EnvoiCall from a tool part's output, returning
// ok=false when the part's tool_name does not identify the envoi test
// endpoint.
type EnvoiCallDecoder func(payload agentadapter.PartPayload) (*trajectory.EnvoiCall, bool)

// SnapshotFunc triggers a Trace Store snapshot of the trajectory after a part
// has been appended.
type SnapshotFunc func(ctx context.Context, t *trajectory.Trajectory) error

// Options configures a Pipeline.
type Options struct {
	Trajectory   *trajectory.Trajectory
	Tracker      *trajectory.SolveTracker
	Checkpointer *checkpoint.Checkpointer
	Scheduler    *evalscheduler.Scheduler
	Latch        *winnerlatch.Latch
	DecodeEnvoi  EnvoiCallDecoder
	Snapshot     SnapshotFunc
	Logger       telemetry.Logger
}

// Pipeline runs every streamed Part through enrichment, envoi-call tracking,
// checkpointing, evaluation scheduling, trace snapshotting, and the
// winner-latch interrupt check, in the order spec.md §4.4 fixes.
type Pipeline struct {
	trajectory   *trajectory.Trajectory
	tracker      *trajectory.SolveTracker
	checkpointer *checkpoint.Checkpointer
	scheduler    *evalscheduler.Scheduler
	latch        *winnerlatch.Latch
	decodeEnvoi  EnvoiCallDecoder
	snapshot     SnapshotFunc
	logger       telemetry.Logger

	seenCommits map[string]bool
}

// New builds a Pipeline bound to one trajectory's lifetime.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Pipeline{
		trajectory:   opts.Trajectory,
		tracker:      opts.Tracker,
		checkpointer: opts.Checkpointer,
		scheduler:    opts.Scheduler,
		latch:        opts.Latch,
		decodeEnvoi:  opts.DecodeEnvoi,
		snapshot:     opts.Snapshot,
		logger:       logger,
		seenCommits:  make(map[string]bool),
	}
}

// SeedCommit marks a commit hash as already observed, used when resuming a
// trajectory from a trace snapshot so step 4's "is this commit new" check
// does not reschedule evaluations the prior run already queued.
func (p *Pipeline) SeedCommit(commit string) {
	if commit != "" {
		p.seenCommits[commit] = true
	}
}

// Result is what Process reports back to the Turn Loop after handling one
// streamed part.
type Result struct {
	Part          *trajectory.Part
	ShouldInterrupt bool
}

// Process runs the seven-step pipeline against one streamed part payload and
// appends the resulting PartRecord to turn. It is the coordinator-goroutine
// entry point; callers must serialize calls (the Turn Loop owns the
// trajectory single-threaded, per trajectory's package doc).
func (p *Pipeline) Process(ctx context.Context, turn *trajectory.Turn, payload agentadapter.PartPayload) (*Result, error) {
	// Step 1: allocate the next part number.
	partNumber := p.trajectory.NextPartNumber()

	// Step 2: build the PartRecord with enrichment and redaction.
	part := &trajectory.Part{
		Part:         partNumber,
		Timestamp:    millisOrNow(payload.TimestampMs),
		Role:         payload.Role,
		Kind:         trajectory.PartKind(payload.Kind),
		Summary:      payload.Summary,
		Content:      payload.Content,
		ChangedFiles: payload.Files,
		ToolName:     payload.ToolName,
		ToolStatus:   payload.ToolStatus,
		ToolInput:    RedactToolInput(payload.ToolInput),
		ToolOutput:   payload.ToolOutput,
		ToolError:    payload.ToolError,
		ToolExitCode: payload.ToolExitCode,
	}
	enrichText := payload.Summary
	if enrichText == "" {
		enrichText = payload.Content
	}
	part.WordCount = CountWords(enrichText)
	part.TokenEstimate = EstimateTokens(enrichText)

	// Step 3: envoi test-endpoint calls feed the SolveTracker.
	if part.Kind == trajectory.PartTool && p.tracker != nil && p.decodeEnvoi != nil {
		if call, ok := p.decodeEnvoi(payload); ok && call != nil {
			p.tracker.Update(call)
			part.TestingState = p.tracker.Snapshot(call.Path)
		}
	}

	// Step 4: checkpoint file changes and schedule evaluation on a new commit.
	if len(part.ChangedFiles) > 0 && p.checkpointer != nil {
		ckpt := p.checkpointer.Checkpoint(ctx, partNumber, commitMessage(turn, partNumber))
		part.RepoCheckpoint = ckpt
		if ckpt.CommitAfter != "" {
			part.GitCommit = ckpt.CommitAfter
		}
		if ckpt.CommitAfter != "" && !p.seenCommits[ckpt.CommitAfter] {
			p.seenCommits[ckpt.CommitAfter] = true
			if p.scheduler != nil {
				p.scheduler.Schedule(ctx, ckpt.CommitAfter, partNumber, turn.Turn)
			}
		}
	}

	// Step 5: append the PartRecord to the trajectory arena and the turn.
	p.trajectory.AppendPart(turn, part)

	// Step 6: emit a trace snapshot.
	if p.snapshot != nil {
		if err := p.snapshot(ctx, p.trajectory); err != nil {
			p.logger.Warn(ctx, "partstream: trace snapshot failed", "part", partNumber, "error", err)
		}
	}

	// Step 7: a latched winner at or before this part means stop streaming.
	shouldInterrupt := false
	if p.latch != nil && p.latch.IsLatched() && partNumber >= p.latch.Get() {
		shouldInterrupt = true
	}

	return &Result{Part: part, ShouldInterrupt: shouldInterrupt}, nil
}

func commitMessage(turn *trajectory.Turn, partNumber int) string {
	if turn == nil {
		return "checkpoint"
	}
	return fmt.Sprintf("turn %d part %d", turn.Turn, partNumber)
}

// millisOrNow converts a client-supplied epoch-millis timestamp, falling
// back to the current time when the adapter did not supply one.
func millisOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
