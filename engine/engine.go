// Package engine defines a pluggable host for running a Turn Loop to
// completion, scaled down from the teacher's generic workflow-engine
// abstraction (registered workflows/activities/signals) to this domain's
// much narrower need: a trajectory's Turn Loop is a single cooperative
// goroutine (spec.md §5), not a replay-driven state machine, so the only
// thing worth abstracting over is "how is that goroutine hosted and
// supervised" — in-process (package engine/inmem) or Temporal-durable
// (package engine/temporal).
package engine

import (
	"context"

	"github.com/envoi-run/trajectory/trajectory"
	"github.com/envoi-run/trajectory/turnloop"
)

// Runner is anything that can run a Turn Loop to completion. *turnloop.Loop
// satisfies this directly; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, initialPrompt string) (*trajectory.SessionEnd, error)
}

var _ Runner = (*turnloop.Loop)(nil)

// RunRequest names the trajectory run to host.
type RunRequest struct {
	// TrajectoryID identifies the run for engines that need a stable
	// external identifier (e.g. a Temporal workflow ID).
	TrajectoryID string
	Loop         Runner
	InitialPrompt string
}

// Handle lets a caller wait for or cancel a started run.
type Handle interface {
	// Wait blocks until the run completes, returning its SessionEnd.
	Wait(ctx context.Context) (*trajectory.SessionEnd, error)
	// Cancel requests the run stop; the run still completes normally
	// (SessionEnd.Reason reflecting whatever the Loop decides once its
	// context is cancelled), it does not abort mid-step.
	Cancel(ctx context.Context) error
}

// Engine starts a trajectory run and returns a Handle to it.
type Engine interface {
	Start(ctx context.Context, req RunRequest) (Handle, error)
}
