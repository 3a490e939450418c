// Package temporal hosts a trajectory's Turn Loop inside a Temporal
// workflow for durability across worker restarts. The Loop itself performs
// arbitrary sandbox I/O and is not replay-safe, so it is not translated into
// workflow code directly (unlike a typical Temporal activity breakdown);
// instead the whole Loop.Run call is wrapped as a single long-running
// Activity, heartbeated for liveness, behind a workflow that does nothing
// but execute that one activity and return its result. This mirrors the
// teacher's engine/temporal adapter's client/worker/workflow/activity wiring
// while accepting a single coarse-grained activity boundary, appropriate for
// a component whose concurrency model is "one cooperative goroutine per
// trajectory" (spec.md §5), not a tree of independently retryable steps.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/envoi-run/trajectory/engine"
	"github.com/envoi-run/trajectory/trajectory"
)

const (
	workflowName = "RunTrajectory"
	activityName = "RunTrajectoryActivity"
)

// Options configures the Temporal-backed Engine.
type Options struct {
	// Client is a pre-configured Temporal client. Required.
	Client client.Client
	// TaskQueue selects the queue the worker listens on and workflows are
	// started against.
	TaskQueue string
	// HeartbeatInterval bounds how often the in-flight Loop.Run reports
	// liveness to Temporal. Defaults to 15s.
	HeartbeatInterval time.Duration
	// TracerOptions customizes the OpenTelemetry tracing interceptor
	// StartWorker installs on the worker; the zero value is a reasonable
	// default. Set DisableTracing to skip the interceptor entirely.
	TracerOptions  temporalotel.TracerOptions
	DisableTracing bool
}

// Engine implements engine.Engine by starting one Temporal workflow per
// trajectory run. The workflow's single activity looks the run's Runner up
// from an in-process registry keyed by TrajectoryID, since a live sandbox
// connection cannot be serialized across a Temporal activity task boundary
// to a different worker process.
type Engine struct {
	client         client.Client
	taskQueue      string
	heartbeat      time.Duration
	tracerOptions  temporalotel.TracerOptions
	disableTracing bool
	worker         worker.Worker

	mu       sync.Mutex
	registry map[string]engine.Runner
}

// New constructs a Temporal-backed Engine. Call StartWorker before the first
// Start.
func New(opts Options) *Engine {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Engine{
		client:         opts.Client,
		taskQueue:      opts.TaskQueue,
		heartbeat:      heartbeat,
		tracerOptions:  opts.TracerOptions,
		disableTracing: opts.DisableTracing,
		registry:       make(map[string]engine.Runner),
	}
}

var _ engine.Engine = (*Engine)(nil)

// StartWorker registers the trajectory workflow and activity and starts a
// Temporal worker listening on TaskQueue. Blocks until ctx is cancelled or
// the worker stops; run it on its own goroutine.
func (e *Engine) StartWorker(ctx context.Context) error {
	workerOpts := worker.Options{}
	if !e.disableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(e.tracerOptions)
		if err != nil {
			return fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		workerOpts.Interceptors = append(workerOpts.Interceptors, tracer)
	}

	w := worker.New(e.client, e.taskQueue, workerOpts)
	w.RegisterWorkflowWithOptions(runTrajectoryWorkflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(e.runTrajectoryActivity, activity.RegisterOptions{Name: activityName})
	e.worker = w

	errc := make(chan error, 1)
	go func() { errc <- w.Run(nil) }()
	select {
	case <-ctx.Done():
		w.Stop()
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

type workflowInput struct {
	TrajectoryID  string
	InitialPrompt string
}

func runTrajectoryWorkflow(ctx workflow.Context, input workflowInput) (*trajectory.SessionEnd, error) {
	ao := workflow.ActivityOptions{
		// No hard cap: the activity itself enforces the run's own timeout
		// guard (spec.md §4.6's wall-clock stop condition); Temporal relies
		// on the heartbeat to detect a dead worker instead.
		StartToCloseTimeout: 0,
		HeartbeatTimeout:    30 * time.Second,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var end *trajectory.SessionEnd
	err := workflow.ExecuteActivity(ctx, activityName, input).Get(ctx, &end)
	return end, err
}

// runTrajectoryActivity runs the registered Runner for input.TrajectoryID to
// completion, heartbeating periodically so Temporal can detect a stalled or
// crashed worker and reschedule.
func (e *Engine) runTrajectoryActivity(ctx context.Context, input workflowInput) (*trajectory.SessionEnd, error) {
	e.mu.Lock()
	runner, ok := e.registry[input.TrajectoryID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: no runner registered for trajectory %q", input.TrajectoryID)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()

	return runner.Run(ctx, input.InitialPrompt)
}

// Start registers req.Loop under req.TrajectoryID and starts the workflow
// that will run it.
func (e *Engine) Start(ctx context.Context, req engine.RunRequest) (engine.Handle, error) {
	if req.TrajectoryID == "" {
		return nil, fmt.Errorf("temporal engine: TrajectoryID is required")
	}
	e.mu.Lock()
	e.registry[req.TrajectoryID] = req.Loop
	e.mu.Unlock()

	opts := client.StartWorkflowOptions{
		ID:        req.TrajectoryID,
		TaskQueue: e.taskQueue,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, workflowName, workflowInput{
		TrajectoryID:  req.TrajectoryID,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow: %w", err)
	}
	return &handle{client: e.client, run: run, cleanup: func() {
		e.mu.Lock()
		delete(e.registry, req.TrajectoryID)
		e.mu.Unlock()
	}}, nil
}

type handle struct {
	client  client.Client
	run     client.WorkflowRun
	cleanup func()
}

func (h *handle) Wait(ctx context.Context) (*trajectory.SessionEnd, error) {
	defer h.cleanup()
	var end *trajectory.SessionEnd
	if err := h.run.Get(ctx, &end); err != nil {
		return nil, err
	}
	return end, nil
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
