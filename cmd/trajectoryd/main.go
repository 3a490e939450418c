// Command trajectoryd is a demo entry point wiring every component together
// over the reference, out-of-scope-backend-standing-in collaborators
// (sandbox/localexec, agentadapter/stub, objectstore/inmem,
// tracestore/resumeindex.InMemory): start a trajectory, run its Turn Loop to
// a stop condition, and finalize. Grounded on the teacher's cmd/demo
// wiring style (register collaborators, construct one runtime, run it,
// print the result) and orchestrator.py's __main__ argument handling
// (task prompt, required test paths, environment name, resume flag),
// translated from Python's argparse/task-dir tiers into Go flags plus
// config.FromEnv for the tunables spec.md §6 lists as environment
// variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/envoi-run/trajectory/advisor"
	advisoranthropic "github.com/envoi-run/trajectory/advisor/anthropic"
	"github.com/envoi-run/trajectory/agentadapter"
	"github.com/envoi-run/trajectory/agentadapter/stub"
	"github.com/envoi-run/trajectory/checkpoint"
	"github.com/envoi-run/trajectory/config"
	"github.com/envoi-run/trajectory/engine"
	"github.com/envoi-run/trajectory/engine/inmem"
	"github.com/envoi-run/trajectory/evalscheduler"
	"github.com/envoi-run/trajectory/finalizer"
	"github.com/envoi-run/trajectory/logpipeline"
	objectinmem "github.com/envoi-run/trajectory/objectstore/inmem"
	"github.com/envoi-run/trajectory/partstream"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/sandbox/localexec"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/tracestore"
	"github.com/envoi-run/trajectory/tracestore/resumeindex"
	"github.com/envoi-run/trajectory/trajectory"
	"github.com/envoi-run/trajectory/turnloop"
	"github.com/envoi-run/trajectory/winnerlatch"
)

func main() {
	var (
		workdir       = flag.String("workdir", "", "local directory to run the sandbox against (required)")
		agentName     = flag.String("agent-name", "codex-stub", "agent name recorded on the trajectory")
		model         = flag.String("model", "gpt-4o-mini", "model identifier passed to the agent adapter")
		environment   = flag.String("environment", "local", "environment name passed to Setup")
		taskPrompt    = flag.String("task-prompt", "", "initial task prompt (required)")
		requiredPaths = flag.String("required-test-paths", "basics", "comma-separated required test paths")
		openaiAPIKey  = flag.String("openai-api-key", os.Getenv("OPENAI_API_KEY"), "API key for the stub agent adapter")
		maxParts      = flag.Int("max-parts", 0, "part budget (0 = unbounded)")
		maxTurns      = flag.Int("max-turns", 0, "turn budget (0 = unbounded)")
		advisorAPIKey = flag.String("advisor-anthropic-api-key", os.Getenv("ANTHROPIC_API_KEY"), "Anthropic API key for the Advisor step (empty disables the Advisor)")
		advisorModel  = flag.String("advisor-model", "claude-sonnet-4-5-20250929", "model identifier passed to the Advisor's Anthropic backend")
	)
	flag.Parse()

	if *workdir == "" || *taskPrompt == "" {
		fmt.Fprintln(os.Stderr, "trajectoryd: -workdir and -task-prompt are required")
		os.Exit(2)
	}

	if err := run(runArgs{
		workdir:       *workdir,
		agentName:     *agentName,
		model:         *model,
		environment:   *environment,
		taskPrompt:    *taskPrompt,
		requiredPaths: splitNonEmpty(*requiredPaths),
		openaiAPIKey:  *openaiAPIKey,
		maxParts:      *maxParts,
		maxTurns:      *maxTurns,
		advisorAPIKey: *advisorAPIKey,
		advisorModel:  *advisorModel,
	}); err != nil {
		log.Fatalf("trajectoryd: %v", err)
	}
}

type runArgs struct {
	workdir       string
	agentName     string
	model         string
	environment   string
	taskPrompt    string
	requiredPaths []string
	openaiAPIKey  string
	maxParts      int
	maxTurns      int
	advisorAPIKey string
	advisorModel  string
}

func run(args runArgs) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	cfg := config.FromEnv()

	sb := localexec.New(args.workdir)
	cp := checkpoint.New(sb, logger)
	if err := cp.InitWorkspace(ctx); err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}

	blobs := objectinmem.New()
	traces := tracestore.New(blobs, logger)
	resume := resumeindex.NewInMemory()

	tr := trajectory.New(args.agentName, args.model)
	tr.Environment = args.environment
	tr.TaskParams = map[string]any{"required_test_paths": args.requiredPaths}

	if cfg.ResumeFromS3 {
		if err := maybeResume(ctx, resume, traces, tr); err != nil {
			logger.Warn(ctx, "trajectoryd: resume check failed, starting fresh", "error", err)
		}
	}

	latch := winnerlatch.New()
	if commit, winner, ok := trajectory.FirstWinningCommit(tr.Evaluations); ok {
		latch.TryLatch(winner.Part)
		logger.Info(ctx, "trajectoryd: resuming onto prior winner", "commit", commit, "part", winner.Part)
	}

	tracker := trajectory.NewSolveTracker(args.requiredPaths)
	replaySolveTracker(tracker, tr)

	scheduler := evalscheduler.New(evalscheduler.Options{
		Sandbox:     sb,
		EnvoiURL:    cfg.EvaluationEnvoiURL,
		TestPath:    cfg.EvaluationTestPath,
		Timeout:     cfg.EvaluationTimeout,
		Concurrency: cfg.EvaluationConcurrency,
		Logger:      logger,
		OnWinner: func(commit string, eval *trajectory.Evaluation) {
			latch.TryLatch(eval.Part)
		},
		ShouldStop: latch.ShouldStop,
	}, tr.Evaluations)

	logs := logpipeline.New(logpipeline.Options{
		TrajectoryID: tr.TrajectoryID,
		BatchSize:    cfg.LogsFlushBatchSize,
		Interval:     cfg.LogsFlushInterval,
		Blobs:        blobs,
		Logger:       logger,
	})
	go logs.Run(ctx)

	pipeline := partstream.New(partstream.Options{
		Trajectory:   tr,
		Tracker:      tracker,
		Checkpointer: cp,
		Scheduler:    scheduler,
		Latch:        latch,
		DecodeEnvoi:  decodeEnvoiCall,
		Snapshot:     traces.Snapshot,
		Logger:       logger,
	})

	adapter := stub.New(stub.Options{APIKey: args.openaiAPIKey, Model: args.model, Logger: logger})
	if err := adapter.Setup(ctx, sb, agentadapter.SetupContext{
		EnvironmentName: args.environment,
		TaskPrompt:      args.taskPrompt,
		TaskParams:      tr.TaskParams,
	}); err != nil {
		return fmt.Errorf("agent setup: %w", err)
	}
	sessionID, err := adapter.CreateSession(ctx, tr.TrajectoryID)
	if err != nil {
		return fmt.Errorf("create agent session: %w", err)
	}

	adv := buildAdvisor(args, cfg, logger)

	loop := turnloop.New(turnloop.Options{
		Trajectory:              tr,
		SessionID:               sessionID,
		Adapter:                 adapter,
		Sandbox:                 sb,
		Pipeline:                pipeline,
		Scheduler:               scheduler,
		Latch:                   latch,
		Advisor:                 adv,
		Logger:                  logger,
		MaxParts:                args.maxParts,
		MaxTurns:                args.maxTurns,
		TurnRecoveryRetries:     cfg.TurnRecoveryRetries,
		EnvoiURL:                cfg.EvaluationEnvoiURL,
		EvalTestPath:            cfg.EvaluationTestPath,
		EvalTimeout:             cfg.EvaluationTimeout,
		MessageTimeout:          cfg.MessageTimeout,
		FailedTestFeedbackLimit: cfg.FailedTestFeedbackLimit,
		InitialPrompt:           args.taskPrompt,
	})

	eng := inmem.New()
	var _ engine.Engine = eng
	handle, err := eng.Start(ctx, engine.RunRequest{
		TrajectoryID:  tr.TrajectoryID,
		Loop:          loop,
		InitialPrompt: args.taskPrompt,
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	sessionEnd, runErr := waitForRun(ctx, handle, cfg.ShutdownGrace, logger)
	if runErr != nil {
		logger.Error(ctx, "trajectoryd: run failed", "error", runErr)
	}
	tr.SessionEnd = sessionEnd

	final := finalizer.New(finalizer.Options{
		Trajectory:   tr,
		Scheduler:    scheduler,
		Checkpointer: cp,
		Sandbox:      sb,
		TraceStore:   traces,
		LogPipeline:  logs,
		Blobs:        blobs,
		Logger:       logger,
		DrainTimeout: cfg.EvaluatorDrainTimeout,
	})
	if err := final.Finalize(context.Background()); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	if err := resume.Upsert(context.Background(), resumeindex.Pointer{
		TrajectoryID: tr.TrajectoryID,
		LastPart:     tr.LastPartNumber(),
		LatestCommit: tr.LatestGitCommit(),
		Won:          sessionEnd != nil && sessionEnd.Reason == trajectory.StopSolved,
	}); err != nil {
		logger.Warn(context.Background(), "trajectoryd: resume pointer upsert failed", "error", err)
	}

	fmt.Printf("trajectory %s stopped: %+v\n", tr.TrajectoryID, tr.SessionEnd)
	return runErr
}

// waitForRun waits for handle to finish. ctx cancelling (a shutdown signal)
// asks the run to stop via its own context (already wired through
// engine.Engine.Start), but waitForRun keeps blocking for up to
// cfg.ShutdownGrace (SHUTDOWN_GRACE_SECONDS) past that point so the run can
// actually unwind and the caller still gets a real SessionEnd to finalize,
// instead of handle.Wait returning ctx.Err() the instant the signal fires.
func waitForRun(ctx context.Context, handle engine.Handle, grace time.Duration, logger telemetry.Logger) (*trajectory.SessionEnd, error) {
	waitCtx, waitCancel := context.WithCancel(context.Background())
	defer waitCancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-waitCtx.Done():
			return
		}
		if grace <= 0 {
			waitCancel()
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			logger.Warn(context.Background(), "trajectoryd: shutdown grace period elapsed, abandoning wait for the run to finish", "grace", grace)
			waitCancel()
		case <-waitCtx.Done():
		}
	}()

	return handle.Wait(waitCtx)
}

// buildAdvisor wires the Advisor step (spec.md §4.6 step 7) against the
// Anthropic backend when an API key is available; returns nil to leave the
// Advisor step disabled otherwise, which turnloop.Loop treats as a no-op.
func buildAdvisor(args runArgs, cfg config.Orchestrator, logger telemetry.Logger) turnloop.Advisor {
	if args.advisorAPIKey == "" {
		logger.Info(context.Background(), "trajectoryd: no advisor API key configured, running without an Advisor step")
		return nil
	}
	backend := advisoranthropic.NewFromAPIKey(args.advisorAPIKey, args.advisorModel, 0)
	return advisor.New(advisor.Options{
		Backend:         backend,
		ModelLabel:      args.advisorModel,
		Timeout:         cfg.AdvisorTimeout,
		MaxFailingTests: cfg.FailedTestFeedbackLimit,
		Logger:          logger,
	})
}

// maybeResume rehydrates tr from a prior snapshot if cfg.ResumeFromS3-style
// resume was requested and a resume pointer already exists for the
// trajectory id. The demo only ever starts a fresh trajectory id, so this is
// a no-op unless a caller wires a known id in; kept as the hook
// cmd/trajectoryd's real deployment would extend to restore a crashed run.
func maybeResume(ctx context.Context, idx resumeindex.Index, traces *tracestore.Store, tr *trajectory.Trajectory) error {
	_, ok, err := idx.Get(ctx, tr.TrajectoryID)
	if err != nil || !ok {
		return err
	}
	loaded, err := traces.Load(ctx, tr.TrajectoryID)
	if err != nil {
		return err
	}
	*tr = *loaded
	return nil
}

// replaySolveTracker seeds tracker from the last Part carrying a
// TestingState snapshot, so a resumed run's solved-set matches what the
// prior process had observed. Only the latest snapshot's solved-path list
// survives a trace reload (the raw EnvoiCall history does not), so each
// solved path is synthesized as one passing call rather than replayed
// call-by-call, mirroring orchestrator.py's tracker rehydration from the
// loaded trace closely enough to resume guard checks correctly.
func replaySolveTracker(tracker *trajectory.SolveTracker, tr *trajectory.Trajectory) {
	var latest *trajectory.TestingState
	var latestAt time.Time
	for _, part := range tr.Parts {
		if part.TestingState != nil {
			latest = part.TestingState
			latestAt = part.Timestamp
		}
	}
	if latest == nil {
		return
	}
	for _, path := range latest.SolvedPaths {
		tracker.Update(&trajectory.EnvoiCall{
			Path:      path,
			Timestamp: latestAt,
			Result:    &trajectory.EnvoiCallResult{Passed: 1, Failed: 0, Total: 1},
		})
	}
}

// decodeEnvoiCall recognizes the envoi test tool by name and decodes its
// structured output into a trajectory.EnvoiCall, per spec.md §6's Tool
// Part -> EnvoiCall mapping.
func decodeEnvoiCall(payload agentadapter.PartPayload) (*trajectory.EnvoiCall, bool) {
	if payload.ToolName != "envoi_test" {
		return nil, false
	}
	call := &trajectory.EnvoiCall{
		Path:      stringField(payload.ToolInput, "path"),
		Timestamp: millisOrNow(payload.TimestampMs),
		Error:     payload.ToolError,
	}
	if result := decodeEnvoiCallResult(payload.ToolOutput); result != nil {
		call.Result = result
	}
	return call, true
}

func decodeEnvoiCallResult(output map[string]any) *trajectory.EnvoiCallResult {
	if output == nil {
		return nil
	}
	return &trajectory.EnvoiCallResult{
		Passed: intField(output, "passed"),
		Failed: intField(output, "failed"),
		Total:  intField(output, "total"),
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func millisOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

var _ sandbox.Provider = (*localexec.Provider)(nil)
