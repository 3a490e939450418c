// Package turnloop implements the Turn Loop & Resume coordinator (spec.md
// §4.6): the single goroutine that owns a Trajectory's Parts/Turns/SessionEnd,
// drives the Agent Adapter one turn at a time, runs the inline turn-end
// evaluation, and defers to the Advisor and Evaluation Scheduler. Grounded on
// runtime/agent/runtime/workflow_loop.go's guard-check-then-dispatch loop
// shape, generalized from a planner/tool-call loop to this domain's
// turn/part/evaluation loop.
package turnloop

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/envoi-run/trajectory/agentadapter"
	"github.com/envoi-run/trajectory/evalscheduler"
	"github.com/envoi-run/trajectory/partstream"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/trajectory"
	"github.com/envoi-run/trajectory/winnerlatch"
)

// AdvisorInput bundles the context the Advisor step composes an external
// review prompt from (spec.md §4.6 step 7).
type AdvisorInput struct {
	TaskPrompt   string
	CurrentTurn  int
	CurrentCommit string
	FailingTests []trajectory.EvalTestResult
	SuiteResults map[string]trajectory.SuiteResult
}

// AdvisorResult is the Advisor's folded-in feedback text.
type AdvisorResult struct {
	Assessment string
}

// Advisor is the optional external review LLM contract (package advisor
// implements it). A nil Advisor on Options disables step 7 entirely.
type Advisor interface {
	Assess(ctx context.Context, input AdvisorInput) (AdvisorResult, error)
}

// Options configures a Loop.
type Options struct {
	Trajectory *trajectory.Trajectory
	SessionID  string
	Adapter    agentadapter.Adapter
	Sandbox    sandbox.Provider
	Pipeline   *partstream.Pipeline
	Scheduler  *evalscheduler.Scheduler
	Latch      *winnerlatch.Latch
	Advisor    Advisor
	Logger     telemetry.Logger

	MaxParts            int
	MaxTurns            int
	RunTimeout          time.Duration
	TurnRecoveryRetries int
	EnvoiURL            string
	EvalTestPath        string
	EvalTimeout         time.Duration

	// MessageTimeout is the per-turn hard cap the Agent Adapter's
	// ComputeTurnTimeout is asked to respect (config.Orchestrator's
	// MESSAGE_TIMEOUT_SECONDS), distinct from RunTimeout's overall
	// wall-clock budget for the whole run. Falls back to RunTimeout when
	// zero.
	MessageTimeout time.Duration
	// FailedTestFeedbackLimit caps how many failing tests buildFeedbackPrompt
	// quotes in the next turn's prompt (config.Orchestrator's
	// FAILED_TEST_FEEDBACK_LIMIT). Zero falls back to 50.
	FailedTestFeedbackLimit int

	InitialPrompt string
}

// Loop is the Turn Loop coordinator for one trajectory run. All trajectory
// mutation happens on the goroutine that calls Run; it must never be called
// from more than one goroutine at a time, matching trajectory's own
// single-writer contract.
type Loop struct {
	trajectory *trajectory.Trajectory
	sessionID  string
	adapter    agentadapter.Adapter
	sandbox    sandbox.Provider
	pipeline   *partstream.Pipeline
	scheduler  *evalscheduler.Scheduler
	latch      *winnerlatch.Latch
	advisor    Advisor
	logger     telemetry.Logger

	maxParts                int
	maxTurns                int
	runTimeout              time.Duration
	turnRecoveryRetries     int
	envoiURL                string
	evalTestPath            string
	evalTimeout             time.Duration
	messageTimeout          time.Duration
	failedTestFeedbackLimit int

	startedAt           time.Time
	consecutiveFailures int
}

// New builds a Loop. Callers must have already run the resume/init sequence
// (snapshot load, workspace bundle restore, SolveTracker rehydration, latch
// seeding) before calling Run — that sequencing lives in cmd/trajectoryd,
// which owns process startup.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1 << 30
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1 << 30
	}
	feedbackLimit := opts.FailedTestFeedbackLimit
	if feedbackLimit <= 0 {
		feedbackLimit = 50
	}
	return &Loop{
		trajectory:              opts.Trajectory,
		sessionID:               opts.SessionID,
		adapter:                 opts.Adapter,
		sandbox:                 opts.Sandbox,
		pipeline:                opts.Pipeline,
		scheduler:               opts.Scheduler,
		latch:                   opts.Latch,
		advisor:                 opts.Advisor,
		logger:                  logger,
		maxParts:                maxParts,
		maxTurns:                maxTurns,
		runTimeout:              opts.RunTimeout,
		turnRecoveryRetries:     opts.TurnRecoveryRetries,
		envoiURL:                opts.EnvoiURL,
		evalTestPath:            opts.EvalTestPath,
		evalTimeout:             opts.EvalTimeout,
		messageTimeout:          opts.MessageTimeout,
		failedTestFeedbackLimit: feedbackLimit,
	}
}

// Run drives the main loop until a guard or turn failure fires a stop
// reason, and stamps trajectory.SessionEnd accordingly. Context cancellation
// is reported as a StopTimeout stop; the returned error is always nil.
func (l *Loop) Run(ctx context.Context, initialPrompt string) (*trajectory.SessionEnd, error) {
	l.startedAt = time.Now()
	prompt := initialPrompt
	feedbackEvalID := ""

	for {
		if ctx.Err() != nil {
			return l.stop(trajectory.StopTimeout), nil
		}

		l.drainEvalEvents()

		// Step 1: guards, in the fixed order spec.md §4.6 lists.
		if reason, hit := l.checkGuards(); hit {
			return l.stop(reason), nil
		}

		// Step 2: compute this turn's timeout budget.
		turnTimeout := l.adapter.ComputeTurnTimeout(agentadapter.ComputeTurnTimeoutInput{
			RemainingParts:      l.maxParts - len(l.trajectory.Parts),
			RemainingRunSeconds: l.remainingRunSeconds(),
			HardCapSeconds:      l.hardCapSeconds(),
		})

		// Step 3: create the prospective TurnRecord.
		turnNumber := l.trajectory.LastTurnNumber() + 1
		turn := trajectory.NewTurn(turnNumber, prompt, feedbackEvalID)

		// Step 4: run the turn, streaming parts through the Part Stream
		// Pipeline.
		interrupted := false
		onPart := func(ctx context.Context, payload agentadapter.PartPayload) error {
			result, err := l.pipeline.Process(ctx, turn, payload)
			if err != nil {
				return err
			}
			if result.ShouldInterrupt && !interrupted {
				interrupted = true
				if ierr := l.adapter.Interrupt(ctx, l.sandbox, l.sessionID); ierr != nil {
					l.logger.Warn(ctx, "turnloop: best-effort interrupt failed", "error", ierr)
				}
			}
			return nil
		}

		outcome, runErr := l.adapter.RunTurn(ctx, l.sessionID, agentadapter.TurnInput{
			PromptText:           prompt,
			Timeout:              turnTimeout,
			CurrentTurn:          turnNumber,
			RemainingPartsBudget: l.maxParts - len(l.trajectory.Parts),
			Counters:             map[string]int{"consecutive_failures": l.consecutiveFailures},
		}, onPart)

		// Step 5: a nil outcome (with or without err) is a turn-level
		// failure; discard the empty TurnRecord and attempt recovery.
		if outcome == nil {
			if runErr != nil {
				l.logger.Warn(ctx, "turnloop: run_turn failed", "turn", turnNumber, "error", runErr)
			}
			l.consecutiveFailures++
			if len(turn.Parts) > 0 {
				// The adapter streamed parts before failing; those parts
				// are already committed to trajectory.Parts by the
				// pipeline (invariant 1: part numbers never roll back), so
				// only the TurnRecord itself is discarded per invariant 3.
				l.logger.Warn(ctx, "turnloop: discarding turn record after failed run_turn", "turn", turnNumber, "parts_retained", len(turn.Parts))
			}
			if l.consecutiveFailures > l.turnRecoveryRetries {
				return l.stop(trajectory.StopAgentError), nil
			}
			newSessionID, recErr := l.adapter.RecoverSession(ctx, l.trajectory.TrajectoryID, l.consecutiveFailures)
			if recErr != nil {
				l.logger.Warn(ctx, "turnloop: recover_session failed", "error", recErr)
				return l.stop(trajectory.StopAgentError), nil
			}
			l.sessionID = newSessionID
			prompt = continuePrompt
			feedbackEvalID = ""
			continue
		}

		// Success: commit the turn and reset the failure streak.
		l.consecutiveFailures = 0
		turn.TokenUsage = outcome.TokenUsage
		l.trajectory.CommitTurn(turn)

		// Step 6: turn-end evaluation of the working tree.
		event, solved := l.runTurnEndEvaluation(ctx, turn)
		if len(l.trajectory.Parts) > 0 {
			last := l.trajectory.Parts[len(l.trajectory.Parts)-1]
			last.EvalEventsDelta = append(last.EvalEventsDelta, event)
		}
		if solved {
			return l.stop(trajectory.StopSolved), nil
		}

		// Step 7: optional Advisor step, folded into the feedback.
		var advisorAssessment string
		if l.advisor != nil {
			result, err := l.advisor.Assess(ctx, AdvisorInput{
				TaskPrompt:    initialPrompt,
				CurrentTurn:   turnNumber,
				CurrentCommit: l.trajectory.LatestGitCommit(),
				FailingTests:  event.Tests,
				SuiteResults:  event.SuiteResults,
			})
			if err != nil {
				advisorAssessment = fmt.Sprintf("advisor unavailable: %v", err)
			} else {
				advisorAssessment = result.Assessment
			}
		}

		// Step 8: build the next prompt and loop.
		feedbackEvalID = event.EvalID
		prompt = buildFeedbackPrompt(event, advisorAssessment, l.failedTestFeedbackLimit)
	}
}

const continuePrompt = "Continue working on the task."

// remainingRunSeconds returns the whole seconds left before runTimeout
// elapses since startedAt, or a large sentinel when unbounded.
func (l *Loop) remainingRunSeconds() int {
	if l.runTimeout <= 0 {
		return 1 << 20
	}
	remaining := l.runTimeout - time.Since(l.startedAt)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}

// hardCapSeconds is the per-turn ceiling passed to the Agent Adapter's
// ComputeTurnTimeout: messageTimeout (config.Orchestrator's
// MESSAGE_TIMEOUT_SECONDS) when set, since that is the per-message cap the
// adapter is meant to respect independent of the run's overall wall-clock
// budget; runTimeout as a fallback for a Loop built without one.
func (l *Loop) hardCapSeconds() int {
	if l.messageTimeout > 0 {
		return int(l.messageTimeout.Seconds())
	}
	if l.runTimeout > 0 {
		return int(l.runTimeout.Seconds())
	}
	return 1 << 20
}

// checkGuards evaluates the pre-turn guards in the exact order spec.md §4.6
// fixes: winner latched, part budget, turn budget, wall clock.
func (l *Loop) checkGuards() (trajectory.StopReason, bool) {
	if l.latch != nil && l.latch.IsLatched() {
		return trajectory.StopSolved, true
	}
	if len(l.trajectory.Parts) >= l.maxParts {
		return trajectory.StopPartLimit, true
	}
	if len(l.trajectory.Turns) >= l.maxTurns {
		return trajectory.StopPartLimit, true
	}
	if l.runTimeout > 0 && time.Since(l.startedAt) > l.runTimeout {
		return trajectory.StopTimeout, true
	}
	return "", false
}

// drainEvalEvents applies every buffered EvalEvent from the Evaluation
// Scheduler to the coordinator-owned trajectory.Evaluations map without
// blocking, matching the "coordinator-confined channel" handoff spec.md §5
// describes.
func (l *Loop) drainEvalEvents() {
	if l.scheduler == nil {
		return
	}
	for {
		select {
		case event, ok := <-l.scheduler.Events():
			if !ok {
				return
			}
			l.applyEvalEvent(event)
		default:
			return
		}
	}
}

func (l *Loop) applyEvalEvent(event *trajectory.EvalEvent) {
	if event.Commit == "" {
		return
	}
	eval, ok := l.trajectory.Evaluations[event.Commit]
	if !ok {
		eval = &trajectory.Evaluation{EvalID: event.EvalID, Commit: event.Commit, Part: event.TriggerPart, Turn: event.TriggerTurn}
		l.trajectory.Evaluations[event.Commit] = eval
	}
	eval.Status = event.Status
	eval.Passed = event.Passed
	eval.Failed = event.Failed
	eval.Total = event.Total
	eval.SuiteResults = event.SuiteResults
	eval.Tests = event.Tests
	eval.Error = event.Error
	if !event.QueuedAt.IsZero() {
		eval.QueuedAt = event.QueuedAt
	}
	if !event.StartedAt.IsZero() {
		eval.StartedAt = event.StartedAt
	}
	if !event.FinishedAt.IsZero() {
		eval.CompletedAt = event.FinishedAt
	}
	if p := l.trajectory.FindPart(event.TriggerPart); p != nil {
		p.EvalEventsDelta = append(p.EvalEventsDelta, event)
	}
}

// runTurnEndEvaluation runs the test driver against /workspace's current
// working tree (spec.md §4.6 step 6, preserving the §9 open-question
// behavior of evaluating uncommitted state rather than the last commit).
func (l *Loop) runTurnEndEvaluation(ctx context.Context, turn *trajectory.Turn) (*trajectory.EvalEvent, bool) {
	event := &trajectory.EvalEvent{
		EvalID:      uuid.NewString(),
		Kind:        trajectory.EvalEventTurnEndBlocking,
		TriggerPart: l.trajectory.LastPartNumber(),
		TriggerTurn: turn.Turn,
		Commit:      l.trajectory.LatestGitCommit(),
		StartedAt:   time.Now().UTC(),
	}

	if l.sandbox == nil {
		event.Status = trajectory.EvalFailed
		event.Error = "no sandbox configured for turn-end evaluation"
		event.FinishedAt = time.Now().UTC()
		return event, false
	}

	timeout := l.evalTimeout
	if timeout <= 0 {
		timeout = 7200 * time.Second
	}
	cmd := evalscheduler.BuildWorkingTreeEvaluationCommand(l.envoiURL, l.evalTestPath)
	res, err := l.sandbox.Run(ctx, cmd, sandbox.RunOptions{Timeout: int(timeout.Seconds()), Quiet: true})
	event.FinishedAt = time.Now().UTC()
	if err != nil {
		event.Status = trajectory.EvalFailed
		event.Error = err.Error()
		return event, false
	}
	if res.ExitCode != 0 {
		event.Status = trajectory.EvalFailed
		event.Error = fmt.Sprintf("turn-end evaluation failed with exit code %d", res.ExitCode)
		return event, false
	}
	payload, ok := evalscheduler.ParseCommitEvaluationPayload(res.Stdout)
	if !ok {
		event.Status = trajectory.EvalFailed
		event.Error = "missing evaluation payload in turn-end output"
		return event, false
	}

	event.Status = trajectory.EvalCompleted
	event.Passed = evalscheduler.PayloadInt(payload, "passed")
	event.Failed = evalscheduler.PayloadInt(payload, "failed")
	event.Total = evalscheduler.PayloadInt(payload, "total")
	event.SuiteResults = evalscheduler.PayloadSuiteResults(payload)
	event.Tests = evalscheduler.PayloadTests(payload)
	if errStr, ok := payload["error"].(string); ok {
		event.Error = errStr
	}

	solved := event.Error == "" && event.Total > 0 && event.Passed == event.Total
	return event, solved
}

// stop fixes SessionEnd and returns it, matching the loop-exit contract the
// Session Finalizer picks up from.
func (l *Loop) stop(reason trajectory.StopReason) *trajectory.SessionEnd {
	end := &trajectory.SessionEnd{
		Reason:         reason,
		TotalParts:     len(l.trajectory.Parts),
		TotalTurns:     len(l.trajectory.Turns),
		FinalGitCommit: l.trajectory.LatestGitCommit(),
	}
	l.trajectory.SessionEnd = end
	return end
}

// buildFeedbackPrompt composes the next turn's prompt: the default continue
// instruction plus an end-of-turn evaluation feedback block when the
// turn-end evaluation ran, including per-suite tallies, the advisor
// assessment (if any), and a regression-vs-previous-turn-end note is left to
// the caller's history (the prompt is self-contained per turn, not
// diffed here). feedbackLimit caps how many failing tests are quoted
// (config.Orchestrator's FAILED_TEST_FEEDBACK_LIMIT).
func buildFeedbackPrompt(event *trajectory.EvalEvent, advisorAssessment string, feedbackLimit int) string {
	if event == nil || event.Status == "" {
		return continuePrompt
	}
	var b []byte
	b = append(b, continuePrompt...)
	b = append(b, "\n\nEnd-of-turn evaluation feedback:\n"...)
	if event.Error != "" {
		b = append(b, fmt.Sprintf("- evaluation error: %s\n", event.Error)...)
	}
	b = append(b, fmt.Sprintf("- passed %d/%d\n", event.Passed, event.Total)...)
	for suite, result := range event.SuiteResults {
		b = append(b, fmt.Sprintf("- suite %s: %d/%d passed\n", suite, result.Passed, result.Total)...)
	}
	limit := len(event.Tests)
	if limit > feedbackLimit {
		limit = feedbackLimit
	}
	for _, test := range event.Tests[:limit] {
		if test.Status == "passed" || test.Status == "" {
			continue
		}
		b = append(b, fmt.Sprintf("- failing test %s/%s: %s\n", test.Suite, test.TestID, test.Message)...)
	}
	if advisorAssessment != "" {
		b = append(b, "\nAdvisor assessment:\n"...)
		b = append(b, advisorAssessment...)
		b = append(b, '\n')
	}
	return string(b)
}
