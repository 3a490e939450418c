// Package evalscheduler runs the Evaluation Scheduler: a bounded-concurrency
// pool that clones the workspace at a commit, runs the envoi test suite
// against it, and reports the result as a trajectory.EvalEvent. Grounded on
// original_source/packages/code/envoi_code/orchestrator.py's
// EvaluationScheduler class; run_one's sandbox invocation is grounded on
// utils/evaluation.py's run_commit_evaluation.
package evalscheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/envoi-run/trajectory/evalerrors"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/trajectory"

	"github.com/google/uuid"
)

// Options configures a Scheduler.
type Options struct {
	Sandbox     sandbox.Provider
	EnvoiURL    string
	TestPath    string
	Timeout     time.Duration
	Concurrency int
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics

	// DedupLock, when non-nil, is consulted before scheduling a commit so
	// multiple orchestrator replicas racing on the same commit (e.g. during
	// a resumed run) do not evaluate it concurrently. The lock is released
	// when the evaluation finishes. Optional: a nil lock means
	// in-process dedup only, via seenCommits.
	DedupLock DedupLock

	// OnWinner is invoked (on the scheduler's worker goroutine, not the
	// coordinator's) the instant a completed evaluation is a winner per
	// trajectory.IsWinningEvaluation, so the Turn Loop can fast-stop.
	OnWinner func(commit string, eval *trajectory.Evaluation)

	// ShouldStop, when non-nil, is consulted at the top of every Schedule
	// call; a true result turns Schedule into a no-op (winnerlatch.Latch's
	// ShouldStop is the intended caller).
	ShouldStop func() bool
}

// DedupLock is the distributed commit-dedup contract, implemented against
// Redis (SET NX) in package evalscheduler/redislock, so two orchestrator
// processes sharing a workspace never evaluate a commit at the same time.
type DedupLock interface {
	// TryAcquire returns true if the caller won the right to evaluate
	// commit, false if another process currently holds it.
	TryAcquire(ctx context.Context, commit string) (bool, error)
	Release(ctx context.Context, commit string) error
}

// Scheduler owns the set of in-flight and completed evaluations for one
// trajectory run.
type Scheduler struct {
	sandbox   sandbox.Provider
	envoiURL  string
	testPath  string
	timeout   time.Duration
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	dedupLock  DedupLock
	onWinner   func(commit string, eval *trajectory.Evaluation)
	shouldStop func() bool

	sem *semaphore.Weighted

	mu          sync.Mutex
	seenCommits map[string]struct{}
	pending     map[string]struct{}
	cancels     map[string]context.CancelFunc

	wg     sync.WaitGroup
	events chan *trajectory.EvalEvent
}

// cancelDrainTimeout bounds CancelPending's own Wait once every in-flight
// evaluation's context has been cancelled: they should unwind almost
// immediately, so this is a last-resort ceiling, not a normal-case budget.
const cancelDrainTimeout = 30 * time.Second

// New builds a Scheduler seeded from the already-known commits of a resumed
// trajectory (so it never re-evaluates a commit the prior process already
// queued), matching EvaluationScheduler.__init__'s seen_commits seed.
func New(opts Options, alreadySeen map[string]*trajectory.Evaluation) *Scheduler {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	seen := make(map[string]struct{}, len(alreadySeen))
	for commit := range alreadySeen {
		seen[commit] = struct{}{}
	}
	return &Scheduler{
		sandbox:     opts.Sandbox,
		envoiURL:    opts.EnvoiURL,
		testPath:    opts.TestPath,
		timeout:     opts.Timeout,
		logger:      logger,
		metrics:     opts.Metrics,
		dedupLock:   opts.DedupLock,
		onWinner:    opts.OnWinner,
		shouldStop:  opts.ShouldStop,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		seenCommits: seen,
		pending:     make(map[string]struct{}),
		cancels:     make(map[string]context.CancelFunc),
		events:      make(chan *trajectory.EvalEvent, 64),
	}
}

// Events returns the channel the coordinator drains to apply EvalEvents to
// its owned Trajectory. The scheduler never mutates a Trajectory directly.
func (s *Scheduler) Events() <-chan *trajectory.EvalEvent {
	return s.events
}

// HasPending reports whether any evaluation is queued or running.
func (s *Scheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Schedule queues commit for evaluation unless it has already been seen, a
// distributed lock says another process owns it, or ShouldStop reports a
// winner has already latched (spec.md §4.5: "if should_stop() is true, ...
// no-op"). Non-blocking: the evaluation runs on its own goroutine gated by
// the concurrency semaphore, under a context Schedule derives from ctx so
// CancelPending can stop it independently of the caller's own context.
func (s *Scheduler) Schedule(ctx context.Context, commit string, part, turn int) {
	if s.shouldStop != nil && s.shouldStop() {
		return
	}

	s.mu.Lock()
	if _, ok := s.seenCommits[commit]; ok {
		s.mu.Unlock()
		return
	}
	s.seenCommits[commit] = struct{}{}
	s.pending[commit] = struct{}{}
	s.mu.Unlock()

	evalCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[commit] = cancel
	s.mu.Unlock()

	if s.dedupLock != nil {
		acquired, err := s.dedupLock.TryAcquire(ctx, commit)
		if err != nil {
			s.logger.Warn(ctx, "eval dedup lock unavailable, proceeding locally", "commit", commit, "error", err)
		} else if !acquired {
			s.logger.Info(ctx, "eval commit owned by another replica, skipping", "commit", commit)
			cancel()
			s.mu.Lock()
			delete(s.pending, commit)
			delete(s.cancels, commit)
			s.mu.Unlock()
			return
		}
	}

	queuedAt := time.Now().UTC()
	eval := &trajectory.Evaluation{
		EvalID:   uuid.NewString(),
		Commit:   commit,
		Part:     part,
		Turn:     turn,
		Status:   trajectory.EvalQueued,
		QueuedAt: queuedAt,
	}
	s.emit(eval, part, turn, queuedAt)
	s.logger.Info(ctx, "eval queued", "commit", commit, "part", part)

	s.wg.Add(1)
	go s.runOne(evalCtx, cancel, eval)
}

func (s *Scheduler) runOne(ctx context.Context, cancel context.CancelFunc, eval *trajectory.Evaluation) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.pending, eval.Commit)
		delete(s.cancels, eval.Commit)
		s.mu.Unlock()
		if s.dedupLock != nil {
			_ = s.dedupLock.Release(ctx, eval.Commit)
		}
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		eval.Status = trajectory.EvalFailed
		eval.Error = "cancelled before evaluation started"
		eval.CompletedAt = time.Now().UTC()
		s.emit(eval, eval.Part, eval.Turn, eval.QueuedAt)
		return
	}
	defer s.sem.Release(1)

	eval.Status = trajectory.EvalRunning
	eval.StartedAt = time.Now().UTC()
	s.emit(eval, eval.Part, eval.Turn, eval.QueuedAt)

	started := time.Now()
	result := s.runCommitEvaluation(ctx, eval.Commit)
	applyResult(eval, result)
	if eval.DurationMs == 0 {
		eval.DurationMs = int(time.Since(started).Milliseconds())
	}
	eval.CompletedAt = time.Now().UTC()

	if eval.Status == trajectory.EvalCompleted && eval.Total == 0 && eval.Error == "" {
		s.logger.Info(ctx, "eval completed with no tests", "commit", eval.Commit)
	} else {
		s.logger.Info(ctx, "eval completed", "commit", eval.Commit, "status", eval.Status, "passed", eval.Passed, "total", eval.Total)
	}
	if s.metrics != nil {
		s.metrics.RecordTimer("evalscheduler.duration", time.Since(started), "status", string(eval.Status))
	}
	s.emit(eval, eval.Part, eval.Turn, eval.QueuedAt)

	if trajectory.IsWinningEvaluation(eval) && s.onWinner != nil {
		s.onWinner(eval.Commit, eval)
	}
}

// evalRunResult is the intermediate result of one sandbox invocation, before
// it is folded into a trajectory.Evaluation.
type evalRunResult struct {
	command  string
	exitCode *int
	stdout   string
	stderr   string
	payload  map[string]any
	runErr   error
}

func (s *Scheduler) runCommitEvaluation(ctx context.Context, commit string) evalRunResult {
	repoDir := fmt.Sprintf("/tmp/envoi-eval-%s-%s", shortCommit(commit), uuid.NewString()[:8])
	command := BuildCommitEvaluationCommand(commit, repoDir, s.envoiURL, s.testPath)

	timeout := s.timeout
	if timeout <= 0 {
		timeout = 7200 * time.Second
	}
	res, err := s.sandbox.Run(ctx, command, sandbox.RunOptions{
		Timeout: int(timeout.Seconds()),
		Quiet:   true,
	})
	if err != nil {
		return evalRunResult{command: command, runErr: evalerrors.Wrap(evalerrors.CodeEvaluation, "sandbox run failed", err)}
	}
	exitCode := res.ExitCode
	payload, _ := ParseCommitEvaluationPayload(res.Stdout)
	return evalRunResult{command: command, exitCode: &exitCode, stdout: res.Stdout, stderr: res.Stderr, payload: payload}
}

// applyResult folds an evalRunResult into eval, matching
// EvaluationScheduler.apply_result / apply_failure's precedence: a non-zero
// exit code is a failure regardless of payload; a missing payload on exit 0
// is also a failure; otherwise the payload's own error field (if any) is
// carried through on an otherwise-completed evaluation.
func applyResult(eval *trajectory.Evaluation, result evalRunResult) {
	eval.Command = result.command
	eval.ExitCode = result.exitCode
	eval.Stdout = result.stdout
	eval.Stderr = result.stderr

	if result.runErr != nil {
		eval.Status = trajectory.EvalFailed
		eval.Error = result.runErr.Error()
		return
	}
	if result.exitCode != nil && *result.exitCode != 0 {
		eval.Status = trajectory.EvalFailed
		eval.Error = fmt.Sprintf("evaluation command failed with exit code %d", *result.exitCode)
		return
	}
	if result.payload == nil {
		eval.Status = trajectory.EvalFailed
		eval.Error = "missing evaluation payload in command output"
		return
	}

	eval.Status = trajectory.EvalCompleted
	eval.Payload = result.payload
	if errStr, ok := result.payload["error"].(string); ok {
		eval.Error = errStr
	}
	eval.DurationMs = intFrom(result.payload, "duration_ms")
	eval.Passed = intFrom(result.payload, "passed")
	eval.Failed = intFrom(result.payload, "failed")
	eval.Total = intFrom(result.payload, "total")
	eval.SuiteResults = suiteResultsFrom(result.payload)
	eval.Tests = testsFrom(result.payload)
}

func intFrom(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func suiteResultsFrom(payload map[string]any) map[string]trajectory.SuiteResult {
	raw, ok := payload["suite_results"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]trajectory.SuiteResult, len(raw))
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		ok1, _ := m["ok"].(bool)
		errStr, _ := m["error"].(string)
		out[name] = trajectory.SuiteResult{
			OK:     ok1,
			Passed: intFrom(m, "passed"),
			Failed: intFrom(m, "failed"),
			Total:  intFrom(m, "total"),
			Error:  errStr,
		}
	}
	return out
}

func testsFrom(payload map[string]any) []trajectory.EvalTestResult {
	raw, ok := payload["tests"].([]any)
	if !ok {
		return nil
	}
	out := make([]trajectory.EvalTestResult, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		s, _ := m["suite"].(string)
		id, _ := m["test_id"].(string)
		status, _ := m["status"].(string)
		out = append(out, trajectory.EvalTestResult{Suite: s, TestID: id, Status: status})
	}
	return out
}

// PayloadInt, PayloadSuiteResults, and PayloadTests expose the evaluation
// payload decoding helpers to other coordinator-side callers — specifically
// the Turn Loop's inline turn-end evaluation (spec.md §4.6 step 6), which
// parses the same `__ENVOI_EVAL_JSON__` payload shape without going through
// a full Scheduler/Evaluation record.
func PayloadInt(payload map[string]any, key string) int { return intFrom(payload, key) }

func PayloadSuiteResults(payload map[string]any) map[string]trajectory.SuiteResult {
	return suiteResultsFrom(payload)
}

func PayloadTests(payload map[string]any) []trajectory.EvalTestResult {
	return testsFrom(payload)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// emit publishes an EvalEvent snapshot of eval's current state onto the
// events channel for the coordinator to apply to its Trajectory.
func (s *Scheduler) emit(eval *trajectory.Evaluation, part, turn int, queuedAt time.Time) {
	event := &trajectory.EvalEvent{
		EvalID:       eval.EvalID,
		Kind:         trajectory.EvalEventCommitAsync,
		TriggerPart:  part,
		TriggerTurn:  turn,
		Commit:       eval.Commit,
		QueuedAt:     queuedAt,
		StartedAt:    eval.StartedAt,
		FinishedAt:   eval.CompletedAt,
		Status:       eval.Status,
		Passed:       eval.Passed,
		Failed:       eval.Failed,
		Total:        eval.Total,
		SuiteResults: eval.SuiteResults,
		Tests:        eval.Tests,
		Error:        eval.Error,
	}
	s.events <- event
}

// Wait blocks until every scheduled evaluation has completed.
func (s *Scheduler) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// CancelPending cancels every in-flight evaluation's own context (so its
// runOne goroutine unwinds instead of running to its own evaluation
// timeout), marks every still-pending commit failed with reason, and waits
// for the goroutines to actually exit, bounded by cancelDrainTimeout
// regardless of what ctx allows, matching EvaluationScheduler.cancel_pending.
func (s *Scheduler) CancelPending(ctx context.Context, reason string) {
	s.mu.Lock()
	pendingCommits := make([]string, 0, len(s.pending))
	for commit := range s.pending {
		pendingCommits = append(pendingCommits, commit)
	}
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	now := time.Now().UTC()
	for _, commit := range pendingCommits {
		s.events <- &trajectory.EvalEvent{
			Commit:     commit,
			Status:     trajectory.EvalFailed,
			Error:      reason,
			FinishedAt: now,
		}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, cancelDrainTimeout)
	defer waitCancel()
	s.Wait(waitCtx)
}

// Close closes the events channel once the caller is certain no further
// Schedule calls will occur and Wait has returned.
func (s *Scheduler) Close() {
	close(s.events)
}
