// Package trajectory holds the data model for a single orchestrated run: the
// Trajectory aggregate and the Part/Turn/Evaluation records it owns.
//
// Every mutation to a Trajectory happens on a single coordinator goroutine
// (the Turn Loop); the Evaluation Scheduler only ever mutates the Evaluation
// it owns and hands updates back through a channel the coordinator drains.
// The type itself does no locking — callers outside the coordinator must not
// touch it directly.
package trajectory

import (
	"time"

	"github.com/google/uuid"
)

// PartKind identifies the sum-type discriminant of a Part. Kept as a tagged
// variant rather than a schemaless payload bag per the design note on
// dynamic-typing.
type PartKind string

const (
	PartReasoning PartKind = "reasoning"
	PartText      PartKind = "text"
	PartTool      PartKind = "tool"
	PartPatch     PartKind = "patch"
)

// EvaluationStatus is the lifecycle state of an Evaluation.
type EvaluationStatus string

const (
	EvalQueued    EvaluationStatus = "queued"
	EvalRunning   EvaluationStatus = "running"
	EvalCompleted EvaluationStatus = "completed"
	EvalFailed    EvaluationStatus = "failed"
)

// EvalEventKind distinguishes a commit-triggered async evaluation from the
// inline turn-end evaluation of the working tree.
type EvalEventKind string

const (
	EvalEventCommitAsync      EvalEventKind = "commit_async"
	EvalEventTurnEndBlocking  EvalEventKind = "turn_end_blocking"
)

// StopReason is the exhaustive set of values SessionEnd.Reason may hold.
type StopReason string

const (
	StopSolved     StopReason = "solved"
	StopPartLimit  StopReason = "part_limit"
	StopTimeout    StopReason = "timeout"
	StopAgentError StopReason = "agent_error"
	StopEnvoiError StopReason = "envoi_error"
)

// Trajectory is the unit of a single run. All fields are coordinator-owned;
// Parts live in a flat arena indexed by part number (invariant 1: dense,
// strictly increasing starting at 1). Each Turn records its [PartStart,
// PartEnd] window and also holds pointers to its Parts; a Part has no
// reference back to its Turn, so there is no Turn<->Part cycle.
type Trajectory struct {
	TrajectoryID string
	AgentName    string
	Model        string
	StartedAt    time.Time
	Environment  string
	TaskParams   map[string]any

	Parts       []*Part
	Turns       []*Turn
	Evaluations map[string]*Evaluation // keyed by commit hash

	Artifacts  Artifacts
	SessionEnd *SessionEnd
}

// New creates an empty Trajectory with a fresh id, ready for the turn loop to
// start appending Parts and Turns.
func New(agentName, model string) *Trajectory {
	return &Trajectory{
		TrajectoryID: uuid.NewString(),
		AgentName:    agentName,
		Model:        model,
		StartedAt:    time.Now().UTC(),
		Evaluations:  make(map[string]*Evaluation),
	}
}

// LastPartNumber returns the highest Part.Part value, or 0 when empty.
func (t *Trajectory) LastPartNumber() int {
	if len(t.Parts) == 0 {
		return 0
	}
	max := 0
	for _, p := range t.Parts {
		if p.Part > max {
			max = p.Part
		}
	}
	return max
}

// LastTurnNumber mirrors the original get_trace_last_turn: prefer explicit
// Turn.Turn numbers, fall back to the slice length.
func (t *Trajectory) LastTurnNumber() int {
	if len(t.Turns) == 0 {
		return 0
	}
	max := 0
	found := false
	for _, turn := range t.Turns {
		if turn.Turn > 0 {
			found = true
			if turn.Turn > max {
				max = turn.Turn
			}
		}
	}
	if found {
		return max
	}
	return len(t.Turns)
}

// LatestGitCommit walks SessionEnd then Parts (most recent first) to find
// the most recently known workspace commit, matching get_trace_latest_commit.
func (t *Trajectory) LatestGitCommit() string {
	if t.SessionEnd != nil && t.SessionEnd.FinalGitCommit != "" {
		return t.SessionEnd.FinalGitCommit
	}
	for i := len(t.Parts) - 1; i >= 0; i-- {
		p := t.Parts[i]
		if p.GitCommit != "" {
			return p.GitCommit
		}
		if p.RepoCheckpoint != nil {
			if p.RepoCheckpoint.CommitAfter != "" {
				return p.RepoCheckpoint.CommitAfter
			}
			if p.RepoCheckpoint.CommitBefore != "" {
				return p.RepoCheckpoint.CommitBefore
			}
		}
	}
	return ""
}

// FindPart returns the Part with the given number, searching from the end
// (recent parts are the common lookup case), or nil.
func (t *Trajectory) FindPart(number int) *Part {
	for i := len(t.Parts) - 1; i >= 0; i-- {
		if t.Parts[i].Part == number {
			return t.Parts[i]
		}
	}
	return nil
}

// Part is one granular event emitted by the agent.
type Part struct {
	Part      int // monotonically increasing, starting at 1
	Timestamp time.Time
	Role      string
	Kind      PartKind
	Summary   string
	Content   string

	ChangedFiles []string

	ToolName     string
	ToolStatus   string
	ToolInput    map[string]any
	ToolOutput   map[string]any
	ToolError    string
	ToolExitCode *int

	WordCount     int
	TokenEstimate int

	GitCommit      string
	RepoCheckpoint *RepoCheckpoint
	TestingState   *TestingState

	EvalEventsDelta []*EvalEvent
}

// Turn is a single prompt-response cycle.
type Turn struct {
	Turn            int
	PartStart       int
	PartEnd         int
	Prompt          string
	Timestamp       time.Time
	TokenUsage      int
	FeedbackEvalID  string
	Parts           []*Part
	GitCommit       string
}

// RepoCheckpoint records the git commit produced after a file-changing part.
type RepoCheckpoint struct {
	CommitBefore string
	CommitAfter  string
	FilesChanged []string
	Message      string
}

// TestingState is the running SolveTracker snapshot attached to a Part.
type TestingState struct {
	SolvedPaths       []string
	TotalPaths        int
	LatestPath        string
	LatestPassed      int
	LatestTotal       int
	LatestStatusCode  int
	LatestError       string
}

// EnvoiCall records a test RPC observed inside a tool part.
type EnvoiCall struct {
	Path       string
	Timestamp  time.Time
	DurationMs int
	StatusCode int
	Error      string
	Result     *EnvoiCallResult
}

// EnvoiCallResult is the optional test-result payload of an EnvoiCall.
type EnvoiCallResult struct {
	Passed int
	Failed int
	Total  int
	Cases  []map[string]any
}

// Evaluation is an independent execution of the full test suite against one
// commit. Uniqueness key is Commit (invariants 4/5).
type Evaluation struct {
	EvalID  string
	Commit  string
	Part    int
	Turn    int
	Status  EvaluationStatus

	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Passed int
	Failed int
	Total  int

	SuiteResults map[string]SuiteResult
	Tests        []EvalTestResult
	Payload      map[string]any

	Command    string
	ExitCode   *int
	Stdout     string
	Stderr     string
	Error      string
	DurationMs int
}

// SuiteResult is one entry of an Evaluation's per-suite tally.
type SuiteResult struct {
	OK     bool
	Passed int
	Failed int
	Total  int
	Error  string
}

// EvalTestResult is one individual test outcome inside an Evaluation payload.
type EvalTestResult struct {
	Suite             string
	TestID            string
	Status            string
	FailureType        string
	Message           string
	StdoutTail        string
	StderrTail        string
	Source            string
	RenderedDiagnostic string
}

// EvalEvent is a visible emission of evaluation state, attached to the Part
// that triggered it.
type EvalEvent struct {
	EvalID      string
	Kind        EvalEventKind
	TriggerPart int
	TriggerTurn int
	Commit      string
	QueuedAt    time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      EvaluationStatus
	Passed      int
	Failed      int
	Total       int
	SuiteResults map[string]SuiteResult
	Tests       []EvalTestResult
	Error       string
}

// SessionEnd fixes the terminal outcome of a run.
type SessionEnd struct {
	Reason         StopReason
	TotalParts     int
	TotalTurns     int
	FinalGitCommit string
}

// Artifacts is the set of blob locations produced for a trajectory.
type Artifacts struct {
	TraceBlobURI string
	BundleBlobURI string
	LogsBlobURI  string
}

// IsWinningEvaluation reports whether e satisfies the winner predicate of
// spec invariant 5: completed, total>0, passed==total, no error.
func IsWinningEvaluation(e *Evaluation) bool {
	return e != nil &&
		e.Status == EvalCompleted &&
		e.Total > 0 &&
		e.Passed == e.Total &&
		e.Error == ""
}

// FirstWinningCommit returns the winning evaluation with the smallest
// trigger part number, breaking ties lexicographically by commit, matching
// §4.8's winner-selection rule.
func FirstWinningCommit(evaluations map[string]*Evaluation) (string, *Evaluation, bool) {
	var bestCommit string
	var best *Evaluation
	for commit, eval := range evaluations {
		if !IsWinningEvaluation(eval) {
			continue
		}
		if best == nil ||
			eval.Part < best.Part ||
			(eval.Part == best.Part && commit < bestCommit) {
			best = eval
			bestCommit = commit
		}
	}
	return bestCommit, best, best != nil
}
