package trajectory

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// buildTrajectory grows a trajectory with n parts spread across turns of the
// given size, used as the property generator's witness.
func buildTrajectory(n, turnSize int) *Trajectory {
	traj := New("codex", "gpt-5")
	if turnSize <= 0 {
		turnSize = 1
	}
	var turn *Turn
	for i := 1; i <= n; i++ {
		if turn == nil || len(turn.Parts) >= turnSize {
			if turn != nil {
				traj.CommitTurn(turn)
			}
			turn = NewTurn(len(traj.Turns)+1, "continue", "")
		}
		part := &Part{Part: i, Timestamp: time.Now().UTC(), Kind: PartText}
		traj.AppendPart(turn, part)
	}
	if turn != nil {
		traj.CommitTurn(turn)
	}
	return traj
}

func TestDensePartNumbering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("part numbers form a dense 1..N run", prop.ForAll(
		func(n, turnSize int) bool {
			traj := buildTrajectory(n, turnSize)
			for i, p := range traj.Parts {
				if p.Part != i+1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 200),
		gen.IntRange(1, 7),
	))

	properties.Property("every turn has at least one part", prop.ForAll(
		func(n, turnSize int) bool {
			traj := buildTrajectory(n, turnSize)
			for _, turn := range traj.Turns {
				if len(turn.Parts) == 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 200),
		gen.IntRange(1, 7),
	))

	properties.TestingRun(t)
}

func TestEvaluationUniquenessAndIdempotentSchedule(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("scheduling the same commit twice yields one evaluation", prop.ForAll(
		func(commit string, part int) bool {
			evaluations := make(map[string]*Evaluation)
			schedule := func(commit string, part int) {
				if _, exists := evaluations[commit]; exists {
					return
				}
				evaluations[commit] = &Evaluation{Commit: commit, Part: part, Status: EvalQueued, QueuedAt: time.Now().UTC()}
			}
			schedule(commit, part)
			schedule(commit, part+1)
			return len(evaluations) == 1
		},
		gen.AlphaString(),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}

func TestWinnerProjectionTrimsStrictlyAfterWinningPart(t *testing.T) {
	traj := buildTrajectory(5, 10)
	winnerEval := &Evaluation{Commit: "c1", Part: 3, Status: EvalCompleted, Passed: 7, Total: 7}
	traj.Evaluations["c1"] = winnerEval
	traj.SessionEnd = &SessionEnd{Reason: StopSolved}

	winnerPart := ApplyWinningProjection(traj, "c1", winnerEval)

	require.Equal(t, 3, winnerPart)
	require.Len(t, traj.Parts, 3)
	require.Equal(t, "c1", traj.SessionEnd.FinalGitCommit)
	require.Equal(t, 3, traj.SessionEnd.TotalParts)
}

func TestFirstWinningCommitBreaksTiesByMinPart(t *testing.T) {
	evaluations := map[string]*Evaluation{
		"c2": {Commit: "c2", Part: 5, Status: EvalCompleted, Passed: 7, Total: 7},
		"c1": {Commit: "c1", Part: 3, Status: EvalCompleted, Passed: 7, Total: 7},
	}
	commit, eval, ok := FirstWinningCommit(evaluations)
	require.True(t, ok)
	require.Equal(t, "c1", commit)
	require.Equal(t, 3, eval.Part)
}

func TestIsWinningEvaluationRequiresNoErrorAndFullPass(t *testing.T) {
	require.False(t, IsWinningEvaluation(nil))
	require.False(t, IsWinningEvaluation(&Evaluation{Status: EvalCompleted, Total: 0}))
	require.False(t, IsWinningEvaluation(&Evaluation{Status: EvalCompleted, Total: 5, Passed: 4}))
	require.False(t, IsWinningEvaluation(&Evaluation{Status: EvalCompleted, Total: 5, Passed: 5, Error: "boom"}))
	require.True(t, IsWinningEvaluation(&Evaluation{Status: EvalCompleted, Total: 5, Passed: 5}))
}

func TestSolveTrackerDedupesAndTracksSolvedSet(t *testing.T) {
	tracker := NewSolveTracker([]string{"basics", "wacct/chapter_1"})
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tracker.Update(&EnvoiCall{Path: "basics", Timestamp: ts, StatusCode: 200, DurationMs: 10, Result: &EnvoiCallResult{Passed: 3, Total: 3}})
	tracker.Update(&EnvoiCall{Path: "basics", Timestamp: ts, StatusCode: 200, DurationMs: 10, Result: &EnvoiCallResult{Passed: 0, Total: 3}})

	require.ElementsMatch(t, []string{"basics"}, tracker.SolvedPaths())
	require.ElementsMatch(t, []string{"wacct/chapter_1"}, tracker.UnsolvedPaths())
}
