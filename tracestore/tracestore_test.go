package tracestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoi-run/trajectory/objectstore/inmem"
	"github.com/envoi-run/trajectory/trajectory"
)

func buildSample() *trajectory.Trajectory {
	t := trajectory.New("codex", "gpt-5")
	t.Environment = "basics"
	turn := trajectory.NewTurn(1, "do the thing", "")
	t.AppendPart(turn, &trajectory.Part{Part: t.NextPartNumber(), Kind: trajectory.PartText, Summary: "hi", Content: "hello", Timestamp: time.Now()})
	t.AppendPart(turn, &trajectory.Part{Part: t.NextPartNumber(), Kind: trajectory.PartPatch, ChangedFiles: []string{"a.go"}, Timestamp: time.Now()})
	t.CommitTurn(turn)
	t.Evaluations["deadbeef"] = &trajectory.Evaluation{
		EvalID: "e1", Commit: "deadbeef", Status: trajectory.EvalCompleted,
		Passed: 2, Total: 2,
	}
	return t
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	store := New(inmem.New(), nil)
	ctx := context.Background()
	original := buildSample()

	require.NoError(t, store.Snapshot(ctx, original))

	loaded, err := store.Load(ctx, original.TrajectoryID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, original.TrajectoryID, loaded.TrajectoryID)
	require.Len(t, loaded.Parts, 2)
	require.Equal(t, trajectory.PartText, loaded.Parts[0].Kind)
	require.Equal(t, []string{"a.go"}, loaded.Parts[1].ChangedFiles)
	require.Len(t, loaded.Turns, 1)
	require.Len(t, loaded.Turns[0].Parts, 2)
	require.True(t, trajectory.IsWinningEvaluation(loaded.Evaluations["deadbeef"]))
}

func TestLoadMissingSnapshotReturnsNilWithoutError(t *testing.T) {
	store := New(inmem.New(), nil)
	loaded, err := store.Load(context.Background(), "unknown")
	require.NoError(t, err)
	require.Nil(t, loaded)
}
