// Package tracestore persists and reloads Trajectory snapshots as an
// append-only columnar blob, matching spec.md §6's
// "trajectories/<id>/trace.parquet" contract: one row per Part, with
// trajectory-level fields denormalized onto every row and nested objects
// JSON-encoded. Every Snapshot call rewrites the whole object — "monotonic
// rewrites" per invariant 7, not a true Parquet append.
package tracestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/envoi-run/trajectory/objectstore"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/trajectory"
)

// SchemaVersion is stamped onto every row, matching spec.md §6's
// "envoi.trace.v2" schema version marker.
const SchemaVersion = "envoi.trace.v2"

// partRow is one Parquet row: trajectory-level columns denormalized, Part
// columns flattened, and every nested object (tool payloads, checkpoint,
// testing state, eval deltas) carried as a JSON string column.
type partRow struct {
	SchemaVersion string `parquet:"schema_version"`
	TrajectoryID  string `parquet:"trajectory_id"`
	AgentName     string `parquet:"agent_name"`
	Model         string `parquet:"model"`
	Environment   string `parquet:"environment"`
	StartedAt     int64  `parquet:"started_at"`
	TaskParamsJSON string `parquet:"task_params_json"`
	TurnsJSON      string `parquet:"turns_json"`
	EvaluationsJSON string `parquet:"evaluations_json"`
	SessionEndJSON  string `parquet:"session_end_json"`
	ArtifactsJSON   string `parquet:"artifacts_json"`

	Part          int    `parquet:"part"`
	Timestamp     int64  `parquet:"timestamp"`
	Role          string `parquet:"role"`
	Kind          string `parquet:"kind"`
	Summary       string `parquet:"summary"`
	Content       string `parquet:"content"`
	ChangedFilesJSON string `parquet:"changed_files_json"`

	ToolName   string `parquet:"tool_name"`
	ToolStatus string `parquet:"tool_status"`
	ToolInputJSON  string `parquet:"tool_input_json"`
	ToolOutputJSON string `parquet:"tool_output_json"`
	ToolError  string `parquet:"tool_error"`
	ToolExitCode int  `parquet:"tool_exit_code"`
	HasToolExitCode bool `parquet:"has_tool_exit_code"`

	WordCount     int `parquet:"word_count"`
	TokenEstimate int `parquet:"token_estimate"`

	GitCommit          string `parquet:"git_commit"`
	RepoCheckpointJSON string `parquet:"repo_checkpoint_json"`
	TestingStateJSON   string `parquet:"testing_state_json"`
	EvalEventsDeltaJSON string `parquet:"eval_events_delta_json"`
}

// Store writes and reads Trajectory snapshots against an objectstore.Store.
type Store struct {
	blobs  objectstore.Store
	logger telemetry.Logger
}

// New builds a Store over blobs.
func New(blobs objectstore.Store, logger telemetry.Logger) *Store {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{blobs: blobs, logger: logger}
}

func traceKey(trajectoryID string) string {
	return fmt.Sprintf("trajectories/%s/trace.parquet", trajectoryID)
}

// Snapshot serializes t to one Parquet row per Part and rewrites
// trace.parquet in full.
func (s *Store) Snapshot(ctx context.Context, t *trajectory.Trajectory) error {
	taskParamsJSON := marshalOrEmpty(t.TaskParams)
	turnsJSON := marshalOrEmpty(t.Turns)
	evaluationsJSON := marshalOrEmpty(t.Evaluations)
	sessionEndJSON := marshalOrEmpty(t.SessionEnd)
	artifactsJSON := marshalOrEmpty(t.Artifacts)

	rows := make([]partRow, 0, len(t.Parts))
	for _, p := range t.Parts {
		row := partRow{
			SchemaVersion:   SchemaVersion,
			TrajectoryID:    t.TrajectoryID,
			AgentName:       t.AgentName,
			Model:           t.Model,
			Environment:     t.Environment,
			StartedAt:       t.StartedAt.UnixMilli(),
			TaskParamsJSON:  taskParamsJSON,
			TurnsJSON:       turnsJSON,
			EvaluationsJSON: evaluationsJSON,
			SessionEndJSON:  sessionEndJSON,
			ArtifactsJSON:   artifactsJSON,

			Part:             p.Part,
			Timestamp:        p.Timestamp.UnixMilli(),
			Role:             p.Role,
			Kind:             string(p.Kind),
			Summary:          p.Summary,
			Content:          p.Content,
			ChangedFilesJSON: marshalOrEmpty(p.ChangedFiles),

			ToolName:       p.ToolName,
			ToolStatus:     p.ToolStatus,
			ToolInputJSON:  marshalOrEmpty(p.ToolInput),
			ToolOutputJSON: marshalOrEmpty(p.ToolOutput),
			ToolError:      p.ToolError,

			WordCount:     p.WordCount,
			TokenEstimate: p.TokenEstimate,

			GitCommit:           p.GitCommit,
			RepoCheckpointJSON:  marshalOrEmpty(p.RepoCheckpoint),
			TestingStateJSON:    marshalOrEmpty(p.TestingState),
			EvalEventsDeltaJSON: marshalOrEmpty(p.EvalEventsDelta),
		}
		if p.ToolExitCode != nil {
			row.HasToolExitCode = true
			row.ToolExitCode = *p.ToolExitCode
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return fmt.Errorf("tracestore: encode %s: %w", t.TrajectoryID, err)
	}
	if _, err := s.blobs.Put(ctx, traceKey(t.TrajectoryID), &buf, "application/octet-stream"); err != nil {
		return fmt.Errorf("tracestore: upload %s: %w", t.TrajectoryID, err)
	}
	s.logger.Debug(ctx, "trace snapshot saved", "trajectory_id", t.TrajectoryID, "parts", len(rows))
	return nil
}

// Load reads back a prior snapshot. Returns (nil, nil) when no snapshot
// exists, matching spec.md §4.6's "snapshot absent -> start fresh" resume
// rule rather than treating a missing trace as an error.
func (s *Store) Load(ctx context.Context, trajectoryID string) (*trajectory.Trajectory, error) {
	obj, err := s.blobs.Get(ctx, traceKey(trajectoryID))
	if err != nil {
		return nil, nil
	}
	rows, err := parquet.Read[partRow](bytes.NewReader(obj.Body), int64(len(obj.Body)))
	if err != nil {
		return nil, fmt.Errorf("tracestore: decode %s: %w", trajectoryID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	head := rows[0]
	t := &trajectory.Trajectory{
		TrajectoryID: head.TrajectoryID,
		AgentName:    head.AgentName,
		Model:        head.Model,
		Environment:  head.Environment,
		StartedAt:    time.UnixMilli(head.StartedAt).UTC(),
		Evaluations:  make(map[string]*trajectory.Evaluation),
	}
	unmarshalInto(head.TaskParamsJSON, &t.TaskParams)
	unmarshalInto(head.TurnsJSON, &t.Turns)
	unmarshalInto(head.EvaluationsJSON, &t.Evaluations)
	var sessionEnd *trajectory.SessionEnd
	unmarshalInto(head.SessionEndJSON, &sessionEnd)
	t.SessionEnd = sessionEnd
	unmarshalInto(head.ArtifactsJSON, &t.Artifacts)

	for _, row := range rows {
		p := &trajectory.Part{
			Part:      row.Part,
			Timestamp: time.UnixMilli(row.Timestamp).UTC(),
			Role:      row.Role,
			Kind:      trajectory.PartKind(row.Kind),
			Summary:   row.Summary,
			Content:   row.Content,

			ToolName:      row.ToolName,
			ToolStatus:    row.ToolStatus,
			ToolError:     row.ToolError,
			WordCount:     row.WordCount,
			TokenEstimate: row.TokenEstimate,
			GitCommit:     row.GitCommit,
		}
		unmarshalInto(row.ChangedFilesJSON, &p.ChangedFiles)
		unmarshalInto(row.ToolInputJSON, &p.ToolInput)
		unmarshalInto(row.ToolOutputJSON, &p.ToolOutput)
		unmarshalInto(row.RepoCheckpointJSON, &p.RepoCheckpoint)
		unmarshalInto(row.TestingStateJSON, &p.TestingState)
		unmarshalInto(row.EvalEventsDeltaJSON, &p.EvalEventsDelta)
		if row.HasToolExitCode {
			code := row.ToolExitCode
			p.ToolExitCode = &code
		}
		t.Parts = append(t.Parts, p)
	}

	// Re-link each Turn's Parts slice by its [PartStart, PartEnd] window,
	// since only scalar Turn fields survive the JSON round trip verbatim.
	for _, turn := range t.Turns {
		turn.Parts = nil
		for _, p := range t.Parts {
			if p.Part >= turn.PartStart && p.Part <= turn.PartEnd {
				turn.Parts = append(turn.Parts, p)
			}
		}
	}

	s.logger.Debug(ctx, "trace snapshot loaded", "trajectory_id", trajectoryID, "parts", len(t.Parts))
	return t, nil
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	out, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(out)
}

func unmarshalInto(raw string, dst any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dst)
}
