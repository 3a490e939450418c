package trajectory

import "time"

// NextPartNumber returns the part number the next streamed Part must use:
// previous part count + 1, keeping numbers dense and strictly increasing
// (invariant 1).
func (t *Trajectory) NextPartNumber() int {
	return len(t.Parts) + 1
}

// AppendPart appends part to both the trajectory arena and the active turn,
// updating the turn's part window. Callers must ensure part.Part ==
// NextPartNumber() before calling; this is checked by the caller in
// partstream, not re-validated here, to keep this a pure data-structure
// operation.
func (t *Trajectory) AppendPart(turn *Turn, part *Part) {
	t.Parts = append(t.Parts, part)
	turn.Parts = append(turn.Parts, part)
	if turn.PartStart == 0 || part.Part < turn.PartStart {
		turn.PartStart = part.Part
	}
	if part.Part > turn.PartEnd {
		turn.PartEnd = part.Part
	}
}

// NewTurn builds a prospective TurnRecord; per invariant 3 it must not be
// appended to Trajectory.Turns until it has produced at least one Part.
// CommitTurn finalizes the decision.
func NewTurn(turnNumber int, prompt, feedbackEvalID string) *Turn {
	return &Turn{
		Turn:           turnNumber,
		Prompt:         prompt,
		Timestamp:      time.Now().UTC(),
		FeedbackEvalID: feedbackEvalID,
	}
}

// CommitTurn appends turn to the trajectory's turn list when it holds at
// least one Part; a turn with zero parts is not appended (invariant 3).
func (t *Trajectory) CommitTurn(turn *Turn) {
	if len(turn.Parts) == 0 {
		return
	}
	t.Turns = append(t.Turns, turn)
}
