package trajectory

// TrimAfterPart discards every Part numbered beyond maxPartInclusive, along
// with the Turns and Evaluations that no longer have anything to reference.
// Grounded on the original trim_trace_after_part: a Turn whose parts are all
// beyond the cut is dropped; a Turn straddling the cut keeps its surviving
// parts and shrinks PartEnd to match.
func TrimAfterPart(t *Trajectory, maxPartInclusive int) {
	if maxPartInclusive <= 0 {
		t.Parts = nil
		t.Turns = nil
		t.Evaluations = make(map[string]*Evaluation)
		return
	}

	kept := make([]*Part, 0, len(t.Parts))
	keptNumbers := make(map[int]bool)
	for _, p := range t.Parts {
		if p.Part <= maxPartInclusive {
			kept = append(kept, p)
			keptNumbers[p.Part] = true
		}
	}
	t.Parts = kept

	trimmedTurns := make([]*Turn, 0, len(t.Turns))
	for _, turn := range t.Turns {
		filtered := make([]*Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			if keptNumbers[p.Part] {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) > 0 {
			turn.Parts = filtered
			turn.PartStart = filtered[0].Part
			turn.PartEnd = filtered[len(filtered)-1].Part
			if last := filtered[len(filtered)-1]; last.GitCommit != "" {
				turn.GitCommit = last.GitCommit
			}
			trimmedTurns = append(trimmedTurns, turn)
			continue
		}

		if turn.PartStart == 0 && turn.PartEnd == 0 {
			continue
		}
		if turn.PartStart > maxPartInclusive {
			continue
		}
		if turn.PartEnd > maxPartInclusive {
			turn.PartEnd = maxPartInclusive
		}
		trimmedTurns = append(trimmedTurns, turn)
	}
	t.Turns = trimmedTurns

	for commit, eval := range t.Evaluations {
		if eval.Part > maxPartInclusive {
			delete(t.Evaluations, commit)
		}
	}
}

// ApplyWinningProjection trims the trajectory to end at the winner's part and
// stamps SessionEnd with the winning commit, returning the winning part
// number (0 if winnerEval carries no usable part number).
func ApplyWinningProjection(t *Trajectory, winnerCommit string, winnerEval *Evaluation) int {
	if winnerEval == nil || winnerEval.Part <= 0 {
		return 0
	}
	winnerPart := winnerEval.Part
	TrimAfterPart(t, winnerPart)
	if t.SessionEnd != nil {
		t.SessionEnd.FinalGitCommit = winnerCommit
		t.SessionEnd.TotalParts = winnerPart
	}
	return winnerPart
}
