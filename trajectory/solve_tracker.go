package trajectory

import "fmt"

// SolveTracker maintains the set of required test paths solved so far and the
// most recent call observed for each path, mirroring the Python SolveTracker
// used by the Part Stream Pipeline. A path is solved iff its latest call had
// total>0 and passed==total (testable property 9).
type SolveTracker struct {
	requiredPaths []string
	latestByPath  map[string]*EnvoiCall
	seenCallKeys  map[string]bool
}

// NewSolveTracker seeds a tracker with the required test paths for the
// environment being run.
func NewSolveTracker(requiredPaths []string) *SolveTracker {
	return &SolveTracker{
		requiredPaths: append([]string(nil), requiredPaths...),
		latestByPath:  make(map[string]*EnvoiCall),
		seenCallKeys:  make(map[string]bool),
	}
}

// Update records call for its path, deduplicating by (path, timestamp,
// status_code, duration_ms) as the original tracker does.
func (s *SolveTracker) Update(call *EnvoiCall) {
	key := fmt.Sprintf("%s|%s|%d|%d", call.Path, call.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), call.StatusCode, call.DurationMs)
	if s.seenCallKeys[key] {
		return
	}
	s.seenCallKeys[key] = true
	s.latestByPath[call.Path] = call
}

// SolvedPaths returns the required paths whose latest call is a clean pass.
func (s *SolveTracker) SolvedPaths() []string {
	var solved []string
	for _, path := range s.requiredPaths {
		call, ok := s.latestByPath[path]
		if !ok || call.Result == nil {
			continue
		}
		if call.Result.Total > 0 && call.Result.Passed == call.Result.Total {
			solved = append(solved, path)
		}
	}
	return solved
}

// UnsolvedPaths returns the required paths not yet solved, in declaration
// order.
func (s *SolveTracker) UnsolvedPaths() []string {
	solved := make(map[string]bool)
	for _, p := range s.SolvedPaths() {
		solved[p] = true
	}
	var unsolved []string
	for _, path := range s.requiredPaths {
		if !solved[path] {
			unsolved = append(unsolved, path)
		}
	}
	return unsolved
}

// LatestCallForPath returns the most recent call recorded against path, or
// nil.
func (s *SolveTracker) LatestCallForPath(path string) *EnvoiCall {
	return s.latestByPath[path]
}

// Snapshot builds the TestingState to attach to the current Part.
func (s *SolveTracker) Snapshot(latestPath string) *TestingState {
	state := &TestingState{
		SolvedPaths: s.SolvedPaths(),
		TotalPaths:  len(s.requiredPaths),
		LatestPath:  latestPath,
	}
	if call := s.latestByPath[latestPath]; call != nil {
		state.LatestStatusCode = call.StatusCode
		state.LatestError = call.Error
		if call.Result != nil {
			state.LatestPassed = call.Result.Passed
			state.LatestTotal = call.Result.Total
		}
	}
	return state
}
