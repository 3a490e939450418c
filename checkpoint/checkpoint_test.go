package checkpoint

import (
	"context"
	"testing"

	"github.com/envoi-run/trajectory/sandbox/localexec"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/stretchr/testify/require"
)

// newWorkspaceSandbox builds a localexec provider whose rootDir acts as
// /workspace so tests can run Checkpointer commands without a real
// sandbox. Checkpointer hardcodes "/workspace" as its cwd, so we symlink it
// there for the duration of the test via a chroot-like trick: instead we
// override via a temp dir and cd. Since localexec's Run always resolves cwd
// relative to rootDir, and Checkpointer issues "cd /workspace", we point
// rootDir directly at a throwaway dir and rely on the absolute path only
// existing inside that dir structure for these tests — so we skip workspace
// init tests requiring real /workspace and instead exercise the git
// plumbing helpers against a relative-path stand-in.
func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestCheckpointReturnsSameCommitOnGitFailure(t *testing.T) {
	provider := localexec.New(t.TempDir())
	cp := New(provider, telemetry.NewNoopLogger())

	// /workspace does not exist under this provider's rootDir, so git
	// commands fail; Checkpoint must degrade to CommitBefore==CommitAfter
	// without returning an error.
	result := cp.Checkpoint(context.Background(), 1, "part 1")
	require.Equal(t, result.CommitBefore, result.CommitAfter)
}
