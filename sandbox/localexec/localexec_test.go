package localexec

import (
	"context"
	"testing"

	"github.com/envoi-run/trajectory/sandbox"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	p := New(t.TempDir())
	result, err := p.Run(context.Background(), "echo hello; exit 0", sandbox.RunOptions{Timeout: 5})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, "hello\n", result.Stdout)
}

func TestRunReportsNonZeroExit(t *testing.T) {
	p := New(t.TempDir())
	result, err := p.Run(context.Background(), "exit 3", sandbox.RunOptions{Timeout: 5})
	require.NoError(t, err)
	require.Equal(t, 3, result.ExitCode)
}

func TestWriteAndReadFileRoundTrip(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	require.NoError(t, p.WriteFile(ctx, "nested/dir/file.txt", "content", true))
	content, err := p.ReadFile(ctx, "nested/dir/file.txt")
	require.NoError(t, err)
	require.Equal(t, "content", content)
}

func TestTerminateIsIdempotent(t *testing.T) {
	p := New(t.TempDir())
	ctx := context.Background()
	require.NoError(t, p.Terminate(ctx))
	require.NoError(t, p.Terminate(ctx))
}
