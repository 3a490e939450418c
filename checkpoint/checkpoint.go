// Package checkpoint implements the Workspace Checkpointer (spec.md §4.3):
// whenever a part changes files, commit the workspace and record the
// resulting commit hash. Grounded on orchestrator.py's git-commit call
// sequence and checkout_workspace_commit/bundle-export helpers.
package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/envoi-run/trajectory/evalerrors"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/telemetry"
	"github.com/envoi-run/trajectory/trajectory"
)

// AuthorEmail and AuthorName are the fixed git identity spec.md §6 requires.
const (
	AuthorEmail = "agent@example.com"
	AuthorName  = "Agent"
	workspaceDir = "/workspace"
)

// Checkpointer commits file changes to the workspace's git history.
type Checkpointer struct {
	sandbox sandbox.Provider
	logger  telemetry.Logger
}

// New builds a Checkpointer over the given sandbox.
func New(provider sandbox.Provider, logger telemetry.Logger) *Checkpointer {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Checkpointer{sandbox: provider, logger: logger}
}

// InitWorkspace pre-initializes /workspace as a git repo with a root commit
// and the fixed author identity, matching spec.md §6's Git workspace
// contract.
func (c *Checkpointer) InitWorkspace(ctx context.Context) error {
	cmd := fmt.Sprintf(
		"set -e\n"+
			"mkdir -p %s\n"+
			"cd %s\n"+
			"git init -q\n"+
			"git config user.email %s\n"+
			"git config user.name %s\n"+
			"git commit --allow-empty -q -m 'root commit'\n",
		workspaceDir, workspaceDir, shellQuote(AuthorEmail), shellQuote(AuthorName),
	)
	result, err := c.sandbox.Run(ctx, cmd, sandbox.RunOptions{Timeout: 30, Quiet: true})
	if err != nil {
		return evalerrors.Wrap(evalerrors.CodeCheckpoint, "initializing workspace git repo", err)
	}
	if result.ExitCode != 0 {
		return evalerrors.Errorf(evalerrors.CodeCheckpoint, "git init failed: %s", result.Stderr)
	}
	return nil
}

// Checkpoint runs `git add -A && git commit` in /workspace and returns the
// resulting RepoCheckpoint. A commit whose tree equals its parent's is
// silently skipped (git's own "nothing to commit" behavior, tolerated via
// `|| true`). The checkpointer never fails the part: on a git error it logs
// and returns a RepoCheckpoint with CommitAfter == CommitBefore.
func (c *Checkpointer) Checkpoint(ctx context.Context, partNumber int, message string) *trajectory.RepoCheckpoint {
	priorHead, err := c.headCommit(ctx)
	if err != nil {
		c.logger.Error(ctx, "checkpoint: failed reading prior HEAD", "part", partNumber, "error", err)
		return &trajectory.RepoCheckpoint{Message: message}
	}

	cmd := fmt.Sprintf(
		"cd %s && git add -A && git -c user.email=%s -c user.name=%s commit -q -m %s || true",
		workspaceDir, shellQuote(AuthorEmail), shellQuote(AuthorName), shellQuote(message),
	)
	if _, err := c.sandbox.Run(ctx, cmd, sandbox.RunOptions{Timeout: 60, Quiet: true}); err != nil {
		c.logger.Error(ctx, "checkpoint: git commit failed", "part", partNumber, "error", err)
		return &trajectory.RepoCheckpoint{CommitBefore: priorHead, CommitAfter: priorHead, Message: message}
	}

	newHead, err := c.headCommit(ctx)
	if err != nil || newHead == "" {
		c.logger.Error(ctx, "checkpoint: failed reading new HEAD", "part", partNumber, "error", err)
		return &trajectory.RepoCheckpoint{CommitBefore: priorHead, CommitAfter: priorHead, Message: message}
	}

	filesChanged, err := c.changedFiles(ctx, priorHead, newHead)
	if err != nil {
		c.logger.Warn(ctx, "checkpoint: failed to list changed files", "part", partNumber, "error", err)
	}

	return &trajectory.RepoCheckpoint{
		CommitBefore: priorHead,
		CommitAfter:  newHead,
		FilesChanged: filesChanged,
		Message:      message,
	}
}

// CheckoutCommit checks out commit in /workspace (forcefully, discarding
// local changes), used by the Session Finalizer's winner projection.
func (c *Checkpointer) CheckoutCommit(ctx context.Context, commit string) error {
	cmd := fmt.Sprintf("cd %s && git checkout -q -f %s", workspaceDir, shellQuote(commit))
	result, err := c.sandbox.Run(ctx, cmd, sandbox.RunOptions{Timeout: 60, Quiet: true})
	if err != nil {
		return evalerrors.Wrap(evalerrors.CodeProjection, "checking out winning commit", err)
	}
	if result.ExitCode != 0 {
		return evalerrors.Errorf(evalerrors.CodeProjection, "git checkout failed: %s", result.Stderr)
	}
	return nil
}

func (c *Checkpointer) headCommit(ctx context.Context) (string, error) {
	result, err := c.sandbox.Run(ctx, fmt.Sprintf("cd %s && git rev-parse HEAD", workspaceDir), sandbox.RunOptions{Timeout: 10, Quiet: true})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse failed: %s", result.Stderr)
	}
	return strings.TrimSpace(result.Stdout), nil
}

func (c *Checkpointer) changedFiles(ctx context.Context, before, after string) ([]string, error) {
	if before == "" || before == after {
		return nil, nil
	}
	cmd := fmt.Sprintf("cd %s && git diff --name-only %s %s", workspaceDir, shellQuote(before), shellQuote(after))
	result, err := c.sandbox.Run(ctx, cmd, sandbox.RunOptions{Timeout: 30, Quiet: true})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("git diff failed: %s", result.Stderr)
	}
	var files []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
