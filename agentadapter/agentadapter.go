// Package agentadapter defines the Agent Adapter contract consumed by the
// Turn Loop (spec.md §4.2/§6). Concrete agent backends (Codex, OpenCode) are
// external collaborators; package stub supplies a reference implementation
// over an OpenAI-compatible chat API standing in for them. Grounded on
// original_source/packages/code/envoi_code/agents/base.py's Agent Protocol.
package agentadapter

import (
	"context"
	"time"

	"github.com/envoi-run/trajectory/sandbox"
)

// PartPayload is the minimum shape a streamed part must carry, per spec.md §6.
type PartPayload struct {
	Kind        string
	Role        string
	Summary     string
	Content     string
	Files       []string
	ToolName    string
	ToolStatus  string
	ToolInput   map[string]any
	ToolOutput  map[string]any
	ToolError   string
	ToolExitCode *int
	TokenUsage  int
	TimestampMs int64
}

// OnStreamPart is invoked once per emitted part, in order, before RunTurn
// returns.
type OnStreamPart func(ctx context.Context, part PartPayload) error

// SetupContext carries everything Setup needs to provision the sandbox:
// binaries, client scripts, environment files, credentials, an optional MCP
// server script, and environment-specific initialization.
type SetupContext struct {
	EnvironmentName string
	TaskPrompt      string
	TaskParams      map[string]any
	Credentials     map[string]string
	MCPServerScript string
}

// TurnInput is the request passed to RunTurn.
type TurnInput struct {
	PromptText           string
	Timeout              time.Duration
	CurrentTurn          int
	RemainingPartsBudget  int
	Counters             map[string]int
}

// TurnOutcome is RunTurn's success result. A nil *TurnOutcome with nil error
// signals a turn-level failure per spec.md §4.2.
type TurnOutcome struct {
	MessageID  string
	TokenUsage int
}

// ComputeTurnTimeoutInput bundles the inputs to ComputeTurnTimeout.
type ComputeTurnTimeoutInput struct {
	RemainingParts      int
	RemainingRunSeconds int
	HardCapSeconds      int
}

// Adapter is the contract every agent backend must implement.
type Adapter interface {
	// Setup installs binaries, uploads client scripts, environment files,
	// credentials, an optional MCP server, and runs the environment's
	// workspace initializer.
	Setup(ctx context.Context, sb sandbox.Provider, setup SetupContext) error

	// CreateSession starts a new agent session for trajectoryID.
	CreateSession(ctx context.Context, trajectoryID string) (sessionID string, err error)

	// RunTurn drives one prompt-response cycle, invoking onPart once per
	// emitted part in order. A nil outcome (without error) is a turn-level
	// failure the Turn Loop must recover from.
	RunTurn(ctx context.Context, sessionID string, input TurnInput, onPart OnStreamPart) (*TurnOutcome, error)

	// RecoverSession is used after RunTurn returned a nil outcome.
	RecoverSession(ctx context.Context, trajectoryID string, attempt int) (sessionID string, err error)

	// CollectCrashMessages best-effort retrieves unflushed parts after a crash.
	CollectCrashMessages(ctx context.Context, sessionID string) ([]PartPayload, error)

	// ComputeTurnTimeout derives the per-turn timeout budget.
	ComputeTurnTimeout(input ComputeTurnTimeoutInput) time.Duration

	// Interrupt best-effort interrupts the agent's in-sandbox client process
	// (winner-latch fast stop, spec.md §4.4 step 7).
	Interrupt(ctx context.Context, sb sandbox.Provider, sessionID string) error

	// LogFiles lists the in-sandbox log file paths to tail for diagnostics.
	LogFiles() []string
}
