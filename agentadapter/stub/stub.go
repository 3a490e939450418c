// Package stub implements agentadapter.Adapter over an OpenAI-compatible
// chat completion API, standing in for the out-of-scope Codex/OpenCode
// backends referenced throughout spec.md. Each RunTurn call issues one chat
// completion and synthesizes a small, deterministic sequence of Parts from
// the response (text part, optional patch part when the response includes a
// fenced diff), matching the onStreamPart contract in spec.md §4.2.
package stub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/envoi-run/trajectory/agentadapter"
	"github.com/envoi-run/trajectory/sandbox"
	"github.com/envoi-run/trajectory/telemetry"
)

// Options configures the stub adapter.
type Options struct {
	APIKey string
	Model  string
	Logger telemetry.Logger
}

// Adapter is a reference agentadapter.Adapter backed by an OpenAI-compatible
// chat completion loop.
type Adapter struct {
	client openai.Client
	model  string
	logger telemetry.Logger

	sessions map[string]*sessionState
}

type sessionState struct {
	trajectoryID string
	history      []openai.ChatCompletionMessageParamUnion
}

// New builds a stub Adapter.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Adapter{
		client:   openai.NewClient(option.WithAPIKey(opts.APIKey)),
		model:    model,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

// Setup is a no-op for the stub backend: no binaries or client scripts need
// installing since the "agent" runs out-of-sandbox and only emits synthetic
// parts.
func (a *Adapter) Setup(ctx context.Context, sb sandbox.Provider, setup agentadapter.SetupContext) error {
	a.logger.Info(ctx, "stub adapter setup", "environment", setup.EnvironmentName)
	return nil
}

// CreateSession starts a fresh chat history for trajectoryID.
func (a *Adapter) CreateSession(_ context.Context, trajectoryID string) (string, error) {
	sessionID := fmt.Sprintf("stub-%s", trajectoryID)
	a.sessions[sessionID] = &sessionState{trajectoryID: trajectoryID}
	return sessionID, nil
}

// RunTurn issues one chat completion and streams the result back as parts.
func (a *Adapter) RunTurn(ctx context.Context, sessionID string, input agentadapter.TurnInput, onPart agentadapter.OnStreamPart) (*agentadapter.TurnOutcome, error) {
	state, ok := a.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("stub adapter: unknown session %s", sessionID)
	}

	turnCtx := ctx
	var cancel context.CancelFunc
	if input.Timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, input.Timeout)
		defer cancel()
	}

	state.history = append(state.history, openai.UserMessage(input.PromptText))

	resp, err := a.client.Chat.Completions.New(turnCtx, openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: state.history,
	})
	if err != nil {
		a.logger.Error(ctx, "stub adapter: chat completion failed", "error", err)
		return nil, nil // turn-level failure per spec.md §4.2
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	content := resp.Choices[0].Message.Content
	state.history = append(state.history, openai.AssistantMessage(content))

	reasoning, text, patch := splitResponse(content)
	now := time.Now().UnixMilli()

	if reasoning != "" {
		if err := onPart(ctx, agentadapter.PartPayload{Kind: "reasoning", Role: "assistant", Summary: truncate(reasoning, 120), Content: reasoning, TimestampMs: now}); err != nil {
			return nil, err
		}
	}
	if text != "" {
		if err := onPart(ctx, agentadapter.PartPayload{Kind: "text", Role: "assistant", Summary: truncate(text, 120), Content: text, TimestampMs: now}); err != nil {
			return nil, err
		}
	}
	if patch != "" {
		if err := onPart(ctx, agentadapter.PartPayload{Kind: "patch", Role: "assistant", Summary: "apply patch", Content: patch, Files: extractPatchFiles(patch), TimestampMs: now}); err != nil {
			return nil, err
		}
	}

	usage := 0
	if resp.Usage.TotalTokens > 0 {
		usage = int(resp.Usage.TotalTokens)
	}
	return &agentadapter.TurnOutcome{MessageID: resp.ID, TokenUsage: usage}, nil
}

// RecoverSession starts a brand new session, discarding history — the stub
// has no durable session state to restore.
func (a *Adapter) RecoverSession(ctx context.Context, trajectoryID string, attempt int) (string, error) {
	a.logger.Warn(ctx, "stub adapter: recovering session", "trajectory_id", trajectoryID, "attempt", attempt)
	return a.CreateSession(ctx, trajectoryID)
}

// CollectCrashMessages always returns nil: the stub backend has no
// in-sandbox client process to inspect for unflushed output.
func (a *Adapter) CollectCrashMessages(context.Context, string) ([]agentadapter.PartPayload, error) {
	return nil, nil
}

// ComputeTurnTimeout caps at the smallest of the hard cap and remaining run
// budget, falling back to 600s when that comes to zero or less. The
// remaining part budget does not enter the calculation.
func (a *Adapter) ComputeTurnTimeout(input agentadapter.ComputeTurnTimeoutInput) time.Duration {
	seconds := input.HardCapSeconds
	if input.RemainingRunSeconds > 0 && input.RemainingRunSeconds < seconds {
		seconds = input.RemainingRunSeconds
	}
	if seconds <= 0 {
		seconds = 600
	}
	return time.Duration(seconds) * time.Second
}

// Interrupt is a no-op: the stub backend has no in-sandbox client process to
// signal.
func (a *Adapter) Interrupt(context.Context, sandbox.Provider, string) error { return nil }

// LogFiles returns no log files: the stub never writes into the sandbox.
func (a *Adapter) LogFiles() []string { return nil }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// splitResponse is a best-effort split of a chat response into a reasoning
// preamble, body text, and a fenced ```diff/```patch block, since the stub
// backend has no native multi-part streaming protocol of its own.
func splitResponse(content string) (reasoning, text, patch string) {
	const fence = "```"
	start := strings.Index(content, fence)
	if start == -1 {
		return "", content, ""
	}
	head := strings.TrimSpace(content[:start])
	rest := content[start+len(fence):]
	end := strings.Index(rest, fence)
	if end == -1 {
		return head, content, ""
	}
	body := rest[:end]
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		lang := strings.ToLower(strings.TrimSpace(body[:nl]))
		if lang == "diff" || lang == "patch" {
			return head, "", strings.TrimSpace(body[nl+1:])
		}
	}
	return head, strings.TrimSpace(body), ""
}

func extractPatchFiles(patch string) []string {
	var files []string
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			files = append(files, strings.TrimPrefix(line, "+++ b/"))
		}
	}
	return files
}
