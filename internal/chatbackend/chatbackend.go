// Package chatbackend declares the ChatBackend capability the agent run
// engine (C8) consumes: the only point where this module talks to an LLM.
// Concrete provider adapters (Anthropic, OpenAI, Bedrock, ...) are out of
// scope for this module; it only needs the interface shape and a
// deterministic fake for tests, grounded on internal/engine's LLMProvider
// shape in provider_types.go.
package chatbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexuscore/agentruntime/pkg/models"
)

// FinishReason is why a chat completion stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Usage reports token consumption for a single completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatRequest is the input to a single chat completion.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []*models.Message `json:"messages"`
	Tools       []ToolSpec        `json:"tools,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
}

// ToolSpec describes one tool the model may call, independent of how the
// tool registry (C5) executes it.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      []byte `json:"schema"`
}

// ChatResponse is a complete (non-streaming) chat completion result.
type ChatResponse struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason FinishReason      `json:"finish_reason"`
	Usage        Usage             `json:"usage"`
}

// StreamChunk is one element of a chatStream sequence.
type StreamChunk struct {
	ID           string            `json:"id"`
	DeltaContent string            `json:"delta_content,omitempty"`
	DeltaTool    *models.ToolCall  `json:"delta_tool_call,omitempty"`
	FinishReason FinishReason      `json:"finish_reason,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// ErrAborted is returned (or sent as the final chunk) when a request's
// context is cancelled mid-flight.
var ErrAborted = errors.New("chatbackend: request aborted")

// ChatBackend is the capability the run engine depends on for every model
// call. Implementations must honor ctx cancellation promptly (the core's
// suspension-point contract): a cancelled ctx should return/close within a
// best-effort bound rather than run to completion.
type ChatBackend interface {
	// Chat performs a single, complete chat completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming chat completion. The returned channel
	// is closed when the stream ends (successfully, on error, or on ctx
	// cancellation); a terminal error is delivered as the last value read
	// from the error channel before it closes.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error)
}

// FakeBackend is a deterministic in-memory ChatBackend for tests. It never
// calls out to a network and its behavior is fully driven by Script, so
// engine tests can assert on exact request/response sequences.
type FakeBackend struct {
	// Script is consumed one response per call to Chat/ChatStream, in
	// order. Calling past the end of Script returns ErrScriptExhausted.
	Script []ChatResponse

	calls int
}

// ErrScriptExhausted is returned once FakeBackend.Script has been fully
// consumed.
var ErrScriptExhausted = errors.New("chatbackend: fake script exhausted")

// NewFakeBackend returns a FakeBackend that replays responses in order.
func NewFakeBackend(script ...ChatResponse) *FakeBackend {
	return &FakeBackend{Script: script}
}

// Calls returns how many times Chat or ChatStream has been invoked.
func (f *FakeBackend) Calls() int { return f.calls }

// Chat returns the next scripted response.
func (f *FakeBackend) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.calls >= len(f.Script) {
		return nil, fmt.Errorf("%w (call %d)", ErrScriptExhausted, f.calls+1)
	}
	resp := f.Script[f.calls]
	f.calls++
	return &resp, nil
}

// ChatStream replays the next scripted response as a single delta chunk,
// then one chunk per scripted tool call, then a finish chunk carrying the
// finish reason and usage.
func (f *FakeBackend) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 2)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := f.Chat(ctx, req)
		if err != nil {
			errs <- err
			return
		}

		select {
		case chunks <- StreamChunk{ID: resp.ID, DeltaContent: resp.Content}:
		case <-ctx.Done():
			errs <- ErrAborted
			return
		}

		for i := range resp.ToolCalls {
			select {
			case chunks <- StreamChunk{ID: resp.ID, DeltaTool: &resp.ToolCalls[i]}:
			case <-ctx.Done():
				errs <- ErrAborted
				return
			}
		}

		usage := resp.Usage
		select {
		case chunks <- StreamChunk{ID: resp.ID, FinishReason: resp.FinishReason, Usage: &usage}:
		case <-ctx.Done():
			errs <- ErrAborted
		}
	}()

	return chunks, errs
}
