package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nexuscore/agentruntime/internal/memory"
	"github.com/nexuscore/agentruntime/pkg/models"
)

// loopTestProvider allows control over LLM responses for loop testing.
type loopTestProvider struct {
	responses    [][]CompletionChunk
	currentCall  int32
	completeFunc func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}

	call := int(atomic.AddInt32(&p.currentCall, 1)) - 1
	ch := make(chan *CompletionChunk, 10)

	go func() {
		defer close(ch)
		if call < len(p.responses) {
			for _, chunk := range p.responses[call] {
				select {
				case ch <- &chunk:
				case <-ctx.Done():
					ch <- &CompletionChunk{Error: ctx.Err()}
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *loopTestProvider) Name() string        { return "loop-test" }
func (p *loopTestProvider) Models() []Model     { return nil }
func (p *loopTestProvider) SupportsTools() bool { return true }

// newLoopTestThread creates a fresh thread in store for use as a Run target.
func newLoopTestThread(t *testing.T, store memory.Store) *models.Thread {
	t.Helper()
	thread, err := store.CreateThread(context.Background(), "agent-1", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	return thread
}

func TestAgenticLoop_DefaultConfig(t *testing.T) {
	config := DefaultLoopConfig()

	if config.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", config.MaxIterations)
	}
	if config.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", config.MaxTokens)
	}
	if config.MaxToolCalls != 0 {
		t.Errorf("MaxToolCalls = %d, want 0", config.MaxToolCalls)
	}
	if !config.EnableBackpressure {
		t.Error("EnableBackpressure should default to true")
	}
	if !config.StreamToolResults {
		t.Error("StreamToolResults should default to true")
	}
	if config.ContextBudget.MaxTokens != defaultContextBudgetTokens {
		t.Errorf("ContextBudget.MaxTokens = %d, want %d", config.ContextBudget.MaxTokens, defaultContextBudgetTokens)
	}
}

func TestAgenticLoop_DisableBackpressure(t *testing.T) {
	config := DefaultLoopConfig()
	config.EnableBackpressure = false

	loop := NewAgenticLoop(&loopTestProvider{}, NewToolRegistry(), memory.NewMemoryStore(), config)

	if loop.executor.sem != nil {
		t.Error("expected backpressure semaphore to be nil when disabled")
	}
}

func TestAgenticLoop_NoToolCalls(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{Text: "hello there"},
				{Done: true},
			},
		},
	}

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "hi"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var text strings.Builder
	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
		text.WriteString(chunk.Text)
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if text.String() != "hello there" {
		t.Errorf("text = %q, want %q", text.String(), "hello there")
	}
}

func TestAgenticLoop_SingleToolCall(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "noop", Arguments: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "done"},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "use the tool"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var sawToolResult bool
	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
		if chunk.ToolResult != nil {
			sawToolResult = true
			if chunk.ToolResult.Content != "ok" {
				t.Errorf("tool result content = %q, want %q", chunk.ToolResult.Content, "ok")
			}
		}
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if !sawToolResult {
		t.Fatal("expected a streamed tool result")
	}
}

func TestAgenticLoop_PersistsMessages(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "noop", Arguments: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "all done"},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "use the tool"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for range ch {
	}

	entries, err := store.GetEntries(context.Background(), thread.ID, memory.EntryQuery{})
	if err != nil {
		t.Fatalf("GetEntries() error = %v", err)
	}

	var roles []string
	for _, e := range entries {
		roles = append(roles, string(e.Message.Role))
	}

	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %q, want %q", i, roles[i], want[i])
		}
	}
}

func TestAgenticLoop_MaxIterationsReached(t *testing.T) {
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 2)
			ch <- &CompletionChunk{ToolCall: &models.ToolCall{
				ID:        "call-infinite",
				Name:      "noop",
				Arguments: json.RawMessage(`{}`),
			}}
			ch <- &CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	config := &LoopConfig{
		MaxIterations:      3,
		MaxTokens:          4096,
		ExecutorConfig:     DefaultExecutorConfig(),
		StreamToolResults:  true,
		EnableBackpressure: true,
	}

	loop := NewAgenticLoop(provider, registry, store, config)

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "loop forever"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var loopErr error
	for chunk := range ch {
		if chunk.Error != nil {
			loopErr = chunk.Error
		}
	}

	if loopErr == nil {
		t.Fatal("expected max iterations error")
	}

	var loopError *LoopError
	if !errors.As(loopErr, &loopError) {
		t.Fatalf("expected LoopError, got %T", loopErr)
	}

	if !errors.Is(loopError.Cause, ErrMaxIterations) {
		t.Errorf("expected ErrMaxIterations, got %v", loopError.Cause)
	}
}

func TestAgenticLoop_MaxToolCallsExceeded(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "noop", Arguments: json.RawMessage(`{}`)}},
				{ToolCall: &models.ToolCall{ID: "call-2", Name: "noop", Arguments: json.RawMessage(`{}`)}},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	config := DefaultLoopConfig()
	config.MaxToolCalls = 1

	loop := NewAgenticLoop(provider, registry, store, config)

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "loop"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
	}

	if gotErr == nil {
		t.Fatal("expected error for max tool calls")
	}
	if !strings.Contains(gotErr.Error(), "tool calls exceed maximum") {
		t.Errorf("unexpected error: %v", gotErr)
	}
}

func TestAgenticLoop_ContextCancellation(t *testing.T) {
	started := make(chan struct{})
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk)
			go func() {
				close(started)
				<-ctx.Done()
				ch <- &CompletionChunk{Error: ctx.Err()}
				close(ch)
			}()
			return ch, nil
		},
	}

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig())

	ctx, cancel := context.WithCancel(context.Background())

	ch, err := loop.Run(ctx, thread, models.TextMessage(models.RoleUser, "test"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	<-started
	cancel()

	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
	}

	if gotErr == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestAgenticLoop_ProviderError(t *testing.T) {
	expectedErr := errors.New("provider unavailable")
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			return nil, expectedErr
		},
	}

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "test"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
	}

	if gotErr == nil {
		t.Fatal("expected provider error")
	}

	var loopError *LoopError
	if !errors.As(gotErr, &loopError) {
		t.Fatalf("expected LoopError, got %T", gotErr)
	}
	if loopError.Phase != PhaseStream {
		t.Errorf("phase = %s, want %s", loopError.Phase, PhaseStream)
	}
}

func TestAgenticLoop_StreamingError(t *testing.T) {
	streamErr := errors.New("streaming failed")
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 2)
			ch <- &CompletionChunk{Text: "partial..."}
			ch <- &CompletionChunk{Error: streamErr}
			close(ch)
			return ch, nil
		},
	}

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "test"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
	}

	if gotErr == nil {
		t.Fatal("expected streaming error")
	}
}

func TestAgenticLoop_SetDefaultModel(t *testing.T) {
	var capturedModel string
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			capturedModel = req.Model
			ch := make(chan *CompletionChunk, 1)
			ch <- &CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig())
	loop.SetDefaultModel("gpt-4-turbo")

	ch, _ := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "test"))
	for range ch {
	}

	if capturedModel != "gpt-4-turbo" {
		t.Errorf("model = %q, want %q", capturedModel, "gpt-4-turbo")
	}
}

func TestAgenticLoop_SetDefaultSystem(t *testing.T) {
	var capturedSystem string
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			capturedSystem = req.System
			ch := make(chan *CompletionChunk, 1)
			ch <- &CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig())
	loop.SetDefaultSystem("You are a helpful assistant.")

	ch, _ := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "test"))
	for range ch {
	}

	if capturedSystem != "You are a helpful assistant." {
		t.Errorf("system = %q, want %q", capturedSystem, "You are a helpful assistant.")
	}
}

func TestAgenticLoop_MultipleToolCalls(t *testing.T) {
	var execCount int32
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "noop", Arguments: json.RawMessage(`{}`)}},
				{ToolCall: &models.ToolCall{ID: "call-2", Name: "noop", Arguments: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "all done"},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			atomic.AddInt32(&execCount, 1)
			return &ToolResult{Content: "ok"}, nil
		},
	})

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "use both tools"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected error: %v", chunk.Error)
		}
	}

	if atomic.LoadInt32(&execCount) != 2 {
		t.Errorf("execCount = %d, want 2", execCount)
	}
}

func TestAgenticLoop_ToolError(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "failing", Arguments: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "handled the error"},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{
		name: "failing",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "boom", IsError: true}, nil
		},
	})

	store := memory.NewMemoryStore()
	thread := newLoopTestThread(t, store)
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), thread, models.TextMessage(models.RoleUser, "use the tool"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var sawErrorResult bool
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected loop error: %v", chunk.Error)
		}
		if chunk.ToolResult != nil && chunk.ToolResult.IsError {
			sawErrorResult = true
		}
	}

	if !sawErrorResult {
		t.Fatal("expected a tool result marked as an error")
	}
}

func TestAgenticLoop_NilConfig(t *testing.T) {
	store := memory.NewMemoryStore()
	loop := NewAgenticLoop(&loopTestProvider{}, NewToolRegistry(), store, nil)

	if loop.config.MaxIterations != DefaultLoopConfig().MaxIterations {
		t.Errorf("MaxIterations = %d, want default", loop.config.MaxIterations)
	}
}

func TestAgenticLoop_ConfigureTool(t *testing.T) {
	store := memory.NewMemoryStore()
	loop := NewAgenticLoop(&loopTestProvider{}, NewToolRegistry(), store, DefaultLoopConfig())

	loop.ConfigureTool("slow-tool", &ToolConfig{Timeout: 0})

	if _, ok := loop.executor.toolConfig["slow-tool"]; !ok {
		t.Error("expected tool config to be registered")
	}
}
