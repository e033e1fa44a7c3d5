package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexuscore/agentruntime/internal/runstore"
)

func newTestEngine() (*Engine, *runstore.MemoryRunStore) {
	store := runstore.NewMemoryRunStore()
	return NewEngine(store, store, nil, 0), store
}

type counterState struct {
	Value int `json:"value"`
}

func marshalState(v int) json.RawMessage {
	out, _ := json.Marshal(counterState{Value: v})
	return out
}

func unmarshalState(raw json.RawMessage) int {
	var s counterState
	_ = json.Unmarshal(raw, &s)
	return s.Value
}

func TestEngine_Sequential(t *testing.T) {
	engine, _ := newTestEngine()

	b := NewBuilder("seq", marshalState(1))
	b.AddNode("double", func(ctx *NodeContext) (json.RawMessage, error) {
		return marshalState(unmarshalState(ctx.State) * 2), nil
	}, NodeConfig{})
	b.AddNode("increment", func(ctx *NodeContext) (json.RawMessage, error) {
		return marshalState(unmarshalState(ctx.State) + 1), nil
	}, NodeConfig{})
	b.After("double", "increment")

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	runID, err := engine.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	run, err := engine.runs.Get(context.Background(), runID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if run.Status != runstore.RunSucceeded {
		t.Fatalf("expected succeeded, got %s (err=%s)", run.Status, run.Error)
	}
	if unmarshalState(run.Output) != 3 {
		t.Errorf("expected output 3, got %d", unmarshalState(run.Output))
	}
}

func TestEngine_Parallel(t *testing.T) {
	engine, _ := newTestEngine()

	var mu sync.Mutex
	var order []string

	b := NewBuilder("par", marshalState(0))
	b.AddNode("start", func(ctx *NodeContext) (json.RawMessage, error) { return ctx.State, nil }, NodeConfig{})
	for _, name := range []string{"left", "right"} {
		name := name
		b.AddNode(name, func(ctx *NodeContext) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return ctx.State, nil
		}, NodeConfig{})
		b.After("start", name)
	}
	b.AddNode("join", func(ctx *NodeContext) (json.RawMessage, error) {
		return marshalState(1), nil
	}, NodeConfig{})
	b.After("left", "join")
	b.After("right", "join")

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	runID, err := engine.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run, _ := engine.runs.Get(context.Background(), runID)
	if run.Status != runstore.RunSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	if len(order) != 2 {
		t.Fatalf("expected both branches to run, got %v", order)
	}
	if unmarshalState(run.Output) != 1 {
		t.Errorf("expected join output 1, got %d", unmarshalState(run.Output))
	}
}

func TestEngine_Conditional(t *testing.T) {
	engine, _ := newTestEngine()

	b := NewBuilder("cond", marshalState(5))
	b.AddConditionalNode("check", func(ctx *NodeContext) (json.RawMessage, error) {
		return ctx.State, nil
	}, func(ctx *NodeContext) ([]string, error) {
		if unmarshalState(ctx.State) > 0 {
			return []string{"positive"}, nil
		}
		return []string{"nonpositive"}, nil
	})
	b.AddNode("positive", func(ctx *NodeContext) (json.RawMessage, error) {
		return marshalState(100), nil
	}, NodeConfig{})
	b.AddNode("nonpositive", func(ctx *NodeContext) (json.RawMessage, error) {
		return marshalState(-100), nil
	}, NodeConfig{})
	b.Conditional("check", "positive", "nonpositive")

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	runID, err := engine.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run, _ := engine.runs.Get(context.Background(), runID)
	if run.Status != runstore.RunSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	if unmarshalState(run.Output) != 100 {
		t.Errorf("expected positive branch output 100, got %d", unmarshalState(run.Output))
	}
}

func TestEngine_LoopGuardFailsAfterMaxIterations(t *testing.T) {
	engine, _ := newTestEngine()

	b := NewBuilder("loopguard", marshalState(0))
	b.AddLoopNode("check", func(ctx *NodeContext) (json.RawMessage, error) {
		return ctx.State, nil
	}, func(ctx *NodeContext) (bool, error) {
		return true, nil // never satisfied: forces the loop limit
	}, "body", "exit", 5)
	b.AddNode("body", func(ctx *NodeContext) (json.RawMessage, error) {
		return marshalState(unmarshalState(ctx.State) + 1), nil
	}, NodeConfig{})
	b.AddNode("exit", func(ctx *NodeContext) (json.RawMessage, error) { return ctx.State, nil }, NodeConfig{})
	b.Loop("check", "body")
	b.After("check", "exit")

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	_, err = engine.Start(context.Background(), wf)
	if err == nil {
		t.Fatal("expected loop limit error")
	}
	if !strings.Contains(err.Error(), "loop limit") {
		t.Errorf("expected error to mention 'loop limit', got %q", err.Error())
	}
}

func TestEngine_LoopExitsWhenConditionFalse(t *testing.T) {
	engine, _ := newTestEngine()

	b := NewBuilder("loopexit", marshalState(0))
	b.AddLoopNode("check", func(ctx *NodeContext) (json.RawMessage, error) {
		return ctx.State, nil
	}, func(ctx *NodeContext) (bool, error) {
		return unmarshalState(ctx.State) < 3, nil
	}, "body", "exit", 100)
	b.AddNode("body", func(ctx *NodeContext) (json.RawMessage, error) {
		return marshalState(unmarshalState(ctx.State) + 1), nil
	}, NodeConfig{})
	b.AddNode("exit", func(ctx *NodeContext) (json.RawMessage, error) { return ctx.State, nil }, NodeConfig{})
	b.Loop("check", "body")
	b.After("check", "exit")

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	runID, err := engine.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run, _ := engine.runs.Get(context.Background(), runID)
	if run.Status != runstore.RunSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	if unmarshalState(run.Output) != 3 {
		t.Errorf("expected output 3 after loop converges, got %d", unmarshalState(run.Output))
	}
}

func TestEngine_MapReduceSum(t *testing.T) {
	engine, _ := newTestEngine()

	b := NewBuilder("mr", nil)
	b.AddMapReduceNode("sum", &MapReduceSpec{
		Items: func(state json.RawMessage) ([]any, error) {
			return []any{1, 2, 3, 4, 5}, nil
		},
		Mapper: func(ctx context.Context, item any, index int, state json.RawMessage) (any, error) {
			return item.(int), nil
		},
		Reducer: func(acc any, result any) (any, error) {
			return acc.(int) + result.(int), nil
		},
		Initial: 0,
	})

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	runID, err := engine.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run, _ := engine.runs.Get(context.Background(), runID)
	if run.Status != runstore.RunSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	var sum int
	if err := json.Unmarshal(run.Output, &sum); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if sum != 30 {
		t.Errorf("expected sum 30, got %d", sum)
	}
}

func TestEngine_CheckpointsPersistedPerNode(t *testing.T) {
	engine, store := newTestEngine()

	b := NewBuilder("cp", marshalState(1))
	b.AddNode("a", func(ctx *NodeContext) (json.RawMessage, error) { return ctx.State, nil }, NodeConfig{})
	b.AddNode("b", func(ctx *NodeContext) (json.RawMessage, error) { return ctx.State, nil }, NodeConfig{})
	b.After("a", "b")

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	runID, err := engine.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	checkpoints, err := store.ListCheckpoints(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints (one per node), got %d", len(checkpoints))
	}
	if checkpoints[0].NodeID != "a" || checkpoints[1].NodeID != "b" {
		t.Errorf("expected checkpoints for a then b, got %s then %s", checkpoints[0].NodeID, checkpoints[1].NodeID)
	}
}

func TestEngine_ApprovalGateBlocksThenResumes(t *testing.T) {
	engine, _ := newTestEngine()

	b := NewBuilder("approve", marshalState(0))
	b.AddNode("gate", func(ctx *NodeContext) (json.RawMessage, error) {
		decision, err := ctx.Approval.RequestApproval("proceed?", []string{"yes", "no"}, time.Now().Add(time.Hour))
		if err != nil {
			return nil, err
		}
		if !decision.Approved {
			return marshalState(-1), nil
		}
		return marshalState(1), nil
	}, NodeConfig{})

	wf, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	done := make(chan struct{})
	var runID string
	var runErr error
	go func() {
		runID, runErr = engine.Start(context.Background(), wf)
		close(done)
	}()

	// runID isn't known to the test until Start returns (it blocks on the
	// approval), so poll the engine's pending-wait map for whatever key
	// shows up rather than guessing the run ID.
	var key string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		engine.mu.Lock()
		for k := range engine.pending {
			key = k
		}
		engine.mu.Unlock()
		if key != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if key == "" {
		t.Fatal("timed out waiting for approval gate")
	}
	parts := strings.SplitN(key, "/", 2)
	if err := engine.ResolveApproval(parts[0], parts[1], Decision{Approved: true}); err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to finish")
	}
	if runErr != nil {
		t.Fatalf("Start() error = %v", runErr)
	}
	run, _ := engine.runs.Get(context.Background(), runID)
	if run.Status != runstore.RunSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
	if unmarshalState(run.Output) != 1 {
		t.Errorf("expected approved output 1, got %d", unmarshalState(run.Output))
	}
}
