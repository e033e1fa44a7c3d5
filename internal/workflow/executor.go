package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexuscore/agentruntime/internal/ids"
	"github.com/nexuscore/agentruntime/internal/runstore"
	"github.com/nexuscore/agentruntime/pkg/models"
)

// EventSink is the subset of internal/engine's EventSink this package
// depends on, declared locally so the workflow engine (C9) does not
// import the agent run engine (C8); any *eventbus.Bus or engine.EventSink
// satisfies it structurally.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// ErrApprovalExpired is returned by RequestApproval (and surfaces as the
// run's terminal error) when an approval gate's deadline passes with no
// decision and no default configured.
var ErrApprovalExpired = fmt.Errorf("workflow: approval expired")

// Engine drives Workflow executions against a RunStore/CheckpointStore
// for persistence and an EventSink for lifecycle/approval events.
type Engine struct {
	runs        runstore.RunStore
	checkpoints runstore.CheckpointStore
	events      EventSink
	clock       ids.Clock
	maxParallel int

	mu        sync.Mutex
	pending   map[string]chan Decision // runID/nodeID -> live channel
	decisions map[string]Decision      // runID/nodeID -> resolved decision (for resume-after-restart)
}

// NewEngine constructs an Engine. maxParallel bounds how many nodes in a
// single stage run concurrently; 0 means unbounded.
func NewEngine(runs runstore.RunStore, checkpoints runstore.CheckpointStore, events EventSink, maxParallel int) *Engine {
	return &Engine{
		runs:        runs,
		checkpoints: checkpoints,
		events:      events,
		clock:       ids.SystemClock{},
		maxParallel: maxParallel,
		pending:     make(map[string]chan Decision),
		decisions:   make(map[string]Decision),
	}
}

// Start creates a Run record for wf and executes it from the entry point.
func (e *Engine) Start(ctx context.Context, wf *Workflow) (string, error) {
	runID := ids.NewWorkflowRunID()
	run := &runstore.Run{
		ID:           runID,
		WorkflowName: wf.Name,
		Status:       runstore.RunRunning,
		CurrentNode:  wf.EntryPoint,
		StartedAt:    e.clock.Now(),
	}
	if err := e.runs.Save(ctx, run); err != nil {
		return "", fmt.Errorf("workflow: save run: %w", err)
	}

	state := wf.InitialState
	err := e.run(ctx, wf, run, wf.EntryPoint, state, 0)
	return runID, err
}

// Resume loads the run's latest checkpoint and continues execution from
// the node it names. If the run is waiting on an approval, call
// RecordDecision first so the parked node's ApprovalRequester returns
// immediately instead of blocking again.
func (e *Engine) Resume(ctx context.Context, wf *Workflow, runID string) error {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("workflow: resume: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("workflow: run %s already in terminal state %q", runID, run.Status)
	}
	cp, err := e.checkpoints.LatestCheckpoint(ctx, runID)
	if err != nil {
		return fmt.Errorf("workflow: resume: no checkpoint for run %s: %w", runID, err)
	}
	run.Status = runstore.RunRunning
	if err := e.runs.Update(ctx, runID, runstore.RunPatch{Status: &run.Status}); err != nil {
		return fmt.Errorf("workflow: resume: %w", err)
	}
	return e.run(ctx, wf, run, cp.NodeID, cp.State, cp.Seq)
}

// RecordDecision stores a decision for (runID, nodeID) ahead of a Resume
// call, for the case where the process handling the approval gate
// restarted and the in-memory wait channel is gone.
func (e *Engine) RecordDecision(runID, nodeID string, decision Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decisions[decisionKey(runID, nodeID)] = decision
}

// ResolveApproval delivers decision to a run currently parked on a live
// approval wait (same-process case).
func (e *Engine) ResolveApproval(runID, nodeID string, decision Decision) error {
	e.mu.Lock()
	ch, ok := e.pending[decisionKey(runID, nodeID)]
	e.mu.Unlock()
	if !ok {
		e.RecordDecision(runID, nodeID, decision)
		return fmt.Errorf("workflow: no live wait for run %s node %s; decision recorded for resume", runID, nodeID)
	}
	select {
	case ch <- decision:
		return nil
	default:
		return fmt.Errorf("workflow: run %s node %s already resolved", runID, nodeID)
	}
}

func decisionKey(runID, nodeID string) string { return runID + "/" + nodeID }

// run is the core loop: it walks the graph from startNode, checkpointing
// before every node and handling conditional pruning, loop re-entry, and
// parallel stages along the way. A node with more than one independent
// EdgeAfter successor hands off to runSubgraph, which stages and runs
// everything reachable from those successors to completion — so once a
// fan-out is taken, that fan-out's subgraph finishes the run.
func (e *Engine) run(ctx context.Context, wf *Workflow, run *runstore.Run, startNode string, state json.RawMessage, seq int) error {
	current := startNode
	loopIterations := make(map[string]int)

	for current != "" {
		node, ok := wf.Nodes[current]
		if !ok {
			return e.fail(ctx, run, fmt.Errorf("workflow: unknown node %q", current))
		}

		seq++
		out, next, err := e.runOneStage(ctx, wf, run, node, state, seq, loopIterations)
		if err != nil {
			return e.fail(ctx, run, err)
		}
		state = out
		current = next
	}

	run.Status = runstore.RunSucceeded
	now := e.clock.Now()
	run.CompletedAt = now
	run.Output = state
	return e.runs.Update(ctx, run.ID, runstore.RunPatch{Status: &run.Status, CompletedAt: &now, Output: state})
}

// runOneStage executes a single node and determines what (if anything)
// runs next: for plain nodes with one successor, that successor name; for
// a fan-out, "" after running the whole downstream subgraph; for
// conditional/loop nodes, their own branching logic.
func (e *Engine) runOneStage(ctx context.Context, wf *Workflow, run *runstore.Run, node *Node, state json.RawMessage, seq int, loopIterations map[string]int) (json.RawMessage, string, error) {
	switch {
	case node.Config.LoopCondition != nil:
		out, err := e.runLoopNode(ctx, wf, run, node, state, seq, loopIterations)
		if err != nil {
			return nil, "", err
		}
		return out.state, out.next, nil
	case node.Config.Selector != nil:
		out, err := e.runConditionalNode(ctx, wf, run, node, state, seq)
		if err != nil {
			return nil, "", err
		}
		return out.state, out.next, nil
	default:
		out, err := e.execNode(ctx, run, node, state, seq)
		if err != nil {
			return nil, "", err
		}
		succ := wf.outgoing(node.Name, EdgeAfter)
		switch len(succ) {
		case 0:
			return out, "", nil
		case 1:
			return out, succ[0].To, nil
		default:
			active := map[string]bool{}
			for _, s := range succ {
				for n := range reachableFrom(wf, s.To) {
					active[n] = true
				}
			}
			final, err := e.runSubgraph(ctx, wf, run, node.Name, out, active)
			return final, "", err
		}
	}
}

// execNode persists a checkpoint for (run, node, state) and then invokes
// the node's function (or its map-reduce pipeline), emitting lifecycle
// events around the call.
func (e *Engine) execNode(ctx context.Context, run *runstore.Run, node *Node, state json.RawMessage, seq int) (json.RawMessage, error) {
	if e.checkpoints != nil {
		cp := &runstore.Checkpoint{RunID: run.ID, NodeID: node.Name, Seq: seq, State: state, CreatedAt: e.clock.Now()}
		if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			return nil, fmt.Errorf("workflow: checkpoint: %w", err)
		}
	}
	run.CurrentNode = node.Name
	nodeName := node.Name
	_ = e.runs.Update(ctx, run.ID, runstore.RunPatch{CurrentNode: &nodeName})

	e.emit(ctx, run.ID, models.AgentEventWorkflowNodeStarted, &models.WorkflowEventPayload{RunID: run.ID, NodeID: node.Name})

	var out json.RawMessage
	var err error
	if node.Config.MapReduce != nil {
		out, err = runMapReduce(ctx, node.Config.MapReduce, state)
	} else {
		nodeCtx := &NodeContext{
			RunID:  run.ID,
			NodeID: node.Name,
			State:  state,
			Approval: &approvalRequester{
				engine: e,
				runID:  run.ID,
				nodeID: node.Name,
			},
		}
		out, err = node.Fn(nodeCtx)
	}

	if err != nil {
		e.emit(ctx, run.ID, models.AgentEventWorkflowNodeCompleted, &models.WorkflowEventPayload{RunID: run.ID, NodeID: node.Name, Type: "error"})
		return nil, fmt.Errorf("workflow: node %q: %w", node.Name, err)
	}
	e.emit(ctx, run.ID, models.AgentEventWorkflowNodeCompleted, &models.WorkflowEventPayload{RunID: run.ID, NodeID: node.Name})
	return out, nil
}

// stageOutcome is the result of a conditional or loop node's branching
// logic: the state after execution and the name of the next node to run
// ("" if the branch ran to completion on its own, as conditional
// subgraphs and fan-outs do).
type stageOutcome struct {
	state json.RawMessage
	next  string
}

// runConditionalNode executes node, consults its Selector for which
// branches to follow, and prunes the rest: only nodes reachable from a
// selected branch run during the remainder of this call.
func (e *Engine) runConditionalNode(ctx context.Context, wf *Workflow, run *runstore.Run, node *Node, state json.RawMessage, seq int) (stageOutcome, error) {
	out, err := e.execNode(ctx, run, node, state, seq)
	if err != nil {
		return stageOutcome{}, err
	}

	nodeCtx := &NodeContext{RunID: run.ID, NodeID: node.Name, State: out}
	selected, err := node.Config.Selector(nodeCtx)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("workflow: node %q selector: %w", node.Name, err)
	}

	branches := wf.outgoing(node.Name, EdgeConditional)
	chosen := make(map[string]bool, len(selected))
	wildcard := false
	for _, s := range selected {
		if s == "*" {
			wildcard = true
		}
		chosen[s] = true
	}

	active := make(map[string]bool)
	var roots []string
	for _, b := range branches {
		if wildcard || chosen[b.To] {
			roots = append(roots, b.To)
			for n := range reachableFrom(wf, b.To) {
				active[n] = true
			}
		}
	}
	if len(roots) == 0 {
		return stageOutcome{state: out, next: ""}, nil
	}
	sort.Strings(roots)

	// Run every selected branch's reachable subgraph to completion in
	// declaration-derived stage order, folding state sequentially through
	// each root (branches don't share a reducer at this level — a
	// map-reduce node is used when a true fan-in-with-aggregation is
	// needed).
	finalState := out
	for _, root := range roots {
		sub, err := e.runSubgraph(ctx, wf, run, root, finalState, active)
		if err != nil {
			return stageOutcome{}, err
		}
		finalState = sub
	}
	return stageOutcome{state: finalState, next: ""}, nil
}

// runSubgraph executes the nodes in `active` reachable from root, stage
// by stage, running each stage's nodes concurrently.
func (e *Engine) runSubgraph(ctx context.Context, wf *Workflow, run *runstore.Run, root string, state json.RawMessage, active map[string]bool) (json.RawMessage, error) {
	groups, err := stages(wf, root, active)
	if err != nil {
		return nil, err
	}
	seq := 0
	for _, group := range groups {
		if len(group) == 1 {
			seq++
			node := wf.Nodes[group[0]]
			out, err := e.execNode(ctx, run, node, state, seq)
			if err != nil {
				return nil, err
			}
			state = out
			continue
		}
		out, err := e.runParallelStage(ctx, run, wf, group, state, &seq)
		if err != nil {
			return nil, err
		}
		state = out
	}
	return state, nil
}

// runParallelStage executes every node in names concurrently (bounded by
// maxParallel), applying each node's output back onto a shared state in
// declaration order once all have completed, so the stage behaves as a
// single fan-out/fan-in unit.
func (e *Engine) runParallelStage(ctx context.Context, run *runstore.Run, wf *Workflow, names []string, state json.RawMessage, seq *int) (json.RawMessage, error) {
	limit := e.maxParallel
	if limit <= 0 || limit > len(names) {
		limit = len(names)
	}
	sem := make(chan struct{}, limit)

	type result struct {
		name  string
		state json.RawMessage
		err   error
	}
	results := make([]result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = result{name: name, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			node := wf.Nodes[name]
			localSeq := *seq + i + 1
			out, err := e.execNode(ctx, run, node, state, localSeq)
			results[i] = result{name: name, state: out, err: err}
		}()
	}
	wg.Wait()
	*seq += len(names)

	merged := state
	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("workflow: parallel node %q: %w", r.name, r.err)
		}
		if r.state != nil {
			merged = r.state
		}
	}
	return merged, nil
}

// runLoopNode executes node's body once, then repeatedly re-evaluates
// LoopCondition against LoopBack until it returns false (transitioning to
// LoopExit) or MaxIterations is exceeded (failing the run with an error
// containing "loop limit").
func (e *Engine) runLoopNode(ctx context.Context, wf *Workflow, run *runstore.Run, node *Node, state json.RawMessage, seq int, iterations map[string]int) (stageOutcome, error) {
	out, err := e.execNode(ctx, run, node, state, seq)
	if err != nil {
		return stageOutcome{}, err
	}
	state = out

	maxIter := node.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxLoopIterations
	}

	for {
		nodeCtx := &NodeContext{RunID: run.ID, NodeID: node.Name, State: state}
		again, err := node.Config.LoopCondition(nodeCtx)
		if err != nil {
			return stageOutcome{}, fmt.Errorf("workflow: node %q loop condition: %w", node.Name, err)
		}
		if !again {
			return stageOutcome{state: state, next: node.Config.LoopExit}, nil
		}

		iterations[node.Name]++
		if iterations[node.Name] > maxIter {
			return stageOutcome{}, fmt.Errorf("workflow: node %q exceeded loop limit (%d iterations)", node.Name, maxIter)
		}

		backNode, ok := wf.Nodes[node.Config.LoopBack]
		if !ok {
			return stageOutcome{}, fmt.Errorf("workflow: node %q loop back target %q not found", node.Name, node.Config.LoopBack)
		}
		seq++
		state, err = e.execNode(ctx, run, backNode, state, seq)
		if err != nil {
			return stageOutcome{}, err
		}
	}
}

func (e *Engine) fail(ctx context.Context, run *runstore.Run, cause error) error {
	now := e.clock.Now()
	errMsg := cause.Error()
	status := runstore.RunFailed
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = now
	_ = e.runs.Update(ctx, run.ID, runstore.RunPatch{Status: &status, Error: &errMsg, CompletedAt: &now})
	return cause
}

func (e *Engine) emit(ctx context.Context, runID string, t models.AgentEventType, payload *models.WorkflowEventPayload) {
	if e.events == nil {
		return
	}
	e.events.Emit(ctx, models.AgentEvent{
		Version:  1,
		Type:     t,
		Time:     e.clock.Now(),
		RunID:    runID,
		Workflow: payload,
	})
}

// approvalRequester implements ApprovalRequester for a single node
// execution, wired to its owning Engine.
type approvalRequester struct {
	engine *Engine
	runID  string
	nodeID string
}

func (a *approvalRequester) RequestApproval(prompt string, options []string, expiresAt time.Time) (Decision, error) {
	e := a.engine
	key := decisionKey(a.runID, a.nodeID)

	e.mu.Lock()
	if d, ok := e.decisions[key]; ok {
		delete(e.decisions, key)
		e.mu.Unlock()
		return d, nil
	}
	ch := make(chan Decision, 1)
	e.pending[key] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
	}()

	status := runstore.RunWaiting
	_ = e.runs.Update(context.Background(), a.runID, runstore.RunPatch{Status: &status})
	e.emit(context.Background(), a.runID, models.AgentEventWorkflowApprovalRequired, &models.WorkflowEventPayload{
		RunID:     a.runID,
		NodeID:    a.nodeID,
		Type:      "approval",
		Prompt:    prompt,
		Options:   options,
		ExpiresAt: expiresAt,
	})

	var timeout <-chan time.Time
	if !expiresAt.IsZero() {
		d := time.Until(expiresAt)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-ch:
		return d, nil
	case <-timeout:
		failStatus := runstore.RunFailed
		errMsg := ErrApprovalExpired.Error()
		_ = e.runs.Update(context.Background(), a.runID, runstore.RunPatch{Status: &failStatus, Error: &errMsg})
		return Decision{}, ErrApprovalExpired
	}
}
