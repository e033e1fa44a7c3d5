package workflow

import (
	"encoding/json"
	"fmt"
)

// Builder records nodes and edges for a Workflow, then freezes them with
// Build. Nodes and edges are validated as declared: After/Loop/Conditional
// all reject unknown node names immediately rather than deferring to
// Build, so mistakes surface at the call site that made them.
type Builder struct {
	name         string
	initialState json.RawMessage
	nodes        map[string]*Node
	order        []string
	edges        []Edge
	warnings     []string
	err          error
}

// NewBuilder starts a workflow builder named name, seeded with
// initialState (may be nil).
func NewBuilder(name string, initialState json.RawMessage) *Builder {
	return &Builder{
		name:         name,
		initialState: initialState,
		nodes:        make(map[string]*Node),
	}
}

// AddNode declares a node. Redeclaring a name is an error surfaced by
// Build.
func (b *Builder) AddNode(name string, fn NodeFunc, cfg NodeConfig) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = fmt.Errorf("workflow: node name cannot be empty")
		return b
	}
	if _, exists := b.nodes[name]; exists {
		b.err = fmt.Errorf("workflow: duplicate node %q", name)
		return b
	}
	b.nodes[name] = &Node{Name: name, Fn: fn, Config: cfg}
	b.order = append(b.order, name)
	return b
}

// AddMapReduceNode declares a map-reduce node: spec.Items/Mapper/Reducer
// drive the fan-out/fold, with no node function of its own.
func (b *Builder) AddMapReduceNode(name string, spec *MapReduceSpec) *Builder {
	return b.AddNode(name, func(ctx *NodeContext) (json.RawMessage, error) {
		return nil, fmt.Errorf("workflow: map-reduce node %q invoked via Fn (engine bug)", name)
	}, NodeConfig{MapReduce: spec, SideEffectful: false})
}

// AddLoopNode declares a loop node: body runs once via fn, then the
// engine re-evaluates cond against the `back` node until it returns
// false, at which point execution continues from `exit`.
func (b *Builder) AddLoopNode(name string, fn NodeFunc, cond LoopCondition, back, exit string, maxIterations int) *Builder {
	return b.AddNode(name, fn, NodeConfig{
		LoopCondition: cond,
		LoopBack:      back,
		LoopExit:      exit,
		MaxIterations: maxIterations,
	})
}

// AddConditionalNode declares a conditional node: fn runs, then sel picks
// which branches (declared via Conditional) to follow.
func (b *Builder) AddConditionalNode(name string, fn NodeFunc, sel Selector) *Builder {
	return b.AddNode(name, fn, NodeConfig{Selector: sel})
}

// After declares that `to` depends on `from` (plain sequential/parallel
// edge). Nodes with no common dependency run concurrently.
func (b *Builder) After(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Kind: EdgeAfter})
	return b
}

// Conditional declares that, after `from` runs, its Selector chooses which
// of the named branch nodes run next.
func (b *Builder) Conditional(from string, branches ...string) *Builder {
	for _, to := range branches {
		b.edges = append(b.edges, Edge{From: from, To: to, Kind: EdgeConditional})
	}
	return b
}

// Loop declares a loop edge from `from` back to `to` (the loop body).
// NodeConfig.LoopCondition/LoopBack/LoopExit on `from` drive re-entry.
func (b *Builder) Loop(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Kind: EdgeLoop})
	return b
}

// Warnings returns non-fatal issues recorded while building (e.g.
// ambiguous entry point resolution).
func (b *Builder) Warnings() []string { return b.warnings }

// Build validates the recorded graph and freezes it into a Workflow.
// Validation rejects: node functions that are nil, edges referencing
// undeclared nodes, and cycles that are not entirely composed of explicit
// loop edges.
func (b *Builder) Build() (*Workflow, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("workflow %q: no nodes declared", b.name)
	}
	for _, n := range b.nodes {
		if n.Fn == nil {
			return nil, fmt.Errorf("workflow %q: node %q has no function", b.name, n.Name)
		}
	}
	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			return nil, fmt.Errorf("workflow %q: edge references unknown node %q", b.name, e.From)
		}
		if _, ok := b.nodes[e.To]; !ok {
			return nil, fmt.Errorf("workflow %q: edge references unknown node %q", b.name, e.To)
		}
	}
	if err := b.checkCycles(); err != nil {
		return nil, err
	}

	entry, warnings := b.deriveEntryPoint()

	wf := &Workflow{
		Name:         b.name,
		InitialState: b.initialState,
		Nodes:        b.nodes,
		Edges:        append([]Edge(nil), b.edges...),
		EntryPoint:   entry,
		order:        append([]string(nil), b.order...),
	}
	b.warnings = append(b.warnings, warnings...)
	return wf, nil
}

// deriveEntryPoint picks the entry node: a root with no incoming
// non-loop edge. Ties are broken by declaration order and reported as a
// warning, since an ambiguous entry point usually indicates a missing
// After() call rather than deliberate design.
func (b *Builder) deriveEntryPoint() (string, []string) {
	hasIncoming := make(map[string]bool, len(b.nodes))
	for _, e := range b.edges {
		if e.Kind == EdgeLoop {
			continue
		}
		hasIncoming[e.To] = true
	}

	var roots []string
	for _, name := range b.order {
		if !hasIncoming[name] {
			roots = append(roots, name)
		}
	}
	if len(roots) == 0 {
		// every node has an incoming edge (all loop edges, or builder
		// error already caught elsewhere) — fall back to declaration order.
		return b.order[0], nil
	}
	if len(roots) == 1 {
		return roots[0], nil
	}
	return roots[0], []string{
		fmt.Sprintf("workflow %q: ambiguous entry point among %v, chose %q by declaration order", b.name, roots, roots[0]),
	}
}

// checkCycles walks the graph ignoring loop edges (which are permitted to
// cycle by construction) and rejects any remaining cycle.
func (b *Builder) checkCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(b.nodes))
	adj := make(map[string][]string, len(b.nodes))
	for _, e := range b.edges {
		if e.Kind == EdgeLoop {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, next := range adj[name] {
			switch color[next] {
			case gray:
				return fmt.Errorf("workflow %q: cycle detected through %q -> %q (use a loop edge for intentional cycles)", b.name, name, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, name := range b.order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
