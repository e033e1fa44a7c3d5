package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MapReduceItemsFunc produces the sequence of items to map over, derived
// from the node's state at entry.
type MapReduceItemsFunc func(state json.RawMessage) ([]any, error)

// MapReduceFilterFunc, when set, drops items before they reach Mapper.
type MapReduceFilterFunc func(item any, index int) bool

// MapReduceTransformFunc, when set, rewrites an item before it reaches
// Mapper (applied after Filter).
type MapReduceTransformFunc func(item any, index int) (any, error)

// MapReduceMapperFunc runs once per (filtered, transformed) item.
type MapReduceMapperFunc func(ctx context.Context, item any, index int, state json.RawMessage) (any, error)

// MapReduceReducerFunc folds one mapper result into the running
// accumulator.
type MapReduceReducerFunc func(acc any, result any) (any, error)

// MapReduceFinalizeFunc, when set, post-processes the reducer's final
// accumulator into the node's output state.
type MapReduceFinalizeFunc func(acc any) (json.RawMessage, error)

// MapReduceProgressFunc is called after each item completes (success or
// failure), for progress reporting.
type MapReduceProgressFunc func(completed, total int, err error)

// Concurrency selects how many mapper invocations may run at once.
//   - 0 or negative: as-parallel-as-possible (unbounded, limited only by
//     the item count)
//   - 1: sequential
//   - N>1: batched, N at a time
type MapReduceSpec struct {
	Items      MapReduceItemsFunc
	Filter     MapReduceFilterFunc
	Transform  MapReduceTransformFunc
	Mapper     MapReduceMapperFunc
	Reducer    MapReduceReducerFunc
	Finalize   MapReduceFinalizeFunc
	Progress   MapReduceProgressFunc
	Initial    any
	Concurrency int

	// IncludeFailed, when true, folds failed items' (zero-value) results
	// into the reducer too. The default (false) is "successOnly": only
	// items whose Mapper call succeeded are reduced.
	IncludeFailed bool

	// ContinueOnError, when true, collects per-item mapper errors instead
	// of failing the whole node on the first one.
	ContinueOnError bool
}

// mapItemResult is one item's outcome, kept in original index order so
// the reducer folds deterministically regardless of completion order.
type mapItemResult struct {
	index int
	value any
	err   error
}

// MapReduceErrors aggregates per-item failures when ContinueOnError is
// set; it satisfies error so a map-reduce node can still fail the run
// after collecting every error.
type MapReduceErrors struct {
	Errors map[int]error
}

func (e *MapReduceErrors) Error() string {
	return fmt.Sprintf("workflow: map-reduce failed on %d item(s)", len(e.Errors))
}

// runMapReduce executes a map-reduce node's full items->filter->transform
// ->map->reduce->finalize pipeline.
func runMapReduce(ctx context.Context, spec *MapReduceSpec, state json.RawMessage) (json.RawMessage, error) {
	if spec == nil || spec.Items == nil || spec.Mapper == nil || spec.Reducer == nil {
		return nil, fmt.Errorf("workflow: map-reduce node missing Items, Mapper, or Reducer")
	}

	rawItems, err := spec.Items(state)
	if err != nil {
		return nil, fmt.Errorf("workflow: map-reduce items: %w", err)
	}

	type pending struct {
		item  any
		index int
	}
	var work []pending
	for i, item := range rawItems {
		if spec.Filter != nil && !spec.Filter(item, i) {
			continue
		}
		if spec.Transform != nil {
			transformed, err := spec.Transform(item, i)
			if err != nil {
				return nil, fmt.Errorf("workflow: map-reduce transform item %d: %w", i, err)
			}
			item = transformed
		}
		work = append(work, pending{item: item, index: i})
	}

	concurrency := spec.Concurrency
	if concurrency <= 0 || concurrency > len(work) {
		concurrency = len(work)
	}
	if concurrency == 0 {
		concurrency = 1
	}

	results := make([]mapItemResult, len(work))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var completed int
	var mu sync.Mutex

	for slot, w := range work {
		slot, w := slot, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[slot] = mapItemResult{index: w.index, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			out, err := spec.Mapper(ctx, w.item, w.index, state)
			results[slot] = mapItemResult{index: w.index, value: out, err: err}

			mu.Lock()
			completed++
			n := completed
			mu.Unlock()
			if spec.Progress != nil {
				spec.Progress(n, len(work), err)
			}
		}()
	}
	wg.Wait()

	itemErrs := make(map[int]error)
	acc := spec.Initial
	for _, r := range results {
		if r.err != nil {
			itemErrs[r.index] = r.err
			if !spec.ContinueOnError {
				return nil, fmt.Errorf("workflow: map-reduce item %d: %w", r.index, r.err)
			}
			if !spec.IncludeFailed {
				continue
			}
		}
		var err error
		acc, err = spec.Reducer(acc, r.value)
		if err != nil {
			return nil, fmt.Errorf("workflow: map-reduce reduce item %d: %w", r.index, err)
		}
	}

	if len(itemErrs) > 0 && spec.ContinueOnError {
		if spec.Finalize == nil {
			return nil, &MapReduceErrors{Errors: itemErrs}
		}
	}

	if spec.Finalize != nil {
		out, err := spec.Finalize(acc)
		if err != nil {
			return nil, fmt.Errorf("workflow: map-reduce finalize: %w", err)
		}
		return out, nil
	}

	return json.Marshal(acc)
}
