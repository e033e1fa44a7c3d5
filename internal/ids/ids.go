// Package ids provides identifier generation and clock/deadline helpers
// shared across every component that needs an opaque, collision-resistant
// ID or a cancellable deadline: runs, threads, workflow runs, tool calls,
// and workflow nodes.
package ids

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind tags the entity an ID was generated for, matching the prefix
// convention below (e.g. "run_...", "thread_...").
type Kind string

const (
	KindRun         Kind = "run"
	KindThread      Kind = "thread"
	KindWorkflowRun Kind = "wfrun"
	KindToolCall    Kind = "tc"
	KindNode        Kind = "node"
	KindCheckpoint  Kind = "ckpt"
)

// New generates an opaque, prefixed identifier for the given kind, e.g.
// "run_4f8f1cf6e1b54e0f8f0e5a6c2b6a9b3e".
func New(kind Kind) string {
	return string(kind) + "_" + uuid.NewString()
}

// NewRunID, NewThreadID, etc. are typed convenience wrappers around New,
// matching the ID kinds the run engine and workflow engine hand out.
func NewRunID() string         { return New(KindRun) }
func NewThreadID() string      { return New(KindThread) }
func NewWorkflowRunID() string { return New(KindWorkflowRun) }
func NewToolCallID() string    { return New(KindToolCall) }
func NewNodeID() string        { return New(KindNode) }
func NewCheckpointID() string  { return New(KindCheckpoint) }

// Clock abstracts wall-clock time so callers can substitute a fake clock
// in tests without touching every deadline computation by hand.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a Clock that always reports the same instant, for
// deterministic tests of deadline/expiry logic.
type FixedClock struct {
	At time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.At }

// Deadline computes an absolute deadline from now plus a duration using
// the given clock. A non-positive duration means no deadline (zero Time,
// ok=false).
func Deadline(clock Clock, d time.Duration) (deadline time.Time, ok bool) {
	if d <= 0 {
		return time.Time{}, false
	}
	return clock.Now().Add(d), true
}

// WithDeadline wraps context.WithDeadline using the given clock's current
// time to compute whether the deadline has already elapsed, so fake clocks
// in tests produce the same cancellation behavior as SystemClock would in
// production.
func WithDeadline(ctx context.Context, clock Clock, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	if !deadline.After(clock.Now()) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		return ctx, cancel
	}
	return context.WithDeadline(ctx, deadline)
}

// Expired reports whether a deadline has passed according to clock.
func Expired(clock Clock, deadline time.Time) bool {
	if deadline.IsZero() {
		return false
	}
	return !deadline.After(clock.Now())
}
