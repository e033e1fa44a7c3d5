// Package memory implements the append-only conversation thread store:
// thread CRUD, entry append, and token-budgeted context projection. The
// graph-memory (semantic/traversal) layer lives in the graph subpackage.
package memory

import (
	"context"
	"errors"

	"github.com/nexuscore/agentruntime/pkg/models"
)

// ErrNotFound is returned when a thread lookup misses. Callers should
// use errors.Is to detect it rather than matching on message text.
var ErrNotFound = errors.New("thread not found")

// Store is the interface for thread persistence.
type Store interface {
	// CreateThread creates a new thread owned by agentID.
	CreateThread(ctx context.Context, agentID string, metadata map[string]any) (*models.Thread, error)

	// GetThread returns a thread by id, or ErrNotFound if missing.
	GetThread(ctx context.Context, id string) (*models.Thread, error)

	// GetOrCreateThread returns the thread with the given id, creating it
	// with the given owner if it does not already exist.
	GetOrCreateThread(ctx context.Context, id, agentID string) (*models.Thread, error)

	// DeleteThread removes a thread and all of its entries. Idempotent:
	// deleting an already-deleted thread is not an error.
	DeleteThread(ctx context.Context, id string) error

	// AppendEntry appends a message to a thread as a new memory entry.
	// Returns ErrNotFound if the thread does not exist.
	AppendEntry(ctx context.Context, threadID string, msg models.Message) (*models.MemoryEntry, error)

	// GetEntries returns entries for a thread in chronological order,
	// optionally windowed by before/after entry ID and capped at limit
	// (0 = no cap).
	GetEntries(ctx context.Context, threadID string, opts EntryQuery) ([]*models.MemoryEntry, error)

	// ProjectContext trims a thread's entries to fit budget, returning
	// the entries to send to the model in chronological order.
	ProjectContext(ctx context.Context, threadID string, budget models.ContextBudget) ([]*models.MemoryEntry, error)
}

// EntryQuery windows a GetEntries call.
type EntryQuery struct {
	Before string
	After  string
	Limit  int
}

// Tokenizer estimates the token count of a message. The default
// approximation is len(bytes)/4; a real tokenizer can be substituted by a
// ChatBackend-aware caller via WithTokenizer.
type Tokenizer func(models.Message) int

// DefaultTokenizer approximates token count as one token per four bytes of
// text content, matching the common heuristic for English-like text.
func DefaultTokenizer(msg models.Message) int {
	n := len(msg.Text())
	if n == 0 {
		return 1
	}
	return (n + 3) / 4
}

// Summarizer produces a condensed summary of a prefix of entries, used by
// StrategySummarised context projection. A thread store degrades silently
// to StrategyRecent when none is configured.
type Summarizer interface {
	Summarize(ctx context.Context, entries []*models.MemoryEntry) (string, error)
}
