// Package models defines the core data types shared across the run
// engine, sandbox layer, workflow engine, and memory store.
package models

import (
	"time"
)

// MemoryEntry is one append to a Thread. Entries of one thread are
// totally ordered by CreatedAt; tool-result entries never precede their
// matching tool-call entry. The running sum of TokenCount over the tail
// up to a budget governs context projection.
type MemoryEntry struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	AgentID     string       `json:"agent_id,omitempty"`
	Message     Message      `json:"message"`
	TokenCount  int          `json:"token_count"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`

	// Embedding is populated lazily by the graph-memory layer for
	// semantic search; it is never serialised to JSON.
	Embedding []float32 `json:"-"`
}

// MemoryScope narrows a semantic search or graph traversal.
type MemoryScope string

const (
	ScopeThread MemoryScope = "thread"
	ScopeAgent  MemoryScope = "agent"
	ScopeGlobal MemoryScope = "global"
)

// SearchRequest parameterises a semantic memory search.
type SearchRequest struct {
	Query     string         `json:"query"`
	Scope     MemoryScope    `json:"scope"`
	ScopeID   string         `json:"scope_id"`
	Limit     int            `json:"limit"`
	Threshold float32        `json:"threshold"`
	Filters   map[string]any `json:"filters"`
}

// SearchResult is a single ranked semantic-search hit.
type SearchResult struct {
	Entry *MemoryEntry `json:"entry"`
	Score float32      `json:"score"`
}

// SearchResponse is the full result set of a semantic search.
type SearchResponse struct {
	Results    []*SearchResult `json:"results"`
	TotalCount int             `json:"total_count"`
	QueryTime  time.Duration   `json:"query_time"`
}

// ContextBudget configures projectContext.
type ContextBudget struct {
	MaxTokens int
	Strategy  ContextStrategy
}

// ContextStrategy selects how projectContext trims a thread to budget.
type ContextStrategy string

const (
	// StrategyRecent keeps the newest suffix of entries.
	StrategyRecent ContextStrategy = "recent"
	// StrategySummarised reserves a fraction of the budget for a
	// summary of the older prefix, computed by an external Summariser
	// capability. Degrades to StrategyRecent if none is wired.
	StrategySummarised ContextStrategy = "summarised"
)
