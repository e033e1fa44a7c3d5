package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscore/agentruntime/pkg/models"
)

// maxEntriesPerThread limits entries stored per thread to prevent unbounded
// memory growth. When exceeded, old entries are trimmed to maintain the limit.
const maxEntriesPerThread = 1000

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	threads   map[string]*models.Thread
	entries   map[string][]*models.MemoryEntry
	tokenizer Tokenizer
	summary   Summarizer
}

// NewMemoryStore creates a new in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:   map[string]*models.Thread{},
		entries:   map[string][]*models.MemoryEntry{},
		tokenizer: DefaultTokenizer,
	}
}

// WithTokenizer overrides the token-count approximation.
func (m *MemoryStore) WithTokenizer(t Tokenizer) *MemoryStore {
	if t != nil {
		m.tokenizer = t
	}
	return m
}

// WithSummarizer wires a Summarizer for StrategySummarised projection.
func (m *MemoryStore) WithSummarizer(s Summarizer) *MemoryStore {
	m.summary = s
	return m
}

func (m *MemoryStore) CreateThread(ctx context.Context, agentID string, metadata map[string]any) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Metadata:  deepCloneMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.threads[thread.ID] = cloneThread(thread)
	return cloneThread(thread), nil
}

func (m *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(thread), nil
}

func (m *MemoryStore) GetOrCreateThread(ctx context.Context, id, agentID string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if thread, ok := m.threads[id]; ok {
		return cloneThread(thread), nil
	}

	now := time.Now()
	thread := &models.Thread{
		ID:        id,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	m.threads[thread.ID] = cloneThread(thread)
	return cloneThread(thread), nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.threads, id)
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) AppendEntry(ctx context.Context, threadID string, msg models.Message) (*models.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}

	entry := &models.MemoryEntry{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		AgentID:    thread.AgentID,
		Message:    msg,
		TokenCount: m.tokenizer(msg),
		CreatedAt:  time.Now(),
	}
	m.entries[threadID] = append(m.entries[threadID], entry)
	if len(m.entries[threadID]) > maxEntriesPerThread {
		excess := len(m.entries[threadID]) - maxEntriesPerThread
		m.entries[threadID] = m.entries[threadID][excess:]
	}

	thread.UpdatedAt = entry.CreatedAt
	return cloneEntry(entry), nil
}

func (m *MemoryStore) GetEntries(ctx context.Context, threadID string, opts EntryQuery) ([]*models.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrNotFound
	}

	all := m.entries[threadID]
	startIdx := 0
	endIdx := len(all)

	if opts.After != "" {
		for i, e := range all {
			if e.ID == opts.After {
				startIdx = i + 1
				break
			}
		}
	}
	if opts.Before != "" {
		for i, e := range all {
			if e.ID == opts.Before {
				endIdx = i
				break
			}
		}
	}
	if startIdx > endIdx {
		startIdx = endIdx
	}

	window := all[startIdx:endIdx]
	if opts.Limit > 0 && len(window) > opts.Limit {
		window = window[len(window)-opts.Limit:]
	}

	out := make([]*models.MemoryEntry, len(window))
	for i, e := range window {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// ProjectContext trims a thread's entries to fit the token budget. With
// StrategyRecent it keeps the newest suffix of entries under MaxTokens.
// With StrategySummarised it additionally reserves a fraction of the
// budget for a summary of the dropped prefix, computed by the configured
// Summarizer; absent one, it degrades to StrategyRecent.
func (m *MemoryStore) ProjectContext(ctx context.Context, threadID string, budget models.ContextBudget) ([]*models.MemoryEntry, error) {
	m.mu.RLock()
	if _, ok := m.threads[threadID]; !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	all := make([]*models.MemoryEntry, len(m.entries[threadID]))
	copy(all, m.entries[threadID])
	summarizer := m.summary
	m.mu.RUnlock()

	maxTokens := budget.MaxTokens
	if maxTokens <= 0 {
		out := make([]*models.MemoryEntry, len(all))
		for i, e := range all {
			out[i] = cloneEntry(e)
		}
		return out, nil
	}

	reserved := 0
	strategy := budget.Strategy
	if strategy == models.StrategySummarised && summarizer == nil {
		strategy = models.StrategyRecent
	}
	if strategy == models.StrategySummarised {
		reserved = maxTokens / 4
	}

	kept := recentWithinBudget(all, maxTokens-reserved)

	if strategy != models.StrategySummarised || len(kept) == len(all) {
		out := make([]*models.MemoryEntry, len(kept))
		for i, e := range kept {
			out[i] = cloneEntry(e)
		}
		return out, nil
	}

	dropped := all[:len(all)-len(kept)]
	summaryText, err := summarizer.Summarize(ctx, dropped)
	if err != nil || summaryText == "" {
		out := make([]*models.MemoryEntry, len(kept))
		for i, e := range kept {
			out[i] = cloneEntry(e)
		}
		return out, nil
	}

	summaryMsg := models.TextMessage(models.RoleSystem, summaryText)
	summaryEntry := &models.MemoryEntry{
		ID:         "summary-" + threadID,
		ThreadID:   threadID,
		Message:    summaryMsg,
		TokenCount: m.tokenizer(summaryMsg),
		CreatedAt:  time.Now(),
	}

	out := make([]*models.MemoryEntry, 0, len(kept)+1)
	out = append(out, summaryEntry)
	for _, e := range kept {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func recentWithinBudget(entries []*models.MemoryEntry, maxTokens int) []*models.MemoryEntry {
	if maxTokens <= 0 {
		return nil
	}
	total := 0
	cut := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		total += entries[i].TokenCount
		if total > maxTokens {
			break
		}
		cut = i
	}
	return entries[cut:]
}

// deepCloneMap creates a deep copy of a map[string]any to prevent shared references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

// deepCloneValue recursively clones a value, handling nested maps and slices.
func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}

func cloneThread(t *models.Thread) *models.Thread {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Metadata = deepCloneMap(t.Metadata)
	return &clone
}

func cloneEntry(e *models.MemoryEntry) *models.MemoryEntry {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}
