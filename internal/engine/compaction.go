package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/agentruntime/internal/engine/budget"
	"github.com/nexuscore/agentruntime/pkg/models"
)

// CompactionState tracks compaction status for a thread.
type CompactionState string

const (
	// CompactionIdle means no compaction is pending.
	CompactionIdle CompactionState = "idle"
	// CompactionPending means compaction is needed but awaiting flush.
	CompactionPending CompactionState = "pending"
	// CompactionAwaitingConfirm means flush was requested, waiting for confirmation.
	CompactionAwaitingConfirm CompactionState = "awaiting_confirm"
	// CompactionInProgress means compaction is running.
	CompactionInProgress CompactionState = "in_progress"
)

// CompactionConfig configures automatic compaction behavior.
type CompactionConfig struct {
	// Enabled turns on automatic compaction monitoring.
	Enabled bool

	// ThresholdPercent is the context usage percentage (0-100) that triggers flush.
	// Default: 80.
	ThresholdPercent int

	// FlushPrompt is the message sent to prompt memory flush.
	FlushPrompt string

	// ConfirmationTimeout is how long to wait for flush confirmation.
	// Default: 5 minutes.
	ConfirmationTimeout time.Duration

	// AutoCompactOnTimeout compacts automatically if confirmation times out.
	// Default: true.
	AutoCompactOnTimeout bool
}

// DefaultCompactionConfig returns sensible defaults.
func DefaultCompactionConfig() *CompactionConfig {
	return &CompactionConfig{
		Enabled:              true,
		ThresholdPercent:     80,
		FlushPrompt:          "Thread nearing context budget. If there are durable facts, store them in memory before continuing. Reply NO_REPLY if nothing needs attention.",
		ConfirmationTimeout:  5 * time.Minute,
		AutoCompactOnTimeout: true,
	}
}

// CompactionManager monitors context usage and triggers compaction.
type CompactionManager struct {
	mu      sync.RWMutex
	config  *CompactionConfig
	packer  *budget.Packer
	threads map[string]*threadCompaction

	// Callback for when compaction is needed
	onFlushRequired func(ctx context.Context, threadID string, prompt string) error
	// Callback for when compaction completes
	onCompactionComplete func(ctx context.Context, threadID string, dropped int) error
}

type threadCompaction struct {
	state        CompactionState
	lastCheck    time.Time
	flushSentAt  time.Time
	usagePercent int
}

// NewCompactionManager creates a new compaction manager.
func NewCompactionManager(config *CompactionConfig, packer *budget.Packer) *CompactionManager {
	if config == nil {
		config = DefaultCompactionConfig()
	}
	return &CompactionManager{
		config:  config,
		packer:  packer,
		threads: make(map[string]*threadCompaction),
	}
}

// SetFlushCallback sets the function called when flush is required.
func (m *CompactionManager) SetFlushCallback(fn func(ctx context.Context, threadID string, prompt string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFlushRequired = fn
}

// SetCompactionCallback sets the function called when compaction completes.
func (m *CompactionManager) SetCompactionCallback(fn func(ctx context.Context, threadID string, dropped int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompactionComplete = fn
}

// Check evaluates context usage and triggers flush if needed.
// Returns true if compaction was triggered.
func (m *CompactionManager) Check(ctx context.Context, threadID string, history []*models.Message, incoming *models.Message, summary *models.Message) (bool, error) {
	if !m.config.Enabled || m.packer == nil {
		return false, nil
	}

	result := m.packer.PackWithDiagnostics(history, incoming, summary)
	if result.Diagnostics == nil {
		return false, nil
	}

	usagePercent := 0
	if result.Diagnostics.BudgetChars > 0 {
		usagePercent = (result.Diagnostics.UsedChars * 100) / result.Diagnostics.BudgetChars
	}

	m.mu.Lock()
	thread := m.threads[threadID]
	if thread == nil {
		thread = &threadCompaction{state: CompactionIdle}
		m.threads[threadID] = thread
	}
	thread.lastCheck = time.Now()
	thread.usagePercent = usagePercent

	if usagePercent >= m.config.ThresholdPercent && thread.state == CompactionIdle {
		thread.state = CompactionPending
		thread.flushSentAt = time.Now()
		flushCallback := m.onFlushRequired
		prompt := m.config.FlushPrompt
		m.mu.Unlock()

		if flushCallback != nil {
			if err := flushCallback(ctx, threadID, prompt); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	if thread.state == CompactionPending || thread.state == CompactionAwaitingConfirm {
		if time.Since(thread.flushSentAt) > m.config.ConfirmationTimeout {
			if m.config.AutoCompactOnTimeout {
				thread.state = CompactionInProgress
				m.mu.Unlock()
				return m.performCompaction(ctx, threadID, result.Diagnostics.Dropped)
			}
			thread.state = CompactionIdle
		}
	}
	m.mu.Unlock()

	return false, nil
}

// ConfirmFlush confirms that memory flush is complete.
func (m *CompactionManager) ConfirmFlush(ctx context.Context, threadID string) error {
	m.mu.Lock()
	thread := m.threads[threadID]
	if thread == nil {
		m.mu.Unlock()
		return nil
	}

	if thread.state == CompactionPending || thread.state == CompactionAwaitingConfirm {
		thread.state = CompactionInProgress
		m.mu.Unlock()

		_, err := m.performCompaction(ctx, threadID, 0)
		return err
	}
	m.mu.Unlock()
	return nil
}

// RejectFlush rejects the flush request (user doesn't want to save anything).
func (m *CompactionManager) RejectFlush(ctx context.Context, threadID string) error {
	m.mu.Lock()
	thread := m.threads[threadID]
	if thread != nil && (thread.state == CompactionPending || thread.state == CompactionAwaitingConfirm) {
		thread.state = CompactionInProgress
		m.mu.Unlock()

		_, err := m.performCompaction(ctx, threadID, 0)
		return err
	}
	m.mu.Unlock()
	return nil
}

// GetState returns the compaction state for a thread.
func (m *CompactionManager) GetState(threadID string) CompactionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread := m.threads[threadID]
	if thread == nil {
		return CompactionIdle
	}
	return thread.state
}

// GetUsage returns the last known context usage percentage.
func (m *CompactionManager) GetUsage(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread := m.threads[threadID]
	if thread == nil {
		return 0
	}
	return thread.usagePercent
}

// performCompaction executes the compaction and notifies via callback.
func (m *CompactionManager) performCompaction(ctx context.Context, threadID string, dropped int) (bool, error) {
	m.mu.Lock()
	callback := m.onCompactionComplete
	thread := m.threads[threadID]
	if thread != nil {
		thread.state = CompactionIdle
	}
	m.mu.Unlock()

	if callback != nil {
		if err := callback(ctx, threadID, dropped); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Reset clears the compaction state for a thread.
func (m *CompactionManager) Reset(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
}

// CompactionInfo returns diagnostic info about compaction state.
type CompactionInfo struct {
	ThreadID     string          `json:"thread_id"`
	State        CompactionState `json:"state"`
	UsagePercent int             `json:"usage_percent"`
	LastCheck    time.Time       `json:"last_check"`
	FlushSentAt  time.Time       `json:"flush_sent_at,omitempty"`
	Threshold    int             `json:"threshold"`
}

// GetInfo returns diagnostic information for a thread.
func (m *CompactionManager) GetInfo(threadID string) *CompactionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread := m.threads[threadID]
	if thread == nil {
		return &CompactionInfo{
			ThreadID:  threadID,
			State:     CompactionIdle,
			Threshold: m.config.ThresholdPercent,
		}
	}
	return &CompactionInfo{
		ThreadID:     threadID,
		State:        thread.state,
		UsagePercent: thread.usagePercent,
		LastCheck:    thread.lastCheck,
		FlushSentAt:  thread.flushSentAt,
		Threshold:    m.config.ThresholdPercent,
	}
}

// IsFlushResponse checks if a message is responding to a flush prompt.
func IsFlushResponse(content string) bool {
	lowerContent := content
	if len(lowerContent) > 50 {
		lowerContent = lowerContent[:50]
	}
	patterns := []string{
		"no_reply",
		"nothing to save",
		"nothing needs attention",
		"saved to memory",
		"stored in memory",
		"memory updated",
	}
	for _, p := range patterns {
		if strings.Contains(strings.ToLower(lowerContent), p) {
			return true
		}
	}
	return false
}

// CompactionTool exposes compaction status as a callable tool so the model
// can check context usage mid-run. It implements the Tool interface.
type CompactionTool struct {
	manager *CompactionManager
}

// NewCompactionTool creates a tool for compaction management.
func NewCompactionTool(manager *CompactionManager) *CompactionTool {
	return &CompactionTool{manager: manager}
}

// Name returns the tool name.
func (t *CompactionTool) Name() string {
	return "compaction_status"
}

// Description returns the tool description.
func (t *CompactionTool) Description() string {
	return "Check context compaction status and usage for the current thread."
}

// Schema returns the tool input schema.
func (t *CompactionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"thread_id": {"type": "string", "description": "the thread to inspect"}
		},
		"required": ["thread_id"]
	}`)
}

type compactionStatusParams struct {
	ThreadID string `json:"thread_id"`
}

// Execute returns compaction status for the thread named in params.
func (t *CompactionTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var p compactionStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	if p.ThreadID == "" {
		return &ToolResult{Content: "thread_id is required", IsError: true}, nil
	}

	info := t.manager.GetInfo(p.ThreadID)
	return &ToolResult{Content: fmt.Sprintf("Thread: %s\nState: %s\nUsage: %d%%\nThreshold: %d%%",
		info.ThreadID, info.State, info.UsagePercent, info.Threshold)}, nil
}
