// Package budget provides context management for agent conversations.
//
// This package handles:
//   - Context packing: selecting which messages to include in LLM requests
//   - Rolling summaries: compressing old history into summaries
//   - Budget management: staying within token/char limits
package budget

import (
	"github.com/nexuscore/agentruntime/pkg/models"
)

// PackOptions configures how messages are packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on number of messages to include (e.g. 60).
	MaxMessages int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	// Default: 30000 (~7500 tokens at 4 chars/token).
	MaxChars int

	// MaxToolResultChars is the max chars for a single tool-result message's
	// content. Longer results are truncated. Default: 6000.
	MaxToolResultChars int

	// IncludeSummary controls whether to include the rolling summary.
	IncludeSummary bool
}

// DefaultPackOptions returns sensible defaults for context packing.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		IncludeSummary:     true,
	}
}

// Packer selects and prepares messages for LLM context.
type Packer struct {
	opts PackOptions
}

// NewPacker creates a new context packer with the given options.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	return &Packer{opts: opts}
}

// PackResult is the output of Pack, along with diagnostics describing why
// each candidate message was included or dropped.
type PackResult struct {
	Messages    []*models.Message
	Diagnostics *models.ContextEventPayload
}

// Pack selects messages from history to fit within budget.
//
// The packed result includes (in order):
//  1. Summary message (if IncludeSummary and summary exists)
//  2. Recent messages from history (in chronological order, up to budget)
//  3. The incoming user message
//
// Tool-result message content is truncated to MaxToolResultChars.
// Messages are selected from the end (most recent) backwards until
// either MaxMessages or MaxChars is reached.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message, summary *models.Message) ([]*models.Message, error) {
	result := p.PackWithDiagnostics(history, incoming, summary)
	return result.Messages, nil
}

// PackWithDiagnostics behaves like Pack but also reports per-item inclusion
// decisions, used by context-usage monitoring (see CompactionManager).
func (p *Packer) PackWithDiagnostics(history []*models.Message, incoming *models.Message, summary *models.Message) PackResult {
	var out []*models.Message

	totalChars := 0
	totalMsgs := 0

	if incoming != nil {
		totalChars += p.messageChars(incoming)
		totalMsgs++
	}

	includeSummary := p.opts.IncludeSummary && summary != nil
	if includeSummary {
		totalChars += p.messageChars(summary)
		totalMsgs++
	}

	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || IsSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}

	selectedReverse := make([]*models.Message, 0)
	items := make([]models.ContextPackItem, 0, len(filtered)+2)
	if includeSummary {
		items = append(items, models.ContextPackItem{
			Kind:     models.ContextItemSummary,
			Chars:    p.messageChars(summary),
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
	}
	if incoming != nil {
		items = append(items, models.ContextPackItem{
			Kind:     models.ContextItemIncoming,
			Chars:    p.messageChars(incoming),
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
	}
	dropped := 0
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		msgChars := p.messageChars(m)

		if totalMsgs+1 > p.opts.MaxMessages || totalChars+msgChars > p.opts.MaxChars {
			dropped++
			items = append(items, models.ContextPackItem{
				Kind:     itemKind(m),
				Chars:    msgChars,
				Included: false,
				Reason:   models.ContextReasonOverBudget,
			})
			continue
		}

		selectedReverse = append(selectedReverse, m)
		totalMsgs++
		totalChars += msgChars
		items = append(items, models.ContextPackItem{
			Kind:     itemKind(m),
			Chars:    msgChars,
			Included: true,
			Reason:   models.ContextReasonIncluded,
		})
	}

	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = m
	}

	if includeSummary {
		out = append(out, summary)
	}
	for _, m := range selected {
		out = append(out, p.truncateToolResult(m))
	}
	if incoming != nil {
		out = append(out, incoming)
	}

	diag := &models.ContextEventPayload{
		BudgetChars:    p.opts.MaxChars,
		BudgetMessages: p.opts.MaxMessages,
		UsedChars:      totalChars,
		UsedMessages:   totalMsgs,
		Candidates:     len(filtered),
		Included:       len(selected),
		Dropped:        dropped,
		SummaryUsed:    includeSummary,
		Items:          items,
	}
	if includeSummary {
		diag.SummaryChars = p.messageChars(summary)
	}

	return PackResult{Messages: out, Diagnostics: diag}
}

func itemKind(m *models.Message) models.ContextItemKind {
	switch m.Role {
	case models.RoleSystem:
		return models.ContextItemSystem
	case models.RoleTool:
		return models.ContextItemTool
	default:
		return models.ContextItemHistory
	}
}

// messageChars estimates the character count for a message.
func (p *Packer) messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Text())
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return chars
}

// truncateToolResult returns a copy with truncated content if m is an
// oversized tool-result message; otherwise returns m unchanged.
func (p *Packer) truncateToolResult(m *models.Message) *models.Message {
	if m.Role != models.RoleTool {
		return m
	}
	text := m.Text()
	if len(text) <= p.opts.MaxToolResultChars {
		return m
	}
	truncated := text[:p.opts.MaxToolResultChars] + "\n...[truncated]"
	return withText(m, truncated)
}

// withText returns a shallow copy of m with its content replaced by a
// single text part.
func withText(m *models.Message, text string) *models.Message {
	clone := *m
	clone.Content = []models.ContentPart{{Type: models.ContentText, Text: text}}
	return &clone
}
