package budget

import (
	"github.com/nexuscore/agentruntime/pkg/models"
)

// summaryMessageName marks a system-role Message as a rolling conversation
// summary rather than an ordinary system prompt. Message carries no
// metadata map, so the marker lives in the otherwise-unused Name field on
// system messages.
const summaryMessageName = "nexus_summary"

// IsSummaryMessage reports whether m is a rolling summary message produced
// by Summarizer.Summarize.
func IsSummaryMessage(m *models.Message) bool {
	return m != nil && m.Role == models.RoleSystem && m.Name == summaryMessageName
}

// NewSummaryMessage builds a summary message carrying the given content.
func NewSummaryMessage(summaryContent string) *models.Message {
	return &models.Message{
		Role: models.RoleSystem,
		Name: summaryMessageName,
		Content: []models.ContentPart{
			{Type: models.ContentText, Text: summaryContent},
		},
	}
}

// FindLatestSummary finds the most recent summary message in history.
// Returns nil if no summary exists.
func FindLatestSummary(history []*models.Message) *models.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if IsSummaryMessage(history[i]) {
			return history[i]
		}
	}
	return nil
}

// MessagesSinceSummary returns messages that came after the given summary.
// If summary is nil, returns all messages.
func MessagesSinceSummary(history []*models.Message, summary *models.Message) []*models.Message {
	if summary == nil {
		return history
	}

	summaryIdx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] == summary {
			summaryIdx = i
			break
		}
	}
	if summaryIdx < 0 {
		return history
	}
	if summaryIdx+1 >= len(history) {
		return nil
	}
	return history[summaryIdx+1:]
}

// NeedsSummarization checks if the history needs summarization based on thresholds.
func NeedsSummarization(history []*models.Message, summary *models.Message, maxMsgsBeforeSummary int) bool {
	messagesSince := MessagesSinceSummary(history, summary)
	return len(messagesSince) > maxMsgsBeforeSummary
}

// GetMessagesToSummarize returns older messages that should be summarized.
// It keeps the most recent `keepRecent` messages and returns the rest for
// summarization, excluding any summary markers.
func GetMessagesToSummarize(history []*models.Message, summary *models.Message, keepRecent int) []*models.Message {
	messages := MessagesSinceSummary(history, summary)

	filtered := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if IsSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}

	if len(filtered) <= keepRecent {
		return nil
	}
	return filtered[:len(filtered)-keepRecent]
}
