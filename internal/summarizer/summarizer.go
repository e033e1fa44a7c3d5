// Package summarizer declares the Summariser capability used to compress
// old thread history into a rolling summary when a run nears its context
// budget. It is consumed by internal/engine/budget (whose SummaryProvider
// interface it satisfies) and by internal/memory's context projection.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexuscore/agentruntime/pkg/models"
)

// Summariser condenses a run of messages into a short summary capped at
// maxLength characters.
type Summariser interface {
	Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error)
}

// FakeSummariser is a deterministic Summariser for tests: it concatenates
// a one-line digest per message (role + truncated text) rather than
// calling an LLM, so tests can assert on exact output.
type FakeSummariser struct{}

// Summarize implements Summariser.
func (FakeSummariser) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, m := range messages {
		if m == nil {
			continue
		}
		text := m.Text()
		if len(text) > 80 {
			text = text[:80] + "..."
		}
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, text)
	}
	out := sb.String()
	if maxLength > 0 && len(out) > maxLength {
		out = out[:maxLength]
	}
	return out, nil
}
