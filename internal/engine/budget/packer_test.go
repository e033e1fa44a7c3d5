package budget

import (
	"strings"
	"testing"

	"github.com/nexuscore/agentruntime/pkg/models"
)

func textMsg(role models.Role, text string) *models.Message {
	m := models.TextMessage(role, text)
	return &m
}

func TestPacker_IncludesIncomingMessage(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())
	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		textMsg(models.RoleAssistant, "Hi there"),
	}
	incoming := textMsg(models.RoleUser, "How are you?")

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if len(packed) != 3 {
		t.Errorf("expected 3 messages, got %d", len(packed))
	}

	last := packed[len(packed)-1]
	if last != incoming {
		t.Error("last message should be the incoming message")
	}
}

func TestPacker_RespectsMaxMessages(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxMessages = 3
	packer := NewPacker(opts)

	history := make([]*models.Message, 10)
	for i := 0; i < 10; i++ {
		history[i] = textMsg(models.RoleUser, strings.Repeat("x", 100))
	}
	incoming := textMsg(models.RoleUser, "hi")

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if len(packed) > opts.MaxMessages {
		t.Errorf("packed %d messages, exceeds MaxMessages %d", len(packed), opts.MaxMessages)
	}

	found := false
	for _, m := range packed {
		if m == incoming {
			found = true
		}
	}
	if !found {
		t.Error("incoming message not included in packed result")
	}
}

func TestPacker_RespectsMaxChars(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxChars = 500
	packer := NewPacker(opts)

	history := make([]*models.Message, 5)
	for i := 0; i < 5; i++ {
		history[i] = textMsg(models.RoleUser, strings.Repeat("x", 200))
	}
	incoming := textMsg(models.RoleUser, strings.Repeat("y", 50))

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	totalChars := 0
	for _, m := range packed {
		totalChars += len(m.Text())
	}
	if totalChars > opts.MaxChars {
		t.Errorf("total chars %d exceeds MaxChars %d", totalChars, opts.MaxChars)
	}
}

func TestPacker_TruncatesToolResults(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxToolResultChars = 100
	packer := NewPacker(opts)

	history := []*models.Message{
		toolResult("tc1", strings.Repeat("x", 500)),
	}
	incoming := textMsg(models.RoleUser, "hi")

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	var toolMsg *models.Message
	for _, m := range packed {
		if m.Role == models.RoleTool {
			toolMsg = m
			break
		}
	}
	if toolMsg == nil {
		t.Fatal("tool message not found in packed result")
	}

	content := toolMsg.Text()
	if len(content) > opts.MaxToolResultChars+20 {
		t.Errorf("tool result not truncated: len=%d, expected ~%d", len(content), opts.MaxToolResultChars)
	}
	if !strings.Contains(content, "...[truncated]") {
		t.Error("truncated tool result missing truncation marker")
	}
}

func TestPacker_IncludesSummary(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	history := []*models.Message{textMsg(models.RoleUser, "Hello")}
	incoming := textMsg(models.RoleUser, "hi")
	summary := NewSummaryMessage("This is a summary")

	packed, err := packer.Pack(history, incoming, summary)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if len(packed) < 1 {
		t.Fatal("packed result is empty")
	}
	if packed[0] != summary {
		t.Error("summary should be first")
	}
}

func TestPacker_FiltersSummaryMessagesFromHistory(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	oldSummary := NewSummaryMessage("Old summary")
	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		oldSummary,
		textMsg(models.RoleAssistant, "Hi"),
	}
	incoming := textMsg(models.RoleUser, "hi")
	newSummary := NewSummaryMessage("New summary")

	packed, err := packer.Pack(history, incoming, newSummary)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	for _, m := range packed {
		if m == oldSummary {
			t.Error("old summary from history should be filtered out")
		}
	}

	found := false
	for _, m := range packed {
		if m == newSummary {
			found = true
		}
	}
	if !found {
		t.Error("new summary should be included")
	}
}

func TestFindLatestSummary(t *testing.T) {
	summary1 := NewSummaryMessage("First summary")
	summary2 := NewSummaryMessage("Second summary")
	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		summary1,
		textMsg(models.RoleAssistant, "Hi"),
		summary2,
		textMsg(models.RoleUser, "Thanks"),
	}

	got := FindLatestSummary(history)
	if got != summary2 {
		t.Error("expected latest summary (summary2)")
	}
}

func TestFindLatestSummary_NoSummary(t *testing.T) {
	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		textMsg(models.RoleAssistant, "Hi"),
	}

	if FindLatestSummary(history) != nil {
		t.Error("expected nil when no summary exists")
	}
}

func TestMessagesSinceSummary(t *testing.T) {
	summary := NewSummaryMessage("Summary")
	msg2 := textMsg(models.RoleAssistant, "Hi")
	msg3 := textMsg(models.RoleUser, "Thanks")

	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		summary,
		msg2,
		msg3,
	}

	since := MessagesSinceSummary(history, summary)
	if len(since) != 2 {
		t.Fatalf("expected 2 messages after summary, got %d", len(since))
	}
	if since[0] != msg2 || since[1] != msg3 {
		t.Error("messages after summary are incorrect")
	}
}

func TestGetMessagesToSummarize(t *testing.T) {
	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		textMsg(models.RoleAssistant, "Hi"),
		textMsg(models.RoleUser, "How are you?"),
		textMsg(models.RoleAssistant, "Good!"),
		textMsg(models.RoleUser, "Great"),
	}

	toSummarize := GetMessagesToSummarize(history, nil, 2)
	if len(toSummarize) != 3 {
		t.Errorf("expected 3 messages to summarize, got %d", len(toSummarize))
	}
	for _, m := range toSummarize {
		if m == history[3] || m == history[4] {
			t.Error("recent message should not be in summarize list")
		}
	}
}

func TestPackWithDiagnostics_BasicCounts(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())
	history := []*models.Message{
		textMsg(models.RoleUser, "Hello"),
		textMsg(models.RoleAssistant, "Hi there"),
	}
	incoming := textMsg(models.RoleUser, "How are you?")

	result := packer.PackWithDiagnostics(history, incoming, nil)
	diag := result.Diagnostics
	if diag == nil {
		t.Fatal("expected diagnostics")
	}

	if diag.Candidates != 2 {
		t.Errorf("expected 2 candidates, got %d", diag.Candidates)
	}
	if diag.Included != 2 {
		t.Errorf("expected 2 included, got %d", diag.Included)
	}
	if diag.Dropped != 0 {
		t.Errorf("expected 0 dropped, got %d", diag.Dropped)
	}
	if diag.SummaryUsed {
		t.Error("expected SummaryUsed=false")
	}
}

func TestPackWithDiagnostics_DroppedDueToOverBudget(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxChars = 200
	packer := NewPacker(opts)

	history := []*models.Message{
		textMsg(models.RoleUser, strings.Repeat("a", 100)),
		textMsg(models.RoleAssistant, strings.Repeat("b", 100)),
		textMsg(models.RoleUser, strings.Repeat("c", 100)),
	}
	incoming := textMsg(models.RoleUser, strings.Repeat("d", 50))

	result := packer.PackWithDiagnostics(history, incoming, nil)
	diag := result.Diagnostics

	if diag.Dropped == 0 {
		t.Error("expected some dropped messages due to budget")
	}

	var overBudgetCount int
	for _, item := range diag.Items {
		if item.Reason == models.ContextReasonOverBudget {
			overBudgetCount++
			if item.Included {
				t.Error("over_budget item should not be included")
			}
		}
	}
	if overBudgetCount == 0 {
		t.Error("expected some items with over_budget reason")
	}
}

func TestPackWithDiagnostics_SummaryTracking(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	history := []*models.Message{textMsg(models.RoleUser, "Hello")}
	incoming := textMsg(models.RoleUser, "hi")
	summary := NewSummaryMessage(strings.Repeat("x", 200))

	result := packer.PackWithDiagnostics(history, incoming, summary)
	diag := result.Diagnostics

	if !diag.SummaryUsed {
		t.Error("expected SummaryUsed=true")
	}
	if diag.SummaryChars != 200 {
		t.Errorf("expected SummaryChars=200, got %d", diag.SummaryChars)
	}
}
