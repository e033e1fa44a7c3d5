package summarizer

import (
	"context"
	"strings"
	"testing"

	"github.com/nexuscore/agentruntime/pkg/models"
)

func TestFakeSummariser_Summarize(t *testing.T) {
	s := FakeSummariser{}
	messages := []*models.Message{
		msg(models.RoleUser, "hello there"),
		msg(models.RoleAssistant, "hi, how can I help?"),
	}

	summary, err := s.Summarize(context.Background(), messages, 0)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if !strings.Contains(summary, "hello there") {
		t.Errorf("expected summary to mention first message, got %q", summary)
	}
	if !strings.Contains(summary, string(models.RoleAssistant)) {
		t.Errorf("expected summary to tag roles, got %q", summary)
	}
}

func TestFakeSummariser_TruncatesLongMessages(t *testing.T) {
	s := FakeSummariser{}
	long := strings.Repeat("x", 200)
	summary, err := s.Summarize(context.Background(), []*models.Message{msg(models.RoleUser, long)}, 0)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if strings.Contains(summary, strings.Repeat("x", 200)) {
		t.Error("expected per-message truncation to apply")
	}
	if !strings.Contains(summary, "...") {
		t.Error("expected truncation marker")
	}
}

func TestFakeSummariser_RespectsMaxLength(t *testing.T) {
	s := FakeSummariser{}
	messages := make([]*models.Message, 20)
	for i := range messages {
		messages[i] = msg(models.RoleUser, "some message content")
	}

	summary, err := s.Summarize(context.Background(), messages, 50)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if len(summary) > 50 {
		t.Errorf("expected summary capped at 50 chars, got %d", len(summary))
	}
}

func TestFakeSummariser_RespectsCancellation(t *testing.T) {
	s := FakeSummariser{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Summarize(ctx, nil, 0); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func msg(role models.Role, text string) *models.Message {
	m := models.TextMessage(role, text)
	return &m
}
