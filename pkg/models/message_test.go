package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_Text(t *testing.T) {
	msg := TextMessage(RoleUser, "hello, world!")
	if msg.Role != RoleUser {
		t.Errorf("Role = %v, want %v", msg.Role, RoleUser)
	}
	if msg.Text() != "hello, world!" {
		t.Errorf("Text() = %q, want %q", msg.Text(), "hello, world!")
	}
}

func TestMessage_Text_MultiPart(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			{Type: ContentText, Text: "part one "},
			{Type: ContentImageURL, URL: "http://example.com/img.png"},
			{Type: ContentText, Text: "part two"},
		},
	}
	if msg.Text() != "part one part two" {
		t.Errorf("Text() = %q, want %q", msg.Text(), "part one part two")
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original := Message{
		Role:    RoleAssistant,
		Content: []ContentPart{{Type: ContentText, Text: "hello!"}},
		ToolCalls: []ToolCall{
			{ID: "tc-1", Name: "search", Arguments: json.RawMessage(`{"q":"test"}`)},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Role != original.Role {
		t.Errorf("Role = %v, want %v", decoded.Role, original.Role)
	}
	if decoded.Text() != "hello!" {
		t.Errorf("Text() = %q, want %q", decoded.Text(), "hello!")
	}
	if len(decoded.ToolCalls) != 1 {
		t.Errorf("ToolCalls length = %d, want 1", len(decoded.ToolCalls))
	}
}

func TestToolCall_Struct(t *testing.T) {
	tc := ToolCall{
		ID:        "tc-123",
		Name:      "web_search",
		Arguments: json.RawMessage(`{"query": "test query"}`),
	}

	if tc.ID != "tc-123" {
		t.Errorf("ID = %q, want %q", tc.ID, "tc-123")
	}
	if tc.Name != "web_search" {
		t.Errorf("Name = %q, want %q", tc.Name, "web_search")
	}
}

func TestToolResult_Struct(t *testing.T) {
	tr := ToolResult{
		CallID: "tc-123",
		Name:   "web_search",
		Result: "search results here",
	}

	if tr.CallID != "tc-123" {
		t.Errorf("CallID = %q, want %q", tr.CallID, "tc-123")
	}
	if tr.Error != "" {
		t.Error("Error should be empty")
	}

	trError := ToolResult{
		CallID: "tc-456",
		Name:   "web_search",
		Error:  "boom",
	}
	if trError.Error == "" {
		t.Error("Error should be set")
	}
}

func TestThread_Struct(t *testing.T) {
	now := time.Now()
	thread := Thread{
		ID:        "thread-123",
		AgentID:   "agent-456",
		Metadata:  map[string]any{"test": true},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if thread.ID != "thread-123" {
		t.Errorf("ID = %q, want %q", thread.ID, "thread-123")
	}
	if thread.AgentID != "agent-456" {
		t.Errorf("AgentID = %q, want %q", thread.AgentID, "agent-456")
	}
}
