package contextmgr

import (
	"strings"
	"testing"

	"solver/pkg/agent/llm"
)

// smallContextManager builds a manager with a tiny artificial window so
// compaction triggers without megabytes of test content.
func smallContextManager(maxContext, maxReply int) *ContextManager {
	cm := NewContextManager()
	cm.maxContextTokens = maxContext
	cm.maxReplyTokens = maxReply
	return cm
}

// TestAddAndCount verifies message accumulation and token counting.
func TestAddAndCount(t *testing.T) {
	cm := NewContextManager()
	if cm.MessageCount() != 0 {
		t.Fatalf("new manager has %d messages", cm.MessageCount())
	}

	if err := cm.AddSystemMessage("You are a solver"); err != nil {
		t.Fatalf("AddSystemMessage: %v", err)
	}
	if err := cm.AddUserMessage("add two numbers"); err != nil {
		t.Fatalf("AddUserMessage: %v", err)
	}
	cm.AddAssistantMessage("understood")

	if got := cm.MessageCount(); got != 3 {
		t.Errorf("message count = %d, want 3", got)
	}
	if cm.CountTokens() <= 0 {
		t.Error("token count should be positive")
	}
}

// TestAddValidation rejects empty user and system content.
func TestAddValidation(t *testing.T) {
	cm := NewContextManager()
	if err := cm.AddUserMessage(""); err == nil {
		t.Error("expected error for empty user message")
	}
	if err := cm.AddSystemMessage(""); err == nil {
		t.Error("expected error for empty system message")
	}
	if cm.MessageCount() != 0 {
		t.Errorf("rejected messages were stored: %d", cm.MessageCount())
	}
}

// TestCompactionDropsOldestNonSystem verifies the system prompt survives and
// the oldest conversation turns go first.
func TestCompactionDropsOldestNonSystem(t *testing.T) {
	cm := smallContextManager(200, 50)

	if err := cm.AddSystemMessage("standing instructions"); err != nil {
		t.Fatal(err)
	}
	filler := strings.Repeat("word ", 40)
	for i := 0; i < 10; i++ {
		if err := cm.AddUserMessage(filler); err != nil {
			t.Fatal(err)
		}
		cm.AddAssistantMessage(filler)
	}

	if !cm.ShouldCompact() {
		t.Fatal("context should need compaction")
	}

	dropped := cm.CompactIfNeeded()
	if dropped == 0 {
		t.Fatal("expected messages to be dropped")
	}

	msgs := cm.ToRequestMessages()
	if len(msgs) == 0 || msgs[0].Role != llm.RoleSystem {
		t.Error("system message should survive compaction at position 0")
	}
	if cm.ShouldCompact() && cm.oldestNonSystem() >= 0 {
		t.Error("context still over threshold with droppable messages left")
	}
}

// TestCompactionNoopUnderThreshold leaves small contexts alone.
func TestCompactionNoopUnderThreshold(t *testing.T) {
	cm := NewContextManager()
	if err := cm.AddUserMessage("short"); err != nil {
		t.Fatal(err)
	}

	if dropped := cm.CompactIfNeeded(); dropped != 0 {
		t.Errorf("dropped %d messages from a small context", dropped)
	}
	if cm.MessageCount() != 1 {
		t.Errorf("message count = %d, want 1", cm.MessageCount())
	}
}

// TestToRequestMessagesIsCopy verifies callers cannot mutate the context.
func TestToRequestMessagesIsCopy(t *testing.T) {
	cm := NewContextManager()
	if err := cm.AddUserMessage("original"); err != nil {
		t.Fatal(err)
	}

	msgs := cm.ToRequestMessages()
	msgs[0].Content = "mutated"

	if cm.ToRequestMessages()[0].Content != "original" {
		t.Error("external mutation leaked into the context")
	}
}

// TestLastN returns the most recent messages.
func TestLastN(t *testing.T) {
	cm := NewContextManager()
	for _, content := range []string{"one", "two", "three"} {
		if err := cm.AddUserMessage(content); err != nil {
			t.Fatal(err)
		}
	}

	last := cm.LastN(2)
	if len(last) != 2 || last[0].Content != "two" || last[1].Content != "three" {
		t.Errorf("LastN(2) = %v", last)
	}
	if got := len(cm.LastN(10)); got != 3 {
		t.Errorf("LastN(10) = %d messages, want 3", got)
	}
	if got := len(cm.LastN(0)); got != 0 {
		t.Errorf("LastN(0) = %d messages, want 0", got)
	}
}

// TestMatchMetadata filters by metadata key/value.
func TestMatchMetadata(t *testing.T) {
	cm := NewContextManager()
	msg, err := llm.NewUserMessage("planned")
	if err != nil {
		t.Fatal(err)
	}
	cm.AddMessage(msg.WithMetadata("step", "PLAN"))
	if err := cm.AddUserMessage("unrelated"); err != nil {
		t.Fatal(err)
	}

	matched := cm.MatchMetadata("step", "PLAN")
	if len(matched) != 1 || matched[0].Content != "planned" {
		t.Errorf("MatchMetadata = %v", matched)
	}
}

// TestSummary includes counts per role.
func TestSummary(t *testing.T) {
	cm := NewContextManager()
	if got := cm.Summary(); got != "empty context" {
		t.Errorf("empty summary = %q", got)
	}

	if err := cm.AddSystemMessage("sys"); err != nil {
		t.Fatal(err)
	}
	if err := cm.AddUserMessage("usr"); err != nil {
		t.Fatal(err)
	}

	summary := cm.Summary()
	if !strings.Contains(summary, "system: 1") || !strings.Contains(summary, "user: 1") {
		t.Errorf("summary = %q", summary)
	}
}
