// Package contextmgr accumulates the conversation for one run and keeps it
// inside the model's context window via token-aware compaction.
package contextmgr

import (
	"fmt"
	"strings"

	"solver/pkg/agent/llm"
	"solver/pkg/config"
	"solver/pkg/logx"
	"solver/pkg/utils"
)

const (
	// defaultMaxContextTokens applies when the model is not in the registry.
	defaultMaxContextTokens = 32000

	// compactionBuffer is headroom reserved on top of the reply budget so a
	// request never lands exactly on the window edge.
	compactionBuffer = 1024
)

// ContextManager manages conversation context and token counting for one
// run. It is not safe for concurrent use; each run owns its own instance.
type ContextManager struct {
	counter          *utils.TokenCounter
	logger           *logx.Logger
	messages         []llm.Message
	maxContextTokens int
	maxReplyTokens   int
}

// NewContextManager creates a context manager with conservative defaults.
func NewContextManager() *ContextManager {
	return NewContextManagerForModel("", llm.MaxTokensDefault)
}

// NewContextManagerForModel creates a context manager sized to the model's
// context window from the model registry. Unknown models get a conservative
// default window.
func NewContextManagerForModel(model string, maxReplyTokens int) *ContextManager {
	maxContext := defaultMaxContextTokens
	if info, ok := config.GetModelInfo(model); ok && info.MaxContextTokens > 0 {
		maxContext = info.MaxContextTokens
	}
	if maxReplyTokens <= 0 {
		maxReplyTokens = llm.MaxTokensDefault
	}

	// A nil counter falls back to character-based estimation in CountTokens.
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		counter = nil
	}

	return &ContextManager{
		counter:          counter,
		logger:           logx.NewLogger("contextmgr"),
		messages:         make([]llm.Message, 0),
		maxContextTokens: maxContext,
		maxReplyTokens:   maxReplyTokens,
	}
}

// AddMessage appends a message to the context.
func (cm *ContextManager) AddMessage(msg llm.Message) {
	cm.messages = append(cm.messages, msg)
}

// AddSystemMessage appends a validated system message.
func (cm *ContextManager) AddSystemMessage(content string) error {
	msg, err := llm.NewSystemMessage(content)
	if err != nil {
		return err
	}
	cm.messages = append(cm.messages, msg)
	return nil
}

// AddUserMessage appends a validated user message.
func (cm *ContextManager) AddUserMessage(content string) error {
	msg, err := llm.NewUserMessage(content)
	if err != nil {
		return err
	}
	cm.messages = append(cm.messages, msg)
	return nil
}

// AddAssistantMessage appends an assistant message.
func (cm *ContextManager) AddAssistantMessage(content string) {
	cm.messages = append(cm.messages, llm.NewAssistantMessage(content))
}

// CountTokens returns the token footprint of the accumulated context.
func (cm *ContextManager) CountTokens() int {
	total := 0
	for i := range cm.messages {
		msg := &cm.messages[i]
		if cm.counter != nil {
			total += cm.counter.CountTokens(msg.Content)
		} else {
			total += len(msg.Content) / 4
		}
		// Role tag and message framing overhead
		total += 4
	}
	return total
}

// compactionThreshold is the context size above which compaction triggers:
// the window minus the reply budget minus headroom.
func (cm *ContextManager) compactionThreshold() int {
	return cm.maxContextTokens - cm.maxReplyTokens - compactionBuffer
}

// ShouldCompact checks if compaction is needed without performing it.
func (cm *ContextManager) ShouldCompact() bool {
	return cm.CountTokens() > cm.compactionThreshold()
}

// CompactIfNeeded drops the oldest non-system messages until the context
// fits the model's window, and returns how many messages were dropped.
// System messages survive compaction; they carry the run's standing
// instructions.
func (cm *ContextManager) CompactIfNeeded() int {
	threshold := cm.compactionThreshold()
	dropped := 0

	for cm.CountTokens() > threshold {
		idx := cm.oldestNonSystem()
		if idx < 0 {
			break
		}
		cm.messages = append(cm.messages[:idx], cm.messages[idx+1:]...)
		dropped++
	}

	if dropped > 0 {
		cm.logger.Info("compacted context: dropped %d oldest messages, %d tokens remain", dropped, cm.CountTokens())
	}
	return dropped
}

func (cm *ContextManager) oldestNonSystem() int {
	for i := range cm.messages {
		if cm.messages[i].Role != llm.RoleSystem {
			return i
		}
	}
	return -1
}

// ToRequestMessages returns a copy of the context as a provider-ready
// message sequence.
func (cm *ContextManager) ToRequestMessages() []llm.Message {
	return llm.CloneMessages(cm.messages)
}

// LastN returns a copy of the most recent n messages.
func (cm *ContextManager) LastN(n int) []llm.Message {
	return llm.LastN(cm.messages, n)
}

// MatchMetadata returns a copy of the messages whose metadata key equals the
// given value.
func (cm *ContextManager) MatchMetadata(key, value string) []llm.Message {
	return llm.MatchMetadata(cm.messages, key, value)
}

// MessageCount returns the number of messages in the context.
func (cm *ContextManager) MessageCount() int {
	return len(cm.messages)
}

// Clear removes all messages from the context.
func (cm *ContextManager) Clear() {
	cm.messages = cm.messages[:0]
}

// Summary returns a brief description of the context state for logging.
func (cm *ContextManager) Summary() string {
	if len(cm.messages) == 0 {
		return "empty context"
	}

	roleCounts := make(map[llm.Role]int)
	for i := range cm.messages {
		roleCounts[cm.messages[i].Role]++
	}

	var parts []string
	for _, role := range []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool} {
		if count := roleCounts[role]; count > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", role, count))
		}
	}

	return fmt.Sprintf("%d messages (%d tokens) - %s",
		len(cm.messages), cm.CountTokens(), strings.Join(parts, ", "))
}
