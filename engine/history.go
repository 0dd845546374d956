package engine

import (
	"sync"

	"github.com/rparkins/convoke/llm"
)

// History is the bounded conversation record owned by one Agent. The system
// message, when present, is pinned at index 0 and never evicted; all other
// messages are FIFO-evicted once the count exceeds the configured ceiling.
// Mutation stays single-writer (the owning turn loop), but snapshots may be
// taken from any goroutine.
//
// Trimming is not aware of tool-call pairing. RepairHistory must run over
// every snapshot before it is sent to a provider.
type History struct {
	mu       sync.Mutex
	messages []llm.Message
	ceiling  int
	onAppend func(llm.Message)
}

// NewHistory creates an empty History. A ceiling of 0 disables trimming.
func NewHistory(ceiling int) *History {
	return &History{ceiling: ceiling}
}

// SetSystem installs or replaces the pinned system message at index 0.
func (h *History) SetSystem(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := llm.SystemMessage(text)
	if len(h.messages) > 0 && h.messages[0].Role == llm.RoleSystem {
		h.messages[0] = msg
		return
	}
	h.messages = append([]llm.Message{msg}, h.messages...)
}

// AppendUser appends a user message.
func (h *History) AppendUser(text string) {
	h.append(llm.UserMessage(text))
}

// AppendAssistant appends an assistant message with optional tool calls.
func (h *History) AppendAssistant(text string, calls ...llm.ToolCall) {
	h.append(llm.AssistantMessage(text, calls...))
}

// AppendTool appends a tool-role message carrying one result.
func (h *History) AppendTool(name, toolCallID, content string, isError bool) {
	h.append(llm.ToolMessage(name, toolCallID, content, isError))
}

// Append adds an already-built message, applying the trim policy.
func (h *History) Append(msg llm.Message) {
	h.append(msg)
}

func (h *History) append(msg llm.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.trim()
	h.mu.Unlock()
	// The callback runs unlocked; it must not depend on the message still
	// being retained.
	if h.onAppend != nil && (msg.Role == llm.RoleAssistant || msg.Role == llm.RoleTool) {
		h.onAppend(msg)
	}
}

// Trim evicts the oldest non-system messages until the count is at or below
// the ceiling. The pinned system message survives every trim. Trimming an
// already-trimmed history is a no-op.
func (h *History) Trim() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trim()
}

func (h *History) trim() {
	if h.ceiling <= 0 || len(h.messages) <= h.ceiling {
		return
	}
	var system *llm.Message
	rest := h.messages
	if rest[0].Role == llm.RoleSystem {
		system = &rest[0]
		rest = rest[1:]
	}

	keep := h.ceiling
	if system != nil {
		keep--
	}
	if keep < 0 {
		keep = 0
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}

	trimmed := make([]llm.Message, 0, h.ceiling)
	if system != nil {
		trimmed = append(trimmed, *system)
	}
	trimmed = append(trimmed, rest...)
	h.messages = trimmed
}

// Snapshot returns a copy of the retained messages in order.
func (h *History) Snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Clear removes all messages, including the pinned system message.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
