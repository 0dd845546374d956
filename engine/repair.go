package engine

import (
	"github.com/rparkins/convoke/llm"
)

// ValidateHistory reports whether every tool-role message references a tool
// call introduced by a retained assistant message. A false return means the
// window holds an orphaned tool result, usually because trimming evicted the
// assistant message that issued the call.
func ValidateHistory(messages []llm.Message) bool {
	introduced := make(map[string]bool)
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleAssistant:
			for _, tc := range msg.ToolCalls() {
				introduced[tc.ID] = true
			}
		case llm.RoleTool:
			if !introduced[msg.ToolCallID] {
				return false
			}
		}
	}
	return true
}

// RepairHistory returns a copy of messages with the pairing invariant
// restored. It is a pure function over the snapshot; the caller's History
// is never mutated.
//
// Repairs applied, in one forward pass:
//   - assistant tool calls missing an id or a name are stripped
//   - an assistant message whose tool calls all became invalid keeps its
//     text if it has any, otherwise the message is dropped
//   - tool-role messages referencing an id no kept assistant introduced
//     are dropped
func RepairHistory(messages []llm.Message) []llm.Message {
	repaired := make([]llm.Message, 0, len(messages))
	introduced := make(map[string]bool)

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleAssistant:
			var kept []llm.ContentPart
			for _, part := range msg.Content {
				if part.Kind == llm.ContentToolCall {
					if part.ToolCall == nil || part.ToolCall.ID == "" || part.ToolCall.Name == "" {
						continue
					}
					introduced[part.ToolCall.ID] = true
				}
				kept = append(kept, part)
			}
			if len(kept) == 0 {
				continue
			}
			out := msg
			out.Content = kept
			repaired = append(repaired, out)

		case llm.RoleTool:
			if !introduced[msg.ToolCallID] {
				continue
			}
			repaired = append(repaired, msg)

		default:
			repaired = append(repaired, msg)
		}
	}
	return repaired
}
