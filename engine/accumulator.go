package engine

import (
	"fmt"
	"strings"

	"github.com/rparkins/convoke/llm"
)

// StreamAccumulator folds a sequence of stream events into a final assistant
// message. Text deltas append to a growing buffer; tool-call fragments are
// keyed by the provider's content-block index when present, else by call id,
// so chunked argument JSON concatenates correctly into one arguments string
// per call regardless of interleaving.
type StreamAccumulator struct {
	text  strings.Builder
	calls map[string]*partialCall
	order []string
}

type partialCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: make(map[string]*partialCall)}
}

// AddText appends one text delta.
func (a *StreamAccumulator) AddText(delta string) {
	a.text.WriteString(delta)
}

// AddToolDelta folds one tool-call fragment into the accumulation table.
func (a *StreamAccumulator) AddToolDelta(delta llm.ToolCallDelta) {
	key := a.keyFor(delta)
	pc, ok := a.calls[key]
	if !ok {
		pc = &partialCall{}
		a.calls[key] = pc
		a.order = append(a.order, key)
	}
	if delta.ID != "" {
		pc.id = delta.ID
	}
	pc.name.WriteString(delta.NameFragment)
	pc.args.WriteString(delta.ArgsFragment)
}

func (a *StreamAccumulator) keyFor(delta llm.ToolCallDelta) string {
	if delta.Index != nil {
		return fmt.Sprintf("i:%d", *delta.Index)
	}
	return "id:" + delta.ID
}

// Text returns the accumulated assistant text.
func (a *StreamAccumulator) Text() string {
	return a.text.String()
}

// ToolCalls returns the accumulated tool calls in first-fragment order, with
// each arguments string passed through partial-JSON repair. Calls that never
// received an id or a name are returned as-is; the history repairer strips
// them before the next request.
func (a *StreamAccumulator) ToolCalls() []llm.ToolCall {
	var out []llm.ToolCall
	for _, key := range a.order {
		pc := a.calls[key]
		out = append(out, llm.ToolCall{
			ID:        pc.id,
			Name:      pc.name.String(),
			Arguments: repairJSON(pc.args.String()),
		})
	}
	return out
}

// Message returns the final assistant message for the accumulated stream.
func (a *StreamAccumulator) Message() llm.Message {
	return llm.AssistantMessage(a.Text(), a.ToolCalls()...)
}

// repairJSON closes a truncated JSON object so it parses: an unterminated
// string gets its closing quote, then open brackets are closed innermost
// first. Blank input becomes the empty object. Content inside strings is
// never altered.
func repairJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "{}"
	}

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var sb strings.Builder
	if inString {
		sb.WriteString(trimmed)
		if escaped {
			sb.WriteByte('\\')
		}
		sb.WriteByte('"')
	} else {
		// A dangling separator would make the closed object unparsable.
		body := strings.TrimRight(trimmed, " \t\n,")
		if strings.HasSuffix(body, ":") {
			body += " null"
		}
		sb.WriteString(body)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			sb.WriteByte('}')
		case '[':
			sb.WriteByte(']')
		}
	}
	return sb.String()
}
