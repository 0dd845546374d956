package llm

import "strings"

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// CacheEphemeral marks a content part as eligible for provider-side prompt
// caching. It is the only cache mode Anthropic currently accepts.
const CacheEphemeral = "ephemeral"

// ToolCallData is a model-issued request to invoke a named tool.
// Arguments is opaque JSON text; it may be incomplete while streaming.
type ToolCallData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultData carries the rendered output of one tool execution back to
// the model. ToolCallID must match the ID of the tool call that produced it.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentPart is a tagged union representing one block of message content.
// CacheControl, when set, asks caching-capable providers to reuse the block
// across requests without re-processing it.
type ContentPart struct {
	Kind         ContentKind     `json:"kind"`
	Text         string          `json:"text,omitempty"`
	ToolCall     *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult   *ToolResultData `json:"tool_result,omitempty"`
	CacheControl string          `json:"cache_control,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(id, name, arguments string) ContentPart {
	return ContentPart{
		Kind:     ContentToolCall,
		ToolCall: &ToolCallData{ID: id, Name: name, Arguments: arguments},
	}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError},
	}
}

// Message is the fundamental unit of conversation.
//
// Name is set only on tool-role messages and holds the tool identity.
// ToolCallID is set only on tool-role messages and references a tool call
// issued by a preceding assistant message.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent returns the concatenation of all text parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts the tool calls carried by the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, ToolCall{
				ID:        part.ToolCall.ID,
				Name:      part.ToolCall.Name,
				Arguments: part.ToolCall.Arguments,
			})
		}
	}
	return calls
}

// ResultContent returns the tool-result text of a tool-role message.
func (m Message) ResultContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentToolResult && part.ToolResult != nil {
			sb.WriteString(part.ToolResult.Content)
		}
	}
	return sb.String()
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	var parts []ContentPart
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	for _, tc := range calls {
		parts = append(parts, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	return Message{Role: RoleAssistant, Content: parts}
}

// ToolMessage creates a tool-role Message carrying one tool result.
func ToolMessage(name, toolCallID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Name:       name,
		ToolCallID: toolCallID,
		Content:    []ContentPart{ToolResultPart(toolCallID, content, isError)},
	}
}

// ToolCall is a complete tool invocation extracted from a model response.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool for the model (JSON Schema
// parameters, no handler).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "error", "other"
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption for one request or an accumulated turn.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// Request is the input to both Complete and Stream.
type Request struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Provider    string           `json:"provider,omitempty"`
	ToolDefs    []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TrackUsage  bool             `json:"track_usage,omitempty"`
}

// Response is the output of Complete. Message holds zero or one assistant
// message; a zero-value Message means the provider returned nothing usable.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the concatenated text of the response message.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	StreamStart     StreamEventType = "start"
	StreamTextDelta StreamEventType = "text_delta"
	StreamToolDelta StreamEventType = "tool_delta"
	StreamFinish    StreamEventType = "finish"
	StreamFailed    StreamEventType = "error"
)

// ToolCallDelta is one fragment of a tool call arriving over a stream.
// Index is the provider's content-block index when it supplies one; fragments
// without an index are correlated by ID instead. NameFragment and
// ArgsFragment concatenate, in arrival order, into the complete name and
// arguments JSON.
type ToolCallDelta struct {
	Index        *int   `json:"index,omitempty"`
	ID           string `json:"id,omitempty"`
	NameFragment string `json:"name,omitempty"`
	ArgsFragment string `json:"arguments,omitempty"`
}

// StreamEvent is a single event from a streaming response. Events are
// ephemeral: only their accumulated effect is ever persisted.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	TextDelta    string          `json:"text_delta,omitempty"`
	ToolDelta    *ToolCallDelta  `json:"tool_delta,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Err          error           `json:"-"`
}
