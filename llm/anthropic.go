package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 8192

// AnthropicAdapter implements ProviderAdapter on the official Anthropic SDK.
// Unlike the gollm path it speaks the Messages API natively, which is what
// makes tool-use streaming and prompt cache breakpoints work.
type AnthropicAdapter struct {
	client anthropic.Client
}

// AnthropicOption configures the AnthropicAdapter.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	apiKey  string
	baseURL string
	extra   []option.RequestOption
}

// WithAnthropicAPIKey sets the API key. When empty, the SDK reads
// ANTHROPIC_API_KEY from the environment.
func WithAnthropicAPIKey(key string) AnthropicOption {
	return func(c *anthropicConfig) { c.apiKey = key }
}

// WithAnthropicBaseURL overrides the API base URL, e.g. for a proxy.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(c *anthropicConfig) { c.baseURL = url }
}

// WithAnthropicRequestOptions appends raw SDK request options.
func WithAnthropicRequestOptions(opts ...option.RequestOption) AnthropicOption {
	return func(c *anthropicConfig) { c.extra = append(c.extra, opts...) }
}

// NewAnthropicAdapter creates an adapter backed by the official SDK client.
func NewAnthropicAdapter(opts ...AnthropicOption) *AnthropicAdapter {
	cfg := &anthropicConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	clientOpts = append(clientOpts, cfg.extra...)
	return &AnthropicAdapter{client: anthropic.NewClient(clientOpts...)}
}

// Name returns "anthropic".
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete sends a blocking Messages API request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, msg), nil
}

// Stream sends a streaming Messages API request. Text arrives as
// StreamTextDelta events; tool calls arrive as StreamToolDelta fragments
// carrying the provider's content-block index so the accumulator can stitch
// argument JSON back together.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)

		stream := a.client.Messages.NewStreaming(ctx, params)
		ch <- StreamEvent{Type: StreamStart}

		msg := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				ch <- StreamEvent{Type: StreamFailed, Err: &ProviderError{
					ClientError: ClientError{Message: "accumulate stream event", Cause: err},
					Provider:    "anthropic",
				}}
				return
			}

			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if variant.ContentBlock.Type != "tool_use" {
					continue
				}
				idx := int(variant.Index)
				ch <- StreamEvent{Type: StreamToolDelta, ToolDelta: &ToolCallDelta{
					Index:        &idx,
					ID:           variant.ContentBlock.ID,
					NameFragment: variant.ContentBlock.Name,
				}}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					ch <- StreamEvent{Type: StreamTextDelta, TextDelta: delta.Text}
				case anthropic.InputJSONDelta:
					if delta.PartialJSON == "" {
						continue
					}
					idx := int(variant.Index)
					ch <- StreamEvent{Type: StreamToolDelta, ToolDelta: &ToolCallDelta{
						Index:        &idx,
						ArgsFragment: delta.PartialJSON,
					}}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Type: StreamFailed, Err: a.translateError(err)}
			return
		}

		finish := mapAnthropicStopReason(string(msg.StopReason))
		usage := anthropicUsage(msg)
		ch <- StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage}
	}()

	return ch, nil
}

func (a *AnthropicAdapter) translateRequest(req Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.TextContent()})

		case RoleUser:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.TextContent())))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Content {
				switch part.Kind {
				case ContentText:
					if part.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				case ContentToolCall:
					if part.ToolCall == nil {
						continue
					}
					args := json.RawMessage(part.ToolCall.Arguments)
					if len(args) == 0 {
						args = json.RawMessage("{}")
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, args, part.ToolCall.Name))
				}
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			// Tool results ride in a user-role message on the wire.
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				block := anthropic.NewToolResultBlock(part.ToolResult.ToolCallID, part.ToolResult.Content, part.ToolResult.IsError)
				if part.CacheControl == CacheEphemeral && block.OfToolResult != nil {
					block.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
				}
				blocks = append(blocks, block)
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, def := range req.ToolDefs {
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: def.Parameters["properties"],
			},
		}
		if required, ok := def.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = required
		} else if rawRequired, ok := def.Parameters["required"].([]any); ok {
			for _, r := range rawRequired {
				if s, ok := r.(string); ok {
					tool.InputSchema.Required = append(tool.InputSchema.Required, s)
				}
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	return params, nil
}

func (a *AnthropicAdapter) buildResponse(req Request, msg *anthropic.Message) *Response {
	var parts []ContentPart
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			parts = append(parts, TextPart(variant.Text))
		case anthropic.ToolUseBlock:
			parts = append(parts, ToolCallPart(variant.ID, variant.Name, string(variant.Input)))
		}
	}

	resp := &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     "anthropic",
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: mapAnthropicStopReason(string(msg.StopReason)),
	}
	if req.TrackUsage {
		resp.Usage = anthropicUsage(*msg)
	}
	return resp
}

func anthropicUsage(msg anthropic.Message) Usage {
	u := Usage{
		InputTokens:      int(msg.Usage.InputTokens),
		OutputTokens:     int(msg.Usage.OutputTokens),
		CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

func mapAnthropicStopReason(raw string) FinishReason {
	switch raw {
	case "end_turn", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: raw}
	case "max_tokens":
		return FinishReason{Reason: "length", Raw: raw}
	case "tool_use":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "":
		return FinishReason{Reason: "stop", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// translateError maps SDK errors onto the typed hierarchy. Status codes
// carry most of the signal; the message is kept verbatim so the streaming
// fallback heuristics can still inspect it.
func (a *AnthropicAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &NetworkError{ClientError: ClientError{Message: "anthropic request failed", Cause: err}}
	}
	message := fmt.Sprintf("anthropic: %s", compactErrorMessage(apiErr.Error()))
	return ErrorFromStatusCode(apiErr.StatusCode, message, "anthropic", "", nil)
}

func compactErrorMessage(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
