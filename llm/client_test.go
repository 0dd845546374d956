package llm

import (
	"context"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	closed   bool
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) Close() error {
	m.closed = true
	return nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "test_resp",
			Model:    "test-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(WithAdapter(mock))

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithAdapter(openai),
		WithAdapter(anthropic),
		WithDefaultProvider("openai"),
	)

	// Explicit provider wins over model inference.
	resp, err := client.Complete(context.Background(), Request{
		Model:    "claude-opus-4-6",
		Messages: []Message{UserMessage("Hi")},
		Provider: "openai",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected explicit provider to win, got %q", resp.Text())
	}

	// Model catalog inference.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected inference to route to anthropic, got %q", resp.Text())
	}

	// Default provider for unknown models.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "mystery-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected default provider, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "mystery-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientUnregisteredProvider(t *testing.T) {
	client := NewClient(WithAdapter(newMockAdapter("openai", "x")))
	_, err := client.Complete(context.Background(), Request{
		Model:    "claude-opus-4-6", // infers anthropic, which is not registered
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientSingleAdapterBecomesDefault(t *testing.T) {
	client := NewClient(WithAdapter(newMockAdapter("anthropic", "hi")))
	resp, err := client.Complete(context.Background(), Request{
		Model:    "mystery-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "hi" {
		t.Errorf("expected sole adapter to serve as default, got %q", resp.Text())
	}
}

func TestClientStream(t *testing.T) {
	finish := FinishReason{Reason: "stop"}
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: StreamTextDelta, TextDelta: "Hel"},
			{Type: StreamTextDelta, TextDelta: "lo"},
			{Type: StreamFinish, FinishReason: &finish},
		},
	}
	client := NewClient(WithAdapter(mock))

	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var sawFinish bool
	for event := range ch {
		switch event.Type {
		case StreamTextDelta:
			text += event.TextDelta
		case StreamFinish:
			sawFinish = true
		}
	}
	if text != "Hello" {
		t.Errorf("expected accumulated text %q, got %q", "Hello", text)
	}
	if !sawFinish {
		t.Error("expected a finish event")
	}
}

func TestClientClose(t *testing.T) {
	mock := newMockAdapter("test", "x")
	client := NewClient(WithAdapter(mock))
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mock.closed {
		t.Error("expected adapter to be closed")
	}
}
