package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rparkins/convoke/llm"
)

// scriptedClient is a provider double driven by per-test functions.
type scriptedClient struct {
	mu            sync.Mutex
	completeCalls int
	streamCalls   int
	completeFn    func(req llm.Request) (*llm.Response, error)
	streamFn      func(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.completeCalls++
	c.mu.Unlock()
	return c.completeFn(req)
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	c.mu.Lock()
	c.streamCalls++
	c.mu.Unlock()
	return c.streamFn(ctx, req)
}

func textResponse(text string, calls ...llm.ToolCall) *llm.Response {
	reason := llm.FinishReason{Reason: "stop"}
	if len(calls) > 0 {
		reason = llm.FinishReason{Reason: "tool_calls"}
	}
	return &llm.Response{
		ID:           "resp",
		Model:        "claude-sonnet-4-5",
		Provider:     "anthropic",
		Message:      llm.AssistantMessage(text, calls...),
		FinishReason: reason,
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func scriptedStream(events ...llm.StreamEvent) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func textStream(chunks ...string) []llm.StreamEvent {
	events := []llm.StreamEvent{{Type: llm.StreamStart}}
	for _, c := range chunks {
		events = append(events, llm.StreamEvent{Type: llm.StreamTextDelta, TextDelta: c})
	}
	finish := llm.FinishReason{Reason: "stop"}
	events = append(events, llm.StreamEvent{Type: llm.StreamFinish, FinishReason: &finish})
	return events
}

func newTestAgent(client LLMClient, registry *Registry, mutate func(*Config)) *Agent {
	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.SystemPrompt = "you are a coding assistant"
	cfg.Retry = &llm.RetryPolicy{MaxRetries: 0}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewAgent(client, registry, nil, cfg, nil)
}

func collectSink(events *[]Event) EventSink {
	var mu sync.Mutex
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, e)
	}
}

func assertSinkContract(t *testing.T, events []Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("sink received no events")
	}
	for i, e := range events {
		if e.Seq != i {
			t.Errorf("event %d has seq %d; sequence must be strictly increasing from 0", i, e.Seq)
		}
		if e.Finished && i != len(events)-1 {
			t.Errorf("non-final event %d has finished=true", i)
		}
	}
	last := events[len(events)-1]
	if !last.Finished || last.Kind != EventDone {
		t.Errorf("final event must be done with finished=true, got %+v", last)
	}
}

func TestExecuteSimple(t *testing.T) {
	client := &scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		return textResponse("Hello!"), nil
	}}
	agent := newTestAgent(client, nil, nil)

	result, err := agent.Execute(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "Hello!" {
		t.Errorf("expected %q, got %q", "Hello!", result.Content)
	}

	history := agent.History()
	if len(history) != 3 { // system, user, assistant
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].Role != llm.RoleSystem {
		t.Error("system message not pinned first")
	}
}

func TestExecuteToolBatch(t *testing.T) {
	tool := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]any) (string, error) {
		cmd, _ := StringArg(args, "command")
		return "ran " + cmd, nil
	}}

	client := &scriptedClient{}
	client.completeFn = func(req llm.Request) (*llm.Response, error) {
		if client.completeCalls == 1 {
			return textResponse("",
				llm.ToolCall{ID: "c1", Name: "shell", Arguments: `{"command":"ls"}`},
				llm.ToolCall{ID: "c2", Name: "shell", Arguments: `{"command":"pwd"}`},
			), nil
		}
		return textResponse("done"), nil
	}
	agent := newTestAgent(client, NewRegistry(tool), nil)

	result, err := agent.Execute(context.Background(), "run things")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "done" {
		t.Errorf("expected final content %q, got %q", "done", result.Content)
	}
	if result.ToolRounds != 1 || result.ToolCallsExecuted != 2 {
		t.Errorf("expected 1 round / 2 calls, got %d / %d", result.ToolRounds, result.ToolCallsExecuted)
	}

	// Tool batch 1:1 — one tool message per call, each referencing a
	// distinct id, in call order.
	history := agent.History()
	var toolMsgs []llm.Message
	for _, msg := range history {
		if msg.Role == llm.RoleTool {
			toolMsgs = append(toolMsgs, msg)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("expected 2 tool messages, got %d", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "c1" || toolMsgs[1].ToolCallID != "c2" {
		t.Errorf("tool messages out of order: %q, %q", toolMsgs[0].ToolCallID, toolMsgs[1].ToolCallID)
	}
	if toolMsgs[0].ResultContent() != "ran ls" {
		t.Errorf("unexpected first result: %q", toolMsgs[0].ResultContent())
	}
	if !ValidateHistory(history) {
		t.Error("pairing invariant violated")
	}
}

func TestExecuteNoValidToolCallsTerminates(t *testing.T) {
	client := &scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		return textResponse("", llm.ToolCall{ID: "", Name: "shell", Arguments: "{}"}), nil
	}}
	agent := newTestAgent(client, NewRegistry(), nil)

	result, err := agent.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "" {
		t.Errorf("expected no content, got %q", result.Content)
	}
	if client.completeCalls != 1 {
		t.Errorf("expected exactly 1 call (no looping), got %d", client.completeCalls)
	}
}

func TestStreamingSyncEquivalence(t *testing.T) {
	completeFn := func(req llm.Request) (*llm.Response, error) {
		return textResponse("the exact same answer"), nil
	}

	syncAgent := newTestAgent(&scriptedClient{completeFn: completeFn}, nil, nil)
	syncResult, err := syncAgent.Execute(context.Background(), "question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	streamAgent := newTestAgent(&scriptedClient{completeFn: completeFn}, nil, func(c *Config) {
		c.Streaming = false
	})
	var events []Event
	streamResult, err := streamAgent.ExecuteStream(context.Background(), "question", collectSink(&events))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if syncResult.Content != streamResult.Content {
		t.Errorf("sync %q != stream %q", syncResult.Content, streamResult.Content)
	}
	assertSinkContract(t, events)

	var streamed string
	for _, e := range events {
		if e.Kind == EventDelta {
			streamed += e.Text
		}
	}
	if streamed != syncResult.Content {
		t.Errorf("streamed deltas %q != sync content %q", streamed, syncResult.Content)
	}
}

func TestExecuteStreamDeltas(t *testing.T) {
	client := &scriptedClient{streamFn: func(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
		return scriptedStream(textStream("Hel", "lo, ", "world")...), nil
	}}
	agent := newTestAgent(client, nil, nil)

	var events []Event
	result, err := agent.ExecuteStream(context.Background(), "hi", collectSink(&events))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "Hello, world" {
		t.Errorf("unexpected content: %q", result.Content)
	}
	assertSinkContract(t, events)

	var deltas []string
	for _, e := range events {
		if e.Kind == EventDelta {
			deltas = append(deltas, e.Text)
		}
	}
	if len(deltas) != 3 || deltas[0] != "Hel" || deltas[2] != "world" {
		t.Errorf("deltas not delivered in arrival order: %v", deltas)
	}
}

func TestExecuteStreamToolRound(t *testing.T) {
	tool := &fakeTool{name: "read_file", execute: func(ctx context.Context, args map[string]any) (string, error) {
		return "package main", nil
	}}

	client := &scriptedClient{}
	client.streamFn = func(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
		if client.streamCalls == 1 {
			idx := 0
			return scriptedStream(
				llm.StreamEvent{Type: llm.StreamStart},
				llm.StreamEvent{Type: llm.StreamToolDelta, ToolDelta: &llm.ToolCallDelta{Index: &idx, ID: "c1", NameFragment: "read_file"}},
				llm.StreamEvent{Type: llm.StreamToolDelta, ToolDelta: &llm.ToolCallDelta{Index: &idx, ArgsFragment: `{"path":"main.go"}`}},
				llm.StreamEvent{Type: llm.StreamFinish},
			), nil
		}
		return scriptedStream(textStream("it is a Go file")...), nil
	}
	agent := newTestAgent(client, NewRegistry(tool), nil)

	var events []Event
	result, err := agent.ExecuteStream(context.Background(), "what is main.go", collectSink(&events))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "it is a Go file" {
		t.Errorf("unexpected content: %q", result.Content)
	}
	if result.ToolCallsExecuted != 1 {
		t.Errorf("expected 1 tool call executed, got %d", result.ToolCallsExecuted)
	}
	if !ValidateHistory(agent.History()) {
		t.Error("pairing invariant violated")
	}
	assertSinkContract(t, events)
}

func TestStreamFallback(t *testing.T) {
	answer := "answered without streaming"

	// Direct synchronous baseline.
	direct := newTestAgent(&scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		return textResponse(answer), nil
	}}, nil, nil)
	baseline, err := direct.Execute(context.Background(), "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client := &scriptedClient{
		streamFn: func(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
			return nil, errors.New("the 'stream' param is unsupported for this model")
		},
		completeFn: func(req llm.Request) (*llm.Response, error) {
			return textResponse(answer), nil
		},
	}
	agent := newTestAgent(client, nil, nil)

	var events []Event
	result, err := agent.ExecuteStream(context.Background(), "q", collectSink(&events))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != baseline.Content {
		t.Errorf("fallback content %q differs from direct sync %q", result.Content, baseline.Content)
	}
	if client.streamCalls != 1 {
		t.Errorf("fallback must not retry streaming, got %d stream calls", client.streamCalls)
	}
	assertSinkContract(t, events)

	sawNotice := false
	for _, e := range events {
		if e.Kind == EventNotice {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("expected a fallback notice event")
	}
}

func TestStreamFallbackStructuredCode(t *testing.T) {
	client := &scriptedClient{
		streamFn: func(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
			return nil, &llm.ProviderError{
				ClientError: llm.ClientError{Message: "no can do"},
				ErrorCode:   llm.CodeStreamingUnsupported,
			}
		},
		completeFn: func(req llm.Request) (*llm.Response, error) {
			return textResponse("fallback worked"), nil
		},
	}
	agent := newTestAgent(client, nil, nil)

	var events []Event
	result, err := agent.ExecuteStream(context.Background(), "q", collectSink(&events))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "fallback worked" {
		t.Errorf("unexpected content: %q", result.Content)
	}
}

func TestStreamFatalError(t *testing.T) {
	client := &scriptedClient{streamFn: func(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
		return nil, &llm.AuthenticationError{ProviderError: llm.ProviderError{
			ClientError: llm.ClientError{Message: "invalid api key"},
		}}
	}}
	agent := newTestAgent(client, nil, nil)

	var events []Event
	_, err := agent.ExecuteStream(context.Background(), "q", collectSink(&events))
	if err == nil {
		t.Fatal("expected fatal error to propagate")
	}
	assertSinkContract(t, events)
}

func TestStreamCancellation(t *testing.T) {
	idx := 0
	dispatched := 0
	tool := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]any) (string, error) {
		dispatched++
		return "", nil
	}}

	delivered := make(chan struct{})
	client := &scriptedClient{streamFn: func(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
		ch := make(chan llm.StreamEvent)
		go func() {
			ch <- llm.StreamEvent{Type: llm.StreamStart}
			ch <- llm.StreamEvent{Type: llm.StreamTextDelta, TextDelta: "one "}
			ch <- llm.StreamEvent{Type: llm.StreamTextDelta, TextDelta: "two "}
			ch <- llm.StreamEvent{Type: llm.StreamTextDelta, TextDelta: "three"}
			// The blocked remainder would have carried a tool call.
			close(delivered)
			<-ctx.Done()
			ch <- llm.StreamEvent{Type: llm.StreamToolDelta, ToolDelta: &llm.ToolCallDelta{Index: &idx, ID: "c1", NameFragment: "shell"}}
			close(ch)
		}()
		return ch, nil
	}}
	agent := newTestAgent(client, NewRegistry(tool), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-delivered
		cancel()
	}()

	var events []Event
	_, err := agent.ExecuteStream(ctx, "q", collectSink(&events))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	terminal := 0
	for _, e := range events {
		if e.Finished {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminal)
	}
	if dispatched != 0 {
		t.Errorf("no tool may be dispatched after cancellation, got %d", dispatched)
	}
	assertSinkContract(t, events)
}

func TestCancellationMidBatchPairsRemainingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var executed []string
	tool := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]any) (string, error) {
		cmd, _ := StringArg(args, "command")
		executed = append(executed, cmd)
		// The first call cancels the turn while it is still running.
		cancel()
		return "ran " + cmd, nil
	}}

	client := &scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		return textResponse("",
			llm.ToolCall{ID: "c1", Name: "shell", Arguments: `{"command":"ls"}`},
			llm.ToolCall{ID: "c2", Name: "shell", Arguments: `{"command":"pwd"}`},
		), nil
	}}
	agent := newTestAgent(client, NewRegistry(tool), nil)

	_, err := agent.Execute(ctx, "run things")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(executed) != 1 || executed[0] != "ls" {
		t.Fatalf("only the first call may run after cancellation, got %v", executed)
	}

	// The undispatched call still gets a paired error result so the
	// history can be resumed.
	history := agent.History()
	if !ValidateHistory(history) {
		t.Error("pairing invariant violated after mid-batch cancellation")
	}
	var second *llm.Message
	for i := range history {
		if history[i].Role == llm.RoleTool && history[i].ToolCallID == "c2" {
			second = &history[i]
		}
	}
	if second == nil {
		t.Fatal("no tool result for the undispatched call")
	}
	if !strings.Contains(second.ResultContent(), "cancelled") {
		t.Errorf("expected a cancellation error result, got %q", second.ResultContent())
	}
}

func TestStreamingDisabledEmitsToolRoundText(t *testing.T) {
	tool := &fakeTool{name: "shell", execute: func(ctx context.Context, args map[string]any) (string, error) {
		return "ok", nil
	}}

	client := &scriptedClient{}
	client.completeFn = func(req llm.Request) (*llm.Response, error) {
		if client.completeCalls == 1 {
			return textResponse("let me check",
				llm.ToolCall{ID: "c1", Name: "shell", Arguments: `{"command":"ls"}`},
			), nil
		}
		return textResponse("all clear"), nil
	}
	agent := newTestAgent(client, NewRegistry(tool), func(c *Config) {
		c.Streaming = false
	})

	var events []Event
	result, err := agent.ExecuteStream(context.Background(), "check the repo", collectSink(&events))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "all clear" {
		t.Errorf("unexpected content: %q", result.Content)
	}
	assertSinkContract(t, events)

	// Intermediate tool-round text reaches the sink before the final
	// answer, same as the streaming-fallback path.
	var deltas []string
	for _, e := range events {
		if e.Kind == EventDelta {
			deltas = append(deltas, e.Text)
		}
	}
	if len(deltas) != 2 || deltas[0] != "let me check" || deltas[1] != "all clear" {
		t.Errorf("expected intermediate and final deltas, got %v", deltas)
	}
}

func TestTrimmedHistoryIsRepairedBeforeRequest(t *testing.T) {
	tool := &fakeTool{name: "shell"}

	client := &scriptedClient{}
	client.completeFn = func(req llm.Request) (*llm.Response, error) {
		if !ValidateHistory(req.Messages) {
			t.Errorf("outbound request carries an invalid history")
		}
		if client.completeCalls%2 == 1 {
			return textResponse("", llm.ToolCall{ID: "c", Name: "shell", Arguments: "{}"}), nil
		}
		return textResponse("ok"), nil
	}

	// Ceiling small enough that each tool round trims the assistant that
	// issued the previous round's calls.
	agent := newTestAgent(client, NewRegistry(tool), func(c *Config) {
		c.HistoryCeiling = 3
	})

	for i := 0; i < 3; i++ {
		if _, err := agent.Execute(context.Background(), "again"); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
}

func TestAgentRejectsConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		close(started)
		<-release
		return textResponse("slow"), nil
	}}
	agent := newTestAgent(client, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := agent.Execute(context.Background(), "first")
		done <- err
	}()

	<-started
	if _, err := agent.Execute(context.Background(), "second"); err == nil {
		t.Error("expected second concurrent turn to be rejected")
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first turn failed: %v", err)
	}
}

func TestAgentReset(t *testing.T) {
	client := &scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		return textResponse("hi"), nil
	}}
	agent := newTestAgent(client, nil, nil)

	if _, err := agent.Execute(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	agent.Reset()

	history := agent.History()
	if len(history) != 1 || history[0].Role != llm.RoleSystem {
		t.Errorf("expected only the re-injected system message, got %d messages", len(history))
	}
}

func TestWriteBufferDrainsOnClose(t *testing.T) {
	repo := &memoryRepo{}
	client := &scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		return textResponse("persisted"), nil
	}}
	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.Retry = &llm.RetryPolicy{MaxRetries: 0}
	agent := NewAgent(client, NewRegistry(), repo, cfg, nil)

	if _, err := agent.Execute(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	agent.Close()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.sessions) != 1 || repo.sessions[0] != agent.SessionID() {
		t.Errorf("session row not created before writes: %v", repo.sessions)
	}
	if len(repo.messages) != 1 {
		t.Fatalf("expected 1 persisted assistant message after drain, got %d", len(repo.messages))
	}
	if repo.messages[0].Role != llm.RoleAssistant {
		t.Errorf("expected assistant message persisted, got %q", repo.messages[0].Role)
	}
}

func TestWriteBufferFailureDoesNotAffectHistory(t *testing.T) {
	repo := &memoryRepo{failSaves: true}
	client := &scriptedClient{completeFn: func(req llm.Request) (*llm.Response, error) {
		return textResponse("still fine"), nil
	}}
	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.Retry = &llm.RetryPolicy{MaxRetries: 0}
	agent := NewAgent(client, NewRegistry(), repo, cfg, nil)
	defer agent.Close()

	result, err := agent.Execute(context.Background(), "hello")
	if err != nil {
		t.Fatalf("persistence failure must not surface: %v", err)
	}
	if result.Content != "still fine" {
		t.Errorf("unexpected content: %q", result.Content)
	}

	// Give the background worker a moment; it logs and moves on.
	time.Sleep(10 * time.Millisecond)
	if len(agent.History()) != 2 { // user + assistant, no system configured
		t.Errorf("in-memory history corrupted: %d messages", len(agent.History()))
	}
}
