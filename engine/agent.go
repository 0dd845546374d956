package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rparkins/convoke/llm"
)

// LLMClient is the provider abstraction the engine drives. *llm.Client
// satisfies it; tests supply scripted doubles.
type LLMClient interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
}

// loopDetectionWindow is how many recent tool calls are examined for a
// repeating pattern before execution is withheld.
const loopDetectionWindow = 6

// Config holds per-agent configuration.
type Config struct {
	Model          string           `json:"model"`
	SystemPrompt   string           `json:"system_prompt,omitempty"`
	Provider       string           `json:"provider,omitempty"`
	RetainHistory  bool             `json:"retain_history"`
	HistoryCeiling int              `json:"history_ceiling"` // 0 = unbounded
	ToolsEnabled   bool             `json:"tools_enabled"`
	ToolAllowlist  []string         `json:"tool_allowlist,omitempty"` // nil = all registered
	Streaming      bool             `json:"streaming"`
	MaxToolRounds  int              `json:"max_tool_rounds"`
	Temperature    *float64         `json:"temperature,omitempty"`
	TopP           *float64         `json:"top_p,omitempty"`
	MaxTokens      *int             `json:"max_tokens,omitempty"`
	TrackUsage     bool             `json:"track_usage"`
	Retry          *llm.RetryPolicy `json:"-"`
}

// DefaultConfig returns a baseline configuration.
func DefaultConfig(model string) Config {
	return Config{
		Model:         model,
		RetainHistory: true,
		ToolsEnabled:  true,
		Streaming:     true,
		MaxToolRounds: 200,
		TrackUsage:    true,
	}
}

// TurnResult is the outcome of one Execute or ExecuteStream call.
type TurnResult struct {
	Content           string    `json:"content"`
	ToolRounds        int       `json:"tool_rounds"`
	ToolCallsExecuted int       `json:"tool_calls_executed"`
	Usage             llm.Usage `json:"usage"`
}

// Agent drives the conversation loop for one session. It exclusively owns
// its History; callers must not run two turns concurrently, and Execute
// returns an error if they try.
type Agent struct {
	sessionID  string
	config     Config
	client     LLMClient
	history    *History
	dispatcher *Dispatcher
	registry   *Registry
	buffer     *writeBuffer
	logger     *slog.Logger

	busy bool
	mu   sync.Mutex
}

// NewAgent constructs an Agent. repo may be nil to disable persistence;
// logger may be nil for the default. The system prompt is injected once
// here, when history retention is enabled.
func NewAgent(client LLMClient, registry *Registry, repo Repository, cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	a := &Agent{
		sessionID:  uuid.New().String(),
		config:     cfg,
		client:     client,
		history:    NewHistory(cfg.HistoryCeiling),
		dispatcher: NewDispatcher(registry, repo, logger),
		registry:   registry,
		logger:     logger,
	}
	if repo != nil {
		// The session row must exist before any message or tool-call write
		// references it. Best-effort like every other persistence call.
		if err := repo.CreateSession(context.Background(), a.sessionID, cfg.Model, cfg.SystemPrompt); err != nil {
			logger.Warn("session persistence failed", "session_id", a.sessionID, "error", err)
		}
		a.buffer = newWriteBuffer(a.sessionID, repo, logger)
		a.history.onAppend = a.buffer.enqueue
	}
	if cfg.RetainHistory && cfg.SystemPrompt != "" {
		a.history.SetSystem(cfg.SystemPrompt)
	}
	return a
}

// SessionID returns the agent's session identifier.
func (a *Agent) SessionID() string { return a.sessionID }

// History returns a snapshot of the retained conversation.
func (a *Agent) History() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.Snapshot()
}

// Reset clears the conversation and re-injects the system prompt.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history.Clear()
	if a.config.RetainHistory && a.config.SystemPrompt != "" {
		a.history.SetSystem(a.config.SystemPrompt)
	}
}

// Close drains the pending-write buffer. The agent must not be used after.
func (a *Agent) Close() {
	if a.buffer != nil {
		a.buffer.close()
	}
}

func (a *Agent) beginTurn() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return fmt.Errorf("agent %s: turn already in progress", a.sessionID)
	}
	a.busy = true
	return nil
}

func (a *Agent) endTurn() {
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
}

// Execute runs one synchronous turn: the user input is appended, then the
// model is called repeatedly, dispatching tool calls between rounds, until
// a response arrives without tool calls.
func (a *Agent) Execute(ctx context.Context, userInput string) (*TurnResult, error) {
	if err := a.beginTurn(); err != nil {
		return nil, err
	}
	defer a.endTurn()

	a.history.AppendUser(userInput)
	return a.completeLoop(ctx, nil)
}

// ExecuteStream runs one streaming turn. Text deltas are delivered to sink
// in arrival order with strictly increasing sequence numbers, and the final
// event always has Finished set, whether the turn completed, was cancelled,
// fell back to synchronous mode, or failed.
func (a *Agent) ExecuteStream(ctx context.Context, userInput string, sink EventSink) (*TurnResult, error) {
	if err := a.beginTurn(); err != nil {
		return nil, err
	}
	defer a.endTurn()

	seq := newSequencer(sink)
	a.history.AppendUser(userInput)

	if !a.config.Streaming {
		// Streaming disabled: one synchronous pass, surfaced through the
		// sink so callers see the same event contract as the fallback path,
		// intermediate tool-round text included.
		result, err := a.completeLoop(ctx, seq)
		if err != nil {
			seq.finish("")
			return nil, err
		}
		if result.Content != "" {
			seq.emit(EventDelta, result.Content)
		}
		seq.finish("")
		return result, nil
	}

	result, err := a.streamLoop(ctx, seq)
	if err != nil {
		seq.finish("")
		return nil, err
	}
	seq.finish("")
	return result, nil
}

// completeLoop is the synchronous turn state machine: AwaitingResponse,
// then DispatchingTools when the assistant requested work, repeating until
// a round produces no valid tool calls.
func (a *Agent) completeLoop(ctx context.Context, seq *sequencer) (*TurnResult, error) {
	result := &TurnResult{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.config.MaxToolRounds > 0 && result.ToolRounds >= a.config.MaxToolRounds {
			a.logger.Warn("tool round limit reached", "session", a.sessionID, "rounds", result.ToolRounds)
			return result, nil
		}

		resp, err := a.complete(ctx, a.buildRequest())
		if err != nil {
			return nil, err
		}
		result.Usage = result.Usage.Add(resp.Usage)

		text := resp.Text()
		calls := resp.Message.ToolCalls()
		valid := validToolCalls(calls)

		if len(calls) > 0 && len(valid) == 0 {
			// The model asked for tools but none carried an id and a name.
			// Terminate with no content rather than looping forever; the
			// repairer strips the malformed calls before the next request.
			a.history.Append(resp.Message)
			result.Content = ""
			return result, nil
		}

		if len(valid) == 0 {
			a.history.Append(resp.Message)
			result.Content = text
			return result, nil
		}

		if seq != nil && text != "" {
			seq.emit(EventDelta, text)
		}
		a.dispatchRound(ctx, resp.Message, valid, result)
	}
}

// streamLoop is the streaming turn state machine. A provider rejection of
// streaming triggers one synchronous pass and then returns; any other
// provider error is fatal to the turn.
func (a *Agent) streamLoop(ctx context.Context, seq *sequencer) (*TurnResult, error) {
	result := &TurnResult{}

	for {
		if err := ctx.Err(); err != nil {
			seq.finish("cancelled")
			return nil, err
		}
		if a.config.MaxToolRounds > 0 && result.ToolRounds >= a.config.MaxToolRounds {
			a.logger.Warn("tool round limit reached", "session", a.sessionID, "rounds", result.ToolRounds)
			return result, nil
		}

		events, err := a.client.Stream(ctx, a.buildRequest())
		if err != nil {
			return a.handleStreamFailure(ctx, seq, result, err)
		}

		acc := NewStreamAccumulator()
		var streamErr error
		var finishUsage llm.Usage
		cancelled := false

	consume:
		for {
			select {
			case <-ctx.Done():
				cancelled = true
				break consume
			case event, ok := <-events:
				if !ok {
					break consume
				}
				switch event.Type {
				case llm.StreamTextDelta:
					acc.AddText(event.TextDelta)
					seq.emit(EventDelta, event.TextDelta)
				case llm.StreamToolDelta:
					if event.ToolDelta != nil {
						acc.AddToolDelta(*event.ToolDelta)
					}
				case llm.StreamFinish:
					if event.Usage != nil {
						finishUsage = *event.Usage
					}
				case llm.StreamFailed:
					streamErr = event.Err
				}
			}
		}

		if !cancelled && ctx.Err() != nil {
			// The channel close can race the context; cancellation wins.
			cancelled = true
		}
		if cancelled {
			// No tool dispatch once cancellation is observed, even if the
			// truncated stream carried tool calls.
			seq.finish("cancelled")
			return nil, ctx.Err()
		}
		if streamErr != nil {
			return a.handleStreamFailure(ctx, seq, result, streamErr)
		}

		result.Usage = result.Usage.Add(finishUsage)

		assistant := acc.Message()
		calls := acc.ToolCalls()
		valid := validToolCalls(calls)

		if len(calls) > 0 && len(valid) == 0 {
			a.history.Append(assistant)
			result.Content = ""
			return result, nil
		}
		if len(valid) == 0 {
			a.history.Append(assistant)
			result.Content = acc.Text()
			return result, nil
		}

		a.dispatchRound(ctx, assistant, valid, result)
	}
}

// handleStreamFailure recovers from a streaming-unsupported rejection by
// running one synchronous pass over the same working history; anything else
// propagates as fatal.
func (a *Agent) handleStreamFailure(ctx context.Context, seq *sequencer, result *TurnResult, err error) (*TurnResult, error) {
	if !llm.IsStreamingUnsupported(err) {
		return nil, err
	}

	a.logger.Info("provider rejected streaming, falling back to synchronous mode",
		"session", a.sessionID, "error", err)
	seq.emit(EventNotice, "streaming unavailable for this model; continuing without streaming")

	fallback, ferr := a.completeLoop(ctx, seq)
	if ferr != nil {
		return nil, ferr
	}
	result.Content = fallback.Content
	result.ToolRounds += fallback.ToolRounds
	result.ToolCallsExecuted += fallback.ToolCallsExecuted
	result.Usage = result.Usage.Add(fallback.Usage)
	if result.Content != "" {
		seq.emit(EventDelta, result.Content)
	}
	return result, nil
}

// dispatchRound appends the assistant placeholder, executes the valid tool
// calls sequentially in call order, and appends one tool message per result
// with cache annotation applied to the batch.
func (a *Agent) dispatchRound(ctx context.Context, assistant llm.Message, valid []llm.ToolCall, result *TurnResult) {
	// The placeholder goes in first so every tool call id exists in the
	// history before its result arrives.
	a.history.Append(assistant)

	// A repeating call pattern gets error results instead of execution.
	// Results are still paired so the history stays valid.
	looping := DetectToolLoop(a.history.Snapshot(), loopDetectionWindow)
	if looping {
		a.logger.Warn("repeating tool call pattern detected, skipping execution",
			"session_id", a.sessionID, "window", loopDetectionWindow)
	}

	batch := make([]llm.Message, 0, len(valid))
	for _, call := range valid {
		// Cancellation observed mid-batch: initiate no further dispatch,
		// but keep every remaining call paired with a result.
		if ctx.Err() != nil {
			batch = append(batch, llm.ToolMessage(call.Name, call.ID,
				"Error: turn cancelled before this tool call ran.", true))
			continue
		}
		if looping {
			batch = append(batch, llm.ToolMessage(call.Name, call.ID,
				"Error: this tool call repeats a recent pattern without progress. Change the arguments or take a different approach.", true))
			continue
		}
		toolResult := a.dispatcher.Execute(ctx, a.sessionID, call)
		result.ToolCallsExecuted++
		batch = append(batch, llm.ToolMessage(call.Name, call.ID, toolResult.Render(), !toolResult.Success))
	}

	AnnotateForCache(a.config.Model, batch)
	for _, msg := range batch {
		a.history.Append(msg)
	}
	result.ToolRounds++
}

// complete sends one blocking request under the retry policy.
func (a *Agent) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	policy := llm.DefaultRetryPolicy()
	if a.config.Retry != nil {
		policy = *a.config.Retry
	}
	return llm.Retry(ctx, policy, func(ctx context.Context) (*llm.Response, error) {
		return a.client.Complete(ctx, req)
	})
}

// buildRequest validates and repairs the working snapshot, then assembles
// the outbound request. Tool schemas ride along only when tools are enabled.
func (a *Agent) buildRequest() llm.Request {
	snapshot := a.history.Snapshot()
	if !ValidateHistory(snapshot) {
		snapshot = RepairHistory(snapshot)
	}

	req := llm.Request{
		Model:       a.config.Model,
		Provider:    a.config.Provider,
		Messages:    snapshot,
		Temperature: a.config.Temperature,
		TopP:        a.config.TopP,
		MaxTokens:   a.config.MaxTokens,
		TrackUsage:  a.config.TrackUsage,
	}
	if a.config.ToolsEnabled {
		req.ToolDefs = a.registry.Schemas(a.config.ToolAllowlist)
	}
	return req
}

func validToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	var valid []llm.ToolCall
	for _, c := range calls {
		if c.ID != "" && c.Name != "" {
			valid = append(valid, c)
		}
	}
	return valid
}
