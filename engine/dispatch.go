package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rparkins/convoke/llm"
)

// ToolResult is the outcome of dispatching one tool call. Exactly one is
// produced per call.
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	ToolName   string        `json:"tool_name"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
}

// Render returns the text sent back to the model for this result.
func (r ToolResult) Render() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

// Dispatcher resolves tool calls against a Registry and executes them.
// Execute never returns an error and never panics out of the turn loop; all
// failures become ToolResults the model can read.
type Dispatcher struct {
	registry *Registry
	repo     Repository
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. repo may be nil to disable tool-call
// persistence; logger may be nil for the default.
func NewDispatcher(registry *Registry, repo Repository, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, repo: repo, logger: logger}
}

// Execute runs one tool call to completion. Duration is always recorded,
// including for lookup and argument failures.
func (d *Dispatcher) Execute(ctx context.Context, sessionID string, call llm.ToolCall) ToolResult {
	start := time.Now()
	result := ToolResult{ToolCallID: call.ID, ToolName: call.Name}

	recordID := d.saveCall(sessionID, call)
	defer func() {
		result.Duration = time.Since(start)
		d.saveResult(recordID, result)
	}()

	tool := d.registry.Resolve(call.Name)
	if tool == nil {
		result.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		return result
	}

	args, err := ParseArguments(call.Arguments)
	if err != nil {
		result.Error = fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)
		return result
	}

	output, err := d.run(ctx, tool, args)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Output = output
	return result
}

// run invokes the tool with panic containment.
func (d *Dispatcher) run(ctx context.Context, tool Tool, args map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
			d.logger.Error("tool panic recovered", "tool", tool.Name(), "panic", r)
		}
	}()
	return tool.Execute(ctx, args)
}

func (d *Dispatcher) saveCall(sessionID string, call llm.ToolCall) int64 {
	if d.repo == nil {
		return 0
	}
	// Records are written under a fresh context so a cancelled turn still
	// persists the calls it already made.
	id, err := d.repo.SaveToolCall(context.Background(), sessionID, call.ID, call.Name, call.Arguments)
	if err != nil {
		d.logger.Warn("tool call persistence failed", "tool", call.Name, "error", err)
		return 0
	}
	return id
}

func (d *Dispatcher) saveResult(recordID int64, result ToolResult) {
	if d.repo == nil || recordID == 0 {
		return
	}
	if err := d.repo.UpdateToolCallResult(context.Background(), recordID, result.Output, result.Error, result.Duration.Milliseconds()); err != nil {
		d.logger.Warn("tool result persistence failed", "tool", result.ToolName, "error", err)
	}
}
