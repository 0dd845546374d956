package engine

import (
	"testing"

	"github.com/rparkins/convoke/llm"
)

func TestValidateHistoryPaired(t *testing.T) {
	history := []llm.Message{
		llm.UserMessage("run ls"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "shell", Arguments: "{}"}),
		llm.ToolMessage("shell", "c1", "file.txt", false),
	}
	if !ValidateHistory(history) {
		t.Error("expected paired history to validate")
	}
}

func TestValidateHistoryOrphan(t *testing.T) {
	// The assistant that issued c1 was trimmed away.
	history := []llm.Message{
		llm.UserMessage("run ls"),
		llm.ToolMessage("shell", "c1", "file.txt", false),
	}
	if ValidateHistory(history) {
		t.Error("expected orphaned tool result to fail validation")
	}
}

func TestValidateHistoryResultBeforeCall(t *testing.T) {
	// A tool result must reference a *preceding* assistant message.
	history := []llm.Message{
		llm.ToolMessage("shell", "c1", "out", false),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "shell", Arguments: "{}"}),
	}
	if ValidateHistory(history) {
		t.Error("expected out-of-order pairing to fail validation")
	}
}

func TestRepairHistoryDropsOrphans(t *testing.T) {
	history := []llm.Message{
		llm.UserMessage("hello"),
		llm.ToolMessage("shell", "ghost", "orphaned output", false),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "shell", Arguments: "{}"}),
		llm.ToolMessage("shell", "c1", "kept output", false),
	}

	repaired := RepairHistory(history)
	if !ValidateHistory(repaired) {
		t.Fatal("repaired history must validate")
	}
	if len(repaired) != 3 {
		t.Fatalf("expected 3 messages after repair, got %d", len(repaired))
	}
	for _, msg := range repaired {
		if msg.Role == llm.RoleTool && msg.ToolCallID == "ghost" {
			t.Error("orphaned tool message survived repair")
		}
	}
}

func TestRepairHistoryStripsMalformedCalls(t *testing.T) {
	history := []llm.Message{
		llm.AssistantMessage("working on it",
			llm.ToolCall{ID: "", Name: "shell", Arguments: "{}"},
			llm.ToolCall{ID: "c2", Name: "", Arguments: "{}"},
			llm.ToolCall{ID: "c3", Name: "read_file", Arguments: "{}"},
		),
	}

	repaired := RepairHistory(history)
	if len(repaired) != 1 {
		t.Fatalf("expected 1 message, got %d", len(repaired))
	}
	calls := repaired[0].ToolCalls()
	if len(calls) != 1 || calls[0].ID != "c3" {
		t.Errorf("expected only the well-formed call to survive, got %+v", calls)
	}
}

func TestRepairHistoryDropsEmptyAssistant(t *testing.T) {
	history := []llm.Message{
		llm.UserMessage("hi"),
		// All calls malformed, no text: the whole message goes.
		llm.AssistantMessage("", llm.ToolCall{ID: "", Name: "shell", Arguments: "{}"}),
		// All calls malformed but text survives.
		llm.AssistantMessage("let me try again", llm.ToolCall{ID: "", Name: "", Arguments: "{}"}),
	}

	repaired := RepairHistory(history)
	if len(repaired) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(repaired))
	}
	if repaired[1].Role != llm.RoleAssistant || repaired[1].TextContent() != "let me try again" {
		t.Errorf("expected assistant text retained, got %+v", repaired[1])
	}
	if len(repaired[1].ToolCalls()) != 0 {
		t.Error("expected malformed calls stripped")
	}
}

func TestRepairHistoryCascadesOrphans(t *testing.T) {
	// Stripping a malformed call must also drop the tool result that
	// referenced it.
	history := []llm.Message{
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "", Arguments: "{}"}),
		llm.ToolMessage("", "c1", "output", false),
	}

	repaired := RepairHistory(history)
	if len(repaired) != 0 {
		t.Fatalf("expected empty repaired history, got %d messages", len(repaired))
	}
}

func TestRepairHistoryIsPure(t *testing.T) {
	history := []llm.Message{
		llm.ToolMessage("shell", "ghost", "orphan", false),
		llm.UserMessage("hi"),
	}
	_ = RepairHistory(history)
	if len(history) != 2 {
		t.Error("repair must not mutate its input")
	}
}
