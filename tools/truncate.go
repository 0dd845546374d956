package tools

import (
	"fmt"
	"strings"
)

// TruncationMode selects which part of oversized output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Character ceilings per tool. Unlisted tools get defaultCharLimit.
var toolCharLimits = map[string]int{
	"read_file":  50_000,
	"shell":      30_000,
	"grep":       20_000,
	"glob":       20_000,
	"edit_file":  10_000,
	"write_file": 1_000,
}

const defaultCharLimit = 30_000

var toolTruncationModes = map[string]TruncationMode{
	"read_file":  TruncateHeadTail,
	"shell":      TruncateHeadTail,
	"grep":       TruncateTail,
	"glob":       TruncateTail,
	"edit_file":  TruncateTail,
	"write_file": TruncateTail,
}

// Line ceilings applied after character truncation.
var toolLineLimits = map[string]int{
	"shell": 256,
	"grep":  200,
	"glob":  500,
}

// TruncateOutput caps output at maxChars, keeping head and tail or tail
// only depending on mode.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[Output truncated: first %d characters removed. "+
			"Re-run with more targeted parameters to see them.]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. "+
			"Re-run with more targeted parameters to see them.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines caps output at maxLines using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateFor applies the per-tool truncation pipeline: characters first
// to bound pathological cases, then lines for readability.
func TruncateFor(toolName, output string) string {
	maxChars, ok := toolCharLimits[toolName]
	if !ok {
		maxChars = defaultCharLimit
	}
	mode, ok := toolTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	if maxLines, ok := toolLineLimits[toolName]; ok {
		result = TruncateLines(result, maxLines)
	}
	return result
}
