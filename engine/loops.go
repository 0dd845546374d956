package engine

import (
	"crypto/sha256"
	"fmt"

	"github.com/rparkins/convoke/llm"
)

// toolCallSignature is a deterministic fingerprint of one tool call
// (name plus hash of arguments).
func toolCallSignature(name, arguments string) string {
	h := sha256.Sum256([]byte(arguments))
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentToolCallSignatures collects fingerprints of the last count tool
// calls in the history, in chronological order.
func recentToolCallSignatures(msgs []llm.Message, count int) []string {
	var sigs []string
	for i := len(msgs) - 1; i >= 0 && len(sigs) < count; i-- {
		if msgs[i].Role != llm.RoleAssistant {
			continue
		}
		calls := msgs[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectToolLoop reports whether the last windowSize tool calls in the
// history follow a repeating pattern of length 1, 2, or 3. Fewer than
// windowSize calls never count as a loop.
func DetectToolLoop(msgs []llm.Message, windowSize int) bool {
	sigs := recentToolCallSignatures(msgs, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
