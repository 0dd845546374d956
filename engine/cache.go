package engine

import (
	"sort"

	"github.com/rparkins/convoke/llm"
)

const (
	// cacheSizeThreshold is the minimum rendered length, in characters,
	// for a tool result to be worth a cache breakpoint.
	cacheSizeThreshold = 10000
	// maxCacheBreakpoints bounds the annotations per turn; providers cap
	// the number of cache-control blocks per request.
	maxCacheBreakpoints = 3
)

// AnnotateForCache marks up to the 3 largest tool-result messages in batch
// that exceed the size threshold with an ephemeral cache hint. It mutates
// the batch in place and is a no-op for models whose provider family does
// not support prompt caching.
//
// Large tool results (file dumps, command output) are the content most
// likely to be resent verbatim on the next turn, so they get the limited
// breakpoints.
func AnnotateForCache(model string, batch []llm.Message) {
	if !llm.SupportsPromptCaching(model) {
		return
	}

	type candidate struct {
		index int
		size  int
	}
	var candidates []candidate
	for i, msg := range batch {
		if msg.Role != llm.RoleTool {
			continue
		}
		if size := len(msg.ResultContent()); size > cacheSizeThreshold {
			candidates = append(candidates, candidate{index: i, size: size})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].size != candidates[j].size {
			return candidates[i].size > candidates[j].size
		}
		return candidates[i].index < candidates[j].index
	})
	if len(candidates) > maxCacheBreakpoints {
		candidates = candidates[:maxCacheBreakpoints]
	}

	for _, c := range candidates {
		msg := &batch[c.index]
		for p := range msg.Content {
			if msg.Content[p].Kind == llm.ContentToolResult {
				msg.Content[p].CacheControl = llm.CacheEphemeral
			}
		}
	}
}
