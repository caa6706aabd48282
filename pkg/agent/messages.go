package agent

import (
	"fmt"
	"strings"

	"github.com/osprey-sec/osprey/pkg/llm"
)

// Transcript preparation: the in-memory transcript is authoritative and
// append-only; what goes to the provider each turn is a cleaned, size-capped
// projection of it. Cleaning never mutates the transcript itself.

const (
	// toolTruncateChar is the length an old tool result is shortened to when
	// the prompt exceeds its budget.
	toolTruncateChars = 2000
	truncateHead      = 1600
	truncateTail      = 300
)

// Model-specific control tokens that upstream providers sometimes echo back.
// Leaving them in a prompt can derail the next completion.
var controlTokens = []string{
	"<|im_start|>", "<|im_end|>", "<|endoftext|>", "<|eot_id|>",
	"<|start_header_id|>", "<|end_header_id|>", "<|file_separator|>",
}

// prepareMessages produces the provider-ready window: unmatched tool
// call/result pairs stripped, consecutive same-role text messages coalesced,
// control tokens removed, and the whole window shrunk under maxChars.
func prepareMessages(msgs []llm.Message, maxChars int) []llm.Message {
	out := stripUnmatched(msgs)
	out = coalesceSameRole(out)
	for i := range out {
		out[i].Content = stripControlTokens(out[i].Content)
	}
	return shrinkToBudget(out, maxChars)
}

// messageChars measures a transcript the way the budget does: content plus
// tool-call argument text.
func messageChars(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Arguments)
		}
	}
	return total
}

// stripUnmatched removes tool results without an announcing call and tool
// calls without a following result. Compression cuts and provider hiccups
// both produce such orphans, and most providers reject them.
func stripUnmatched(msgs []llm.Message) []llm.Message {
	announced := map[string]bool{}
	resolved := map[string]bool{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			announced[tc.ID] = true
		}
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			resolved[m.ToolCallID] = true
		}
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleTool:
			if announced[m.ToolCallID] {
				out = append(out, m)
			}
		case len(m.ToolCalls) > 0:
			kept := m.ToolCalls[:0:0]
			for _, tc := range m.ToolCalls {
				if resolved[tc.ID] {
					kept = append(kept, tc)
				}
			}
			m.ToolCalls = kept
			if len(kept) > 0 || strings.TrimSpace(m.Content) != "" {
				out = append(out, m)
			}
		default:
			out = append(out, m)
		}
	}
	return out
}

// coalesceSameRole joins runs of consecutive plain-text messages with the
// same role. Tool messages and tool-calling assistant messages never merge.
func coalesceSameRole(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if plainText(*last) && plainText(m) && last.Role == m.Role {
				last.Content = last.Content + "\n\n" + m.Content
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func plainText(m llm.Message) bool {
	return m.Role != llm.RoleTool && len(m.ToolCalls) == 0
}

func stripControlTokens(s string) string {
	for _, tok := range controlTokens {
		s = strings.ReplaceAll(s, tok, "")
	}
	return s
}

// shrinkToBudget reduces the window under maxChars in two stages: long tool
// results are truncated oldest-first, then whole leading messages (after the
// first) are dropped with pair integrity restored. The last two messages are
// never dropped.
func shrinkToBudget(msgs []llm.Message, maxChars int) []llm.Message {
	if maxChars <= 0 || messageChars(msgs) <= maxChars {
		return msgs
	}

	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if messageChars(out) <= maxChars {
			return out
		}
		if out[i].Role == llm.RoleTool && len(out[i].Content) > toolTruncateChars {
			out[i].Content = truncateMiddle(out[i].Content)
		}
	}

	for messageChars(out) > maxChars && len(out) > 3 {
		out = append(out[:1], out[2:]...)
		out = stripUnmatched(out)
	}
	return out
}

// truncateMiddle keeps the head and tail of a long output.
func truncateMiddle(s string) string {
	if len(s) <= toolTruncateChars {
		return s
	}
	cut := len(s) - truncateHead - truncateTail
	return fmt.Sprintf("%s\n[... %d chars truncated ...]\n%s", s[:truncateHead], cut, s[len(s)-truncateTail:])
}
