package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/osprey-sec/osprey/pkg/llm"
)

// Tool calls do not always arrive through the native tool-call surface: some
// backends drop function calling mid-conversation and the model smuggles the
// call as a fenced JSON block in its text instead. This file recovers those
// calls, including ones truncated by output limits, and classifies them by
// shape onto the canonical tool names. The heuristics live here and nowhere
// else.

// extractInlineCalls scans assistant text for fenced JSON blocks (or a
// whole-message JSON object) that look like tool calls and returns them in
// document order with synthetic call IDs.
func extractInlineCalls(content string, seq *int) []llm.ToolCall {
	var calls []llm.ToolCall
	add := func(name string, args map[string]any) {
		raw, err := json.Marshal(args)
		if err != nil {
			return
		}
		*seq++
		calls = append(calls, llm.ToolCall{
			ID:        fmt.Sprintf("inline-%d", *seq),
			Name:      name,
			Arguments: string(raw),
		})
	}

	blocks := fencedBlocks(content)
	if len(blocks) == 0 {
		if trimmed := strings.TrimSpace(content); strings.HasPrefix(trimmed, "{") {
			blocks = []string{trimmed}
		}
	}
	for _, block := range blocks {
		for _, obj := range parseCallObjects(block) {
			if name, args, ok := classifyCall(obj); ok {
				add(name, args)
			}
		}
	}
	return calls
}

// fencedBlocks returns the bodies of ``` blocks with no language tag or a
// json tag. An unterminated fence (truncated response) runs to end of text.
func fencedBlocks(content string) []string {
	var blocks []string
	rest := content
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return blocks
		}
		rest = rest[start+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return blocks
		}
		lang := strings.TrimSpace(rest[:nl])
		body := rest[nl+1:]
		var block string
		if end := strings.Index(body, "```"); end < 0 {
			block, rest = body, ""
		} else {
			block, rest = body[:end], body[end+3:]
		}
		if lang == "" || strings.EqualFold(lang, "json") {
			if b := strings.TrimSpace(block); b != "" {
				blocks = append(blocks, b)
			}
		}
		if rest == "" {
			return blocks
		}
	}
}

// parseCallObjects decodes a block into candidate objects, repairing
// truncated JSON when the first parse fails. A top-level array yields each
// element.
func parseCallObjects(block string) []map[string]any {
	var v any
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		if err := json.Unmarshal([]byte(repairJSON(block)), &v); err != nil {
			return nil
		}
	}
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			if obj, ok := e.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	}
	return nil
}

// classifyCall maps a decoded object onto a canonical tool. Explicit
// {"tool"/"name": ..., "arguments"/...} envelopes win; otherwise the shape
// decides: deliverable_type → save_deliverable, command → bash, todos →
// TodoWrite, task+input → SubAgent. Objects matching no rule are not tool
// calls and are skipped; fenced JSON is usually just data.
func classifyCall(obj map[string]any) (string, map[string]any, bool) {
	if name, args, ok := explicitEnvelope(obj); ok {
		return name, args, true
	}

	if _, ok := obj["deliverable_type"].(string); ok {
		return "save_deliverable", obj, true
	}
	if _, ok := obj["command"].(string); ok {
		return "bash", obj, true
	}
	if todos, ok := obj["todos"].([]any); ok {
		return "TodoWrite", map[string]any{"todos": todos}, true
	}
	if todos, ok := obj["todo"].([]any); ok {
		return "TodoWrite", map[string]any{"todos": todos}, true
	}
	task, hasTask := obj["task"].(string)
	input, hasInput := obj["input"].(string)
	if hasTask && hasInput {
		return "SubAgent", map[string]any{"task": task, "input": input}, true
	}
	return "", nil, false
}

func explicitEnvelope(obj map[string]any) (string, map[string]any, bool) {
	var name string
	for _, key := range []string{"tool", "name", "tool_name"} {
		if s, ok := obj[key].(string); ok && s != "" {
			name = s
			break
		}
	}
	if name == "" {
		return "", nil, false
	}
	for _, key := range []string{"arguments", "args", "parameters", "input"} {
		if args, ok := obj[key].(map[string]any); ok {
			return name, args, true
		}
		// Arguments double-encoded as a JSON string.
		if s, ok := obj[key].(string); ok && strings.HasPrefix(strings.TrimSpace(s), "{") {
			var args map[string]any
			if err := json.Unmarshal([]byte(s), &args); err == nil {
				return name, args, true
			}
		}
	}
	// Envelope without an argument container: the remaining keys are the
	// arguments ({"tool": "bash", "command": "ls"}).
	args := map[string]any{}
	for k, v := range obj {
		switch k {
		case "tool", "name", "tool_name":
		default:
			args[k] = v
		}
	}
	if len(args) == 0 {
		return "", nil, false
	}
	return name, args, true
}

// repairJSON closes a truncated JSON document: unterminated strings get
// their closing quote, dangling commas and colons are patched, and open
// braces/brackets are balanced in reverse order. The result is best-effort;
// callers must still parse-check it.
func repairJSON(s string) string {
	var stack []rune
	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, r)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if escaped {
		// A lone trailing backslash would escape the closing quote.
		trimmed := b.String()
		b.Reset()
		b.WriteString(trimmed[:len(trimmed)-1])
	}
	if inString {
		b.WriteByte('"')
	}

	repaired := strings.TrimRight(b.String(), " \t\n\r")
	switch {
	case strings.HasSuffix(repaired, ","):
		repaired = repaired[:len(repaired)-1]
	case strings.HasSuffix(repaired, ":"):
		repaired += " null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			repaired += "}"
		} else {
			repaired += "]"
		}
	}
	return repaired
}

// mergeCalls combines native and inline calls, dropping inline duplicates of
// calls already present (same tool, same canonical arguments). Models that
// both call natively and narrate the call in text must not trigger a double
// execution.
func mergeCalls(native, inline []llm.ToolCall) []llm.ToolCall {
	if len(inline) == 0 {
		return native
	}
	seen := make(map[string]bool, len(native))
	key := func(tc llm.ToolCall) string {
		return tc.Name + "\x00" + canonicalJSON(tc.Arguments)
	}
	out := make([]llm.ToolCall, 0, len(native)+len(inline))
	for _, tc := range native {
		seen[key(tc)] = true
		out = append(out, tc)
	}
	for _, tc := range inline {
		if seen[key(tc)] {
			continue
		}
		seen[key(tc)] = true
		out = append(out, tc)
	}
	return out
}

// canonicalJSON re-encodes a JSON document so key order is deterministic.
// Unparseable input is returned verbatim.
func canonicalJSON(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return string(out)
}
