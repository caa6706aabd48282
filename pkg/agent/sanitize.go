package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// collapseRunLimit is the number of consecutive identical lines tolerated
// before the run is folded into one line plus a repeat marker.
const collapseRunLimit = 5

// sanitizeOutput normalises text destined for a transcript: control
// characters outside \t\n\r are stripped and long runs of identical lines
// are collapsed. Tool output and sub-agent summaries pass through here
// before the model sees them.
func sanitizeOutput(s string) string {
	return collapseRepeatedLines(stripControlChars(s))
}

func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func collapseRepeatedLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		j := i
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		run := j - i
		if run >= collapseRunLimit && strings.TrimSpace(lines[i]) != "" {
			out = append(out, lines[i], fmt.Sprintf("[... line repeated %d times ...]", run))
		} else {
			out = append(out, lines[i:j]...)
		}
		i = j
	}
	return strings.Join(out, "\n")
}

// unwrapCommand peels JSON wrapping off a shell command. Models sometimes
// emit {"command": "ls"} (occasionally nested, or as a bare JSON string)
// where the plain command is wanted. Unrelated text comes back unchanged.
func unwrapCommand(command string) string {
	for range 3 {
		trimmed := strings.TrimSpace(command)
		switch {
		case strings.HasPrefix(trimmed, "{"):
			var obj map[string]any
			if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
				return command
			}
			inner, ok := obj["command"].(string)
			if !ok {
				return command
			}
			command = inner
		case strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) && len(trimmed) >= 2:
			var inner string
			if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
				return command
			}
			command = inner
		default:
			return command
		}
	}
	return command
}
