package agent

import (
	"fmt"
	"strings"

	"github.com/osprey-sec/osprey/pkg/llm"
	"github.com/osprey-sec/osprey/pkg/models"
)

// maybeCompress compacts the transcript once its serialised size crosses the
// threshold. The first message, a status marker synthesised from disk state,
// and the most recent `window` turns survive; the middle is dropped. Disk is
// the recovery source: staged files and the todo list outlive
// anything the dropped turns said.
func maybeCompress(msgs []llm.Message, threshold, window int, m *mission, saved map[models.DeliverableType]bool) ([]llm.Message, bool) {
	if threshold <= 0 || messageChars(msgs) <= threshold {
		return msgs, false
	}

	cut := windowStart(msgs, window)
	if cut <= 1 {
		return msgs, false
	}

	out := make([]llm.Message, 0, len(msgs)-cut+2)
	out = append(out, msgs[0])
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: statusMarker(m, saved)})
	out = append(out, msgs[cut:]...)
	return out, true
}

// windowStart returns the index of the window-th assistant message from the
// end, or 0 when fewer turns exist. The window always opens on an assistant
// message so tool pairs stay intact.
func windowStart(msgs []llm.Message, window int) int {
	if window <= 0 {
		return 0
	}
	remaining := window
	for i := len(msgs) - 1; i > 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i
			}
		}
	}
	return 0
}

// statusMarker summarises durable progress for the compressed transcript.
func statusMarker(m *mission, saved map[models.DeliverableType]bool) string {
	var b strings.Builder
	b.WriteString("[CONTEXT COMPRESSED] Earlier turns were dropped to stay within the prompt budget. Durable progress so far:\n")

	if done := m.completedTodos(); len(done) > 0 {
		b.WriteString("Completed tasks:\n")
		for _, item := range done {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if staged := m.stagedFiles(); len(staged) > 0 {
		fmt.Fprintf(&b, "Staged files under deliverables/findings/%s/: %s\n", m.spec.Name, strings.Join(staged, ", "))
	}
	if findings := m.findingFiles(); len(findings) > 0 {
		fmt.Fprintf(&b, "Finding files: %s\n", strings.Join(findings, ", "))
	}
	if len(saved) > 0 {
		types := make([]models.DeliverableType, 0, len(saved))
		for t := range saved {
			types = append(types, t)
		}
		fmt.Fprintf(&b, "Deliverables already saved: %s\n", joinTypes(types))
	}
	b.WriteString("Consult the staged files and todo list instead of repeating earlier searches.")
	return b.String()
}
