package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TodoFilename is the mission checklist file inside an agent's mission
// directory.
const TodoFilename = "todo.txt"

// todoTool rewrites the mission checklist. The loop seeds the checklist at
// mission start and auto-ticks entries as findings land; this tool lets the
// agent replan wholesale.
type todoTool struct {
	missionDir string
}

func (t *todoTool) definition() (string, string, map[string]any) {
	return "TodoWrite",
		"Replace the mission todo list. Pass every item with its current status; the list is persisted and survives restarts.",
		Object(map[string]any{
			"todos": Array("The full todo list.", Object(map[string]any{
				"content": String("Task description."),
				"status":  StringEnum("Task state.", "pending", "in_progress", "completed"),
			}, "content", "status")),
		}, "todos")
}

func (t *todoTool) call(ctx context.Context, args map[string]any) (*Result, error) {
	items := sliceArg(args, "todos")
	if len(items) == 0 {
		return Errf("todos must contain at least one item"), nil
	}

	var b strings.Builder
	completed := 0
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return Errf("each todo must be an object with content and status"), nil
		}
		content := strings.TrimSpace(stringArg(entry, "content"))
		if content == "" {
			return Errf("todo content must not be empty"), nil
		}
		switch stringArg(entry, "status") {
		case "completed":
			b.WriteString("[x] ")
			completed++
		case "in_progress":
			b.WriteString("[~] ")
		default:
			b.WriteString("[ ] ")
		}
		b.WriteString(content)
		b.WriteString("\n")
	}

	if err := os.MkdirAll(t.missionDir, 0o755); err != nil {
		return Errf("creating mission directory: %v", err), nil
	}
	path := filepath.Join(t.missionDir, TodoFilename)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return Errf("writing todo list: %v", err), nil
	}
	return Ok(fmt.Sprintf("Todo list updated: %d items, %d completed", len(items), completed)), nil
}
