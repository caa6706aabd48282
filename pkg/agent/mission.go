package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/oserr"
	"github.com/osprey-sec/osprey/pkg/tools"
)

const doneTasksFile = "done_tasks.json"

// mission is one agent's durable scratch state under
// workspace/deliverables/findings/<agent>/: the todo checklist, staged
// source excerpts, finding files from sub-agents, and the set of delegated
// tasks already answered. Everything survives restarts so a resumed run can
// pick up where the last one stopped.
type mission struct {
	dir  string
	spec models.AgentSpec
}

// missionDir returns the mission directory for an agent.
func missionDir(workspace, agentName string) string {
	return filepath.Join(tools.DeliverablesDir(workspace), "findings", agentName)
}

// newMission opens (creating if needed) the agent's mission directory and
// seeds todo.txt with the default checklist when absent. The returned resume
// flag is true when prior state existed.
func newMission(workspace string, spec models.AgentSpec) (*mission, bool, error) {
	m := &mission{dir: missionDir(workspace, spec.Name), spec: spec}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, false, oserr.Filesystem(fmt.Errorf("create mission dir: %w", err))
	}
	todoPath := filepath.Join(m.dir, tools.TodoFilename)
	if _, err := os.Stat(todoPath); err == nil {
		return m, true, nil
	}
	var b strings.Builder
	for _, item := range defaultChecklist(spec) {
		fmt.Fprintf(&b, "[ ] %s\n", item)
	}
	if err := os.WriteFile(todoPath, []byte(b.String()), 0o644); err != nil {
		return nil, false, oserr.Filesystem(fmt.Errorf("write default todo: %w", err))
	}
	return m, false, nil
}

// defaultChecklist derives a starting todo list from the agent's identity.
func defaultChecklist(spec models.AgentSpec) []string {
	if cat := models.CategoryForAgent(spec.Name); cat != "" {
		upper := strings.ToUpper(cat)
		if strings.HasSuffix(spec.Name, "-exploit") {
			return []string{
				"Review the " + upper + " queue from the analysis phase",
				"Reproduce each queued candidate against the live target",
				"Capture request/response evidence for confirmed issues",
				"Save the " + upper + " evidence deliverable",
			}
		}
		return []string{
			"Map entry points relevant to " + upper,
			"Trace untrusted input from those entry points to dangerous sinks",
			"Verify each candidate with a concrete request or code path",
			"Save the " + upper + " analysis and queue deliverables",
		}
	}
	switch spec.Phase {
	case models.PhaseReporting, models.PhaseREReporting, models.PhaseOSVReporting:
		return []string{
			"Read every deliverable produced by earlier phases",
			"Cross-check claimed findings against their evidence",
			"Write the final report deliverable",
		}
	default:
		return []string{
			"Survey the target and workspace",
			"Record observations in the todo list as you go",
			"Save the required deliverable before finishing",
		}
	}
}

// todoContent returns todo.txt, or "" when unreadable.
func (m *mission) todoContent() string {
	data, err := os.ReadFile(filepath.Join(m.dir, tools.TodoFilename))
	if err != nil {
		return ""
	}
	return string(data)
}

// completedTodos returns the ticked lines of todo.txt.
func (m *mission) completedTodos() []string {
	var out []string
	for _, line := range strings.Split(m.todoContent(), "\n") {
		if strings.HasPrefix(line, "[x] ") {
			out = append(out, strings.TrimPrefix(line, "[x] "))
		}
	}
	return out
}

// autoTick flips the unchecked todo line best matching the completed task.
// Matching is word overlap; fewer than two significant shared words leaves
// the list untouched.
func (m *mission) autoTick(task string) {
	path := filepath.Join(m.dir, tools.TodoFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	taskWords := significantWords(task)
	best, bestScore := -1, 1
	for i, line := range lines {
		if !strings.HasPrefix(line, "[ ] ") {
			continue
		}
		score := 0
		for w := range significantWords(line) {
			if taskWords[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return
	}
	lines[best] = "[x] " + strings.TrimPrefix(lines[best], "[ ] ")
	_ = os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func significantWords(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

// stagedFiles lists staged_source_*.md names, sorted.
func (m *mission) stagedFiles() []string { return m.globNames("staged_source_*.md") }

// findingFiles lists finding_*.md names, sorted.
func (m *mission) findingFiles() []string { return m.globNames("finding_*.md") }

func (m *mission) globNames(pattern string) []string {
	matches, _ := filepath.Glob(filepath.Join(m.dir, pattern))
	out := make([]string, 0, len(matches))
	for _, p := range matches {
		out = append(out, filepath.Base(p))
	}
	sort.Strings(out)
	return out
}

// stage writes a large tool output to a staged_source file and returns the
// file name.
func (m *mission) stage(hint, content string) (string, error) {
	name := fmt.Sprintf("staged_source_%d_%s.md", len(m.stagedFiles())+1, slugify(hint))
	if err := os.WriteFile(filepath.Join(m.dir, name), []byte(content), 0o644); err != nil {
		return "", oserr.Filesystem(fmt.Errorf("stage %s: %w", name, err))
	}
	return name, nil
}

// readStaged returns a staged file's content.
func (m *mission) readStaged(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeFinding persists a completed sub-agent investigation and returns the
// file name.
func (m *mission) writeFinding(task, result string) (string, error) {
	name := fmt.Sprintf("finding_%d_%s.md", len(m.findingFiles())+1, slugify(task))
	content := fmt.Sprintf("# Finding: %s\n\n%s\n", task, result)
	if err := os.WriteFile(filepath.Join(m.dir, name), []byte(content), 0o644); err != nil {
		return "", oserr.Filesystem(fmt.Errorf("write finding %s: %w", name, err))
	}
	return name, nil
}

// doneTasks loads the delegated-task cache: task text → summary.
func (m *mission) doneTasks() map[string]string {
	out := map[string]string{}
	data, err := os.ReadFile(filepath.Join(m.dir, doneTasksFile))
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]string{}
	}
	return out
}

// recordDoneTask adds one completed delegation to the cache. Summaries are
// clipped; the cache answers "was this already done", not "what was found".
func (m *mission) recordDoneTask(task, summary string) {
	done := m.doneTasks()
	if len(summary) > 500 {
		summary = summary[:500] + "..."
	}
	done[task] = summary
	data, err := json.MarshalIndent(done, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(m.dir, doneTasksFile), data, 0o644)
}

// resumeBlock summarises prior mission state for injection into the first
// user message of a resumed run.
func (m *mission) resumeBlock() string {
	var b strings.Builder
	b.WriteString("RESUME: this mission has prior progress on disk.\n")
	if todo := strings.TrimSpace(m.todoContent()); todo != "" {
		b.WriteString("Current todo list:\n")
		b.WriteString(todo)
		b.WriteString("\n")
	}
	if staged := m.stagedFiles(); len(staged) > 0 {
		fmt.Fprintf(&b, "Staged source files (read before re-fetching): %s\n", strings.Join(staged, ", "))
	}
	if findings := m.findingFiles(); len(findings) > 0 {
		fmt.Fprintf(&b, "Recorded findings: %s\n", strings.Join(findings, ", "))
	}
	b.WriteString("Continue from this state; do not repeat completed work.")
	return b.String()
}

// slugify reduces free text to a short file-name-safe token.
func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case 'a' <= r && r <= 'z' || '0' <= r && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
		if b.Len() >= 40 {
			break
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "item"
	}
	return out
}
