package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osprey-sec/osprey/pkg/models"
)

// deliverableTool persists phase artifacts under workspace/deliverables/.
// The declared type is coerced into the calling agent's allowed set here, so
// a recon agent claiming to save a FINAL_REPORT still produces a
// RECON_REPORT.
type deliverableTool struct {
	workspace string
	dir       string
	agent     string
}

// DeliverablesDir is the canonical artifact directory inside a workspace.
func DeliverablesDir(workspace string) string {
	return filepath.Join(workspace, "deliverables")
}

func (d *deliverableTool) definition() (string, string, map[string]any) {
	return "save_deliverable",
		"Save a phase deliverable. Pass the deliverable type and either the full content or the path of a workspace file holding it.",
		Object(map[string]any{
			"deliverable_type": String("Deliverable type tag, e.g. RECON_REPORT or SQLI_QUEUE."),
			"content":          String("Full deliverable content."),
			"path":             String("Workspace file to copy as the deliverable, instead of inline content."),
		}, "deliverable_type")
}

func (d *deliverableTool) call(ctx context.Context, args map[string]any) (*Result, error) {
	declared := strings.TrimSpace(stringArg(args, "deliverable_type"))
	if declared == "" {
		return Errf("deliverable_type is required"), nil
	}

	content := stringArg(args, "content")
	if content == "" {
		src := stringArg(args, "path")
		if src == "" {
			return Errf("pass content or the path of a workspace file"), nil
		}
		resolved, err := ResolvePath(d.workspace, src)
		if err != nil {
			return Errf("%v", err), nil
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return Errf("reading %s: %v", src, err), nil
		}
		content = string(data)
	}

	typ := models.CoerceType(d.agent, models.DeliverableType(strings.ToUpper(declared)))
	filename := models.Filename(typ)
	if strings.HasSuffix(filename, ".json") {
		content = stripCodeFence(content)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return Errf("creating deliverables directory: %v", err), nil
	}
	target := filepath.Join(d.dir, filename)
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return Errf("writing %s: %v", filename, err), nil
	}

	msg := fmt.Sprintf("Saved %s to deliverables/%s", typ, filename)
	if typ != models.DeliverableType(strings.ToUpper(declared)) {
		msg += fmt.Sprintf(" (declared type %s was filed as %s for this agent)", strings.ToUpper(declared), typ)
	}
	return Ok(msg), nil
}

// SavedTypes scans a deliverables directory and reports the types present,
// recovered from the canonical filenames. Used for termination enforcement
// and resume.
func SavedTypes(dir string) map[models.DeliverableType]bool {
	out := map[models.DeliverableType]bool{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".md" && ext != ".json" {
			continue
		}
		typ := models.DeliverableType(strings.ToUpper(strings.TrimSuffix(name, ext)))
		out[typ] = true
	}
	return out
}

// stripCodeFence unwraps ```json ... ``` fencing models like to add around
// JSON deliverables.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
