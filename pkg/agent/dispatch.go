package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/llm"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/tools"
)

// dispatcher executes one run's tool calls: alias resolution, pre-execute
// policy, registry dispatch, then the side effects the transcript alone
// would lose: deliverable bookkeeping, large-read staging, audit events.
type dispatcher struct {
	spec     models.AgentSpec
	target   string
	registry *tools.Registry
	mission  *mission
	audit    *audit.Logger

	stageThreshold int

	// done caches delegated tasks already answered this session.
	done map[string]string
	// staged maps a read_file argument fingerprint to its staged file.
	staged map[string]string
	// saved accumulates deliverable types written so far.
	saved map[models.DeliverableType]bool
	// extraUsage collects token usage from delegated conversations. Shared
	// by pointer across the sub-agent dispatcher copies.
	extraUsage *models.TokenUsage
}

func newDispatcher(spec models.AgentSpec, target, workspace string, registry *tools.Registry, m *mission, auditLog *audit.Logger, stageThreshold int) *dispatcher {
	d := &dispatcher{
		spec:           spec,
		target:         target,
		registry:       registry,
		mission:        m,
		audit:          auditLog,
		stageThreshold: stageThreshold,
		done:           m.doneTasks(),
		staged:         map[string]string{},
		saved:          map[models.DeliverableType]bool{},
		extraUsage:     &models.TokenUsage{},
	}
	// Deliverables already on disk count: a resumed agent must not be forced
	// to rewrite what a previous attempt saved.
	for t := range tools.SavedTypes(tools.DeliverablesDir(workspace)) {
		if ownedType(spec.Name, t) {
			d.saved[t] = true
		}
	}
	return d
}

// ownedType reports whether a deliverable type belongs to this agent:
// coercing it for this agent is the identity.
func ownedType(agentName string, t models.DeliverableType) bool {
	return models.CoerceType(agentName, t) == t
}

// missing returns the required deliverable types not yet saved.
func (d *dispatcher) missing() []models.DeliverableType {
	var out []models.DeliverableType
	for _, t := range models.RequiredDeliverables(d.spec.Name) {
		if !d.saved[t] {
			out = append(out, t)
		}
	}
	return out
}

// dispatch runs one tool call and returns the transcript content for its
// result message. Failures come back as error text, never as Go errors: the
// model must see them and react.
func (d *dispatcher) dispatch(ctx context.Context, tc llm.ToolCall) string {
	name := d.registry.Resolve(tc.Name)
	args := decodeArgs(tc.Arguments)

	d.audit.LogEvent(models.EventToolCall, d.spec.Name, map[string]any{
		"tool": name,
		"args": clip(tc.Arguments, 400),
	})

	result := applyPolicy(d.spec, d.target, d.done, name, args)
	if result == nil {
		result = d.serveFromStage(name, args)
	}
	if result == nil {
		result = d.registry.Execute(ctx, name, args)
		d.applySideEffects(name, args, result)
	}

	d.audit.LogEvent(models.EventToolResult, d.spec.Name, map[string]any{
		"tool":      name,
		"status":    string(result.Status),
		"bytes":     len(result.Output),
		"exit_code": result.ExitCode,
	})
	return formatResult(result)
}

// serveFromStage answers a repeated identical read from its staged copy.
func (d *dispatcher) serveFromStage(name string, args map[string]any) *tools.Result {
	if name != "read_file" {
		return nil
	}
	key := fingerprintArgs(args)
	staged, ok := d.staged[key]
	if !ok {
		return nil
	}
	content, err := d.mission.readStaged(staged)
	if err != nil {
		delete(d.staged, key)
		return nil
	}
	return tools.Ok(fmt.Sprintf("[served from stage: %s]\n%s", staged, content))
}

func (d *dispatcher) applySideEffects(name string, args map[string]any, result *tools.Result) {
	if result.IsError() {
		return
	}
	switch name {
	case "save_deliverable":
		if declared, ok := args["deliverable_type"].(string); ok {
			d.saved[models.CoerceType(d.spec.Name, models.DeliverableType(strings.ToUpper(declared)))] = true
		}
	case "read_file":
		if len(result.Output) <= d.stageThreshold {
			return
		}
		hint, _ := args["path"].(string)
		staged, err := d.mission.stage(hint, result.Output)
		if err != nil {
			slog.Warn("Failed to stage large read", "agent", d.spec.Name, "path", hint, "error", err)
			return
		}
		d.staged[fingerprintArgs(args)] = staged
		result.Output += fmt.Sprintf("\n[staged: deliverables/findings/%s/%s]", d.spec.Name, staged)
	}
}

// recordDelegation persists a completed sub-agent investigation: finding
// file, todo auto-tick, done-task cache.
func (d *dispatcher) recordDelegation(task string, res *SubAgentResult) {
	if res.Status == SubAgentError {
		return
	}
	if _, err := d.mission.writeFinding(task, res.Result); err != nil {
		slog.Warn("Failed to persist finding", "agent", d.spec.Name, "task", task, "error", err)
	}
	if res.IsComplete {
		d.mission.autoTick(task)
		d.done[task] = res.Result
		d.mission.recordDoneTask(task, res.Result)
	}
}

func formatResult(r *tools.Result) string {
	output := sanitizeOutput(r.Output)
	if !r.IsError() {
		if strings.TrimSpace(output) == "" {
			return "(no output)"
		}
		return output
	}
	msg := "Error: " + output
	if r.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", r.ExitCode)
	}
	return msg
}

// fingerprintArgs canonicalises decoded arguments for repeat detection.
func fingerprintArgs(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
