package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/osprey-sec/osprey/pkg/llm"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/tools"
)

// Sub-agent statuses.
const (
	SubAgentComplete   = "complete"
	SubAgentIncomplete = "incomplete"
	SubAgentError      = "error"
)

// synthesisOutputs is how many trailing tool outputs feed the fallback
// summary when a sub-agent ends without a completion marker.
const synthesisOutputs = 10

// SubAgentResult is what a delegation returns to the parent transcript.
type SubAgentResult struct {
	Status            string `json:"status"`
	Result            string `json:"result"`
	Turns             int    `json:"turns"`
	NeedsContinuation bool   `json:"needsContinuation"`
	ContinueReason    string `json:"continueReason,omitempty"`
	IsComplete        bool   `json:"isComplete"`

	Usage models.TokenUsage `json:"-"`
}

// registerSubAgent installs the SubAgent tool into a registry. depth is the
// conversation's own depth (0 for the top-level agent); each delegation runs
// one level deeper with a restricted registry. The semaphore caps concurrent
// delegations from this one conversation.
func (r *Runner) registerSubAgent(reg *tools.Registry, d *dispatcher, depth int) error {
	sem := semaphore.NewWeighted(int64(r.Config.SubAgent.MaxConcurrent))
	schema := tools.Object(map[string]any{
		"task":  tools.String("Short name of the investigation, e.g. 'trace auth token validation'"),
		"input": tools.String("The focused question the sub-agent must answer, with any context it needs"),
	}, "task", "input")
	description := "Delegate a focused investigation to a sub-agent with its own tool access. " +
		"Returns a JSON record with status and a textual summary."

	return reg.Register("SubAgent", description, schema, func(ctx context.Context, args map[string]any) (*tools.Result, error) {
		task, _ := args["task"].(string)
		input, _ := args["input"].(string)
		if strings.TrimSpace(task) == "" || strings.TrimSpace(input) == "" {
			return tools.Errf("task and input must both be non-empty"), nil
		}
		if !sem.TryAcquire(1) {
			return tools.Errf("sub-agent limit reached; wait for the running delegation to finish"), nil
		}
		defer sem.Release(1)

		res := r.runSubAgent(ctx, d, task, input, depth+1)
		d.extraUsage.Add(res.Usage)
		d.recordDelegation(task, res)
		r.Audit.LogEvent(models.EventSubAgent, d.spec.Name, map[string]any{
			"task":   task,
			"status": res.Status,
			"turns":  res.Turns,
			"depth":  depth + 1,
		})

		raw, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return tools.Errf("encode sub-agent result: %v", err), nil
		}
		if res.Status == SubAgentError {
			return &tools.Result{Status: tools.StatusError, Output: string(raw)}, nil
		}
		return tools.Ok(string(raw)), nil
	})
}

// runSubAgent drives one delegated conversation: restricted tools, a small
// turn budget, and a mandatory textual outcome. It never fails hard; the
// worst case is an error-status record the parent can read.
func (r *Runner) runSubAgent(ctx context.Context, parent *dispatcher, task, input string, depth int) *SubAgentResult {
	cfg := r.Config.SubAgent
	res := &SubAgentResult{Status: SubAgentError}

	reg := parent.registry.Without("save_deliverable", "SubAgent")
	child := *parent
	child.registry = reg
	if depth < cfg.MaxDepth {
		if err := r.registerSubAgent(reg, &child, depth); err != nil {
			slog.Warn("Failed to register nested SubAgent tool", "error", err)
		}
	}

	slog.Info("Sub-agent started", "parent", parent.spec.Name, "task", task, "depth", depth)

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: subAgentSystemPrompt(task)},
		{Role: llm.RoleUser, Content: input},
	}
	var toolOutputs []string
	lastText := ""
	silent := 0
	inlineSeq := 0

	for turn := 1; turn <= cfg.MaxTurns; turn++ {
		res.Turns = turn
		prepared := prepareMessages(msgs, r.Config.Loop.MaxPromptChars)
		resp, err := r.callLLM(ctx, prepared, reg.Catalog(), llm.ToolChoiceAuto)
		if err != nil {
			res.Result = fmt.Sprintf("sub-agent LLM call failed: %v", err)
			return res
		}
		res.Usage.Add(resp.Usage)

		calls := mergeCalls(resp.ToolCalls, extractInlineCalls(resp.Text, &inlineSeq))
		if len(calls) == 0 {
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				silent++
				if silent > 2 {
					break
				}
				msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: silenceNudge()})
				continue
			}
			silent = 0
			lastText = text
			if summary, ok := extractSummary(text); ok {
				res.Status = SubAgentComplete
				res.IsComplete = true
				res.Result = summary
				return r.finishSubAgent(ctx, res)
			}
			if reason, ok := extractContinue(text); ok {
				res.Status = SubAgentIncomplete
				res.NeedsContinuation = true
				res.ContinueReason = reason
				res.Result = text
				return r.finishSubAgent(ctx, res)
			}
			// Plain text without a marker: the protocol was not followed,
			// fall through to synthesis.
			break
		}

		silent = 0
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: calls})
		for _, tc := range calls {
			content := child.dispatch(ctx, tc)
			toolOutputs = append(toolOutputs, content)
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				ToolName:   child.registry.Resolve(tc.Name),
			})
		}
	}

	res.Status = SubAgentIncomplete
	res.NeedsContinuation = true
	res.ContinueReason = "stopped without a completion marker"
	res.Result = r.synthesizeSummary(ctx, task, lastText, toolOutputs, &res.Usage)
	return r.finishSubAgent(ctx, res)
}

// finishSubAgent enforces the output size cap and sanitises the result.
func (r *Runner) finishSubAgent(ctx context.Context, res *SubAgentResult) *SubAgentResult {
	limit := r.Config.SubAgent.TruncateLimit
	if limit > 0 && len(res.Result) > limit {
		condensed, err := r.summarizeText(ctx,
			fmt.Sprintf("Condense the following sub-agent report to under %d characters. Keep concrete evidence: paths, URLs, parameters, payloads.", limit),
			res.Result, &res.Usage)
		if err == nil && condensed != "" && len(condensed) <= limit {
			res.Result = condensed
		} else {
			res.Result = res.Result[:limit] + "\n[truncated at " + fmt.Sprint(limit) + " bytes]"
		}
	}
	res.Result = sanitizeOutput(res.Result)
	return res
}

// synthesizeSummary builds a summary when the sub-agent never produced one:
// a short LLM call over the trailing tool outputs, falling back to the most
// recent output truncated.
func (r *Runner) synthesizeSummary(ctx context.Context, task, lastText string, outputs []string, usage *models.TokenUsage) string {
	if len(outputs) > synthesisOutputs {
		outputs = outputs[len(outputs)-synthesisOutputs:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task)
	if lastText != "" {
		fmt.Fprintf(&b, "Final (unmarked) response:\n%s\n", clip(lastText, 2000))
	}
	for i, out := range outputs {
		fmt.Fprintf(&b, "\nTool output %d:\n%s\n", i+1, clip(out, 2000))
	}

	summary, err := r.summarizeText(ctx,
		"Summarise this investigation into a direct answer to the task. State what was confirmed, what was ruled out, and cite paths or requests.",
		b.String(), usage)
	if err == nil && strings.TrimSpace(summary) != "" {
		return summary
	}

	if lastText != "" {
		return clip(lastText, 2000)
	}
	if len(outputs) > 0 {
		return clip(outputs[len(outputs)-1], 2000)
	}
	return "no output produced"
}

// summarizeText is one tool-less LLM call used for synthesis and size
// enforcement.
func (r *Runner) summarizeText(ctx context.Context, instruction, text string, usage *models.TokenUsage) (string, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: instruction},
		{Role: llm.RoleUser, Content: text},
	}
	resp, err := r.callLLM(ctx, prepareMessages(msgs, r.Config.Loop.MaxPromptChars), nil, llm.ToolChoiceNone)
	if err != nil {
		return "", err
	}
	usage.Add(resp.Usage)
	return strings.TrimSpace(resp.Text), nil
}

// extractSummary returns the content after the final "## Summary" heading.
func extractSummary(text string) (string, bool) {
	idx := strings.LastIndex(text, "## Summary")
	if idx < 0 {
		return "", false
	}
	summary := strings.TrimSpace(text[idx+len("## Summary"):])
	summary = strings.TrimSpace(strings.TrimPrefix(summary, ":"))
	if summary == "" {
		// Marker present but empty section: the preceding text is the answer.
		summary = strings.TrimSpace(text[:idx])
	}
	if summary == "" {
		summary = "done"
	}
	return summary, true
}

// extractContinue finds a trailing "CONTINUE: reason" line.
func extractContinue(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if after, ok := strings.CutPrefix(line, "CONTINUE:"); ok {
			return strings.TrimSpace(after), true
		}
		return "", false
	}
	return "", false
}
