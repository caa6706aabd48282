package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/osprey-sec/osprey/pkg/llm"
	"github.com/osprey-sec/osprey/pkg/mcp"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/oserr"
	"github.com/osprey-sec/osprey/pkg/tools"
)

// maxConsecutiveLLMFailures aborts a run after this many failed exchanges in
// a row. The provider client has already retried transient errors by the
// time a failure reaches the loop.
const maxConsecutiveLLMFailures = 2

// Run drives one agent conversation to a terminal result. The turn order is
// fixed: nudge, compress, loop-detect, prepare, model call, extract,
// dispatch, completion check. Failures come back in the Result; Run itself
// never panics the scheduler.
func (r *Runner) Run(ctx context.Context, spec models.AgentSpec) *Result {
	maxTurns := r.Config.Loop.MaxTurnsFor(spec.Name)

	m, resume, err := newMission(r.Workspace, spec)
	if err != nil {
		return failed(err)
	}
	reg, err := r.buildRegistry(ctx, spec, m)
	if err != nil {
		return failed(err)
	}
	d := newDispatcher(spec, r.Target, r.Workspace, reg, m, r.Audit, r.Config.Loop.StageThreshold)
	if err := r.registerSubAgent(reg, d, 0); err != nil {
		return failed(err)
	}

	searchBudget := r.Config.Loop.SearchBudget
	if spec.IsVulnAnalysis() {
		searchBudget = r.Config.Loop.DeepSearchBudget
	}
	detector := newLoopDetector(r.Config.Loop.LoopRepeatCount, searchBudget, spec.IsReporting())

	window := r.Config.Loop.CompressWindow
	if spec.IsExploitation() {
		window *= 2
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(spec, r.Target, r.Workspace, r.Profile, r.Config.Skip)},
		{Role: llm.RoleUser, Content: userPrompt(spec, resume, m)},
	}

	slog.Info("Agent started", "agent", spec.Name, "max_turns", maxTurns, "resume", resume)

	result := &Result{Status: StatusFailed}
	// Sub-agent conversations account their tokens separately; fold them into
	// the attempt total on every exit path.
	defer func() { result.Usage.Add(*d.extraUsage) }()
	fired := map[int]bool{}
	limit := maxTurns
	graceGranted := false
	silence := 0
	llmFailures := 0
	inlineSeq := 0
	lastText := ""

	for turn := 1; turn <= limit; turn++ {
		result.Turns = turn
		if ctx.Err() != nil {
			result.Err = oserr.Interrupt("agent %s interrupted at turn %d", spec.Name, turn)
			return result
		}

		// 1. Budget nudge.
		if nudge, ok := pendingBudgetNudge(turn, maxTurns, fired, spec, d.missing()); ok {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: nudge})
			r.Audit.LogEvent(models.EventNudge, spec.Name, map[string]any{"kind": "budget", "turn": turn})
		}

		// 2. History compression.
		if compressed, did := maybeCompress(msgs, r.Config.Loop.CompressThreshold, window, m, d.saved); did {
			slog.Info("Compressed transcript", "agent", spec.Name, "turn", turn, "messages", len(compressed))
			msgs = compressed
		}

		// 3. Loop detection.
		if reason, looping := detector.check(turn); looping {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: loopNudge(reason)})
			r.Audit.LogEvent(models.EventNudge, spec.Name, map[string]any{"kind": "loop", "turn": turn, "reason": reason})
		}

		// 4-6. Prepare, call, accumulate usage.
		prepared := prepareMessages(msgs, r.Config.Loop.MaxPromptChars)
		r.Audit.LogEvent(models.EventPromptSize, spec.Name, map[string]any{
			"turn": turn, "chars": messageChars(prepared), "messages": len(prepared),
		})

		resp, err := r.callLLM(ctx, prepared, reg.Catalog(), llm.ToolChoiceAuto)
		if err != nil && llm.IsToolCallParseError(err) {
			// The provider choked on its own tool-call JSON. One retry with
			// tool calling off and instructions to use a fenced block.
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: fencedJSONNudge()})
			prepared = prepareMessages(msgs, r.Config.Loop.MaxPromptChars)
			resp, err = r.callLLM(ctx, prepared, nil, llm.ToolChoiceNone)
		}
		if err != nil {
			if fatal := r.classifyLoopError(ctx, spec, err, &llmFailures); fatal != nil {
				result.Err = fatal
				return result
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: retryNudge(err)})
			continue
		}
		llmFailures = 0
		result.Usage.Add(resp.Usage)

		// 7. Extract native and smuggled tool calls.
		calls := mergeCalls(resp.ToolCalls, extractInlineCalls(resp.Text, &inlineSeq))
		detector.observe(calls, reg.Resolve)

		if len(calls) == 0 {
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				silence++
				if silence > r.Config.Loop.SilenceLimit {
					result.Err = oserr.NoProgress("agent %s stuck in silence after %d empty turns", spec.Name, silence)
					return result
				}
				msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: silenceNudge()})
				r.Audit.LogEvent(models.EventNudge, spec.Name, map[string]any{"kind": "silence", "turn": turn})
				continue
			}
			silence = 0
			lastText = text
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})

			// 10. Completion detection: a natural stop is accepted only with
			// all required deliverables on disk.
			missing := d.missing()
			if len(missing) == 0 {
				result.Status = StatusCompleted
				result.FinalText = text
				return result
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: deliverableNudge(spec, missing)})
			r.Audit.LogEvent(models.EventNudge, spec.Name, map[string]any{
				"kind": "deliverable", "turn": turn, "missing": joinTypes(missing),
			})
			if !graceGranted {
				graceGranted = true
				limit = maxTurns + r.Config.Loop.GraceTurns
			}
			continue
		}

		// 8-9. Dispatch (policy applied per call inside).
		silence = 0
		if t := strings.TrimSpace(resp.Text); t != "" {
			lastText = t
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: calls})
		for _, tc := range calls {
			content := d.dispatch(ctx, tc)
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				ToolName:   reg.Resolve(tc.Name),
			})
		}

		// Budget exhaustion with deliverables still owed: one grace
		// extension, then the loop fails rather than spinning.
		if turn == limit && !graceGranted {
			if missing := d.missing(); len(missing) > 0 {
				graceGranted = true
				limit = maxTurns + r.Config.Loop.GraceTurns
				msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: deliverableNudge(spec, missing)})
				r.Audit.LogEvent(models.EventNudge, spec.Name, map[string]any{
					"kind": "deliverable", "turn": turn, "missing": joinTypes(missing),
				})
			}
		}
	}

	if missing := d.missing(); len(missing) > 0 {
		result.Err = oserr.NoProgress("agent %s exhausted %d turns without required deliverables: %s",
			spec.Name, result.Turns, joinTypes(missing))
		return result
	}

	// Out of turns with deliverables in place: force a conclusion without
	// tools so the attempt ends with a summary.
	text, err := r.forceConclusion(ctx, msgs, &result.Usage)
	if err != nil {
		text = lastText
	}
	result.Status = StatusCompleted
	result.FinalText = text
	return result
}

// classifyLoopError decides whether an LLM failure ends the run. Fatal
// provider errors and interrupts abort immediately; anything else aborts
// after maxConsecutiveLLMFailures in a row.
func (r *Runner) classifyLoopError(ctx context.Context, spec models.AgentSpec, err error, failures *int) error {
	if ctx.Err() != nil {
		return oserr.Interrupt("agent %s interrupted: %v", spec.Name, err)
	}
	if oserr.KindOf(err) == oserr.KindLLMFatal {
		return err
	}
	*failures++
	if *failures >= maxConsecutiveLLMFailures {
		return oserr.Wrap(oserr.KindLLMTransient, false,
			fmt.Errorf("agent %s: %d consecutive failed exchanges, last: %w", spec.Name, *failures, err))
	}
	slog.Warn("Model exchange failed, retrying in conversation", "agent", spec.Name, "error", err)
	return nil
}

// forceConclusion elicits a final summary once the turn budget is spent.
func (r *Runner) forceConclusion(ctx context.Context, msgs []llm.Message, usage *models.TokenUsage) (string, error) {
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: "The turn budget is exhausted. Summarise your findings and their locations in one final message. Do not call tools.",
	})
	resp, err := r.callLLM(ctx, prepareMessages(msgs, r.Config.Loop.MaxPromptChars), nil, llm.ToolChoiceNone)
	if err != nil {
		return "", err
	}
	usage.Add(resp.Usage)
	return strings.TrimSpace(resp.Text), nil
}

// callLLM performs one Generate call and drains it.
func (r *Runner) callLLM(ctx context.Context, msgs []llm.Message, catalog []llm.ToolSpec, choice llm.ToolChoice) (*llm.Response, error) {
	ch, err := r.LLM.Generate(ctx, &llm.Request{Messages: msgs, Tools: catalog, ToolChoice: choice})
	if err != nil {
		return nil, err
	}
	return llm.Collect(ctx, ch)
}

// buildRegistry assembles the per-run tool registry: builtins scoped to this
// agent, then remote proxies. Proxy registration failures degrade to the
// builtin set.
func (r *Runner) buildRegistry(ctx context.Context, spec models.AgentSpec, m *mission) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	err := tools.RegisterBuiltins(reg, tools.BuiltinOptions{
		Workspace:    r.Workspace,
		MissionDir:   m.dir,
		AgentName:    spec.Name,
		ShellTimeout: r.Config.Shell.Timeout,
		TOTPSecret:   r.totpSecret(),
	})
	if err != nil {
		return nil, err
	}
	if r.MCP != nil {
		if err := mcp.RegisterProxies(ctx, r.MCP, reg); err != nil {
			slog.Warn("Tool-server proxy registration failed, continuing with builtins", "agent", spec.Name, "error", err)
		}
	}
	return reg, nil
}

func (r *Runner) totpSecret() string {
	if r.Profile == nil || r.Profile.Auth.TOTPSecretEnv == "" {
		return ""
	}
	return os.Getenv(r.Profile.Auth.TOTPSecretEnv)
}

func failed(err error) *Result {
	return &Result{Status: StatusFailed, Err: err}
}
