package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/osprey-sec/osprey/pkg/models"
)

// Budget nudges fire once each at a fraction of the turn budget. Texts are
// agent-aware: the display name and outstanding deliverable types are
// substituted in. Sub-agent runs never receive them.
var budgetMilestones = []struct {
	percent int
	text    string
}{
	{50, "[BUDGET] %s: half of the turn budget is spent. Review your todo list and priorities; drop low-value threads.%s"},
	{70, "[BUDGET] %s: 70%% of the turn budget is spent. Start organising what you have; prefer confirming existing leads over opening new ones.%s"},
	{85, "[BUDGET] %s: 85%% of the turn budget is spent. Begin writing your summary now and fold in remaining results as they arrive.%s"},
	{90, "[BUDGET] %s: 90%% of the turn budget is spent. Close all open investigations; no new tool calls except to finalise deliverables.%s"},
	{95, "[BUDGET] %s: 95%% of the turn budget is spent. Emergency finalisation: write your deliverables with what you have.%s"},
	{100, "[BUDGET] %s: the turn budget is exhausted. Call save_deliverable NOW with your current findings.%s"},
}

// pendingBudgetNudge returns the highest unfired milestone reached by turn,
// marking it (and every lower one) fired.
func pendingBudgetNudge(turn, maxTurns int, fired map[int]bool, spec models.AgentSpec, missing []models.DeliverableType) (string, bool) {
	picked := -1
	for i, m := range budgetMilestones {
		if fired[m.percent] {
			continue
		}
		if turn*100 >= m.percent*maxTurns {
			picked = i
		}
	}
	if picked < 0 {
		return "", false
	}
	for i := 0; i <= picked; i++ {
		fired[budgetMilestones[i].percent] = true
	}
	return fmt.Sprintf(budgetMilestones[picked].text, spec.DisplayName, missingSuffix(missing)), true
}

func missingSuffix(missing []models.DeliverableType) string {
	if len(missing) == 0 {
		return ""
	}
	return " Outstanding deliverables: " + joinTypes(missing) + "."
}

func joinTypes(types []models.DeliverableType) string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// deliverableNudge is the critical message injected when the agent tries to
// stop while still owing deliverables.
func deliverableNudge(spec models.AgentSpec, missing []models.DeliverableType) string {
	return fmt.Sprintf(
		"[CRITICAL] %s cannot finish yet: required deliverables not saved: %s. "+
			"Call save_deliverable for each missing type now. A shorter deliverable based on current findings is acceptable; stopping without it is not.",
		spec.DisplayName, joinTypes(missing))
}

// loopNudge is injected when loop detection fires. reason names the detected
// pattern.
func loopNudge(reason string) string {
	return fmt.Sprintf(
		"[LOOP DETECTION] %s. Stop repeating this pattern. Synthesise what you already know, update your todo list, and take a different action.",
		reason)
}

// silenceNudge is injected after an empty assistant turn.
func silenceNudge() string {
	return "[SILENCE] Your last message was empty. Respond with either a tool call or your final summary."
}

// fencedJSONNudge accompanies the tool_choice=none retry after the provider
// failed to parse its own tool-call output.
func fencedJSONNudge() string {
	return "[FORMAT] The previous tool call could not be parsed. Do not use the native tool-call mechanism for this reply. " +
		"Emit exactly one tool call as a fenced JSON block: ```json\n{\"tool\": \"<name>\", \"arguments\": { ... }}\n```"
}

// retryNudge explains a failed LLM exchange so the next turn has context.
func retryNudge(err error) string {
	return fmt.Sprintf("[RETRY] The previous model exchange failed (%v). Continue from your last good state.", err)
}
