package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/models"
)

func TestPendingBudgetNudgeMilestones(t *testing.T) {
	spec := models.AgentSpec{Name: "sqli-vuln", DisplayName: "SQLI Analysis"}
	missing := []models.DeliverableType{models.QueueType("sqli")}
	fired := map[int]bool{}
	maxTurns := 40

	_, ok := pendingBudgetNudge(19, maxTurns, fired, spec, missing)
	assert.False(t, ok, "before the 50% mark")

	nudge, ok := pendingBudgetNudge(20, maxTurns, fired, spec, missing)
	require.True(t, ok)
	assert.Contains(t, nudge, "[BUDGET] SQLI Analysis")
	assert.Contains(t, nudge, "half of the turn budget")
	assert.Contains(t, nudge, "SQLI_QUEUE")

	_, ok = pendingBudgetNudge(21, maxTurns, fired, spec, missing)
	assert.False(t, ok, "50% fires once")

	nudge, ok = pendingBudgetNudge(28, maxTurns, fired, spec, missing)
	require.True(t, ok)
	assert.Contains(t, nudge, "70%")

	// A jump across several milestones fires only the highest one.
	nudge, ok = pendingBudgetNudge(38, maxTurns, fired, spec, missing)
	require.True(t, ok)
	assert.Contains(t, nudge, "95%")
	_, ok = pendingBudgetNudge(39, maxTurns, fired, spec, missing)
	assert.False(t, ok, "85 and 90 were marked fired by the jump")

	nudge, ok = pendingBudgetNudge(40, maxTurns, fired, spec, missing)
	require.True(t, ok)
	assert.Contains(t, nudge, "save_deliverable NOW")
}

func TestPendingBudgetNudgeNoMissingSuffix(t *testing.T) {
	spec := models.AgentSpec{Name: "recon", DisplayName: "Reconnaissance"}
	nudge, ok := pendingBudgetNudge(20, 40, map[int]bool{}, spec, nil)
	require.True(t, ok)
	assert.NotContains(t, nudge, "Outstanding deliverables")
}

func TestDeliverableNudge(t *testing.T) {
	spec := models.AgentSpec{Name: "sqli-vuln", DisplayName: "SQLI Analysis"}
	missing := []models.DeliverableType{models.QueueType("sqli"), models.AnalysisType("sqli")}

	nudge := deliverableNudge(spec, missing)
	assert.Contains(t, nudge, "[CRITICAL]")
	assert.Contains(t, nudge, "SQLI Analysis")
	// Sorted, comma separated.
	assert.Contains(t, nudge, "SQLI_ANALYSIS, SQLI_QUEUE")
	assert.Contains(t, nudge, "save_deliverable")
}

func TestLoopAndSilenceNudges(t *testing.T) {
	assert.Contains(t, loopNudge("the same calls repeated"), "[LOOP DETECTION] the same calls repeated")
	assert.Contains(t, silenceNudge(), "[SILENCE]")
	assert.Contains(t, fencedJSONNudge(), "```json")
}

func TestJoinTypesSorts(t *testing.T) {
	got := joinTypes([]models.DeliverableType{"B_TYPE", "A_TYPE"})
	assert.Equal(t, "A_TYPE, B_TYPE", got)
}
