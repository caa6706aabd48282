package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/models"
)

func TestSanitizeTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"url keeps host", "http://shop.example.com:3000/path", "shop.example.com-3000"},
		{"https url", "https://api.example.io", "api.example.io"},
		{"binary path keeps basename", "/opt/bins/target.elf", "target.elf"},
		{"weird characters replaced", "http://host_with spaces", "host-with-spaces"},
		{"empty falls back", "///", "target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeTarget(tt.target))
		})
	}
}

func TestLogEvent_AppendsJSONLines(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "http://t.example", "s-1")
	require.NoError(t, err)
	defer l.Close()

	l.LogEvent(models.EventAttemptStart, "recon", map[string]any{"turn_budget": 40})
	l.LogEvent(models.EventToolCall, "recon", map[string]any{"tool": "bash"})
	l.LogEvent(models.EventStatus, "", map[string]any{"status": "running"})

	f, err := os.Open(filepath.Join(l.Dir(), eventsFile))
	require.NoError(t, err)
	defer f.Close()

	var events []models.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev models.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "every line is valid JSON")
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, models.EventAttemptStart, events[0].Kind)
	assert.Equal(t, "recon", events[0].Agent)
	assert.Equal(t, models.EventToolCall, events[1].Kind)
	assert.Empty(t, events[2].Agent)
}

func TestRecordAttempt(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "http://t.example", "s-1")
	require.NoError(t, err)
	defer l.Close()

	start := time.Now().Add(-90 * time.Second)
	require.NoError(t, l.RecordAttempt("recon", models.Attempt{
		StartedAt:  start,
		EndedAt:    start.Add(60 * time.Second),
		Status:     models.AttemptFailed,
		CostUSD:    0.25,
		TokenUsage: &models.TokenUsage{PromptTokens: 1000, CompletionTokens: 200, TotalTokens: 1200},
	}))
	require.NoError(t, l.RecordAttempt("recon", models.Attempt{
		StartedAt:  start.Add(60 * time.Second),
		EndedAt:    start.Add(90 * time.Second),
		Status:     models.AttemptSuccess,
		Checkpoint: "c1",
		CostUSD:    0.10,
	}))

	m := l.Metrics()
	am := m.Agents["recon"]
	require.NotNil(t, am)
	assert.Equal(t, models.AttemptSuccess, am.Status, "status follows latest attempt")
	assert.Len(t, am.Attempts, 2)
	assert.InDelta(t, 0.35, am.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(30_000), am.FinalDurationMS)
	assert.Equal(t, "c1", am.Checkpoint)
}

func TestRecordAttempt_RolledBackClearsCheckpoint(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "http://t.example", "s-1")
	require.NoError(t, err)
	defer l.Close()

	now := time.Now()
	require.NoError(t, l.RecordAttempt("recon", models.Attempt{
		StartedAt: now, EndedAt: now, Status: models.AttemptSuccess, Checkpoint: "c1",
	}))
	require.NoError(t, l.RecordAttempt("recon", models.Attempt{
		StartedAt: now, EndedAt: now, Status: models.AttemptRolledBack,
	}))

	am := l.Metrics().Agents["recon"]
	assert.Equal(t, models.AttemptRolledBack, am.Status)
	assert.Empty(t, am.Checkpoint)
	assert.Len(t, am.Attempts, 2, "attempt history is append-only")
}

func TestMetrics_SurviveReopen(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "http://t.example", "s-1")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, l.RecordAttempt("recon", models.Attempt{
		StartedAt: now, EndedAt: now, Status: models.AttemptSuccess, Checkpoint: "c1",
	}))
	require.NoError(t, l.Close())

	l2, err := Open(root, "http://t.example", "s-1")
	require.NoError(t, err)
	defer l2.Close()

	am := l2.Metrics().Agents["recon"]
	require.NotNil(t, am)
	assert.Equal(t, "c1", am.Checkpoint)

	// And via the standalone reader.
	m, err := ReadMetrics(root, "http://t.example", "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSuccess, m.Agents["recon"].Status)
}

func TestReadMetrics_MissingDirIsEmpty(t *testing.T) {
	m, err := ReadMetrics(t.TempDir(), "http://t.example", "nope")
	require.NoError(t, err)
	assert.Empty(t, m.Agents)
}

func TestLastEventTimes(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, "http://t.example", "s-1")
	require.NoError(t, err)

	l.LogEvent(models.EventToolCall, "recon", nil)
	l.LogEvent(models.EventToolCall, "sqli-vuln", nil)
	l.LogEvent(models.EventToolResult, "recon", nil)
	require.NoError(t, l.Close())

	// Torn trailing line from a crash must be skipped, not fail the scan.
	f, err := os.OpenFile(filepath.Join(l.Dir(), eventsFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-01-01T00:00:00Z","kind":"tool_call","agent":"xss`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	times, err := LastEventTimes(root, "http://t.example", "s-1")
	require.NoError(t, err)
	assert.Contains(t, times, "recon")
	assert.Contains(t, times, "sqli-vuln")
	assert.NotContains(t, times, "xss", "torn line ignored")
	assert.True(t, times["recon"].After(times["sqli-vuln"]) || times["recon"].Equal(times["sqli-vuln"]))
}

func TestLastEventTimes_MissingFile(t *testing.T) {
	times, err := LastEventTimes(t.TempDir(), "http://t.example", "absent")
	require.NoError(t, err)
	assert.Empty(t, times)
}
