package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/tools"
)

func TestNewMissionSeedsChecklist(t *testing.T) {
	ws := t.TempDir()
	spec := specFor("sqli-vuln")

	m, resume, err := newMission(ws, spec)
	require.NoError(t, err)
	assert.False(t, resume)

	todo := m.todoContent()
	assert.Contains(t, todo, "[ ] ")
	assert.Contains(t, todo, "SQLI")
	assert.NotContains(t, todo, "[x]")

	// Second open of the same mission resumes instead of reseeding.
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, tools.TodoFilename), []byte("[x] custom\n"), 0o644))
	m2, resume, err := newMission(ws, spec)
	require.NoError(t, err)
	assert.True(t, resume)
	assert.Equal(t, "[x] custom\n", m2.todoContent())
}

func TestNewMissionChecklistVariants(t *testing.T) {
	ws := t.TempDir()

	exploit, _, err := newMission(ws, specFor("xss-exploit"))
	require.NoError(t, err)
	assert.Contains(t, exploit.todoContent(), "Reproduce")

	reporter, _, err := newMission(ws, specFor("report"))
	require.NoError(t, err)
	assert.Contains(t, reporter.todoContent(), "final report")
}

func TestAutoTick(t *testing.T) {
	m := testMission(t, "recon")
	todo := "[ ] Map entry points relevant to authentication\n[ ] Verify candidate endpoints with requests\n"
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, tools.TodoFilename), []byte(todo), 0o644))

	m.autoTick("mapped all entry points for the authentication flow")
	got := m.todoContent()
	assert.Contains(t, got, "[x] Map entry points relevant to authentication")
	assert.Contains(t, got, "[ ] Verify candidate endpoints")

	assert.Equal(t, []string{"Map entry points relevant to authentication"}, m.completedTodos())
}

func TestAutoTickNeedsRealOverlap(t *testing.T) {
	m := testMission(t, "recon")
	todo := "[ ] Map entry points relevant to authentication\n"
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, tools.TodoFilename), []byte(todo), 0o644))

	// One shared significant word is not enough to claim the item.
	m.autoTick("entry fee research")
	assert.NotContains(t, m.todoContent(), "[x]")
}

func TestStageAndReadBack(t *testing.T) {
	m := testMission(t, "recon")

	name, err := m.stage("app/models/User.py", "class User: ...")
	require.NoError(t, err)
	assert.Equal(t, "staged_source_1_app_models_user_py.md", name)

	content, err := m.readStaged(name)
	require.NoError(t, err)
	assert.Equal(t, "class User: ...", content)

	second, err := m.stage("routes", "GET /api")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(second, "staged_source_2_"))
	assert.Equal(t, []string{name, second}, m.stagedFiles())
}

func TestWriteFinding(t *testing.T) {
	m := testMission(t, "recon")

	name, err := m.writeFinding("check session cookies", "Cookies lack the Secure flag.")
	require.NoError(t, err)
	assert.Equal(t, "finding_1_check_session_cookies.md", name)

	data, err := os.ReadFile(filepath.Join(m.dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Finding: check session cookies")
	assert.Contains(t, string(data), "Secure flag")
	assert.Equal(t, []string{name}, m.findingFiles())
}

func TestDoneTasksRoundTrip(t *testing.T) {
	m := testMission(t, "recon")
	assert.Empty(t, m.doneTasks())

	m.recordDoneTask("scan ports", "22 and 443 open")
	m.recordDoneTask("long summary", strings.Repeat("x", 600))

	done := m.doneTasks()
	require.Len(t, done, 2)
	assert.Equal(t, "22 and 443 open", done["scan ports"])
	assert.Len(t, done["long summary"], 503, "clipped to 500 plus ellipsis")
}

func TestResumeBlock(t *testing.T) {
	m := testMission(t, "recon")
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, tools.TodoFilename), []byte("[x] done thing\n[ ] next thing\n"), 0o644))
	_, err := m.stage("config", "DEBUG = True")
	require.NoError(t, err)
	_, err = m.writeFinding("debug mode", "debug enabled in prod")
	require.NoError(t, err)

	block := m.resumeBlock()
	assert.Contains(t, block, "RESUME")
	assert.Contains(t, block, "[x] done thing")
	assert.Contains(t, block, "staged_source_1_config.md")
	assert.Contains(t, block, "finding_1_debug_mode.md")
	assert.Contains(t, block, "do not repeat completed work")
}

func TestMissionDirLayout(t *testing.T) {
	ws := t.TempDir()
	dir := missionDir(ws, "sqli-vuln")
	assert.Equal(t, filepath.Join(ws, "deliverables", "findings", "sqli-vuln"), dir)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Check /api/v2 endpoints!", "check_api_v2_endpoints"},
		{"UPPER lower 123", "upper_lower_123"},
		{"", "item"},
		{"///", "item"},
		{strings.Repeat("a", 100), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, slugify(tt.in))
		})
	}
}

func TestDefaultChecklistCoversAllMainAgents(t *testing.T) {
	p, ok := models.PipelineByName("main")
	require.True(t, ok)
	for _, spec := range p.Agents {
		items := defaultChecklist(spec)
		assert.NotEmptyf(t, items, "agent %s has no default checklist", spec.Name)
	}
}
