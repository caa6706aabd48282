package agent

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/llm"
)

func callArgs(t *testing.T, tc llm.ToolCall) map[string]any {
	t.Helper()
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Arguments), &args))
	return args
}

func TestExtractInlineCalls(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantTool []string
	}{
		{
			name:     "prose only",
			content:  "I inspected the login form and found nothing unusual.",
			wantTool: nil,
		},
		{
			name:     "explicit envelope in json fence",
			content:  "Running a scan:\n```json\n{\"tool\": \"bash\", \"arguments\": {\"command\": \"nmap -sV target\"}}\n```\n",
			wantTool: []string{"bash"},
		},
		{
			name:     "command shape in bare fence",
			content:  "```\n{\"command\": \"ls -la /var/www\"}\n```",
			wantTool: []string{"bash"},
		},
		{
			name:     "deliverable shape",
			content:  "```json\n{\"deliverable_type\": \"RECON_REPORT\", \"content\": \"# Recon\"}\n```",
			wantTool: []string{"save_deliverable"},
		},
		{
			name:     "todos shape",
			content:  "```json\n{\"todos\": [{\"content\": \"check admin panel\", \"status\": \"pending\"}]}\n```",
			wantTool: []string{"TodoWrite"},
		},
		{
			name:     "task and input shape",
			content:  "```json\n{\"task\": \"enumerate endpoints\", \"input\": \"focus on /api/v2\"}\n```",
			wantTool: []string{"SubAgent"},
		},
		{
			name:     "plain data object is not a call",
			content:  "```json\n{\"path\": \"/etc/passwd\", \"lines\": 42}\n```",
			wantTool: nil,
		},
		{
			name:     "whole message is a json object",
			content:  `{"tool": "read_file", "arguments": {"path": "app/models/user.py"}}`,
			wantTool: []string{"read_file"},
		},
		{
			name:     "python fence ignored",
			content:  "```python\nprint({'command': 'ls'})\n```",
			wantTool: nil,
		},
		{
			name:     "two blocks in document order",
			content:  "```json\n{\"command\": \"id\"}\n```\nthen\n```json\n{\"command\": \"whoami\"}\n```",
			wantTool: []string{"bash", "bash"},
		},
		{
			name:     "array block flattens to calls",
			content:  "```json\n[{\"command\": \"id\"}, {\"command\": \"uname -a\"}]\n```",
			wantTool: []string{"bash", "bash"},
		},
		{
			name:     "truncated fence repaired",
			content:  "Saving now:\n```json\n{\"deliverable_type\": \"FUZZING_REPORT\", \"content\": \"# Fuzzing resul",
			wantTool: []string{"save_deliverable"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := 0
			calls := extractInlineCalls(tt.content, &seq)
			var names []string
			for _, c := range calls {
				names = append(names, c.Name)
			}
			assert.Equal(t, tt.wantTool, names)
			for i, c := range calls {
				assert.Equalf(t, fmt.Sprintf("inline-%d", i+1), c.ID, "call %d id", i)
				assert.True(t, json.Valid([]byte(c.Arguments)), "arguments must be valid JSON")
			}
		})
	}
}

func TestExtractInlineCallsArguments(t *testing.T) {
	seq := 0
	calls := extractInlineCalls("```json\n{\"tool\": \"bash\", \"arguments\": {\"command\": \"cat /tmp/x\"}}\n```", &seq)
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"command": "cat /tmp/x"}, callArgs(t, calls[0]))

	// Sequence numbers keep climbing across invocations on the same turn.
	more := extractInlineCalls(`{"command": "id"}`, &seq)
	require.Len(t, more, 1)
	assert.Equal(t, "inline-2", more[0].ID)
}

func TestFencedBlocks(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"none", "no fences here", nil},
		{"bare fence", "```\n{\"a\": 1}\n```", []string{`{"a": 1}`}},
		{"json fence", "```json\n{\"a\": 1}\n```", []string{`{"a": 1}`}},
		{"JSON case insensitive", "```JSON\n{\"a\": 1}\n```", []string{`{"a": 1}`}},
		{"other language skipped", "```go\nfunc main() {}\n```", nil},
		{"unterminated runs to end", "```json\n{\"a\": 1", []string{`{"a": 1`}},
		{"empty block dropped", "```json\n\n```", nil},
		{
			"mixed languages",
			"```python\nx = 1\n```\n```json\n{\"b\": 2}\n```",
			[]string{`{"b": 2}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fencedBlocks(tt.content))
		})
	}
}

func TestRepairJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{
			name: "unterminated string",
			in:   `{"command": "ls -la`,
			want: map[string]any{"command": "ls -la"},
		},
		{
			name: "dangling comma",
			in:   `{"a": 1,`,
			want: map[string]any{"a": float64(1)},
		},
		{
			name: "dangling colon",
			in:   `{"a":`,
			want: map[string]any{"a": nil},
		},
		{
			name: "open array and object",
			in:   `{"items": [1, 2`,
			want: map[string]any{"items": []any{float64(1), float64(2)}},
		},
		{
			name: "trailing backslash inside string",
			in:   `{"path": "C:\`,
			want: map[string]any{"path": "C:"},
		},
		{
			name: "nested truncation",
			in:   `{"tool": "bash", "arguments": {"command": "grep -r secret`,
			want: map[string]any{"tool": "bash", "arguments": map[string]any{"command": "grep -r secret"}},
		},
		{
			name: "escaped quote inside string survives",
			in:   `{"msg": "say \"hi\"`,
			want: map[string]any{"msg": `say "hi"`},
		},
		{
			name: "already valid stays valid",
			in:   `{"a": [true, null]}`,
			want: map[string]any{"a": []any{true, nil}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repaired := repairJSON(tt.in)
			var got any
			require.NoError(t, json.Unmarshal([]byte(repaired), &got), "repaired: %s", repaired)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyCallEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		obj      map[string]any
		wantName string
		wantArgs map[string]any
		wantOK   bool
	}{
		{
			name:     "tool plus arguments",
			obj:      map[string]any{"tool": "bash", "arguments": map[string]any{"command": "id"}},
			wantName: "bash",
			wantArgs: map[string]any{"command": "id"},
			wantOK:   true,
		},
		{
			name:     "name plus args",
			obj:      map[string]any{"name": "read_file", "args": map[string]any{"path": "main.go"}},
			wantName: "read_file",
			wantArgs: map[string]any{"path": "main.go"},
			wantOK:   true,
		},
		{
			name:     "tool_name plus parameters",
			obj:      map[string]any{"tool_name": "search_file", "parameters": map[string]any{"query": "password"}},
			wantName: "search_file",
			wantArgs: map[string]any{"query": "password"},
			wantOK:   true,
		},
		{
			name:     "double encoded arguments",
			obj:      map[string]any{"tool": "bash", "arguments": `{"command": "uname"}`},
			wantName: "bash",
			wantArgs: map[string]any{"command": "uname"},
			wantOK:   true,
		},
		{
			name:     "envelope without container keys",
			obj:      map[string]any{"tool": "bash", "command": "ls", "timeout": float64(30)},
			wantName: "bash",
			wantArgs: map[string]any{"command": "ls", "timeout": float64(30)},
			wantOK:   true,
		},
		{
			name:   "bare name with nothing else",
			obj:    map[string]any{"tool": "bash"},
			wantOK: false,
		},
		{
			name:   "no rule matches",
			obj:    map[string]any{"status": "found", "severity": "high"},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, ok := classifyCall(tt.obj)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantName, name)
				assert.Equal(t, tt.wantArgs, args)
			}
		})
	}
}

func TestMergeCallsDeduplicates(t *testing.T) {
	native := []llm.ToolCall{
		{ID: "call-1", Name: "bash", Arguments: `{"command":"id","timeout":30}`},
	}
	inline := []llm.ToolCall{
		// Same call with keys in a different order: narration of the native call.
		{ID: "inline-1", Name: "bash", Arguments: `{"timeout":30,"command":"id"}`},
		{ID: "inline-2", Name: "bash", Arguments: `{"command":"whoami"}`},
	}

	merged := mergeCalls(native, inline)
	require.Len(t, merged, 2)
	assert.Equal(t, "call-1", merged[0].ID)
	assert.Equal(t, "inline-2", merged[1].ID)
}

func TestMergeCallsNoInline(t *testing.T) {
	native := []llm.ToolCall{{ID: "call-1", Name: "bash", Arguments: `{}`}}
	assert.Equal(t, native, mergeCalls(native, nil))
	assert.Len(t, mergeCalls(nil, native), 1)
}
