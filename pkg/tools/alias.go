package tools

// commonAliases maps the alternate tool spellings models emit under pressure
// to the canonical registered names. Loaded into every registry; the mcp
// bridge adds per-server entries for hyphenated remote names.
var commonAliases = map[string]string{
	// shell
	"Bash":            "bash",
	"shell":           "bash",
	"sh":              "bash",
	"terminal":        "bash",
	"run_command":     "bash",
	"execute_command": "bash",

	// file access
	"Read":        "read_file",
	"open_file":   "read_file",
	"cat":         "read_file",
	"Write":       "write_file",
	"create_file": "write_file",
	"Grep":        "search_file",
	"grep":        "search_file",
	"search":      "search_file",
	"LS":          "list_files",
	"ls":          "list_files",
	"list_dir":    "list_files",

	// planning
	"Todo":        "TodoWrite",
	"todo_write":  "TodoWrite",
	"TodoRead":    "TodoWrite",
	"update_todo": "TodoWrite",

	// delegation
	"Task":      "SubAgent",
	"sub_agent": "SubAgent",
	"subagent":  "SubAgent",
	"agent":     "SubAgent",

	// deliverables
	"save_report":       "save_deliverable",
	"write_deliverable": "save_deliverable",
}
