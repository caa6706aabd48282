package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/osprey-sec/osprey/pkg/llm"
)

// The loop detector watches assistant turns for unproductive repetition:
// the same tool-call set turn after turn, search sprawl, and report agents
// re-reading sources instead of writing. Detection injects one corrective
// nudge; a short suppression window keeps it from firing every turn.

// detectWindow is how many recent assistant turns the sprawl and re-read
// rules examine.
const detectWindow = 12

// rereadLimit is how many reads of one path a reporting agent gets within
// the window before the detector calls it.
const rereadLimit = 3

// nudgeCooldown is the minimum number of turns between loop nudges.
const nudgeCooldown = 3

type turnRecord struct {
	fingerprint string
	searchCalls int
	readPaths   []string
}

type loopDetector struct {
	repeatLimit   int
	searchBudget  int
	reporting     bool
	records       []turnRecord
	lastNudgeTurn int
}

func newLoopDetector(repeatLimit, searchBudget int, reporting bool) *loopDetector {
	return &loopDetector{
		repeatLimit:   repeatLimit,
		searchBudget:  searchBudget,
		reporting:     reporting,
		lastNudgeTurn: -nudgeCooldown,
	}
}

// observe records one assistant turn's tool calls.
func (d *loopDetector) observe(calls []llm.ToolCall, resolve func(string) string) {
	rec := turnRecord{fingerprint: fingerprint(calls)}
	for _, tc := range calls {
		name := resolve(tc.Name)
		args := decodeArgs(tc.Arguments)
		if searchClassCall(name, args) {
			rec.searchCalls++
		}
		if name == "read_file" {
			if path, ok := args["path"].(string); ok {
				rec.readPaths = append(rec.readPaths, path)
			}
		}
	}
	d.records = append(d.records, rec)
}

// check reports a loop reason when one of the rules fires and the cooldown
// has passed.
func (d *loopDetector) check(turn int) (string, bool) {
	if turn-d.lastNudgeTurn < nudgeCooldown {
		return "", false
	}
	if reason, ok := d.findLoop(); ok {
		d.lastNudgeTurn = turn
		return reason, true
	}
	return "", false
}

func (d *loopDetector) findLoop() (string, bool) {
	if len(d.records) >= d.repeatLimit {
		tail := d.records[len(d.records)-d.repeatLimit:]
		identical := tail[0].fingerprint != ""
		for _, rec := range tail[1:] {
			if rec.fingerprint != tail[0].fingerprint {
				identical = false
				break
			}
		}
		if identical {
			return fmt.Sprintf("the exact same tool calls were issued %d turns in a row", d.repeatLimit), true
		}
	}

	window := d.records
	if len(window) > detectWindow {
		window = window[len(window)-detectWindow:]
	}
	searches := 0
	for _, rec := range window {
		searches += rec.searchCalls
	}
	if searches > d.searchBudget {
		return fmt.Sprintf("%d search/read calls within the last %d turns", searches, len(window)), true
	}

	if d.reporting {
		counts := map[string]int{}
		for _, rec := range window {
			for _, p := range rec.readPaths {
				counts[p]++
			}
		}
		for path, n := range counts {
			if n >= rereadLimit {
				return fmt.Sprintf("%s was re-read %d times; its content has not changed", path, n), true
			}
		}
	}
	return "", false
}

// fingerprint canonicalises a turn's tool-call set: order-independent,
// argument-key-order-independent.
func fingerprint(calls []llm.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, tc := range calls {
		parts = append(parts, tc.Name+"("+canonicalJSON(tc.Arguments)+")")
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// searchClassCall classifies search/open/read-style activity, including
// shell invocations of the usual search commands.
func searchClassCall(name string, args map[string]any) bool {
	switch name {
	case "search_file", "read_file", "list_files":
		return true
	case "bash":
		command, _ := args["command"].(string)
		switch firstShellWord(command) {
		case "rg", "grep", "egrep", "find", "fd", "cat", "head", "tail", "ls", "ag":
			return true
		}
	}
	return false
}

func firstShellWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// decodeArgs parses tool-call argument JSON; malformed arguments decode to
// an empty map (validation rejects them later anyway).
func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}
