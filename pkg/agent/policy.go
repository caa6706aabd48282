package agent

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/tools"
)

// Pre-execute policy: argument rewrites and vetoes applied between alias
// resolution and registry dispatch. Rewrites fix predictable model mistakes
// (hallucinated prefixes, mis-filed deliverable types); vetoes stop calls
// that schema validation cannot catch (localhost against a remote target,
// re-delegating a finished task).

var commandPrefixRe = regexp.MustCompile(`(?i)^\s*(?:command|bash|sh)\s*:\s*`)

var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

// applyPolicy mutates args in place and returns a non-nil Result when the
// call is answered without reaching the registry.
func applyPolicy(spec models.AgentSpec, target string, done map[string]string, name string, args map[string]any) *tools.Result {
	switch name {
	case "save_deliverable":
		if declared, ok := args["deliverable_type"].(string); ok {
			coerced := models.CoerceType(spec.Name, models.DeliverableType(strings.ToUpper(declared)))
			args["deliverable_type"] = string(coerced)
		}
	case "bash":
		command, ok := args["command"].(string)
		if !ok {
			return nil
		}
		command = unwrapCommand(command)
		command = commandPrefixRe.ReplaceAllString(command, "")
		args["command"] = command
		if spec.Name == "api-fuzzer" && targetIsRemote(target) && referencesLocalhost(command) {
			return &tools.Result{
				Status:   tools.StatusError,
				Output:   "Blocked: api-fuzzer must use target " + target + ", not localhost. Rewrite the command against the real target.",
				ExitCode: 2,
			}
		}
	case "SubAgent":
		task, ok := args["task"].(string)
		if !ok {
			return nil
		}
		if summary, seen := done[task]; seen {
			return tools.Ok("Task already completed this session. Cached summary:\n" + summary)
		}
	}
	return nil
}

// targetIsRemote reports whether the assessment target resolves to a
// non-loopback host.
func targetIsRemote(target string) bool {
	host := targetHost(target)
	if host == "" {
		return false
	}
	return !localHosts[host] && !strings.HasPrefix(host, "127.")
}

func targetHost(target string) string {
	raw := target
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// referencesLocalhost reports whether a shell command points at the local
// machine.
func referencesLocalhost(command string) bool {
	lower := strings.ToLower(command)
	return strings.Contains(lower, "localhost") ||
		strings.Contains(lower, "127.0.0.") ||
		strings.Contains(lower, "0.0.0.0") ||
		strings.Contains(lower, "[::1]")
}
