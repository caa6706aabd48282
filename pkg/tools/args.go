package tools

import "encoding/json"

// Argument getters tolerant of the two shapes arguments arrive in: decoded
// JSON (float64 numbers) from model tool calls, and native Go values from
// in-process callers.

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func mapArg(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

func sliceArg(args map[string]any, key string) []any {
	v, _ := args[key].([]any)
	return v
}
