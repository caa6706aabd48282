package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment references in profile YAML using Go template
// syntax: {{.VAR_NAME}}. Plain $ is left untouched: target
// profiles routinely hold regex rules (^admin.*$), password fragments
// (p@ss$word), and shell snippets ($PATH) that sh-style expansion would
// mangle.
//
// Missing variables expand to empty strings; profile validation decides
// whether empty is acceptable. On malformed template syntax the original
// bytes pass through so the YAML parser can produce the clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("profile").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
