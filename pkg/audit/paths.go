// Package audit implements the per-session audit trail: an append-only
// events.jsonl stream, an authoritative metrics.json per-agent record, and a
// console.log tee. The session store is a mirror of this log and is
// re-synchronised from it by the reconciler.
package audit

import (
	"net/url"
	"path/filepath"
	"strings"
)

// DirFor returns the audit directory for one session:
// <root>/<sanitized-target-host>_<session-id>.
func DirFor(root, target, sessionID string) string {
	return filepath.Join(root, SanitizeTarget(target)+"_"+sessionID)
}

// SanitizeTarget reduces a target (URL or path) to a filesystem-safe label:
// the URL host when parseable, otherwise the path basename, with anything
// outside [a-zA-Z0-9.-] mapped to '-'.
func SanitizeTarget(target string) string {
	label := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		label = u.Host
	} else {
		label = filepath.Base(target)
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "target"
	}
	return out
}
