package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// httpTools builds and parses raw HTTP/1.1 request text. Building keeps the
// Content-Length byte-accurate so hand-crafted payloads survive the trip
// through proxies and replay tools.
type httpTools struct{}

func (h *httpTools) buildDefinition() (string, string, map[string]any) {
	return "http_request",
		"Build a raw HTTP/1.1 request with an accurate Content-Length, ready to send with curl --data-binary or a replay tool.",
		Object(map[string]any{
			"method":  String("HTTP method, e.g. GET or POST."),
			"url":     String("Full target URL including scheme and host."),
			"headers": map[string]any{"type": "object", "description": "Extra request headers.", "additionalProperties": map[string]any{"type": "string"}},
			"body":    String("Request body; Content-Length is computed from its byte length."),
		}, "method", "url")
}

func (h *httpTools) build(ctx context.Context, args map[string]any) (*Result, error) {
	method := strings.ToUpper(strings.TrimSpace(stringArg(args, "method")))
	if method == "" {
		return Errf("method is required"), nil
	}
	rawURL := strings.TrimSpace(stringArg(args, "url"))
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return Errf("url must be absolute with scheme and host: %q", rawURL), nil
	}

	target := parsed.RequestURI()
	if target == "" {
		target = "/"
	}
	body := stringArg(args, "body")

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, target)
	fmt.Fprintf(&b, "Host: %s\r\n", parsed.Host)

	headers := mapArg(args, "headers")
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		canon := strings.ToLower(name)
		if canon == "host" || canon == "content-length" {
			continue
		}
		value, _ := headers[name].(string)
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}

	if body != "" || method == "POST" || method == "PUT" || method == "PATCH" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.WriteString(body)

	return Ok(b.String()), nil
}

func (h *httpTools) parseDefinition() (string, string, map[string]any) {
	return "parse_http_request",
		"Parse a raw HTTP request (e.g. captured from a proxy) into its method, target, headers, and body.",
		Object(map[string]any{
			"raw": String("Raw HTTP request text."),
		}, "raw")
}

type parsedRequest struct {
	Method  string            `json:"method"`
	Target  string            `json:"target"`
	Proto   string            `json:"proto"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (h *httpTools) parse(ctx context.Context, args map[string]any) (*Result, error) {
	raw := stringArg(args, "raw")
	if strings.TrimSpace(raw) == "" {
		return Errf("raw request text is required"), nil
	}
	// Normalise line endings; captures pasted from terminals lose the \r.
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	head, body, _ := strings.Cut(raw, "\n\n")
	lines := strings.Split(head, "\n")
	requestLine := strings.Fields(strings.TrimSpace(lines[0]))
	if len(requestLine) < 2 {
		return Errf("malformed request line: %q", lines[0]), nil
	}

	parsed := parsedRequest{
		Method:  requestLine[0],
		Target:  requestLine[1],
		Proto:   "HTTP/1.1",
		Headers: map[string]string{},
		Body:    body,
	}
	if len(requestLine) >= 3 {
		parsed.Proto = requestLine[2]
	}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Errf("malformed header line: %q", line), nil
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if existing, dup := parsed.Headers[name]; dup {
			value = existing + ", " + value
		}
		parsed.Headers[name] = value
	}

	out, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return Errf("encoding parsed request: %v", err), nil
	}
	return Ok(string(out)), nil
}
