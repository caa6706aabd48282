package llm

import (
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// errorClass buckets provider failures for the retry policy.
type errorClass int

const (
	classTransient errorClass = iota
	classRateLimited
	classFatal
)

// fatalMarkers identify errors where retrying cannot help: bad credentials,
// exhausted quota, provider-side OOM, permission problems.
var fatalMarkers = []string{
	"invalid api key",
	"incorrect api key",
	"invalid_api_key",
	"authentication",
	"unauthorized",
	"permission denied",
	"insufficient_quota",
	"quota exceeded",
	"billing",
	"out of memory",
}

// rateLimitMarkers identify throttling responses that want a longer backoff
// floor than ordinary transient failures.
var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"overloaded",
}

// transientMarkers identify network and server hiccups worth retrying.
var transientMarkers = []string{
	"sse timeout",
	"stream timeout",
	"econnreset",
	"connection reset",
	"connection refused",
	"broken pipe",
	"fetch failed",
	"unexpected eof",
	"eof",
	"timeout",
	"temporarily unavailable",
	"bad gateway",
	"service unavailable",
	"internal server error",
}

// classify buckets a provider error. HTTP status wins when present: 429 is a
// rate limit, other 4xx are fatal, 5xx transient. Without a status the error
// text decides; unknown errors default to transient so a flaky proxy cannot
// kill a run, bounded by the retry policy's elapsed-time ceiling.
func classify(err error) errorClass {
	msg := strings.ToLower(err.Error())

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return classRateLimited
		case apiErr.HTTPStatusCode >= 500:
			return classTransient
		case apiErr.HTTPStatusCode >= 400:
			for _, m := range rateLimitMarkers {
				if strings.Contains(msg, m) {
					return classRateLimited
				}
			}
			return classFatal
		}
	}

	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return classFatal
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return classRateLimited
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return classTransient
		}
	}
	return classTransient
}

// IsToolCallParseError reports whether the provider rejected the call because
// it could not parse its own tool-call JSON (seen from constrained-decoding
// backends). The agent loop retries such calls once with tool_choice=none and
// asks for a fenced JSON block instead.
func IsToolCallParseError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "tool call") && !strings.Contains(msg, "tool_call") && !strings.Contains(msg, "function call") {
		return false
	}
	return strings.Contains(msg, "parse") || strings.Contains(msg, "invalid") || strings.Contains(msg, "malformed")
}
