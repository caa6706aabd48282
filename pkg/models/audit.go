package models

import "time"

// EventKind classifies an audit event.
type EventKind string

const (
	EventAttemptStart EventKind = "attempt_start"
	EventAttemptEnd   EventKind = "attempt_end"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventPromptSize   EventKind = "prompt_size"
	EventCheckpoint   EventKind = "checkpoint"
	EventStatus       EventKind = "status"
	EventNudge        EventKind = "nudge"
	EventSubAgent     EventKind = "subagent"
)

// Event is one line of the per-session append-only audit stream.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Kind      EventKind      `json:"kind"`
	Agent     string         `json:"agent,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AttemptStatus is the terminal status of one agent attempt.
type AttemptStatus string

const (
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRolledBack AttemptStatus = "rolled-back"
)

// TokenUsage aggregates token consumption across LLM calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Attempt is one recorded run of an agent.
type Attempt struct {
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Status     AttemptStatus `json:"status"`
	Checkpoint string        `json:"checkpoint,omitempty"`
	CostUSD    float64       `json:"cost_usd,omitempty"`
	TokenUsage *TokenUsage   `json:"token_usage,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// AgentMetrics is the authoritative per-agent record in metrics.json.
// Status reflects the latest attempt; a rolled-back agent has its checkpoint
// cleared.
type AgentMetrics struct {
	Status          AttemptStatus `json:"status"`
	Attempts        []Attempt     `json:"attempts"`
	TotalCostUSD    float64       `json:"total_cost_usd"`
	FinalDurationMS int64         `json:"final_duration_ms"`
	Checkpoint      string        `json:"checkpoint,omitempty"`
}

// Metrics is the full metrics.json document for one session.
type Metrics struct {
	Agents map[string]*AgentMetrics `json:"agents"`
}
