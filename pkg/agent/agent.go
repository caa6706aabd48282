// Package agent implements the LLM-driven execution loop: prompt assembly,
// turn budgeting, tool-call extraction and dispatch, history compression,
// loop detection, deliverable enforcement, and sub-agent delegation. One
// Runner serves one session; Run drives one agent conversation to a terminal
// result.
package agent

import (
	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/config"
	"github.com/osprey-sec/osprey/pkg/llm"
	"github.com/osprey-sec/osprey/pkg/mcp"
	"github.com/osprey-sec/osprey/pkg/models"
)

// Runner executes agents for one session. It is safe for concurrent Run
// calls (fan-out phases): each call builds its own registry and transcript,
// sharing only the LLM client, the MCP client, and the audit logger.
type Runner struct {
	Config    *config.Config
	Profile   *config.Profile
	LLM       llm.Client
	MCP       *mcp.Client // nil when no tool servers are configured
	Audit     *audit.Logger
	Target    string
	Workspace string
}

// Status is the terminal state of one agent invocation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome of one Run call. Err is set when Status is failed;
// the scheduler records it on the attempt rather than crashing the phase.
type Result struct {
	Status    Status
	FinalText string
	Turns     int
	Usage     models.TokenUsage
	Err       error
}

// Success reports whether the run completed.
func (r *Result) Success() bool { return r.Status == StatusCompleted }
