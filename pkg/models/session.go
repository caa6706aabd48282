// Package models defines the durable data model: sessions, agent descriptors,
// deliverable types, and audit records. Everything here is plain data; the
// session store, audit log, and scheduler operate on these types.
package models

import (
	"slices"
	"time"
)

// SessionStatus is the derived lifecycle label of a session.
type SessionStatus string

const (
	StatusInProgress  SessionStatus = "in-progress"
	StatusRunning     SessionStatus = "running"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
	StatusInterrupted SessionStatus = "interrupted"
)

// Session is one pipeline run against a (target, workspace) pair.
// The four agent sets are pairwise disjoint; Status is recomputed from them
// on every store write.
type Session struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	Workspace  string `json:"workspace"`
	ConfigPath string `json:"config_path,omitempty"`
	Pipeline   string `json:"pipeline"`

	Status SessionStatus `json:"status"`

	CompletedAgents []string `json:"completed_agents"`
	SkippedAgents   []string `json:"skipped_agents"`
	FailedAgents    []string `json:"failed_agents"`
	RunningAgents   []string `json:"running_agents"`

	// Checkpoints maps agent name to the workspace snapshot taken after that
	// agent completed.
	Checkpoints map[string]string `json:"checkpoints,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// TimingBreakdown maps agent name to wall-clock duration in milliseconds;
	// CostBreakdown maps agent name to USD. Both mirror the audit log.
	TimingBreakdown map[string]int64   `json:"timing_breakdown,omitempty"`
	CostBreakdown   map[string]float64 `json:"cost_breakdown,omitempty"`
}

// Clone returns a deep copy so callers can read without holding store locks.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedAgents = slices.Clone(s.CompletedAgents)
	c.SkippedAgents = slices.Clone(s.SkippedAgents)
	c.FailedAgents = slices.Clone(s.FailedAgents)
	c.RunningAgents = slices.Clone(s.RunningAgents)
	c.Checkpoints = cloneMap(s.Checkpoints)
	c.TimingBreakdown = cloneMap(s.TimingBreakdown)
	c.CostBreakdown = cloneMap(s.CostBreakdown)
	return &c
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	c := make(map[string]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// HasAgent reports whether agent appears in any of the four sets.
func (s *Session) HasAgent(agent string) bool {
	return slices.Contains(s.CompletedAgents, agent) ||
		slices.Contains(s.SkippedAgents, agent) ||
		slices.Contains(s.FailedAgents, agent) ||
		slices.Contains(s.RunningAgents, agent)
}

// RemoveAgent drops agent from all four sets.
func (s *Session) RemoveAgent(agent string) {
	s.CompletedAgents = removeOne(s.CompletedAgents, agent)
	s.SkippedAgents = removeOne(s.SkippedAgents, agent)
	s.FailedAgents = removeOne(s.FailedAgents, agent)
	s.RunningAgents = removeOne(s.RunningAgents, agent)
}

func removeOne(set []string, agent string) []string {
	out := set[:0]
	for _, a := range set {
		if a != agent {
			out = append(out, a)
		}
	}
	return slices.Clip(out)
}

// AddUnique appends agent to set unless already present.
func AddUnique(set []string, agent string) []string {
	if slices.Contains(set, agent) {
		return set
	}
	return append(set, agent)
}

// PipelineComplete reports whether every agent of the pipeline is completed
// or skipped.
func (s *Session) PipelineComplete(p Pipeline) bool {
	for _, a := range p.Agents {
		if !slices.Contains(s.CompletedAgents, a.Name) && !slices.Contains(s.SkippedAgents, a.Name) {
			return false
		}
	}
	return true
}

// DeriveStatus computes the session status from the four agent sets. It never
// yields StatusInterrupted; that label is applied only by the signal path and
// the staleness sweep, and the store keeps it sticky while the derived status
// would be in-progress.
func DeriveStatus(p Pipeline, completed, skipped, failed, running []string) SessionStatus {
	if len(running) > 0 {
		return StatusRunning
	}
	covered := 0
	anyFailed := false
	for _, a := range p.Agents {
		switch {
		case slices.Contains(completed, a.Name), slices.Contains(skipped, a.Name):
			covered++
		case slices.Contains(failed, a.Name):
			covered++
			anyFailed = true
		}
	}
	if covered == len(p.Agents) {
		if anyFailed {
			return StatusFailed
		}
		return StatusCompleted
	}
	return StatusInProgress
}
