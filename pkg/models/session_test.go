package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	p := Pipeline{
		Name:   "test",
		Agents: []AgentSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	}

	tests := []struct {
		name                                string
		completed, skipped, failed, running []string
		want                                SessionStatus
	}{
		{"fresh session", nil, nil, nil, nil, StatusInProgress},
		{"anything running wins", []string{"a", "b", "c"}, nil, nil, []string{"a"}, StatusRunning},
		{"all completed", []string{"a", "b", "c"}, nil, nil, nil, StatusCompleted},
		{"completed plus skipped", []string{"a", "b"}, []string{"c"}, nil, nil, StatusCompleted},
		{"partial progress", []string{"a"}, nil, nil, nil, StatusInProgress},
		{"failure with work remaining", []string{"a"}, nil, []string{"b"}, nil, StatusInProgress},
		{"failure with pipeline covered", []string{"a", "b"}, nil, []string{"c"}, nil, StatusFailed},
		{"all failed", nil, nil, []string{"a", "b", "c"}, nil, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(p, tt.completed, tt.skipped, tt.failed, tt.running)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionSets(t *testing.T) {
	s := &Session{
		CompletedAgents: []string{"a", "b"},
		RunningAgents:   []string{"c"},
	}

	assert.True(t, s.HasAgent("a"))
	assert.True(t, s.HasAgent("c"))
	assert.False(t, s.HasAgent("z"))

	s.RemoveAgent("a")
	assert.False(t, s.HasAgent("a"))
	assert.Equal(t, []string{"b"}, s.CompletedAgents)

	s.RemoveAgent("c")
	assert.Empty(t, s.RunningAgents)

	// Removing an absent agent is a no-op.
	s.RemoveAgent("z")
	assert.Equal(t, []string{"b"}, s.CompletedAgents)
}

func TestAddUnique(t *testing.T) {
	set := AddUnique(nil, "a")
	set = AddUnique(set, "b")
	set = AddUnique(set, "a")
	assert.Equal(t, []string{"a", "b"}, set)
}

func TestSessionClone_Independent(t *testing.T) {
	s := &Session{
		ID:              "s1",
		CompletedAgents: []string{"a"},
		Checkpoints:     map[string]string{"a": "c1"},
		CostBreakdown:   map[string]float64{"a": 0.5},
	}
	c := s.Clone()
	require.NotNil(t, c)

	c.CompletedAgents = append(c.CompletedAgents, "b")
	c.Checkpoints["b"] = "c2"
	c.CostBreakdown["b"] = 1.0

	assert.Equal(t, []string{"a"}, s.CompletedAgents)
	assert.NotContains(t, s.Checkpoints, "b")
	assert.NotContains(t, s.CostBreakdown, "b")

	var nilSession *Session
	assert.Nil(t, nilSession.Clone())
}

func TestPipelineComplete(t *testing.T) {
	p := Pipeline{Agents: []AgentSpec{{Name: "a"}, {Name: "b"}}}

	s := &Session{CompletedAgents: []string{"a"}}
	assert.False(t, s.PipelineComplete(p))

	s.SkippedAgents = []string{"b"}
	assert.True(t, s.PipelineComplete(p))
}
