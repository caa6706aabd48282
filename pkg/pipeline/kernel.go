// Package pipeline drives a session through its pipeline: phases in fixed
// order, agents within a phase sequentially or in a bounded fan-out,
// prerequisites enforced as skips, and every outcome recorded in both the
// session store and the audit log. The reconciler rebuilds the store's
// agent-status sets from the audit log after crashes or out-of-band edits;
// the audit log wins.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/osprey-sec/osprey/pkg/agent"
	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/checkpoint"
	"github.com/osprey-sec/osprey/pkg/config"
	"github.com/osprey-sec/osprey/pkg/llm"
	"github.com/osprey-sec/osprey/pkg/mcp"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/notify"
	"github.com/osprey-sec/osprey/pkg/oserr"
	"github.com/osprey-sec/osprey/pkg/session"
)

// AgentExecutor runs one agent conversation to a terminal result. The
// shipped executor wraps agent.Runner; tests substitute scripted executors.
type AgentExecutor interface {
	Execute(ctx context.Context, sess *models.Session, spec models.AgentSpec) *agent.Result
}

// Kernel bundles the long-lived collaborators a pipeline run needs. It is
// assembled once in the CLI and passed explicitly; no package-level state.
type Kernel struct {
	Config      *config.Config
	Profile     *config.Profile
	Store       *session.Store
	Audit       *audit.Logger
	LLM         llm.Client
	MCP         *mcp.Client      // nil when no tool servers are configured
	Checkpoints checkpoint.Provider
	Notifier    *notify.Notifier // nil disables notifications

	// Executor overrides the runner-backed default. Leave nil outside tests.
	Executor AgentExecutor
}

func (k *Kernel) executor() AgentExecutor {
	if k.Executor != nil {
		return k.Executor
	}
	return runnerExecutor{k}
}

// runnerExecutor is the production executor: one agent.Runner conversation
// per call, sharing the kernel's clients.
type runnerExecutor struct {
	k *Kernel
}

func (e runnerExecutor) Execute(ctx context.Context, sess *models.Session, spec models.AgentSpec) *agent.Result {
	r := &agent.Runner{
		Config:    e.k.Config,
		Profile:   e.k.Profile,
		LLM:       e.k.LLM,
		MCP:       e.k.MCP,
		Audit:     e.k.Audit,
		Target:    sess.Target,
		Workspace: sess.Workspace,
	}
	return r.Run(ctx, spec)
}

// RollbackTo restores the workspace to the snapshot taken after the named
// agent and forgets that agent and everything after it: their checkpoints
// and status entries leave the session, and their audited successes gain a
// rolled-back attempt so reconciliation cannot resurrect them. The named
// agent is cleared too; a rollback exists to rerun it.
func (k *Kernel) RollbackTo(sessionID, agentName string) error {
	sess, err := k.Store.Get(sessionID)
	if err != nil {
		return err
	}
	p, ok := models.PipelineByName(sess.Pipeline)
	if !ok {
		return oserr.Validation("unknown pipeline: %s", sess.Pipeline)
	}
	if _, ok := p.AgentByName(agentName); !ok {
		return oserr.Validation("unknown agent %q in pipeline %s", agentName, p.Name)
	}
	hash := sess.Checkpoints[agentName]
	if hash == "" {
		return oserr.Validation("no checkpoint recorded for agent %s", agentName)
	}
	if k.Checkpoints == nil {
		return oserr.Validation("checkpointing is not available for this session")
	}
	if err := k.Checkpoints.Rollback(hash); err != nil {
		return err
	}

	cleared := append([]string{agentName}, p.AgentsAfter(agentName)...)
	if k.Audit != nil {
		now := time.Now().UTC()
		metrics := k.Audit.Metrics()
		for _, name := range cleared {
			am := metrics.Agents[name]
			if am == nil || am.Status != models.AttemptSuccess {
				continue
			}
			marker := models.Attempt{StartedAt: now, EndedAt: now, Status: models.AttemptRolledBack}
			if err := k.Audit.RecordAttempt(name, marker); err != nil {
				slog.Warn("Failed to record rolled-back attempt", "agent", name, "error", err)
			}
		}
	}

	if _, err := k.Store.Update(sessionID, func(s *models.Session) error {
		for _, name := range cleared {
			s.RemoveAgent(name)
			delete(s.Checkpoints, name)
		}
		return nil
	}); err != nil {
		return err
	}

	k.Audit.LogEvent(models.EventStatus, agentName, map[string]any{
		"action":     "rollback",
		"checkpoint": hash,
		"cleared":    cleared,
	})
	slog.Info("Workspace rolled back to checkpoint",
		"session_id", sessionID,
		"agent", agentName,
		"agents_cleared", len(cleared))
	return nil
}

// NotifyTerminal reports the session's terminal status through the notifier.
// Call it once per command after the run settles, with a context that
// survives cancellation; it never fails the run.
func (k *Kernel) NotifyTerminal(ctx context.Context, sessionID string) {
	sess, err := k.Store.Get(sessionID)
	if err != nil {
		slog.Warn("Skipping terminal notification", "session_id", sessionID, "error", err)
		return
	}
	k.Notifier.SessionDone(ctx, sess)
}
