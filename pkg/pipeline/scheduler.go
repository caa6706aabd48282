package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/oserr"
)

// RunAll reconciles the session against its audit log, then drives every
// phase of its pipeline in order. Agent failures do not abort the run;
// downstream agents decide for themselves via prerequisites, but a
// cancelled context stops scheduling immediately.
func (k *Kernel) RunAll(ctx context.Context, sess *models.Session) error {
	p, ok := models.PipelineByName(sess.Pipeline)
	if !ok {
		return oserr.Validation("unknown pipeline: %s", sess.Pipeline)
	}
	logger := slog.With("session_id", sess.ID, "pipeline", p.Name, "target", sess.Target)

	if _, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{
		DemoteStaleRunning: true,
		StaleRunning:       k.Config.Scheduler.StaleRunning,
	}); err != nil {
		return err
	}

	logger.Info("Starting pipeline run", "phases", len(p.Phases))
	for _, phase := range p.Phases {
		if err := k.runPhase(ctx, p, phase, sess.ID); err != nil {
			return err
		}
	}

	final, err := k.Store.Get(sess.ID)
	if err != nil {
		return err
	}
	logger.Info("Pipeline run finished",
		"status", string(final.Status),
		"completed", len(final.CompletedAgents),
		"skipped", len(final.SkippedAgents),
		"failed", len(final.FailedAgents))
	return nil
}

// RunPhase executes one named phase of the session's pipeline.
func (k *Kernel) RunPhase(ctx context.Context, sess *models.Session, phase models.Phase) error {
	p, ok := models.PipelineByName(sess.Pipeline)
	if !ok {
		return oserr.Validation("unknown pipeline: %s", sess.Pipeline)
	}
	if !p.HasPhase(phase) {
		return oserr.Validation("pipeline %s has no phase %q", p.Name, phase)
	}
	return k.runPhase(ctx, p, phase, sess.ID)
}

// RunAgent executes a single agent regardless of its current status; the
// rerun path. Missing prerequisites are logged, not enforced: an explicit
// rerun is operator intent.
func (k *Kernel) RunAgent(ctx context.Context, sess *models.Session, agentName string) error {
	p, ok := models.PipelineByName(sess.Pipeline)
	if !ok {
		return oserr.Validation("unknown pipeline: %s", sess.Pipeline)
	}
	spec, ok := p.AgentByName(agentName)
	if !ok {
		return oserr.Validation("unknown agent %q in pipeline %s", agentName, p.Name)
	}
	if err := ctx.Err(); err != nil {
		return oserr.Interrupt("cancelled before agent %s", agentName)
	}
	fresh, err := k.Store.Get(sess.ID)
	if err != nil {
		return err
	}
	if missing := missingPrerequisites(fresh, spec); len(missing) > 0 {
		slog.Warn("Running agent despite missing prerequisites",
			"session_id", sess.ID, "agent", agentName, "missing", missing)
	}
	k.executeAgent(ctx, fresh, spec)
	return nil
}

// runPhase schedules the phase's eligible agents: everything not already
// completed or skipped, in Order. Fan-out phases go through the semaphore;
// sequential phases run strictly in order and continue past failures.
func (k *Kernel) runPhase(ctx context.Context, p models.Pipeline, phase models.Phase, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return oserr.Interrupt("pipeline cancelled before phase %s", phase)
	}
	sess, err := k.Store.Get(sessionID)
	if err != nil {
		return err
	}

	var eligible []models.AgentSpec
	for _, spec := range p.AgentsInPhase(phase) {
		if slices.Contains(sess.CompletedAgents, spec.Name) || slices.Contains(sess.SkippedAgents, spec.Name) {
			continue
		}
		eligible = append(eligible, spec)
	}
	if len(eligible) == 0 {
		slog.Debug("Phase has no eligible agents", "session_id", sessionID, "phase", string(phase))
		return nil
	}

	slog.Info("Phase starting",
		"session_id", sessionID,
		"phase", string(phase),
		"agents", len(eligible),
		"fan_out", models.FanOut(phase))

	if models.FanOut(phase) {
		return k.runFanOut(ctx, sessionID, phase, eligible)
	}
	for _, spec := range eligible {
		if err := ctx.Err(); err != nil {
			return oserr.Interrupt("phase %s cancelled before agent %s", phase, spec.Name)
		}
		k.runEligible(ctx, sessionID, spec)
	}
	return nil
}

// runFanOut launches the eligible agents as independent goroutines, at most
// parallelLimit in flight. Launch order follows AgentSpec.Order; completion
// order is whatever the agents make of it.
func (k *Kernel) runFanOut(ctx context.Context, sessionID string, phase models.Phase, eligible []models.AgentSpec) error {
	limit := int64(k.Config.Scheduler.ParallelLimit)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	for _, spec := range eligible {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(spec models.AgentSpec) {
			defer wg.Done()
			defer sem.Release(1)
			k.runEligible(ctx, sessionID, spec)
		}(spec)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return oserr.Interrupt("phase %s cancelled", phase)
	}
	return nil
}

// runEligible re-checks prerequisites against live session state (an agent
// earlier in the same phase may have just completed or failed), then either
// records a skip or executes.
func (k *Kernel) runEligible(ctx context.Context, sessionID string, spec models.AgentSpec) {
	sess, err := k.Store.Get(sessionID)
	if err != nil {
		slog.Error("Cannot load session for agent",
			"session_id", sessionID, "agent", spec.Name, "error", err)
		return
	}
	if missing := missingPrerequisites(sess, spec); len(missing) > 0 {
		if err := k.Store.MarkSkipped(sessionID, spec.Name); err != nil {
			slog.Error("Failed to mark agent skipped", "agent", spec.Name, "error", err)
			return
		}
		k.Audit.LogEvent(models.EventStatus, spec.Name, map[string]any{
			"status":  "skipped",
			"missing": missing,
		})
		slog.Warn("Agent skipped: prerequisites not completed",
			"session_id", sessionID, "agent", spec.Name, "missing", missing)
		return
	}
	k.executeAgent(ctx, sess, spec)
}

// executeAgent wraps one agent invocation: markRunning, run the loop, then
// markCompleted with a checkpoint or markFailed, mirroring timing and cost
// onto the session and appending the attempt to the audit metrics.
func (k *Kernel) executeAgent(ctx context.Context, sess *models.Session, spec models.AgentSpec) {
	logger := slog.With("session_id", sess.ID, "agent", spec.Name, "phase", string(spec.Phase))

	if err := k.Store.MarkRunning(sess.ID, spec.Name); err != nil {
		logger.Error("Failed to mark agent running", "error", err)
		return
	}
	k.Audit.LogEvent(models.EventAttemptStart, spec.Name, map[string]any{
		"display_name": spec.DisplayName,
	})
	logger.Info("Agent starting", "display_name", spec.DisplayName)

	started := time.Now().UTC()
	result := k.executor().Execute(ctx, sess, spec)
	ended := time.Now().UTC()

	usage := result.Usage
	attempt := models.Attempt{
		StartedAt:  started,
		EndedAt:    ended,
		CostUSD:    k.Config.LLM.Cost(usage.PromptTokens, usage.CompletionTokens),
		TokenUsage: &usage,
	}
	if result.Success() {
		attempt.Status = models.AttemptSuccess
		attempt.Checkpoint = k.snapshot(spec, logger)
	} else {
		attempt.Status = models.AttemptFailed
		if result.Err != nil {
			attempt.Error = result.Err.Error()
		}
	}

	if err := k.recordOutcome(sess.ID, spec.Name, attempt, ended.Sub(started)); err != nil {
		logger.Error("Failed to record agent outcome", "error", err)
	}
	if k.Audit != nil {
		if err := k.Audit.RecordAttempt(spec.Name, attempt); err != nil {
			logger.Warn("Failed to record attempt metrics", "error", err)
		}
	}
	k.Audit.LogEvent(models.EventAttemptEnd, spec.Name, map[string]any{
		"status":   string(attempt.Status),
		"turns":    result.Turns,
		"cost_usd": attempt.CostUSD,
	})
	logger.Info("Agent finished",
		"status", string(attempt.Status),
		"turns", result.Turns,
		"duration_ms", ended.Sub(started).Milliseconds(),
		"cost_usd", attempt.CostUSD)
}

// snapshot takes the post-agent workspace checkpoint. Snapshot failures
// surface as a missing checkpoint, not a failed agent.
func (k *Kernel) snapshot(spec models.AgentSpec, logger *slog.Logger) string {
	if k.Checkpoints == nil {
		return ""
	}
	hash, err := k.Checkpoints.Snapshot(spec.Name, spec.DisplayName+" completed")
	if err != nil {
		logger.Warn("Checkpoint snapshot failed", "error", err)
		return ""
	}
	k.Audit.LogEvent(models.EventCheckpoint, spec.Name, map[string]any{"hash": hash})
	return hash
}

// recordOutcome applies the terminal transition plus the timing and cost
// mirrors in one store write.
func (k *Kernel) recordOutcome(sessionID, agentName string, attempt models.Attempt, dur time.Duration) error {
	_, err := k.Store.Update(sessionID, func(s *models.Session) error {
		s.RemoveAgent(agentName)
		if attempt.Status == models.AttemptSuccess {
			s.CompletedAgents = models.AddUnique(s.CompletedAgents, agentName)
			if attempt.Checkpoint != "" {
				if s.Checkpoints == nil {
					s.Checkpoints = map[string]string{}
				}
				s.Checkpoints[agentName] = attempt.Checkpoint
			}
		} else {
			s.FailedAgents = models.AddUnique(s.FailedAgents, agentName)
		}
		if s.TimingBreakdown == nil {
			s.TimingBreakdown = map[string]int64{}
		}
		s.TimingBreakdown[agentName] = dur.Milliseconds()
		if s.CostBreakdown == nil {
			s.CostBreakdown = map[string]float64{}
		}
		s.CostBreakdown[agentName] = attempt.CostUSD
		return nil
	})
	return err
}

// missingPrerequisites lists the prerequisites not yet completed.
func missingPrerequisites(sess *models.Session, spec models.AgentSpec) []string {
	var missing []string
	for _, pre := range spec.Prerequisites {
		if !slices.Contains(sess.CompletedAgents, pre) {
			missing = append(missing, pre)
		}
	}
	return missing
}
