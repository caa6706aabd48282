package pipeline

import (
	"log/slog"
	"slices"
	"time"

	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/session"
)

// ReconcileOptions tune one reconciliation pass.
type ReconcileOptions struct {
	// DemoteStaleRunning moves running agents whose last audit event is
	// older than StaleRunning into failed. Read-only commands disable it: a
	// status query must not manufacture failures.
	DemoteStaleRunning bool
	// StaleRunning is the inactivity threshold; zero means 30 minutes.
	StaleRunning time.Duration
	// Now pins the staleness clock. Zero means time.Now(); tests pin it.
	Now time.Time
}

// ReconcileReport lists what one pass changed, per action.
type ReconcileReport struct {
	Promoted    []string
	Demoted     []string
	Failed      []string
	StaleFailed []string
}

// Empty reports whether the pass changed nothing.
func (r *ReconcileReport) Empty() bool {
	return len(r.Promoted) == 0 && len(r.Demoted) == 0 &&
		len(r.Failed) == 0 && len(r.StaleFailed) == 0
}

// Reconcile rebuilds the session's agent-status sets from the audit log:
// audited successes are promoted into completed (with their checkpoints),
// audited rollbacks are demoted out, audited failures are recorded, and
// optionally running agents gone silent past the staleness threshold are
// failed. A session already in agreement with its audit log is left
// untouched: no store write, no activity stamp.
func Reconcile(store *session.Store, auditRoot, sessionID string, opts ReconcileOptions) (*ReconcileReport, error) {
	sess, err := store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	metrics, err := audit.ReadMetrics(auditRoot, sess.Target, sessionID)
	if err != nil {
		return nil, err
	}
	lastSeen := map[string]time.Time{}
	if opts.DemoteStaleRunning && len(sess.RunningAgents) > 0 {
		lastSeen, err = audit.LastEventTimes(auditRoot, sess.Target, sessionID)
		if err != nil {
			return nil, err
		}
	}

	probe := applyReconcile(sess, metrics, lastSeen, opts)
	if probe.Empty() {
		return probe, nil
	}

	var report *ReconcileReport
	if _, err := store.Update(sessionID, func(s *models.Session) error {
		report = applyReconcile(s, metrics, lastSeen, opts)
		return nil
	}); err != nil {
		return nil, err
	}
	slog.Info("Reconciled session from audit log",
		"session_id", sessionID,
		"promoted", report.Promoted,
		"demoted", report.Demoted,
		"failed", report.Failed,
		"stale_failed", report.StaleFailed)
	return report, nil
}

// applyReconcile mutates the session toward the audit log's view and reports
// the four action sets. Running it on an already reconciled session changes
// nothing, which is what makes Reconcile idempotent.
func applyReconcile(s *models.Session, metrics *models.Metrics, lastSeen map[string]time.Time, opts ReconcileOptions) *ReconcileReport {
	report := &ReconcileReport{}

	names := make([]string, 0, len(metrics.Agents))
	for name := range metrics.Agents {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		switch am := metrics.Agents[name]; am.Status {
		case models.AttemptSuccess:
			if slices.Contains(s.CompletedAgents, name) {
				continue
			}
			s.RemoveAgent(name)
			s.CompletedAgents = models.AddUnique(s.CompletedAgents, name)
			if am.Checkpoint != "" {
				if s.Checkpoints == nil {
					s.Checkpoints = map[string]string{}
				}
				s.Checkpoints[name] = am.Checkpoint
			}
			report.Promoted = append(report.Promoted, name)
		case models.AttemptRolledBack:
			if !slices.Contains(s.CompletedAgents, name) {
				continue
			}
			s.RemoveAgent(name)
			delete(s.Checkpoints, name)
			report.Demoted = append(report.Demoted, name)
		case models.AttemptFailed:
			if slices.Contains(s.FailedAgents, name) {
				continue
			}
			s.RemoveAgent(name)
			s.FailedAgents = models.AddUnique(s.FailedAgents, name)
			report.Failed = append(report.Failed, name)
		}
	}

	if opts.DemoteStaleRunning {
		threshold := opts.StaleRunning
		if threshold <= 0 {
			threshold = 30 * time.Minute
		}
		now := opts.Now
		if now.IsZero() {
			now = time.Now().UTC()
		}
		// An agent with no audit events at all counts as stale: it was
		// claimed but never produced a line.
		for _, name := range slices.Clone(s.RunningAgents) {
			if now.Sub(lastSeen[name]) <= threshold {
				continue
			}
			s.RemoveAgent(name)
			s.FailedAgents = models.AddUnique(s.FailedAgents, name)
			report.StaleFailed = append(report.StaleFailed, name)
		}
	}
	return report
}
