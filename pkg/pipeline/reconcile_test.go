package pipeline

import (
	"maps"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/session"
)

func successAttempt(checkpoint string) models.Attempt {
	now := time.Now().UTC()
	return models.Attempt{
		StartedAt:  now.Add(-time.Minute),
		EndedAt:    now,
		Status:     models.AttemptSuccess,
		Checkpoint: checkpoint,
	}
}

func attemptWithStatus(status models.AttemptStatus) models.Attempt {
	now := time.Now().UTC()
	return models.Attempt{StartedAt: now.Add(-time.Minute), EndedAt: now, Status: status}
}

func TestReconcilePromotesAuditedSuccess(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})
	require.NoError(t, k.Store.MarkCompleted(sess.ID, "pre-recon", ""))
	require.NoError(t, k.Store.MarkCompleted(sess.ID, "login-check", ""))
	require.NoError(t, k.Audit.RecordAttempt("recon", successAttempt("c1")))

	report, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recon"}, report.Promoted)
	assert.Empty(t, report.Demoted)
	assert.Empty(t, report.Failed)

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Contains(t, final.CompletedAgents, "recon")
	assert.Equal(t, "c1", final.Checkpoints["recon"])
	assert.Equal(t, models.StatusInProgress, final.Status)
}

func TestReconcileAuditFailureWinsOverStore(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})
	require.NoError(t, k.Store.MarkCompleted(sess.ID, "recon", "c1"))
	require.NoError(t, k.Audit.RecordAttempt("recon", successAttempt("c1")))
	require.NoError(t, k.Audit.RecordAttempt("recon", attemptWithStatus(models.AttemptFailed)))

	report, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recon"}, report.Failed)

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.NotContains(t, final.CompletedAgents, "recon")
	assert.Contains(t, final.FailedAgents, "recon")
}

func TestReconcileDemotesRolledBack(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})
	require.NoError(t, k.Store.MarkCompleted(sess.ID, "recon-verify", "c2"))
	require.NoError(t, k.Audit.RecordAttempt("recon-verify", successAttempt("c2")))
	require.NoError(t, k.Audit.RecordAttempt("recon-verify", attemptWithStatus(models.AttemptRolledBack)))

	report, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recon-verify"}, report.Demoted)

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.NotContains(t, final.CompletedAgents, "recon-verify")
	assert.NotContains(t, final.FailedAgents, "recon-verify")
	assert.NotContains(t, final.Checkpoints, "recon-verify")
}

func TestReconcileDemotesStaleRunning(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})
	require.NoError(t, k.Store.MarkRunning(sess.ID, "recon"))
	k.Audit.LogEvent(models.EventToolCall, "recon", map[string]any{"tool": "bash"})

	// 45 minutes after the last event, well past the 30 minute threshold.
	report, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{
		DemoteStaleRunning: true,
		StaleRunning:       30 * time.Minute,
		Now:                time.Now().UTC().Add(45 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"recon"}, report.StaleFailed)

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, final.RunningAgents)
	assert.Contains(t, final.FailedAgents, "recon")
}

func TestReconcileKeepsFreshRunning(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})
	require.NoError(t, k.Store.MarkRunning(sess.ID, "recon"))
	k.Audit.LogEvent(models.EventToolCall, "recon", map[string]any{"tool": "bash"})

	before, err := k.Store.Get(sess.ID)
	require.NoError(t, err)

	report, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{
		DemoteStaleRunning: true,
		StaleRunning:       30 * time.Minute,
		Now:                time.Now().UTC().Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, report.Empty())

	// An aligned session is not rewritten: activity must not be stamped.
	after, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"recon"}, after.RunningAgents)
	assert.Equal(t, before.LastActivity, after.LastActivity)
}

func TestReconcileSkipsStaleCheckWhenDisabled(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})
	require.NoError(t, k.Store.MarkRunning(sess.ID, "recon"))

	report, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, report.Empty())

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"recon"}, final.RunningAgents)
}

func TestReconcileRunningWithoutEventsIsStale(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})
	require.NoError(t, k.Store.MarkRunning(sess.ID, "recon"))

	// No audit events at all: the agent was claimed but never produced a
	// line, so it counts as stale regardless of the threshold.
	report, err := Reconcile(k.Store, k.Config.Store.AuditDir, sess.ID, ReconcileOptions{
		DemoteStaleRunning: true,
		StaleRunning:       30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"recon"}, report.StaleFailed)
}

func sameAgentSets(a, b *models.Session) bool {
	eq := func(x, y []string) bool {
		x, y = slices.Clone(x), slices.Clone(y)
		slices.Sort(x)
		slices.Sort(y)
		return slices.Equal(x, y)
	}
	return eq(a.CompletedAgents, b.CompletedAgents) &&
		eq(a.SkippedAgents, b.SkippedAgents) &&
		eq(a.FailedAgents, b.FailedAgents) &&
		eq(a.RunningAgents, b.RunningAgents) &&
		maps.Equal(a.Checkpoints, b.Checkpoints)
}

// Reconciling twice must be a no-op the second time, whatever combination of
// store markings and audit attempts the first pass saw.
func TestReconcileIdempotence(t *testing.T) {
	agents := []string{"pre-recon", "login-check", "recon", "recon-verify", "api-fuzzer", "report"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("second pass changes nothing", prop.ForAll(
		func(encoded []int) bool {
			dir := t.TempDir()
			auditRoot := filepath.Join(dir, "audit-logs")
			store, err := session.NewStore(filepath.Join(dir, "sessions.json"), auditRoot, time.Hour)
			if err != nil {
				return false
			}
			sess, err := store.Create("main", "https://shop.example.com", filepath.Join(dir, "ws"), "")
			if err != nil {
				return false
			}
			logger, err := audit.Open(auditRoot, sess.Target, sess.ID)
			if err != nil {
				return false
			}
			defer logger.Close()

			// Each int encodes a store marking (base 5) and an audit
			// attempt history (base 4) for one agent.
			for i, e := range encoded {
				name := agents[i]
				switch e % 5 {
				case 1:
					err = store.MarkCompleted(sess.ID, name, "cp-"+name)
				case 2:
					err = store.MarkSkipped(sess.ID, name)
				case 3:
					err = store.MarkFailed(sess.ID, name)
				case 4:
					err = store.MarkRunning(sess.ID, name)
				}
				if err != nil {
					return false
				}
				switch (e / 5) % 4 {
				case 1:
					err = logger.RecordAttempt(name, successAttempt("audit-cp-"+name))
				case 2:
					err = logger.RecordAttempt(name, attemptWithStatus(models.AttemptFailed))
				case 3:
					err = logger.RecordAttempt(name, attemptWithStatus(models.AttemptRolledBack))
				}
				if err != nil {
					return false
				}
			}

			// Now far in the future so every surviving running agent is
			// deterministically stale.
			opts := ReconcileOptions{
				DemoteStaleRunning: true,
				StaleRunning:       time.Minute,
				Now:                time.Now().UTC().Add(24 * time.Hour),
			}
			if _, err := Reconcile(store, auditRoot, sess.ID, opts); err != nil {
				return false
			}
			first, err := store.Get(sess.ID)
			if err != nil {
				return false
			}
			second, err := Reconcile(store, auditRoot, sess.ID, opts)
			if err != nil {
				return false
			}
			if !second.Empty() {
				return false
			}
			after, err := store.Get(sess.ID)
			if err != nil {
				return false
			}
			return sameAgentSets(first, after)
		},
		gen.SliceOfN(len(agents), gen.IntRange(0, 19)),
	))

	properties.TestingRun(t)
}
