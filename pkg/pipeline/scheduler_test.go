package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/osprey/pkg/agent"
	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/config"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/oserr"
	"github.com/osprey-sec/osprey/pkg/session"
)

// stubExecutor records every invocation and serves canned results: completed
// by default, overridden per agent via results.
type stubExecutor struct {
	mu          sync.Mutex
	calls       []string
	results     map[string]*agent.Result
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

var _ AgentExecutor = (*stubExecutor)(nil)

func (s *stubExecutor) Execute(_ context.Context, _ *models.Session, spec models.AgentSpec) *agent.Result {
	s.mu.Lock()
	s.calls = append(s.calls, spec.Name)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.inFlight--
	res := s.results[spec.Name]
	s.mu.Unlock()

	if res != nil {
		return res
	}
	return completedResult()
}

func (s *stubExecutor) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *stubExecutor) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func completedResult() *agent.Result {
	return &agent.Result{
		Status:    agent.StatusCompleted,
		FinalText: "done",
		Turns:     2,
		Usage:     models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func failedResult(err error) *agent.Result {
	return &agent.Result{
		Status: agent.StatusFailed,
		Turns:  3,
		Usage:  models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Err:    err,
	}
}

// fakeCheckpoints snapshots as "cp-<agent>" and records rollbacks.
type fakeCheckpoints struct {
	mu           sync.Mutex
	snapshots    []string
	rollbacks    []string
	failSnapshot bool
}

func (f *fakeCheckpoints) Snapshot(agent, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSnapshot {
		return "", errors.New("disk full")
	}
	f.snapshots = append(f.snapshots, agent)
	return "cp-" + agent, nil
}

func (f *fakeCheckpoints) Rollback(hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, hash)
	return nil
}

// testKernel wires a kernel against a fresh store, audit dir, and fake
// checkpoint provider, with the given executor standing in for the agent
// loop. Prices are set so usage {10, 5} costs $0.000105.
func testKernel(t *testing.T, pipelineName string, exec AgentExecutor) (*Kernel, *models.Session) {
	t.Helper()
	dir := t.TempDir()
	auditRoot := filepath.Join(dir, "audit-logs")

	store, err := session.NewStore(filepath.Join(dir, "sessions.json"), auditRoot, 45*time.Minute)
	require.NoError(t, err)
	sess, err := store.Create(pipelineName, "https://shop.example.com", filepath.Join(dir, "workspace"), "")
	require.NoError(t, err)

	logger, err := audit.Open(auditRoot, sess.Target, sess.ID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	cfg := &config.Config{
		LLM: config.LLMConfig{
			Model:                "test-model",
			PromptTokenPrice:     3.0,
			CompletionTokenPrice: 15.0,
		},
		Scheduler: config.SchedulerConfig{
			ParallelLimit: 2,
			StaleRunning:  30 * time.Minute,
		},
		Store: config.StoreConfig{
			File:     filepath.Join(dir, "sessions.json"),
			AuditDir: auditRoot,
		},
	}
	return &Kernel{
		Config:      cfg,
		Profile:     config.DefaultProfile(),
		Store:       store,
		Audit:       logger,
		Checkpoints: &fakeCheckpoints{},
		Executor:    exec,
	}, sess
}

const testAgentCost = 0.000105 // usage {10, 5} at $3/$15 per million

func TestRunAllCompletesSequentialPipeline(t *testing.T) {
	exec := &stubExecutor{}
	k, sess := testKernel(t, "re", exec)

	require.NoError(t, k.RunAll(context.Background(), sess))

	assert.Equal(t, []string{"re-triage", "re-analysis", "re-report"}, exec.callNames())

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.ElementsMatch(t, []string{"re-triage", "re-analysis", "re-report"}, final.CompletedAgents)
	assert.Empty(t, final.FailedAgents)
	assert.Empty(t, final.SkippedAgents)
	assert.Equal(t, "cp-re-triage", final.Checkpoints["re-triage"])
	assert.Contains(t, final.TimingBreakdown, "re-report")
	assert.InDelta(t, testAgentCost, final.CostBreakdown["re-analysis"], 1e-9)

	metrics := k.Audit.Metrics()
	am := metrics.Agents["re-triage"]
	require.NotNil(t, am)
	assert.Equal(t, models.AttemptSuccess, am.Status)
	require.Len(t, am.Attempts, 1)
	assert.Equal(t, "cp-re-triage", am.Checkpoint)
	require.NotNil(t, am.Attempts[0].TokenUsage)
	assert.Equal(t, 15, am.Attempts[0].TokenUsage.TotalTokens)
}

func TestRunAllContinuesPastFailureAndSkipsDependents(t *testing.T) {
	exec := &stubExecutor{results: map[string]*agent.Result{
		"re-triage": failedResult(oserr.NoProgress("no deliverables after grace period")),
	}}
	k, sess := testKernel(t, "re", exec)

	// Agent failures never abort the run; they cascade as skips.
	require.NoError(t, k.RunAll(context.Background(), sess))

	assert.Equal(t, []string{"re-triage"}, exec.callNames())

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, []string{"re-triage"}, final.FailedAgents)
	assert.ElementsMatch(t, []string{"re-analysis", "re-report"}, final.SkippedAgents)
	assert.Empty(t, final.CompletedAgents)

	data, err := os.ReadFile(filepath.Join(k.Audit.Dir(), "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"skipped"`)
	assert.Contains(t, string(data), "re-analysis")
}

func TestRunAllAlwaysAttemptsReport(t *testing.T) {
	exec := &stubExecutor{results: map[string]*agent.Result{
		"pre-recon":   failedResult(oserr.LLMFatal(errors.New("authentication failed"))),
		"login-check": failedResult(oserr.LLMFatal(errors.New("authentication failed"))),
	}}
	k, sess := testKernel(t, "main", exec)

	require.NoError(t, k.RunAll(context.Background(), sess))

	// Everything downstream of the failures is skipped, but the report agent
	// has no prerequisites and still runs.
	assert.ElementsMatch(t, []string{"pre-recon", "login-check", "report"}, exec.callNames())

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"report"}, final.CompletedAgents)
	assert.ElementsMatch(t, []string{"pre-recon", "login-check"}, final.FailedAgents)
	assert.Contains(t, final.SkippedAgents, "recon")
	assert.Contains(t, final.SkippedAgents, "recon-verify")
	assert.Contains(t, final.SkippedAgents, "api-fuzzer")
	assert.Contains(t, final.SkippedAgents, "sqli-vuln")
	assert.Contains(t, final.SkippedAgents, "sqli-exploit")
	assert.Len(t, final.SkippedAgents, 19)
	assert.Equal(t, models.StatusFailed, final.Status)
}

func TestRunAllResumesFromAuditedProgress(t *testing.T) {
	exec := &stubExecutor{}
	k, sess := testKernel(t, "main", exec)

	require.NoError(t, k.Store.MarkCompleted(sess.ID, "pre-recon", ""))
	require.NoError(t, k.Store.MarkCompleted(sess.ID, "login-check", ""))

	// The audit log knows recon succeeded with a checkpoint, but a crash
	// lost the store write. Scheduling must start after recon.
	now := time.Now().UTC()
	require.NoError(t, k.Audit.RecordAttempt("recon", models.Attempt{
		StartedAt:  now.Add(-time.Minute),
		EndedAt:    now,
		Status:     models.AttemptSuccess,
		Checkpoint: "c1-recon",
	}))

	require.NoError(t, k.RunAll(context.Background(), sess))

	calls := exec.callNames()
	assert.NotContains(t, calls, "recon")
	require.NotEmpty(t, calls)
	assert.Equal(t, "recon-verify", calls[0])

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1-recon", final.Checkpoints["recon"])
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestRunPhaseFanOutHonorsParallelLimit(t *testing.T) {
	exec := &stubExecutor{delay: 50 * time.Millisecond}
	k, sess := testKernel(t, "main", exec)
	for _, name := range []string{"pre-recon", "login-check", "recon", "recon-verify", "api-fuzzer"} {
		require.NoError(t, k.Store.MarkCompleted(sess.ID, name, ""))
	}

	require.NoError(t, k.RunPhase(context.Background(), sess, models.PhaseVulnAnalysis))

	assert.Len(t, exec.callNames(), len(models.VulnCategories))
	assert.Equal(t, 2, exec.peakConcurrency())

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	for _, cat := range models.VulnCategories {
		assert.Contains(t, final.CompletedAgents, cat+"-vuln")
	}
}

func TestRunPhaseRejectsForeignPhase(t *testing.T) {
	k, sess := testKernel(t, "main", &stubExecutor{})

	err := k.RunPhase(context.Background(), sess, models.PhaseRETriage)
	require.Error(t, err)
	assert.Equal(t, oserr.KindValidation, oserr.KindOf(err))
}

func TestRunAgentRerunsFailedAgent(t *testing.T) {
	exec := &stubExecutor{}
	k, sess := testKernel(t, "main", exec)
	require.NoError(t, k.Store.MarkCompleted(sess.ID, "pre-recon", ""))
	require.NoError(t, k.Store.MarkFailed(sess.ID, "recon"))

	require.NoError(t, k.RunAgent(context.Background(), sess, "recon"))

	assert.Equal(t, []string{"recon"}, exec.callNames())
	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Contains(t, final.CompletedAgents, "recon")
	assert.NotContains(t, final.FailedAgents, "recon")
	assert.Equal(t, "cp-recon", final.Checkpoints["recon"])
}

func TestRunAgentRejectsUnknownAgent(t *testing.T) {
	k, sess := testKernel(t, "re", &stubExecutor{})

	err := k.RunAgent(context.Background(), sess, "warp-core")
	require.Error(t, err)
	assert.Equal(t, oserr.KindValidation, oserr.KindOf(err))
}

func TestRunAllStopsWhenCancelled(t *testing.T) {
	exec := &stubExecutor{}
	k, sess := testKernel(t, "re", exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := k.RunAll(ctx, sess)
	require.Error(t, err)
	assert.Equal(t, oserr.KindInterrupt, oserr.KindOf(err))
	assert.Empty(t, exec.callNames())
}

func TestRunAgentRecordsFailureDetails(t *testing.T) {
	exec := &stubExecutor{results: map[string]*agent.Result{
		"re-triage": failedResult(oserr.NoProgress("2 consecutive failed exchanges")),
	}}
	k, sess := testKernel(t, "re", exec)

	require.NoError(t, k.RunAgent(context.Background(), sess, "re-triage"))

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Contains(t, final.FailedAgents, "re-triage")
	assert.NotContains(t, final.Checkpoints, "re-triage")
	assert.InDelta(t, testAgentCost, final.CostBreakdown["re-triage"], 1e-9)
	assert.Contains(t, final.TimingBreakdown, "re-triage")

	am := k.Audit.Metrics().Agents["re-triage"]
	require.NotNil(t, am)
	assert.Equal(t, models.AttemptFailed, am.Status)
	require.Len(t, am.Attempts, 1)
	assert.Contains(t, am.Attempts[0].Error, "consecutive failed exchanges")
}

func TestSnapshotFailureDoesNotFailAgent(t *testing.T) {
	exec := &stubExecutor{}
	k, sess := testKernel(t, "re", exec)
	k.Checkpoints = &fakeCheckpoints{failSnapshot: true}

	require.NoError(t, k.RunAgent(context.Background(), sess, "re-triage"))

	final, err := k.Store.Get(sess.ID)
	require.NoError(t, err)
	assert.Contains(t, final.CompletedAgents, "re-triage")
	assert.NotContains(t, final.Checkpoints, "re-triage")

	am := k.Audit.Metrics().Agents["re-triage"]
	require.NotNil(t, am)
	assert.Equal(t, models.AttemptSuccess, am.Status)
	assert.Empty(t, am.Checkpoint)
}

func TestExecutorDefaultsToRunner(t *testing.T) {
	k := &Kernel{}
	_, ok := k.executor().(runnerExecutor)
	assert.True(t, ok)

	stub := &stubExecutor{}
	k.Executor = stub
	assert.Same(t, stub, k.executor())
}
