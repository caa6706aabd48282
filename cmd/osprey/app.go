package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/checkpoint"
	"github.com/osprey-sec/osprey/pkg/config"
	"github.com/osprey-sec/osprey/pkg/llm"
	"github.com/osprey-sec/osprey/pkg/mcp"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/notify"
	"github.com/osprey-sec/osprey/pkg/oserr"
	"github.com/osprey-sec/osprey/pkg/pipeline"
	"github.com/osprey-sec/osprey/pkg/session"
	"github.com/osprey-sec/osprey/pkg/version"
)

// app is the per-invocation bundle of configuration and session store.
type app struct {
	cfg   *config.Config
	store *session.Store
}

// initApp loads configuration and opens the store. requireLLM follows
// config.Initialize: commands that will call the model demand an endpoint.
func initApp(requireLLM bool) (*app, error) {
	cfg, err := config.Initialize(requireLLM)
	if err != nil {
		return nil, err
	}
	store, err := session.NewStore(cfg.Store.File, cfg.Store.AuditDir, cfg.Store.StaleSession)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: store}, nil
}

// resolveSession picks the session named by --session, or the most recent one.
func (a *app) resolveSession(id string) (*models.Session, error) {
	if id != "" {
		return a.store.Get(id)
	}
	return a.store.Latest()
}

// reconcile runs the audit-log reconciliation prologue for this session.
// Read-only commands pass demoteStale=false so a status query cannot
// manufacture failures.
func (a *app) reconcile(sessionID string, demoteStale bool) error {
	_, err := pipeline.Reconcile(a.store, a.cfg.Store.AuditDir, sessionID, pipeline.ReconcileOptions{
		DemoteStaleRunning: demoteStale,
		StaleRunning:       a.cfg.Scheduler.StaleRunning,
	})
	return err
}

// buildKernel assembles the collaborators for a session that will execute
// agents: audit log with console tee, tool-server client (validated), git
// checkpoint provider, LLM client, notifier. The returned closer unwinds all
// of it in reverse order.
func buildKernel(ctx context.Context, a *app, sess *models.Session) (*pipeline.Kernel, func(), error) {
	profile, err := config.LoadProfile(sess.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	auditLogger, err := audit.Open(a.cfg.Store.AuditDir, sess.Target, sess.ID)
	if err != nil {
		return nil, nil, err
	}

	var closers []func()
	closers = append(closers, func() {
		if err := auditLogger.Close(); err != nil {
			slog.Warn("Failed to close audit log", "error", err)
		}
	})
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// Tee process logs into the session's console.log so the audit directory
	// carries what the operator saw.
	consoleHandler, consoleFile, err := audit.OpenConsole(auditLogger.Dir())
	if err != nil {
		slog.Warn("Console log unavailable", "error", err)
	} else {
		slog.SetDefault(slog.New(audit.NewTeeHandler(baseHandler, consoleHandler)))
		closers = append(closers, func() {
			slog.SetDefault(slog.New(baseHandler))
			_ = consoleFile.Close()
		})
	}

	var mcpClient *mcp.Client
	if len(profile.ToolServers) > 0 {
		mcpClient = mcp.NewClient(profile.ToolServers)
		if err := validateToolServers(ctx, mcpClient); err != nil {
			_ = mcpClient.Close()
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = mcpClient.Close() })
	}

	checkpoints, err := checkpoint.NewGitProvider(sess.Workspace)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	llmClient := llm.NewOpenAIClient(a.cfg.LLM)
	closers = append(closers, func() { _ = llmClient.Close() })

	k := &pipeline.Kernel{
		Config:      a.cfg,
		Profile:     profile,
		Store:       a.store,
		Audit:       auditLogger,
		LLM:         llmClient,
		MCP:         mcpClient,
		Checkpoints: checkpoints,
		Notifier:    notify.New(a.cfg.Slack.Token, a.cfg.Slack.Channel),
	}
	return k, closeAll, nil
}

// validateToolServers eagerly connects to every declared tool server and
// lists its tools. A server that cannot answer is a config error: the run
// must not proceed silently without its tools.
func validateToolServers(ctx context.Context, client *mcp.Client) error {
	if err := client.Initialize(ctx); err != nil {
		return oserr.Config("tool-server validation failed: %v", err)
	}
	if failed := client.FailedServers(); len(failed) > 0 {
		for name, msg := range failed {
			slog.Error("Tool server failed startup validation", "server", name, "error", msg)
		}
		return oserr.Config("%d tool server(s) failed startup validation", len(failed))
	}
	for _, name := range client.ServerNames() {
		tools, err := client.ListTools(ctx, name)
		if err != nil {
			return oserr.Config("tool server %s: tools/list failed: %v", name, err)
		}
		slog.Info("Tool server validated", "server", name, "tools", len(tools))
	}
	return nil
}

// ensureWorkspace creates the canonical workspace tree.
func ensureWorkspace(workspace string) error {
	for _, dir := range []string{
		filepath.Join(workspace, "deliverables", "findings"),
		filepath.Join(workspace, "outputs", "schemas"),
		filepath.Join(workspace, "outputs", "scans"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return oserr.Filesystem(fmt.Errorf("create workspace dir %s: %w", dir, err))
		}
	}
	return nil
}

// prepareREWorkspace builds ./repos/re-<name>/ and copies the binary into it
// so sandboxed tools can reach it. Returns the workspace and the target name
// (the binary's base name).
func prepareREWorkspace(binaryPath string) (string, string, error) {
	abs, err := filepath.Abs(binaryPath)
	if err != nil {
		return "", "", oserr.Validation("cannot resolve binary path %s: %v", binaryPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", "", oserr.Validation("binary not found: %s", abs)
	}
	name := filepath.Base(abs)
	workspace, err := filepath.Abs(filepath.Join("repos", "re-"+name))
	if err != nil {
		return "", "", oserr.Validation("cannot resolve RE workspace for %s: %v", name, err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", "", oserr.Filesystem(fmt.Errorf("create RE workspace %s: %w", workspace, err))
	}

	src, err := os.Open(abs)
	if err != nil {
		return "", "", oserr.Filesystem(fmt.Errorf("open binary %s: %w", abs, err))
	}
	defer src.Close()
	dst, err := os.OpenFile(filepath.Join(workspace, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return "", "", oserr.Filesystem(fmt.Errorf("copy binary into workspace: %w", err))
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", "", oserr.Filesystem(fmt.Errorf("copy binary into workspace: %w", err))
	}
	return workspace, name, nil
}

// startOptions parameterise the three pipeline-starting commands.
type startOptions struct {
	pipeline      string
	target        string
	workspace     string
	configPath    string
	disableLoader bool
	setupOnly     bool
}

// startPipeline is the shared body of run, re, and osv: create or resume the
// session, assemble the kernel, and drive the whole pipeline.
func startPipeline(ctx context.Context, opts startOptions) error {
	a, err := initApp(!opts.setupOnly)
	if err != nil {
		return err
	}
	if !opts.disableLoader {
		printBanner(a.cfg, opts)
	}
	if err := ensureWorkspace(opts.workspace); err != nil {
		return err
	}
	sess, err := a.store.Create(opts.pipeline, opts.target, opts.workspace, opts.configPath)
	if err != nil {
		return err
	}
	k, closeKernel, err := buildKernel(ctx, a, sess)
	if err != nil {
		return err
	}
	defer closeKernel()

	if opts.setupOnly {
		fmt.Printf("Session %s ready (pipeline %s, workspace %s)\n", sess.ID, sess.Pipeline, sess.Workspace)
		return nil
	}

	runErr := k.RunAll(ctx, sess)
	finishRun(a, k, sess.ID, runErr)
	return runErr
}

// withKernel is the shared body of the developer commands: resolve the
// session, reconcile, build the kernel, run the operation, settle.
func withKernel(ctx context.Context, sessionID string, reconcile bool, fn func(context.Context, *pipeline.Kernel, *models.Session) error) error {
	a, err := initApp(true)
	if err != nil {
		return err
	}
	sess, err := a.resolveSession(sessionID)
	if err != nil {
		return err
	}
	if reconcile {
		if err := a.reconcile(sess.ID, true); err != nil {
			return err
		}
	}
	k, closeKernel, err := buildKernel(ctx, a, sess)
	if err != nil {
		return err
	}
	defer closeKernel()

	runErr := fn(ctx, k, sess)
	finishRun(a, k, sess.ID, runErr)
	return runErr
}

// finishRun settles a session after an executing command: the interrupt label
// on cancellation, the terminal notification (on a fresh context; the run's
// context is usually already cancelled when we get here), and the outcome
// line.
func finishRun(a *app, k *pipeline.Kernel, sessionID string, runErr error) {
	if runErr != nil && oserr.KindOf(runErr) == oserr.KindInterrupt {
		if err := a.store.MarkInterrupted(sessionID); err != nil {
			slog.Warn("Failed to mark session interrupted", "session_id", sessionID, "error", err)
		}
	}
	k.NotifyTerminal(context.Background(), sessionID)

	sess, err := a.store.Get(sessionID)
	if err != nil {
		return
	}
	fmt.Printf("\nSession %s: %s (completed %d, skipped %d, failed %d)\n",
		sess.ID, sess.Status,
		len(sess.CompletedAgents), len(sess.SkippedAgents), len(sess.FailedAgents))
}

func statusAction(sessionID string) error {
	a, err := initApp(false)
	if err != nil {
		return err
	}
	sess, err := a.resolveSession(sessionID)
	if err != nil {
		return err
	}
	if err := a.reconcile(sess.ID, false); err != nil {
		return err
	}
	sess, err = a.store.Get(sess.ID)
	if err != nil {
		return err
	}
	printStatus(os.Stdout, sess)
	return nil
}

func runPhaseAction(ctx context.Context, sessionID, phase string) error {
	return withKernel(ctx, sessionID, true, func(ctx context.Context, k *pipeline.Kernel, sess *models.Session) error {
		return k.RunPhase(ctx, sess, models.Phase(phase))
	})
}

func rerunAction(ctx context.Context, sessionID, agentName string) error {
	return withKernel(ctx, sessionID, true, func(ctx context.Context, k *pipeline.Kernel, sess *models.Session) error {
		return k.RunAgent(ctx, sess, agentName)
	})
}

func runAllAction(ctx context.Context, sessionID string) error {
	// RunAll reconciles on its own, so no prologue here.
	return withKernel(ctx, sessionID, false, func(ctx context.Context, k *pipeline.Kernel, sess *models.Session) error {
		return k.RunAll(ctx, sess)
	})
}

func rollbackAction(sessionID, agentName string) error {
	a, err := initApp(false)
	if err != nil {
		return err
	}
	sess, err := a.resolveSession(sessionID)
	if err != nil {
		return err
	}
	if err := a.reconcile(sess.ID, true); err != nil {
		return err
	}

	auditLogger, err := audit.Open(a.cfg.Store.AuditDir, sess.Target, sess.ID)
	if err != nil {
		return err
	}
	defer auditLogger.Close()
	checkpoints, err := checkpoint.NewGitProvider(sess.Workspace)
	if err != nil {
		return err
	}

	k := &pipeline.Kernel{
		Config:      a.cfg,
		Store:       a.store,
		Audit:       auditLogger,
		Checkpoints: checkpoints,
	}
	if err := k.RollbackTo(sess.ID, agentName); err != nil {
		return err
	}
	fmt.Printf("Workspace restored to the %s checkpoint.\n", agentName)
	return nil
}

func listAgentsAction() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tAGENT\tPHASE\tORDER\tPREREQUISITES")
	for _, name := range []string{"main", "re", "osv"} {
		p, _ := models.PipelineByName(name)
		for _, spec := range p.Agents {
			prereqs := "-"
			if len(spec.Prerequisites) > 0 {
				prereqs = strings.Join(spec.Prerequisites, ", ")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.Name, spec.Name, spec.Phase, spec.Order, prereqs)
		}
	}
	return w.Flush()
}

func cleanupAction(id string) error {
	a, err := initApp(false)
	if err != nil {
		return err
	}
	if id != "" {
		if err := a.store.Delete(id); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", id)
		return nil
	}

	sessions := a.store.List()
	if len(sessions) == 0 {
		fmt.Println("No sessions to delete.")
		return nil
	}
	fmt.Printf("Delete ALL %d session(s) and their artifacts? [y/N] ", len(sessions))
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
		fmt.Println("Aborted.")
		return nil
	}
	if err := a.store.DeleteAll(); err != nil {
		return err
	}
	fmt.Printf("Deleted %d session(s).\n", len(sessions))
	return nil
}

func printBanner(cfg *config.Config, opts startOptions) {
	fmt.Printf("osprey %s - %s pipeline\n", version.GitCommit, opts.pipeline)
	fmt.Printf("  target     %s\n", opts.target)
	fmt.Printf("  workspace  %s\n", opts.workspace)
	fmt.Printf("  model      %s\n", cfg.LLM.Model)
	fmt.Printf("  max turns  %d (parallel limit %d)\n\n", cfg.Loop.MaxTurns, cfg.Scheduler.ParallelLimit)
}

// printStatus renders the reconciled session: header fields, then one row per
// agent in pipeline order.
func printStatus(w io.Writer, sess *models.Session) {
	var totalCost float64
	for _, c := range sess.CostBreakdown {
		totalCost += c
	}
	fmt.Fprintf(w, "Session    %s\n", sess.ID)
	fmt.Fprintf(w, "Pipeline   %s\n", sess.Pipeline)
	fmt.Fprintf(w, "Target     %s\n", sess.Target)
	fmt.Fprintf(w, "Workspace  %s\n", sess.Workspace)
	fmt.Fprintf(w, "Status     %s\n", sess.Status)
	fmt.Fprintf(w, "Created    %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Activity   %s\n", sess.LastActivity.Format(time.RFC3339))
	fmt.Fprintf(w, "Cost       $%.2f\n\n", totalCost)

	p, ok := models.PipelineByName(sess.Pipeline)
	if !ok {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tAGENT\tSTATUS\tTIME\tCOST\tCHECKPOINT")
	for _, phase := range p.Phases {
		for _, spec := range p.AgentsInPhase(phase) {
			dur := "-"
			if ms, ok := sess.TimingBreakdown[spec.Name]; ok {
				dur = (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
			}
			cost := "-"
			if c, ok := sess.CostBreakdown[spec.Name]; ok {
				cost = fmt.Sprintf("$%.2f", c)
			}
			cp := "-"
			if hash := sess.Checkpoints[spec.Name]; hash != "" {
				cp = shortHash(hash)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				phase, spec.Name, agentStatus(sess, spec.Name), dur, cost, cp)
		}
	}
	tw.Flush()
}

func agentStatus(sess *models.Session, name string) string {
	switch {
	case slices.Contains(sess.RunningAgents, name):
		return "running"
	case slices.Contains(sess.CompletedAgents, name):
		return "completed"
	case slices.Contains(sess.FailedAgents, name):
		return "failed"
	case slices.Contains(sess.SkippedAgents, name):
		return "skipped"
	default:
		return "pending"
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
