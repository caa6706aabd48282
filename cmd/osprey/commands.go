package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/osprey-sec/osprey/pkg/oserr"
)

// rootOptions carries the flags shared by every command.
type rootOptions struct {
	session string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	var (
		statusFlag   bool
		runPhaseName string
		rerunAgent   string
		runAllFlag   bool
		rollbackName string
		listFlag     bool
		cleanupFlag  bool
	)

	root := &cobra.Command{
		Use:   "osprey",
		Short: "Autonomous security-assessment orchestrator",
		Long: `Osprey drives a fixed pipeline of LLM agents against a target application:
pre-reconnaissance, reconnaissance, API fuzzing, vulnerability analysis,
exploitation, and reporting. Sessions are durable; every agent action lands
in an append-only audit log and successful agents checkpoint the workspace.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch {
			case statusFlag:
				return statusAction(opts.session)
			case runPhaseName != "":
				return runPhaseAction(ctx, opts.session, runPhaseName)
			case rerunAgent != "":
				return rerunAction(ctx, opts.session, rerunAgent)
			case runAllFlag:
				return runAllAction(ctx, opts.session)
			case rollbackName != "":
				return rollbackAction(opts.session, rollbackName)
			case listFlag:
				return listAgentsAction()
			case cleanupFlag:
				id := ""
				if len(args) > 0 {
					id = args[0]
				}
				return cleanupAction(id)
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.session, "session", "",
		"session id (default: the most recent session)")

	// Legacy --verb spellings, kept alongside the subcommands.
	root.Flags().BoolVar(&statusFlag, "status", false, "print reconciled session status")
	root.Flags().StringVar(&runPhaseName, "run-phase", "", "run one phase of the session's pipeline")
	root.Flags().StringVar(&rerunAgent, "rerun", "", "re-run a single agent")
	root.Flags().BoolVar(&runAllFlag, "run-all", false, "run every remaining phase of the session's pipeline")
	root.Flags().StringVar(&rollbackName, "rollback-to", "", "restore the workspace to an agent's checkpoint")
	root.Flags().BoolVar(&listFlag, "list-agents", false, "list pipelines, agents, and prerequisites")
	root.Flags().BoolVar(&cleanupFlag, "cleanup", false, "delete one session by id, or all sessions when no id is given")

	root.AddCommand(
		newRunCmd(),
		newRECmd(),
		newOSVCmd(),
		newStatusCmd(opts),
		newRunPhaseCmd(opts),
		newRerunCmd(opts),
		newRunAllCmd(opts),
		newRollbackCmd(opts),
		newListAgentsCmd(),
		newCleanupCmd(),
	)
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath    string
		disableLoader bool
		setupOnly     bool
	)
	cmd := &cobra.Command{
		Use:   "run <target> <workspace>",
		Short: "Create or resume a session and run the assessment pipeline end to end",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := filepath.Abs(args[1])
			if err != nil {
				return oserr.Validation("cannot resolve workspace path %s: %v", args[1], err)
			}
			return startPipeline(cmd.Context(), startOptions{
				pipeline:      "main",
				target:        args[0],
				workspace:     workspace,
				configPath:    configPath,
				disableLoader: disableLoader,
				setupOnly:     setupOnly,
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "per-target profile YAML")
	cmd.Flags().BoolVar(&disableLoader, "disable-loader", false, "suppress the startup banner")
	cmd.Flags().BoolVar(&setupOnly, "setup-only", false, "create the session and workspace, validate tool servers, and exit")
	return cmd
}

func newRECmd() *cobra.Command {
	var (
		configPath    string
		disableLoader bool
		setupOnly     bool
	)
	cmd := &cobra.Command{
		Use:   "re <binary-path>",
		Short: "Run the reverse-engineering pipeline over a binary",
		Long: `Copies the binary into ./repos/re-<name>/ so sandboxed tools can reach it,
then runs triage, analysis, and reporting over that workspace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, target, err := prepareREWorkspace(args[0])
			if err != nil {
				return err
			}
			return startPipeline(cmd.Context(), startOptions{
				pipeline:      "re",
				target:        target,
				workspace:     workspace,
				configPath:    configPath,
				disableLoader: disableLoader,
				setupOnly:     setupOnly,
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "per-target profile YAML")
	cmd.Flags().BoolVar(&disableLoader, "disable-loader", false, "suppress the startup banner")
	cmd.Flags().BoolVar(&setupOnly, "setup-only", false, "create the session and workspace, validate tool servers, and exit")
	return cmd
}

func newOSVCmd() *cobra.Command {
	var (
		configPath    string
		disableLoader bool
		setupOnly     bool
	)
	cmd := &cobra.Command{
		Use:   "osv <repo-path>",
		Short: "Run the dependency-vulnerability pipeline over a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := filepath.Abs(args[0])
			if err != nil {
				return oserr.Validation("cannot resolve repository path %s: %v", args[0], err)
			}
			return startPipeline(cmd.Context(), startOptions{
				pipeline:      "osv",
				target:        filepath.Base(workspace),
				workspace:     workspace,
				configPath:    configPath,
				disableLoader: disableLoader,
				setupOnly:     setupOnly,
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "per-target profile YAML")
	cmd.Flags().BoolVar(&disableLoader, "disable-loader", false, "suppress the startup banner")
	cmd.Flags().BoolVar(&setupOnly, "setup-only", false, "create the session and workspace, validate tool servers, and exit")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print reconciled session status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return statusAction(opts.session)
		},
	}
}

func newRunPhaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-phase <phase>",
		Short: "Run one phase of the session's pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhaseAction(cmd.Context(), opts.session, args[0])
		},
	}
}

func newRerunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <agent>",
		Short: "Re-run a single agent, whatever its current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rerunAction(cmd.Context(), opts.session, args[0])
		},
	}
}

func newRunAllCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every remaining phase of the session's pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAllAction(cmd.Context(), opts.session)
		},
	}
}

func newRollbackCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback-to <agent>",
		Short: "Restore the workspace to an agent's checkpoint and clear later agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return rollbackAction(opts.session, args[0])
		},
	}
}

func newListAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-agents",
		Short: "List pipelines, agents, and prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return listAgentsAction()
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [session-id]",
		Short: "Delete a session and its artifacts; with no id, prompt and delete all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return cleanupAction(id)
		},
	}
}
