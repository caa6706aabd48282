package tools

import (
	"time"
)

// BuiltinOptions scopes the builtin tool set to one agent run.
type BuiltinOptions struct {
	// Workspace is the sandbox root every file tool is confined to.
	Workspace string
	// MissionDir holds the agent's mission state (todo list, findings).
	MissionDir string
	// AgentName drives deliverable type coercion.
	AgentName string
	// ShellTimeout bounds one bash call. Zero means DefaultShellTimeout.
	ShellTimeout time.Duration
	// TOTPSecret is the target account's TOTP secret, when the profile has
	// one.
	TOTPSecret string
}

// RegisterBuiltins installs the in-process tool set into a registry. The
// SubAgent tool is not a builtin; the agent package registers it with a
// handler closing over the executor.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	shell := &shellTool{workspace: opts.Workspace, timeout: opts.ShellTimeout}
	files := &fileTools{workspace: opts.Workspace}
	deliverable := &deliverableTool{
		workspace: opts.Workspace,
		dir:       DeliverablesDir(opts.Workspace),
		agent:     opts.AgentName,
	}
	codes := &totpTool{secret: opts.TOTPSecret}
	web := &httpTools{}
	todos := &todoTool{missionDir: opts.MissionDir}

	builtins := []struct {
		def     func() (string, string, map[string]any)
		handler Handler
	}{
		{shell.definition, shell.call},
		{files.readDefinition, files.read},
		{files.writeDefinition, files.write},
		{files.searchDefinition, files.search},
		{files.listDefinition, files.list},
		{deliverable.definition, deliverable.call},
		{codes.definition, codes.call},
		{web.buildDefinition, web.build},
		{web.parseDefinition, web.parse},
		{todos.definition, todos.call},
	}
	for _, b := range builtins {
		name, desc, schema := b.def()
		if err := r.Register(name, desc, schema, b.handler); err != nil {
			return err
		}
	}
	return nil
}
