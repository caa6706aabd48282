// Package config loads the orchestrator configuration: environment-driven
// runtime knobs plus the optional per-target profile YAML. Everything is
// resolved once at startup; the rest of the system receives an immutable
// *Config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/osprey-sec/osprey/pkg/oserr"
)

// Config is the umbrella configuration object returned by Initialize().
type Config struct {
	LLM       LLMConfig
	Loop      LoopConfig
	SubAgent  SubAgentConfig
	Scheduler SchedulerConfig
	Store     StoreConfig
	Shell     ShellConfig
	Skip      SkipFlags
	Slack     SlackConfig
	Debug     bool
}

// LLMConfig holds the chat-completions endpoint settings. Prices are USD per
// one million tokens and feed the per-agent cost breakdown.
type LLMConfig struct {
	BaseURL              string
	Model                string
	APIKey               string
	Temperature          float32
	RequestsPerMinute    int
	PromptTokenPrice     float64
	CompletionTokenPrice float64
}

// Cost converts a usage record into USD.
func (c LLMConfig) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*c.PromptTokenPrice/1e6 +
		float64(completionTokens)*c.CompletionTokenPrice/1e6
}

// LoopConfig bounds a single agent conversation.
type LoopConfig struct {
	MaxTurns          int
	maxTurnsPerAgent  map[string]int
	MaxPromptChars    int
	CompressThreshold int
	CompressWindow    int
	GraceTurns        int
	SilenceLimit      int
	StageThreshold    int
	LoopRepeatCount   int
	SearchBudget      int
	DeepSearchBudget  int
}

// MaxTurnsFor resolves the per-agent turn budget, honouring
// OSPREY_MAX_TURNS_<AGENT> overrides (agent name upper-snake).
func (l LoopConfig) MaxTurnsFor(agent string) int {
	if n, ok := l.maxTurnsPerAgent[agent]; ok && n > 0 {
		return n
	}
	return l.MaxTurns
}

// SubAgentConfig bounds delegated child conversations.
type SubAgentConfig struct {
	MaxTurns      int
	TruncateLimit int
	MaxDepth      int
	MaxConcurrent int
}

// SchedulerConfig controls phase execution.
type SchedulerConfig struct {
	ParallelLimit int
	StaleRunning  time.Duration
}

// StoreConfig locates durable state on disk.
type StoreConfig struct {
	File         string
	AuditDir     string
	StaleSession time.Duration
}

// ShellConfig bounds in-process shell tool calls.
type ShellConfig struct {
	Timeout time.Duration
}

// SkipFlags disable individual external scanners; the values reach prompt
// assembly and the scanner wrapper scripts, never the kernel's control flow.
type SkipFlags struct {
	Nmap         bool
	Subfinder    bool
	Semgrep      bool
	OSVScanner   bool
	Schemathesis bool
	WhatWeb      bool
	SQLMap       bool
}

// Disabled returns the names of the scanners switched off by the
// environment, in a fixed order.
func (s SkipFlags) Disabled() []string {
	var names []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{s.Nmap, "nmap"},
		{s.Subfinder, "subfinder"},
		{s.Semgrep, "semgrep"},
		{s.OSVScanner, "osv-scanner"},
		{s.Schemathesis, "schemathesis"},
		{s.WhatWeb, "whatweb"},
		{s.SQLMap, "sqlmap"},
	} {
		if f.set {
			names = append(names, f.name)
		}
	}
	return names
}

// SlackConfig enables terminal-status notifications when both fields are set.
type SlackConfig struct {
	Token   string
	Channel string
}

func (s SlackConfig) Enabled() bool { return s.Token != "" && s.Channel != "" }

// Initialize reads the environment into a Config and validates it.
// requireLLM is set by commands that will actually call the model (run,
// rerun, run-phase, run-all); status/cleanup commands pass false.
func Initialize(requireLLM bool) (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(requireLLM); err != nil {
		return nil, err
	}
	slog.Info("Configuration initialized",
		"model", cfg.LLM.Model,
		"max_turns", cfg.Loop.MaxTurns,
		"parallel_limit", cfg.Scheduler.ParallelLimit,
		"store_file", cfg.Store.File)
	return cfg, nil
}

// FromEnv builds a Config from the process environment without validating.
func FromEnv() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:              envString("OSPREY_LLM_BASE_URL", ""),
			Model:                envString("OSPREY_LLM_MODEL", "gpt-4o"),
			APIKey:               envString("OSPREY_LLM_API_KEY", ""),
			Temperature:          float32(envFloat("OSPREY_LLM_TEMPERATURE", 0.3)),
			RequestsPerMinute:    envInt("OSPREY_LLM_RPM", 0),
			PromptTokenPrice:     envFloat("OSPREY_PROMPT_TOKEN_PRICE", 0),
			CompletionTokenPrice: envFloat("OSPREY_COMPLETION_TOKEN_PRICE", 0),
		},
		Loop: LoopConfig{
			MaxTurns:          envInt("OSPREY_MAX_TURNS", 40),
			maxTurnsPerAgent:  perAgentMaxTurns(),
			MaxPromptChars:    envInt("OSPREY_MAX_PROMPT_CHARS", 200_000),
			CompressThreshold: envInt("OSPREY_COMPRESS_THRESHOLD", 160_000),
			CompressWindow:    envInt("OSPREY_COMPRESS_WINDOW", 15),
			GraceTurns:        5,
			SilenceLimit:      2,
			StageThreshold:    3000,
			LoopRepeatCount:   3,
			SearchBudget:      12,
			DeepSearchBudget:  25,
		},
		SubAgent: SubAgentConfig{
			MaxTurns:      envInt("OSPREY_SUBAGENT_MAX_TURNS", 12),
			TruncateLimit: envInt("OSPREY_SUBAGENT_TRUNCATE", 6000),
			MaxDepth:      envInt("OSPREY_SUBAGENT_MAX_DEPTH", 2),
			MaxConcurrent: envInt("OSPREY_SUBAGENT_MAX_CONCURRENT", 1),
		},
		Scheduler: SchedulerConfig{
			ParallelLimit: envInt("OSPREY_PARALLEL_LIMIT", 5),
			StaleRunning:  30 * time.Minute,
		},
		Store: StoreConfig{
			File:         envString("OSPREY_STORE_FILE", "./osprey-sessions.json"),
			AuditDir:     envString("OSPREY_AUDIT_DIR", "./audit-logs"),
			StaleSession: time.Duration(envInt("OSPREY_STALE_SESSION_MIN", 45)) * time.Minute,
		},
		Shell: ShellConfig{
			Timeout: time.Duration(envInt("OSPREY_SHELL_TIMEOUT_SEC", 60)) * time.Second,
		},
		Skip: SkipFlags{
			Nmap:         envBool("OSPREY_SKIP_NMAP"),
			Subfinder:    envBool("OSPREY_SKIP_SUBFINDER"),
			Semgrep:      envBool("OSPREY_SKIP_SEMGREP"),
			OSVScanner:   envBool("OSPREY_SKIP_OSV_SCANNER"),
			Schemathesis: envBool("OSPREY_SKIP_SCHEMATHESIS"),
			WhatWeb:      envBool("OSPREY_SKIP_WHATWEB"),
			SQLMap:       envBool("OSPREY_SKIP_SQLMAP"),
		},
		Slack: SlackConfig{
			Token:   envString("OSPREY_SLACK_TOKEN", ""),
			Channel: envString("OSPREY_SLACK_CHANNEL", ""),
		},
		Debug: envBool("OSPREY_DEBUG"),
	}
}

// Validate checks internal consistency. LLM endpoint checks apply only when
// the command will call the model.
func (c *Config) Validate(requireLLM bool) error {
	if requireLLM {
		if c.LLM.BaseURL == "" {
			return oserr.Config("OSPREY_LLM_BASE_URL is required")
		}
		if c.LLM.Model == "" {
			return oserr.Config("OSPREY_LLM_MODEL must not be empty")
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return oserr.Config("OSPREY_LLM_TEMPERATURE must be in [0, 2], got %v", c.LLM.Temperature)
	}
	if c.Loop.MaxTurns < 1 {
		return oserr.Config("OSPREY_MAX_TURNS must be >= 1, got %d", c.Loop.MaxTurns)
	}
	if c.Loop.MaxPromptChars < 1000 {
		return oserr.Config("OSPREY_MAX_PROMPT_CHARS must be >= 1000, got %d", c.Loop.MaxPromptChars)
	}
	if c.Loop.CompressThreshold > c.Loop.MaxPromptChars {
		return oserr.Config("compression threshold %d exceeds prompt budget %d",
			c.Loop.CompressThreshold, c.Loop.MaxPromptChars)
	}
	if c.Scheduler.ParallelLimit < 1 {
		return oserr.Config("OSPREY_PARALLEL_LIMIT must be >= 1, got %d", c.Scheduler.ParallelLimit)
	}
	if c.SubAgent.MaxDepth < 1 {
		return oserr.Config("OSPREY_SUBAGENT_MAX_DEPTH must be >= 1, got %d", c.SubAgent.MaxDepth)
	}
	if c.Store.File == "" {
		return oserr.Config("OSPREY_STORE_FILE must not be empty")
	}
	return nil
}

// perAgentMaxTurns scans the environment for OSPREY_MAX_TURNS_<AGENT>
// overrides. The agent name is recovered by lowercasing and mapping
// underscores back to hyphens (SQLI_VULN → sqli-vuln).
func perAgentMaxTurns() map[string]int {
	const prefix = "OSPREY_MAX_TURNS_"
	out := map[string]int{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		agent := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, prefix)), "_", "-")
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil && n > 0 {
			out[agent] = n
		}
	}
	return out
}
