package agent

import (
	"fmt"
	"strings"

	"github.com/osprey-sec/osprey/pkg/config"
	"github.com/osprey-sec/osprey/pkg/models"
)

// Prompt assembly. Full prompt engineering lives with the operator (prompt
// packs, profile rules); the kernel contributes the operational briefing
// every agent needs: identity, target, sandbox rules, deliverable
// obligations, and profile-supplied constraints.

func systemPrompt(spec models.AgentSpec, target, workspace string, profile *config.Profile, skip config.SkipFlags) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent of an authorised security assessment pipeline (phase: %s).\n", spec.DisplayName, spec.Phase)
	fmt.Fprintf(&b, "Target: %s\n", target)
	fmt.Fprintf(&b, "Workspace: %s (all file paths are relative to it; nothing outside it is readable or writable)\n", workspace)

	b.WriteString("\nGround rules:\n")
	b.WriteString("- Work only against the stated target. The engagement authorises this target and nothing else.\n")
	b.WriteString("- Use the provided tools for every action; never fabricate tool output.\n")
	b.WriteString("- Keep the todo list current with TodoWrite as work completes.\n")
	b.WriteString("- Delegate focused questions to SubAgent instead of derailing your main thread.\n")

	if disabled := skip.Disabled(); len(disabled) > 0 {
		fmt.Fprintf(&b, "- These scanners are disabled for this engagement, do not invoke them: %s.\n", strings.Join(disabled, ", "))
	}

	if required := models.RequiredDeliverables(spec.Name); len(required) > 0 {
		fmt.Fprintf(&b, "\nBefore finishing you must call save_deliverable for: %s.\n", joinTypes(required))
	}

	if profile != nil {
		if len(profile.Rules) > 0 {
			b.WriteString("\nEngagement rules:\n")
			for _, rule := range profile.Rules {
				fmt.Fprintf(&b, "- %s\n", rule)
			}
		}
		if auth := authHints(profile); auth != "" {
			b.WriteString("\n")
			b.WriteString(auth)
		}
		if len(profile.Headers) > 0 {
			b.WriteString("\nSend these headers on every HTTP request to the target:\n")
			for k, v := range profile.Headers {
				fmt.Fprintf(&b, "- %s: %s\n", k, v)
			}
		}
	}
	return b.String()
}

func authHints(profile *config.Profile) string {
	a := profile.Auth
	if a.LoginURL == "" && a.UsernameEnv == "" && a.TOTPSecretEnv == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Authentication:\n")
	if a.LoginURL != "" {
		fmt.Fprintf(&b, "- Login URL: %s\n", a.LoginURL)
	}
	if a.UsernameEnv != "" {
		fmt.Fprintf(&b, "- Credentials are in the environment variables $%s / $%s (available to bash).\n", a.UsernameEnv, a.PasswordEnv)
	}
	if a.TOTPSecretEnv != "" {
		b.WriteString("- The account uses TOTP; call generate_totp for the current code.\n")
	}
	return b.String()
}

func userPrompt(spec models.AgentSpec, resume bool, m *mission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Begin the %s mission.\n", spec.DisplayName)
	fmt.Fprintf(&b, "Your mission state lives in deliverables/findings/%s/ (todo.txt, staged files, findings).\n", spec.Name)
	if resume {
		b.WriteString("\n")
		b.WriteString(m.resumeBlock())
	} else {
		b.WriteString("Start with the todo list already seeded there and adjust it as you learn more.")
	}
	return b.String()
}

// subAgentSystemPrompt fixes the delegation protocol.
func subAgentSystemPrompt(task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a focused sub-agent. Your single task: %s\n", task)
	b.WriteString("\nRules:\n")
	b.WriteString("- Investigate only this task; do not widen scope.\n")
	b.WriteString("- Do not install software and do not start long-running servers.\n")
	b.WriteString("- When done, end your final message with a '## Summary' section containing your answer.\n")
	b.WriteString("- If you cannot finish, end with a single line 'CONTINUE: <what remains and why>'.\n")
	return b.String()
}
