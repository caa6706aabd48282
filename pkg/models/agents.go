package models

import (
	"slices"
	"strings"
)

// Phase is an ordered group of agents within a pipeline.
type Phase string

const (
	PhasePreRecon     Phase = "pre-reconnaissance"
	PhaseRecon        Phase = "reconnaissance"
	PhaseAPIFuzzing   Phase = "api-fuzzing"
	PhaseVulnAnalysis Phase = "vulnerability-analysis"
	PhaseExploitation Phase = "exploitation"
	PhaseReporting    Phase = "reporting"

	PhaseRETriage    Phase = "re-triage"
	PhaseREAnalysis  Phase = "re-analysis"
	PhaseREReporting Phase = "re-reporting"

	PhaseOSVScan      Phase = "osv-scan"
	PhaseOSVAnalysis  Phase = "osv-analysis"
	PhaseOSVReporting Phase = "osv-reporting"
)

// AgentSpec is the static descriptor for one pipeline agent. The set is
// fixed; prerequisites form a DAG linearised by Order.
type AgentSpec struct {
	Name          string
	DisplayName   string
	Phase         Phase
	Order         int
	Prerequisites []string
}

// Kind buckets used by the loop for budget windows and loop-detection
// thresholds.
func (a AgentSpec) IsVulnAnalysis() bool { return a.Phase == PhaseVulnAnalysis }
func (a AgentSpec) IsExploitation() bool { return a.Phase == PhaseExploitation }
func (a AgentSpec) IsReporting() bool {
	return a.Phase == PhaseReporting || a.Phase == PhaseREReporting || a.Phase == PhaseOSVReporting
}

// Pipeline is a named, fixed, ordered set of agents.
type Pipeline struct {
	Name   string
	Phases []Phase
	Agents []AgentSpec
}

// VulnCategories are the analysis/exploitation fan-out categories. Order here
// fixes the relative Order of the generated agents.
var VulnCategories = []string{"sqli", "xss", "ssrf", "auth", "idor", "codei", "ssti", "pathi"}

func mainPipeline() Pipeline {
	agents := []AgentSpec{
		{Name: "pre-recon", DisplayName: "Pre-Reconnaissance", Phase: PhasePreRecon, Order: 10},
		{Name: "login-check", DisplayName: "Login Check", Phase: PhasePreRecon, Order: 20},
		{Name: "recon", DisplayName: "Reconnaissance", Phase: PhaseRecon, Order: 30, Prerequisites: []string{"pre-recon"}},
		{Name: "recon-verify", DisplayName: "Reconnaissance Verification", Phase: PhaseRecon, Order: 40, Prerequisites: []string{"recon"}},
		{Name: "api-fuzzer", DisplayName: "API Fuzzer", Phase: PhaseAPIFuzzing, Order: 50, Prerequisites: []string{"recon"}},
	}
	for i, cat := range VulnCategories {
		agents = append(agents, AgentSpec{
			Name:          cat + "-vuln",
			DisplayName:   strings.ToUpper(cat) + " Analysis",
			Phase:         PhaseVulnAnalysis,
			Order:         60 + i,
			Prerequisites: []string{"recon"},
		})
	}
	for i, cat := range VulnCategories {
		agents = append(agents, AgentSpec{
			Name:          cat + "-exploit",
			DisplayName:   strings.ToUpper(cat) + " Exploitation",
			Phase:         PhaseExploitation,
			Order:         70 + i,
			Prerequisites: []string{cat + "-vuln"},
		})
	}
	// Reporting has no prerequisites: the report is always attempted, even
	// over a partially failed pipeline.
	agents = append(agents, AgentSpec{Name: "report", DisplayName: "Final Report", Phase: PhaseReporting, Order: 90})
	return Pipeline{
		Name:   "main",
		Phases: []Phase{PhasePreRecon, PhaseRecon, PhaseAPIFuzzing, PhaseVulnAnalysis, PhaseExploitation, PhaseReporting},
		Agents: agents,
	}
}

func rePipeline() Pipeline {
	return Pipeline{
		Name:   "re",
		Phases: []Phase{PhaseRETriage, PhaseREAnalysis, PhaseREReporting},
		Agents: []AgentSpec{
			{Name: "re-triage", DisplayName: "Binary Triage", Phase: PhaseRETriage, Order: 10},
			{Name: "re-analysis", DisplayName: "Binary Analysis", Phase: PhaseREAnalysis, Order: 20, Prerequisites: []string{"re-triage"}},
			{Name: "re-report", DisplayName: "RE Report", Phase: PhaseREReporting, Order: 30, Prerequisites: []string{"re-analysis"}},
		},
	}
}

func osvPipeline() Pipeline {
	return Pipeline{
		Name:   "osv",
		Phases: []Phase{PhaseOSVScan, PhaseOSVAnalysis, PhaseOSVReporting},
		Agents: []AgentSpec{
			{Name: "osv-scan", DisplayName: "Dependency Scan", Phase: PhaseOSVScan, Order: 10},
			{Name: "osv-analysis", DisplayName: "Vulnerability Triage", Phase: PhaseOSVAnalysis, Order: 20, Prerequisites: []string{"osv-scan"}},
			{Name: "osv-report", DisplayName: "OSV Report", Phase: PhaseOSVReporting, Order: 30, Prerequisites: []string{"osv-analysis"}},
		},
	}
}

var pipelines = map[string]Pipeline{
	"main": mainPipeline(),
	"re":   rePipeline(),
	"osv":  osvPipeline(),
}

// PipelineByName returns the named pipeline; ok is false for unknown names.
func PipelineByName(name string) (Pipeline, bool) {
	p, ok := pipelines[name]
	return p, ok
}

// FanOut reports whether the phase runs its agents concurrently.
func FanOut(p Phase) bool {
	return p == PhaseVulnAnalysis || p == PhaseExploitation
}

// AgentByName looks up an agent descriptor within the pipeline.
func (p Pipeline) AgentByName(name string) (AgentSpec, bool) {
	for _, a := range p.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// AgentsInPhase returns the phase's agents sorted by Order.
func (p Pipeline) AgentsInPhase(phase Phase) []AgentSpec {
	var out []AgentSpec
	for _, a := range p.Agents {
		if a.Phase == phase {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y AgentSpec) int { return x.Order - y.Order })
	return out
}

// HasPhase reports whether the pipeline contains the named phase.
func (p Pipeline) HasPhase(phase Phase) bool {
	return slices.Contains(p.Phases, phase)
}

// AgentsAfter returns the names of all agents with Order strictly greater
// than the given agent's. Used by rollback.
func (p Pipeline) AgentsAfter(name string) []string {
	spec, ok := p.AgentByName(name)
	if !ok {
		return nil
	}
	var out []string
	for _, a := range p.Agents {
		if a.Order > spec.Order {
			out = append(out, a.Name)
		}
	}
	return out
}
