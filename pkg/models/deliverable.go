package models

import "strings"

// DeliverableType tags an artifact file under workspace/deliverables/.
type DeliverableType string

const (
	DeliverablePreRecon    DeliverableType = "PRE_RECON_REPORT"
	DeliverableLogin       DeliverableType = "LOGIN_REPORT"
	DeliverableRecon       DeliverableType = "RECON_REPORT"
	DeliverableReconNotes  DeliverableType = "RECON_NOTES"
	DeliverableFuzzing     DeliverableType = "FUZZING_REPORT"
	DeliverableFinalReport DeliverableType = "FINAL_REPORT"
	DeliverableRETriage    DeliverableType = "RE_TRIAGE"
	DeliverableREAnalysis  DeliverableType = "RE_ANALYSIS"
	DeliverableREReport    DeliverableType = "RE_REPORT"
	DeliverableOSVScan     DeliverableType = "OSV_SCAN"
	DeliverableOSVAnalysis DeliverableType = "OSV_ANALYSIS"
	DeliverableOSVReport   DeliverableType = "OSV_REPORT"
)

// AnalysisType, QueueType, and EvidenceType build the per-category tags
// (e.g. SQLI_ANALYSIS, SQLI_QUEUE, SQLI_EVIDENCE).
func AnalysisType(category string) DeliverableType {
	return DeliverableType(strings.ToUpper(category) + "_ANALYSIS")
}

func QueueType(category string) DeliverableType {
	return DeliverableType(strings.ToUpper(category) + "_QUEUE")
}

func EvidenceType(category string) DeliverableType {
	return DeliverableType(strings.ToUpper(category) + "_EVIDENCE")
}

// categoryRules map agent-name substrings to vulnerability categories.
// ORDER IS SIGNIFICANT: specific substrings must precede the generic
// "injection" rule, which folds into SQLI.
var categoryRules = []struct {
	substr   string
	category string
}{
	{"sqli", "sqli"},
	{"codei", "codei"},
	{"ssti", "ssti"},
	{"pathi", "pathi"},
	{"xss", "xss"},
	{"ssrf", "ssrf"},
	{"idor", "idor"},
	{"auth", "auth"},
	{"injection", "sqli"},
}

// CategoryForAgent resolves the vulnerability category of an agent name, or
// "" for non-category agents (recon, report, ...).
func CategoryForAgent(agentName string) string {
	lower := strings.ToLower(agentName)
	for _, r := range categoryRules {
		if strings.Contains(lower, r.substr) {
			return r.category
		}
	}
	return ""
}

// defaultType maps non-category agents to their single deliverable type.
var defaultType = map[string]DeliverableType{
	"pre-recon":    DeliverablePreRecon,
	"login-check":  DeliverableLogin,
	"recon":        DeliverableRecon,
	"recon-verify": DeliverableReconNotes,
	"api-fuzzer":   DeliverableFuzzing,
	"report":       DeliverableFinalReport,
	"re-triage":    DeliverableRETriage,
	"re-analysis":  DeliverableREAnalysis,
	"re-report":    DeliverableREReport,
	"osv-scan":     DeliverableOSVScan,
	"osv-analysis": DeliverableOSVAnalysis,
	"osv-report":   DeliverableOSVReport,
}

// CoerceType forces a declared deliverable type into the agent's allowed set
// so an agent cannot mis-file an artifact. The declared kind survives where
// the agent legitimately produces several kinds: a vulnerability analyst's
// QUEUE stays a QUEUE, everything else it saves becomes its ANALYSIS; an
// exploitation agent always files EVIDENCE. Unknown agents keep the declared
// type untouched.
func CoerceType(agentName string, declared DeliverableType) DeliverableType {
	if cat := CategoryForAgent(agentName); cat != "" {
		if strings.HasSuffix(agentName, "-exploit") {
			return EvidenceType(cat)
		}
		if strings.Contains(strings.ToUpper(string(declared)), "QUEUE") {
			return QueueType(cat)
		}
		return AnalysisType(cat)
	}
	if want, ok := defaultType[agentName]; ok {
		return want
	}
	return declared
}

// RequiredDeliverables returns the types an agent must write before the loop
// accepts its termination. Agents absent from the map may finish freely.
func RequiredDeliverables(agentName string) []DeliverableType {
	if cat := CategoryForAgent(agentName); cat != "" {
		if strings.HasSuffix(agentName, "-exploit") {
			return []DeliverableType{EvidenceType(cat)}
		}
		if strings.HasSuffix(agentName, "-vuln") {
			return []DeliverableType{AnalysisType(cat), QueueType(cat)}
		}
	}
	switch agentName {
	case "recon":
		return []DeliverableType{DeliverableRecon}
	case "api-fuzzer":
		return []DeliverableType{DeliverableFuzzing}
	case "report":
		return []DeliverableType{DeliverableFinalReport}
	case "re-report":
		return []DeliverableType{DeliverableREReport}
	case "osv-report":
		return []DeliverableType{DeliverableOSVReport}
	}
	return nil
}

// Filename is the canonical on-disk name for a deliverable type inside
// workspace/deliverables/. Queue, evidence, and scan artifacts are JSON;
// everything else is markdown.
func Filename(t DeliverableType) string {
	name := strings.ToLower(string(t))
	upper := string(t)
	if strings.HasSuffix(upper, "_QUEUE") || strings.HasSuffix(upper, "_EVIDENCE") || t == DeliverableOSVScan {
		return name + ".json"
	}
	return name + ".md"
}
