package notify

import (
	"fmt"
	"slices"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/osprey-sec/osprey/pkg/models"
)

var statusEmoji = map[models.SessionStatus]string{
	models.StatusCompleted:   ":white_check_mark:",
	models.StatusFailed:      ":x:",
	models.StatusInterrupted: ":no_entry_sign:",
}

var statusLabel = map[models.SessionStatus]string{
	models.StatusCompleted:   "Assessment Complete",
	models.StatusFailed:      "Assessment Failed",
	models.StatusInterrupted: "Assessment Interrupted",
}

// BuildSessionMessage renders the terminal notification: a status header,
// the target/pipeline/duration/cost summary, and one line per phase with its
// completed, failed, and skipped counts.
func BuildSessionMessage(sess *models.Session) []goslack.Block {
	emoji := statusEmoji[sess.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[sess.Status]
	if label == "" {
		label = "Assessment " + string(sess.Status)
	}

	header := fmt.Sprintf("%s *%s*", emoji, label)
	summary := fmt.Sprintf("*Target:* %s\n*Pipeline:* %s\n*Duration:* %s\n*Cost:* $%.2f",
		sess.Target,
		sess.Pipeline,
		formatDuration(sess.LastActivity.Sub(sess.CreatedAt)),
		totalCost(sess))

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, summary, false, false),
			nil, nil,
		),
	}

	if phases := phaseSummary(sess); phases != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, phases, false, false),
			nil, nil,
		))
	}
	return blocks
}

// totalCost sums the per-agent cost breakdown.
func totalCost(sess *models.Session) float64 {
	var total float64
	for _, c := range sess.CostBreakdown {
		total += c
	}
	return total
}

// phaseSummary lists one bullet per phase, e.g.
// "• vulnerability-analysis — 6 completed, 1 failed, 1 skipped".
func phaseSummary(sess *models.Session) string {
	p, ok := models.PipelineByName(sess.Pipeline)
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString("*Phases:*")
	for _, phase := range p.Phases {
		var completed, failed, skipped int
		for _, a := range p.AgentsInPhase(phase) {
			switch {
			case slices.Contains(sess.CompletedAgents, a.Name):
				completed++
			case slices.Contains(sess.FailedAgents, a.Name):
				failed++
			case slices.Contains(sess.SkippedAgents, a.Name):
				skipped++
			}
		}
		fmt.Fprintf(&b, "\n• %s — %d completed", string(phase), completed)
		if failed > 0 {
			fmt.Fprintf(&b, ", %d failed", failed)
		}
		if skipped > 0 {
			fmt.Fprintf(&b, ", %d skipped", skipped)
		}
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
