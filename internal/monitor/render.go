package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

// statusOrder is the display order of the coarse statuses.
var statusOrder = []model.ProcessingStatus{
	model.StatusNew,
	model.StatusInProgress,
	model.StatusClassified,
	model.StatusComplete,
	model.StatusNeedsAttention,
}

// Render formats an overview for a terminal.
func Render(o *model.Overview) string {
	sections := []string{
		theme.HeaderStyle.Render("mailsync status") + " " +
			theme.HelpStyle.Render(o.GeneratedAt.Format("2006-01-02 15:04:05 MST")),
		renderSteps(o.Steps),
		renderStatuses(o.Statuses),
	}
	if len(o.Mailboxes) > 0 {
		sections = append(sections, renderMailboxes(o.Mailboxes))
	}
	sections = append(sections,
		renderPasses(o.LastPasses),
		renderAttention(o.NeedsAttention),
		renderConflicts(o.Conflicts),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func panel(title string, lines []string) string {
	body := strings.Join(lines, "\n")
	return theme.BorderStyle.Render(theme.LabelStyle.Render(title) + "\n" + body)
}

func renderSteps(steps []model.StepStats) string {
	lines := []string{theme.LabelStyle.Render(fmt.Sprintf("%-16s %8s %9s %9s %7s %8s",
		"step", "pending", "in-flight", "completed", "failed", "warnings"))}
	for _, s := range steps {
		lines = append(lines, fmt.Sprintf("%-16s %8d %9d %9d %s %s",
			s.Step, s.Pending, s.InFlight, s.Completed,
			theme.CountStyle(s.PermanentlyFailed).Render(fmt.Sprintf("%7d", s.PermanentlyFailed)),
			theme.CountStyle(s.Warnings).Render(fmt.Sprintf("%8d", s.Warnings))))
	}
	return panel("Pipeline steps", lines)
}

func renderStatuses(counts map[model.ProcessingStatus]int) string {
	parts := make([]string, 0, len(statusOrder))
	for _, st := range statusOrder {
		parts = append(parts, theme.StatusStyle(string(st)).Render(string(st))+fmt.Sprintf(" %d", counts[st]))
	}
	return panel("Items", []string{strings.Join(parts, "   ")})
}

func renderMailboxes(mailboxes []model.MailboxStatus) string {
	sorted := append([]model.MailboxStatus(nil), mailboxes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Account < sorted[j].Account })

	var lines []string
	for _, m := range sorted {
		last := "never"
		if !m.LastSync.IsZero() {
			last = m.LastSync.Format("15:04:05")
		}
		line := fmt.Sprintf("%-20s %s passes=%d last=%s",
			m.Account, theme.MailboxStateStyle(m.State).Render(fmt.Sprintf("%-7s", m.State)), m.Passes, last)
		if m.Error != "" {
			line += " " + theme.StatusStyle("needs_attention").Render(m.Error)
		}
		lines = append(lines, line)
	}
	return panel("Mailboxes", lines)
}

func renderPasses(passes []model.PassRecord) string {
	if len(passes) == 0 {
		return panel("Recent passes", []string{theme.HelpStyle.Render("no passes yet")})
	}
	var lines []string
	for _, p := range passes {
		lines = append(lines, fmt.Sprintf("#%-5d %-20s %s  fetch=%d move=%d flags=%d delete=%d conflicts=%d",
			p.ID, p.Account, p.FinishedAt.Format("01-02 15:04:05"),
			p.Fetches, p.Moves, p.FlagChanges, p.Deletes, p.Conflicts))
	}
	return panel("Recent passes", lines)
}

func renderAttention(items []model.AttentionItem) string {
	if len(items) == 0 {
		return panel("Needs attention", []string{theme.HelpStyle.Render("nothing needs attention")})
	}
	var lines []string
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("item %-6d %-14s retries=%d %s",
			it.RawItemID, it.Step, it.RetryCount,
			theme.StatusStyle("needs_attention").Render(truncateLine(it.LastError, 60))))
	}
	return panel(fmt.Sprintf("Needs attention (%d)", len(items)), lines)
}

func renderConflicts(conflicts []model.IdentityConflict) string {
	if len(conflicts) == 0 {
		return panel("Identity conflicts", []string{theme.HelpStyle.Render("no open conflicts")})
	}
	var lines []string
	for _, c := range conflicts {
		lines = append(lines, fmt.Sprintf("#%-5d %-20s %s state=%d other=%d",
			c.ID, c.Account, truncateLine(c.StableID, 40), c.ServerStateID, c.OtherID))
	}
	return panel(fmt.Sprintf("Identity conflicts (%d)", len(conflicts)), lines)
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
