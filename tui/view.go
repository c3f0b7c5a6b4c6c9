package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/hochfrequenz/fleet-dispatch/internal/backend"
	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	active := m.activeRecords()
	header := fmt.Sprintf(" Fleet Dispatch │ Active: %d │ Total: %d │ Refreshed: %s ",
		len(active), len(m.records), m.lastRefresh.Format("15:04:05"))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	switch m.activeTab {
	case 0:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderActive()))
	case 1:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderHistory()))
	case 2:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderBackends()))
	}
	b.WriteString("\n")

	if m.statusMsg != "" {
		b.WriteString(warningStyle.Width(m.width).Render(" " + m.statusMsg + " "))
		b.WriteString("\n")
	}

	statusBar := " [tab]switch [d]ispatches [h]istory [b]ackends [j/k]scroll [r]efresh [q]uit "
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Active", "History", "Backends"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderActive() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ACTIVE DISPATCHES"))
	b.WriteString("\n")

	active := m.activeRecords()
	if len(active) == 0 {
		b.WriteString(dimStyle.Render("  No dispatches running"))
		return b.String()
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})

	for _, rec := range active {
		minutes := time.Since(rec.StartedAt).Minutes()
		line := fmt.Sprintf("  ● %-18s %-14s %-10s %-8s %4.0fm",
			truncate(rec.TaskID, 18), truncate(rec.BackendName, 14),
			truncate(rec.Repo, 10), rec.Mode, minutes)
		b.WriteString(runningStyle.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderHistory() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("DISPATCH HISTORY"))
	b.WriteString("\n")

	if len(m.records) == 0 {
		b.WriteString(dimStyle.Render("  No dispatches recorded"))
		return b.String()
	}

	records := make([]domain.DispatchRecord, len(m.records))
	copy(records, m.records)
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	maxVisible := 15
	if m.height > 25 {
		maxVisible = m.height - 10
	}
	start := m.scroll
	if start >= len(records) {
		start = 0
	}
	end := start + maxVisible
	if end > len(records) {
		end = len(records)
	}

	for i := start; i < end; i++ {
		b.WriteString(m.formatRecordLine(&records[i]))
		b.WriteString("\n")
	}

	if len(records) > maxVisible {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  ... showing %d-%d of %d (j/k to scroll)", start+1, end, len(records))))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) formatRecordLine(rec *domain.DispatchRecord) string {
	var icon string
	var style lipgloss.Style
	switch rec.Status {
	case domain.DispatchRunning:
		icon = "●"
		style = runningStyle
	case domain.DispatchCompleted:
		icon = "✓"
		style = completedStyle
	case domain.DispatchError:
		icon = "✗"
		style = errorStyle
	case domain.DispatchTimeout:
		icon = "⚠"
		style = warningStyle
	default:
		icon = "○"
		style = dimStyle
	}

	detail := rec.PRURL
	if detail == "" {
		detail = rec.FailureCode
	}

	line := fmt.Sprintf("  %s %-18s %-14s %-9s %s",
		icon, truncate(rec.TaskID, 18), truncate(rec.BackendName, 14),
		rec.Status, truncate(detail, 40))
	return style.Render(line)
}

func (m Model) renderBackends() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("BACKENDS"))
	b.WriteString("\n")

	if len(m.backends) == 0 {
		b.WriteString(dimStyle.Render("  No backends configured"))
		return b.String()
	}

	header := fmt.Sprintf("  %-16s %-10s %-32s %s", "Name", "Type", "Endpoint", "Health")
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	for _, be := range m.backends {
		var style lipgloss.Style
		switch backend.HealthStatus(be.Health) {
		case backend.Healthy:
			style = completedStyle
		case backend.ServerUnreachable:
			style = errorStyle
		default:
			style = warningStyle
		}

		line := fmt.Sprintf("  %-16s %-10s %-32s %s",
			truncate(be.Name, 16), be.Type, truncate(be.Endpoint, 32), be.Health)
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
