package tui

import (
	"fmt"
	"strings"
	"time"

	"faceingest/pkg/ingest"
	"faceingest/pkg/resources"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const logo = `
 ╔═╗╔═╗╔═╗╔═╗  ╦╔╗╔╔═╗╔═╗╔═╗╔╦╗
 ╠╣ ╠═╣║  ║╣   ║║║║║ ╦║╣ ╚═╗ ║
 ╚  ╩ ╩╚═╝╚═╝  ╩╝╚╝╚═╝╚═╝╚═╝ ╩ `

// View renders the entire TUI
func (m *Model) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, logoStyle.Width(m.width).Render(logo))
	sections = append(sections, m.renderProgress())

	half := (m.width - 4) / 2
	left := lipgloss.JoinVertical(lipgloss.Left, m.renderRecordsPanel(half), m.renderPipelinePanel(half))
	right := lipgloss.JoinVertical(lipgloss.Left, m.renderResourcesPanel(half), m.renderLogsPanel(half))
	sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right))

	if m.showHelp {
		sections = append(sections, m.renderHelp())
	} else {
		sections = append(sections, helpStyle.Render("Press ? for help"))
	}

	return baseStyle.Width(m.width).Height(m.height).Render(
		lipgloss.JoinVertical(lipgloss.Left, sections...),
	)
}

// renderProgress renders the overall progress line
func (m *Model) renderProgress() string {
	fraction := m.fraction()
	rate, eta := m.throughput(time.Now())

	status := m.spinner.View() + " " + phaseStyle(m.phase).Render(strings.ToUpper(string(m.phase)))
	switch {
	case m.done && m.failed:
		status = errorStyle.Render("✗ FAILED")
	case m.done:
		status = successStyle.Render("✓ DONE")
	case m.stopping:
		status = warningStyle.Render("⏸  STOPPING")
	}

	header := fmt.Sprintf("%s  %s  %s",
		status,
		statsLabelStyle.Render(m.input),
		statsValueStyle.Render(fmt.Sprintf("%s/%s lines",
			humanize.Comma(m.last.Metrics.ProcessedLines), humanize.Comma(m.total))),
	)
	line := fmt.Sprintf("%s  %s  %s",
		m.bar.ViewAs(fraction),
		speedStyle.Render(fmt.Sprintf("%s lines/s", humanize.Comma(int64(rate)))),
		statsValueStyle.Render("ETA "+formatDuration(eta)),
	)
	return panelStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, header, line))
}

// renderRecordsPanel renders record and image counters
func (m *Model) renderRecordsPanel(width int) string {
	title := titleStyle.Render(" RECORDS ")
	s := m.last.Metrics

	stats := []string{
		stat("Parsed records:", humanize.Comma(s.ParsedRecords)),
		stat("Valid images:", humanize.Comma(s.ValidImages)),
		stat("Cached images:", humanize.Comma(s.CachedImages)),
		stat("Success rate:", fmt.Sprintf("%.1f%%", s.SuccessRate())),
		stat("Unique users:", humanize.Comma(int64(s.UniqueUsers))),
		stat("Unique devices:", humanize.Comma(int64(s.UniqueDevices))),
		stat("Companies / IPs:", fmt.Sprintf("%d / %d", s.UniqueCompanies, s.UniqueIPs)),
	}
	if s.FailedImages > 0 {
		stats = append(stats, errorStyle.Render(fmt.Sprintf("✗ %s failed (%d network, %d timeout)",
			humanize.Comma(s.FailedImages), s.NetworkErrors, s.TimeoutErrors)))
	}
	if s.JSONErrors > 0 || s.DuplicateRecords > 0 {
		stats = append(stats, warningStyle.Render(fmt.Sprintf("⚠ %d rejected, %d duplicates", s.JSONErrors, s.DuplicateRecords)))
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, stats...)),
	)
}

// renderPipelinePanel renders batch sizing and concurrency
func (m *Model) renderPipelinePanel(width int) string {
	title := titleStyle.Render(" PIPELINE ")
	p := m.last

	stats := []string{
		stat("Session time:", formatDuration(time.Since(m.startTime))),
		stat("Batches:", humanize.Comma(int64(p.Batch))),
		stat("Batch size:", humanize.Comma(int64(p.BatchSize))),
		stat("Concurrency:", fmt.Sprintf("%d", p.Concurrency)),
		stat("Last batch:", formatDuration(p.Elapsed)),
		stat("Average batch:", formatDuration(m.averageBatch())),
		stat("Offset:", humanize.Bytes(uint64(p.Offset))),
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, stats...)),
	)
}

// renderResourcesPanel renders the last resource sample
func (m *Model) renderResourcesPanel(width int) string {
	title := titleStyle.Render(" RESOURCES ")
	sample := m.last.Sample
	barWidth := max(width-8, 4)

	content := []string{
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Level:"), levelStyle(m.last.Level).Render(strings.ToUpper(m.last.Level.String()))),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("Memory:"), GetUsageStyle(sample.MemoryPercent).Render(fmt.Sprintf("%.0f%%", sample.MemoryPercent))),
		usageBar(sample.MemoryPercent, barWidth),
		fmt.Sprintf("%s %s", statsLabelStyle.Render("CPU:"), GetUsageStyle(sample.CPUPercent).Render(fmt.Sprintf("%.0f%%", sample.CPUPercent))),
		usageBar(sample.CPUPercent, barWidth),
		stat("Available:", humanize.Bytes(sample.AvailableBytes)),
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(content, "\n")),
	)
}

// renderLogsPanel renders the logs panel
func (m *Model) renderLogsPanel(width int) string {
	title := titleStyle.Render(" EVENTS ")

	start := max(len(m.logMessages)-10, 0)
	var logs []string
	for _, log := range m.logMessages[start:] {
		timestamp := logTimestampStyle.Render(log.Time.Format("15:04:05"))
		level := lipgloss.NewStyle().Foreground(log.Color).Bold(true).Render(fmt.Sprintf("[%-7s]", log.Level))

		msg := log.Message
		if maxLen := width - 25; maxLen > 3 && len(msg) > maxLen {
			msg = msg[:maxLen-3] + "..."
		}
		logs = append(logs, fmt.Sprintf("%s %s %s", timestamp, level, logMessageStyle.Render(msg)))
	}

	content := strings.Join(logs, "\n")
	if content == "" {
		content = lipgloss.NewStyle().Foreground(dimWhite).Render("No events yet...")
	}

	return panelStyle.Width(width).Height(max(m.height-30, 5)).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, content),
	)
}

// renderHelp renders the help panel
func (m *Model) renderHelp() string {
	help := `
  Keys:
    q/ctrl+c - Stop the run and save a checkpoint (twice to leave now)
    ctrl+l   - Clear events
    ?        - Toggle this help

  Resource levels:
    ` + successStyle.Render("normal/idle") + ` - Batches may grow
    ` + warningStyle.Render("high") + `        - Batches shrink, cache trimmed
    ` + errorStyle.Render("critical") + `    - Batches halve, caches cleared
`
	return panelStyle.Width(m.width - 2).Render(help)
}

func stat(label, value string) string {
	return fmt.Sprintf("%s %s", statsLabelStyle.Render(label), statsValueStyle.Render(value))
}

func usageBar(percent float64, width int) string {
	filled := min(max(int(percent*float64(width)/100), 0), width)
	return GetUsageStyle(percent).Render(strings.Repeat("█", filled)) +
		progressEmptyStyle.Render(strings.Repeat("░", width-filled))
}

func phaseStyle(p ingest.Phase) lipgloss.Style {
	switch p {
	case ingest.PhaseCheckpointing, ingest.PhaseResume:
		return warningStyle
	case ingest.PhaseDone:
		return successStyle
	default:
		return statsLabelStyle
	}
}

func levelStyle(l resources.Level) lipgloss.Style {
	switch l {
	case resources.LevelCritical:
		return errorStyle
	case resources.LevelHigh:
		return warningStyle
	default:
		return successStyle
	}
}

// formatDuration formats a duration as a clock
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "00:00"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
