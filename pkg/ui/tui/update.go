package tui

import (
	"fmt"
	"time"

	"faceingest/pkg/ingest"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
)

// Message types for the TUI

// PhaseMsg is sent when the engine changes phase
type PhaseMsg struct {
	Phase ingest.Phase
}

// BatchMsg is sent after every committed batch
type BatchMsg struct {
	Progress ingest.Progress
}

// DoneMsg is sent when the run returns
type DoneMsg struct {
	Result *ingest.Result
	Err    error
}

// TickMsg is sent periodically to update the UI
type TickMsg time.Time

// Update handles all messages and updates the model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.mu.Lock()
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(msg.Width-60, 10)
		m.mu.Unlock()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TickMsg:
		return m, tickCmd()

	case PhaseMsg:
		m.SetPhase(msg.Phase)
		switch msg.Phase {
		case ingest.PhaseResume:
			m.AddLogMessage("INFO", "Loading checkpoint")
		case ingest.PhaseCheckpointing:
			m.AddLogMessage("INFO", "Saving checkpoint")
		}
		return m, nil

	case BatchMsg:
		prev := m.last.BatchSize
		m.RecordBatch(msg.Progress)
		p := msg.Progress
		m.AddLogMessage("SUCCESS", fmt.Sprintf("Batch %d: %d lines, %d records in %s",
			p.Batch, p.Lines, p.Records, formatDuration(p.Elapsed)))
		if prev != 0 && p.BatchSize != prev {
			m.AddLogMessage("INFO", fmt.Sprintf("Batch size %d -> %d", prev, p.BatchSize))
		}
		if m.pressure() {
			m.AddLogMessage("WARN", fmt.Sprintf("%s resource pressure, memory %.0f%%", p.Level, p.Sample.MemoryPercent))
		}
		return m, nil

	case DoneMsg:
		m.mu.Lock()
		m.done = true
		m.failed = msg.Err != nil
		if msg.Result != nil {
			m.last.Metrics = msg.Result.Metrics
		}
		m.mu.Unlock()
		switch {
		case msg.Err != nil:
			m.AddLogMessage("ERROR", msg.Err.Error())
		case msg.Result != nil:
			m.AddLogMessage("SUCCESS", fmt.Sprintf("Ingestion complete: %s lines", humanize.Comma(msg.Result.Metrics.ProcessedLines)))
		}
		return m, nil
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m *Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		m.mu.Lock()
		if m.done || m.stopping || m.onInterrupt == nil {
			m.mu.Unlock()
			return m, tea.Quit
		}
		m.stopping = true
		interrupt := m.onInterrupt
		m.mu.Unlock()

		interrupt()
		m.AddLogMessage("WARN", "Stopping, checkpoint will be saved (press q again to leave now)")
		return m, nil

	case "?":
		m.showHelp = !m.showHelp
		return m, nil

	case "ctrl+l":
		m.mu.Lock()
		m.logMessages = []LogMessage{}
		m.mu.Unlock()
		return m, nil
	}

	return m, nil
}

// tickCmd returns a command that sends a tick message
func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*250, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
