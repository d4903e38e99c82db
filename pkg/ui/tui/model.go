package tui

import (
	"sync"
	"time"

	"faceingest/pkg/ingest"
	"faceingest/pkg/resources"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const historySize = 20

// Model is the dashboard state
type Model struct {
	// UI components
	spinner spinner.Model
	bar     progress.Model

	// Run state
	input     string
	total     int64
	phase     ingest.Phase
	last      ingest.Progress
	history   []time.Duration
	startTime time.Time
	done      bool
	failed    bool

	// onInterrupt asks the run to stop at the next line boundary
	onInterrupt func()
	stopping    bool

	// UI state
	width          int
	height         int
	showHelp       bool
	logMessages    []LogMessage
	maxLogMessages int

	mu sync.RWMutex
}

// LogMessage represents a log entry
type LogMessage struct {
	Time    time.Time
	Level   string
	Message string
	Color   lipgloss.Color
}

// NewModel creates a dashboard for input with total non-blank lines
func NewModel(input string, total int64, onInterrupt func()) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(neonCyan)

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 40

	return &Model{
		spinner:        s,
		bar:            bar,
		input:          input,
		total:          total,
		phase:          ingest.PhaseInit,
		startTime:      time.Now(),
		onInterrupt:    onInterrupt,
		maxLogMessages: 50,
	}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

// SetPhase records a phase change
func (m *Model) SetPhase(phase ingest.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = phase
}

// RecordBatch records a committed batch
func (m *Model) RecordBatch(p ingest.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = p
	if p.Metrics.TotalLines > m.total {
		m.total = p.Metrics.TotalLines
	}
	m.history = append(m.history, p.Elapsed)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

// Fraction is the share of input lines processed
func (m *Model) Fraction() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fraction()
}

func (m *Model) fraction() float64 {
	if m.total <= 0 {
		return 0
	}
	return min(float64(m.last.Metrics.ProcessedLines)/float64(m.total), 1)
}

// AverageBatch is the mean duration of the recent batches
func (m *Model) AverageBatch() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageBatch()
}

func (m *Model) averageBatch() time.Duration {
	if len(m.history) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.history {
		sum += d
	}
	return sum / time.Duration(len(m.history))
}

// Throughput is processed lines per second and the estimated time left
func (m *Model) Throughput() (rate float64, eta time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.throughput(time.Now())
}

func (m *Model) throughput(now time.Time) (float64, time.Duration) {
	elapsed := now.Sub(m.startTime).Seconds()
	processed := m.last.Metrics.ProcessedLines
	if elapsed <= 0 || processed == 0 {
		return 0, 0
	}
	rate := float64(processed) / elapsed
	remaining := max(m.total-processed, 0)
	return rate, time.Duration(float64(remaining)/rate) * time.Second
}

// AddLogMessage adds a log message
func (m *Model) AddLogMessage(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	color := dimWhite
	switch level {
	case "ERROR":
		color = lipgloss.Color("#FF0000")
	case "WARN":
		color = neonOrange
	case "SUCCESS":
		color = neonGreen
	case "INFO":
		color = neonCyan
	}

	m.logMessages = append(m.logMessages, LogMessage{
		Time:    time.Now(),
		Level:   level,
		Message: message,
		Color:   color,
	})
	if len(m.logMessages) > m.maxLogMessages {
		m.logMessages = m.logMessages[len(m.logMessages)-m.maxLogMessages:]
	}
}

// pressure reports whether the last sample asked the run to back off
func (m *Model) pressure() bool {
	return m.last.Level == resources.LevelHigh || m.last.Level == resources.LevelCritical
}
