package tui

import (
	"fmt"

	"faceingest/pkg/ingest"

	tea "github.com/charmbracelet/bubbletea"
)

// TUI is the live dashboard of one ingestion run. It implements
// ingest.Observer.
type TUI struct {
	program *tea.Program
	model   *Model
}

// NewTUI creates a dashboard. onInterrupt is called once when the user asks
// to stop.
func NewTUI(input string, total int64, onInterrupt func(), opts ...tea.ProgramOption) *TUI {
	model := NewModel(input, total, onInterrupt)
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	return &TUI{
		program: tea.NewProgram(model, opts...),
		model:   model,
	}
}

// Start runs the TUI until it quits
func (t *TUI) Start() error {
	_, err := t.program.Run()
	return err
}

// Stop stops the TUI gracefully
func (t *TUI) Stop() {
	t.program.Quit()
}

// Send sends a message to the TUI
func (t *TUI) Send(msg tea.Msg) {
	if t.program != nil {
		t.program.Send(msg)
	}
}

// PhaseChanged implements ingest.Observer
func (t *TUI) PhaseChanged(phase ingest.Phase) {
	t.Send(PhaseMsg{Phase: phase})
}

// BatchCommitted implements ingest.Observer
func (t *TUI) BatchCommitted(p ingest.Progress) {
	t.Send(BatchMsg{Progress: p})
}

// Finish reports the outcome of the run
func (t *TUI) Finish(res *ingest.Result, err error) {
	t.Send(DoneMsg{Result: res, Err: err})
}

// Log adds a message to the events panel. It never blocks, so it is safe
// to call before Start and after Stop.
func (t *TUI) Log(level, format string, args ...interface{}) {
	t.model.AddLogMessage(level, fmt.Sprintf(format, args...))
}

// LogInfo logs an info message
func (t *TUI) LogInfo(format string, args ...interface{}) {
	t.Log("INFO", format, args...)
}

// LogWarning logs a warning message
func (t *TUI) LogWarning(format string, args ...interface{}) {
	t.Log("WARN", format, args...)
}

// LogError logs an error message
func (t *TUI) LogError(format string, args ...interface{}) {
	t.Log("ERROR", format, args...)
}
