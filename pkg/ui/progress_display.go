package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"faceingest/pkg/ingest"
	"faceingest/pkg/resources"

	"github.com/dustin/go-humanize"
)

const barWidth = 20

// ProgressDisplay renders a single updating progress line for a run. It
// implements ingest.Observer.
type ProgressDisplay struct {
	mu        sync.Mutex
	out       io.Writer
	input     string
	total     int64
	startTime time.Time
	last      ingest.Progress
	phase     ingest.Phase
	verbose   bool
	now       func() time.Time
}

// NewProgressDisplay creates a display for an input with total lines
func NewProgressDisplay(out io.Writer, input string, total int64, verbose bool) *ProgressDisplay {
	return &ProgressDisplay{
		out:       out,
		input:     input,
		total:     total,
		startTime: time.Now(),
		phase:     ingest.PhaseInit,
		verbose:   verbose,
		now:       time.Now,
	}
}

// PhaseChanged implements ingest.Observer
func (p *ProgressDisplay) PhaseChanged(phase ingest.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.phase = phase
	if p.verbose && phase == ingest.PhaseResume {
		fmt.Fprintf(p.out, "%s Loading checkpoint...\n", Magenta("→"))
	}
}

// BatchCommitted implements ingest.Observer
func (p *ProgressDisplay) BatchCommitted(pr ingest.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = pr
	if pr.Metrics.TotalLines > p.total {
		p.total = pr.Metrics.TotalLines
	}
	if p.verbose {
		fmt.Fprintf(p.out, "\n%s batch %d • %d lines • %d records • %s • next %d\n",
			Green("✓"), pr.Batch, pr.Lines, pr.Records, formatDuration(pr.Elapsed), pr.BatchSize)
		return
	}
	fmt.Fprintf(p.out, "\r%s\r%s", strings.Repeat(" ", 120), p.line())
}

// line builds the progress line from the last committed batch
func (p *ProgressDisplay) line() string {
	m := p.last.Metrics
	fraction := 0.0
	if p.total > 0 {
		fraction = float64(m.ProcessedLines) / float64(p.total)
	}
	filled := min(int(fraction*barWidth), barWidth)
	bar := strings.Repeat("━", filled) + strings.Repeat("─", barWidth-filled)

	line := fmt.Sprintf("%s [%s] %s/%s • %s/s • %s images • batch %d • %s",
		Cyan(p.input),
		bar,
		humanize.Comma(m.ProcessedLines),
		humanize.Comma(p.total),
		humanize.Comma(int64(p.rate())),
		humanize.Comma(m.ValidImages),
		p.last.BatchSize,
		p.eta(),
	)
	if m.FailedImages > 0 {
		line += " • " + Red(fmt.Sprintf("%d failed", m.FailedImages))
	}
	if p.last.Level == resources.LevelHigh || p.last.Level == resources.LevelCritical {
		line += " • " + Yellow(p.last.Level.String()+" load")
	}
	return line
}

// rate is processed lines per second since the display was created
func (p *ProgressDisplay) rate() float64 {
	elapsed := p.now().Sub(p.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.last.Metrics.ProcessedLines) / elapsed
}

// eta estimates time remaining
func (p *ProgressDisplay) eta() string {
	rate := p.rate()
	if rate == 0 {
		return "calculating..."
	}
	remaining := p.total - p.last.Metrics.ProcessedLines
	if remaining <= 0 {
		return "0s"
	}
	return formatDuration(time.Duration(float64(remaining)/rate) * time.Second)
}

// Complete prints the run summary
func (p *ProgressDisplay) Complete(res *ingest.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res == nil {
		return
	}
	m := res.Metrics
	elapsed := time.Duration(m.Elapsed * float64(time.Second))

	status := Green("✓") + " Ingestion complete"
	if !res.Completed {
		status = Yellow("⚠") + " Ingestion stopped, checkpoint saved"
	}
	fmt.Fprintf(p.out, "\n\n%s: %s lines from %s\n", status, humanize.Comma(m.ProcessedLines), p.input)
	fmt.Fprintf(p.out, "  %s %s records in %s over %d batches\n",
		Dim("•"), humanize.Comma(m.ParsedRecords), formatDuration(elapsed), res.Batches)
	fmt.Fprintf(p.out, "  %s %s images (%s cached), %.1f%% success\n",
		Dim("•"), humanize.Comma(m.ValidImages), humanize.Comma(m.CachedImages), m.SuccessRate())
	fmt.Fprintf(p.out, "  %s %d users, %d devices, %d companies, %d IPs\n",
		Dim("•"), m.UniqueUsers, m.UniqueDevices, m.UniqueCompanies, m.UniqueIPs)
	if m.FailedImages > 0 {
		fmt.Fprintf(p.out, "  %s %s image failures (%d network, %d timeout)\n",
			Dim("•"), humanize.Comma(m.FailedImages), m.NetworkErrors, m.TimeoutErrors)
	}
	if m.JSONErrors > 0 || m.DuplicateRecords > 0 {
		fmt.Fprintf(p.out, "  %s %d rejected lines, %d duplicates\n", Dim("•"), m.JSONErrors, m.DuplicateRecords)
	}
	if res.Resumed {
		fmt.Fprintf(p.out, "  %s resumed at byte %s\n", Dim("•"), humanize.Comma(res.StartOffset))
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
