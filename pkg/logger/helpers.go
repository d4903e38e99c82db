package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// LogBatch logs the outcome of one committed batch
func LogBatch(l Logger, index, size, records int, elapsed time.Duration, offset int64) {
	l.InfoWithFields("Batch committed", map[string]interface{}{
		"batch":      index,
		"size":       size,
		"records":    records,
		"elapsed":    elapsed,
		"offset":     offset,
		"rate_lines": fmt.Sprintf("%.0f/s", float64(size)/maxSeconds(elapsed)),
	})
}

// LogProgress logs overall progress against the input size
func LogProgress(l Logger, processed, total int64, bytesRead int64) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(processed) / float64(total) * 100
	}
	l.InfoWithFields("Processing progress", map[string]interface{}{
		"processed":  humanize.Comma(processed),
		"total":      humanize.Comma(total),
		"read":       humanize.Bytes(uint64(bytesRead)),
		"percentage": fmt.Sprintf("%.1f%%", percentage),
	})
}

// LogImageFailure logs a permanently failed image download
func LogImageFailure(l Logger, url, reason string, attempts int) {
	l.WarnWithFields("Image fetch failed", map[string]interface{}{
		"url":      url,
		"reason":   reason,
		"attempts": attempts,
	})
}

// LogResources logs a resource pressure observation
func LogResources(l Logger, memPercent, cpuPercent float64, available uint64, critical bool) {
	fields := map[string]interface{}{
		"memory_percent": fmt.Sprintf("%.1f", memPercent),
		"cpu_percent":    fmt.Sprintf("%.1f", cpuPercent),
		"available":      humanize.Bytes(available),
	}
	if critical {
		l.WarnWithFields("Critical resource pressure", fields)
		return
	}
	l.DebugWithFields("Resource pressure", fields)
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, config map[string]interface{}) {
	logger := l.WithField("component", component)
	if len(config) > 0 {
		logger = logger.WithFields(config)
	}
	logger.Info("Component started")
}

func maxSeconds(d time.Duration) float64 {
	if s := d.Seconds(); s > 0.001 {
		return s
	}
	return 0.001
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

// nopLogger is a logger that does nothing (useful for testing)
type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return nil }
