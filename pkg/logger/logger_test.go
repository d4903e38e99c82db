package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"faceingest/pkg/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{name: "info level", cfg: &config.LoggingConfig{Level: "info"}},
		{name: "debug level json", cfg: &config.LoggingConfig{Level: "debug", Format: "json"}},
		{name: "console forced", cfg: &config.LoggingConfig{Level: "warn", Format: "console"}},
		{name: "invalid level", cfg: &config.LoggingConfig{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	l, err := New(&config.LoggingConfig{Level: "info", File: path, Format: "json"})
	require.NoError(t, err)

	l.InfoWithFields("Batch committed", map[string]interface{}{"size": 10})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"Batch committed"`)
	assert.Contains(t, string(data), `"app":"faceingest"`)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got, err := parseLogLevel(tt.level)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestUseConsole(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	assert.True(t, useConsole("console", f))
	assert.False(t, useConsole("json", f))
	assert.False(t, useConsole("auto", f), "regular files are not terminals")
}

func TestTestLoggerFields(t *testing.T) {
	l := NewTestLogger()
	child := l.WithField("batch", 3).WithFields(map[string]interface{}{"size": 500})
	child.WithError(errors.New("boom")).Warn("Batch slow")
	l.Info("plain")

	msgs := l.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "WARN", msgs[0].Level)
	assert.Equal(t, 3, msgs[0].Fields["batch"])
	assert.Equal(t, 500, msgs[0].Fields["size"])
	assert.EqualError(t, msgs[0].Error, "boom")
	assert.Nil(t, msgs[1].Fields)

	assert.True(t, l.HasMessage("plain"))
	assert.Len(t, l.GetMessagesByLevel("WARN"), 1)

	l.Clear()
	assert.Empty(t, l.GetMessages())
}

func TestHelpers(t *testing.T) {
	l := NewTestLogger()

	LogBatch(l, 1, 1000, 950, 2*time.Second, 4096)
	LogProgress(l, 1500, 3000, 2048)
	LogImageFailure(l, "http://x/y.jpg", "http_status", 3)
	LogResources(l, 90, 50, 1<<30, true)
	LogResources(l, 70, 50, 1<<30, false)

	assert.True(t, l.HasMessage("Batch committed"))
	progress := l.GetMessagesByLevel("INFO")[1]
	assert.Equal(t, "50.0%", progress.Fields["percentage"])
	assert.Equal(t, "1,500", progress.Fields["processed"])
	assert.Len(t, l.GetMessagesByLevel("WARN"), 2)
	assert.Len(t, l.GetMessagesByLevel("DEBUG"), 1)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.WithField("k", "v").WithError(errors.New("x")).Info("ignored")
	assert.Nil(t, l.GetZerolog())
}

func TestSinkReceivesWarningsAndErrors(t *testing.T) {
	type entry struct{ level, msg string }
	var got []entry
	sink := func(level, msg string) { got = append(got, entry{level, msg}) }

	l, err := New(&config.LoggingConfig{Level: "debug", Format: "json", Quiet: true}, sink)
	require.NoError(t, err)

	l.Debug("Phase changed")
	l.Info("Batch committed")
	l.WithField("url", "http://img.test/a.jpg").Warn("Image failed")
	l.ErrorWithFields("Checkpoint save failed", map[string]interface{}{"attempt": 2})

	assert.Equal(t, []entry{
		{"WARN", "Image failed"},
		{"ERROR", "Checkpoint save failed"},
	}, got)
}
