package main

import (
	"errors"
	"fmt"
	"testing"

	"faceingest/pkg/ingest"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/events.json", []byte("{}\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/in/events.JSONL", []byte("{}\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/in/events.csv", []byte("a,b\n"), 0644))
	require.NoError(t, fs.MkdirAll("/in/dir.txt", 0755))

	assert.NoError(t, checkInput(fs, "/in/events.json"))
	assert.NoError(t, checkInput(fs, "/in/events.JSONL"))
	assert.ErrorContains(t, checkInput(fs, "/in/events.csv"), "unsupported input")
	assert.ErrorContains(t, checkInput(fs, "/in/missing.txt"), "input file")
	assert.ErrorContains(t, checkInput(fs, "/in/dir.txt"), "is a directory")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 1, exitCode(errCheckpointExists))

	interrupted := &exitError{code: exitInterrupted, err: ingest.ErrInterrupted}
	assert.Equal(t, 2, exitCode(interrupted))
	assert.Equal(t, 2, exitCode(fmt.Errorf("run: %w", interrupted)))
	assert.ErrorIs(t, interrupted, ingest.ErrInterrupted)
}

func TestRunFlagsOnlyCarriesChangedValues(t *testing.T) {
	require.NoError(t, runCmd.ParseFlags([]string{"--batch-size", "2000", "--report", "json,sqlite", "--strict"}))
	t.Cleanup(func() {
		for _, name := range []string{"batch-size", "report", "strict"} {
			runCmd.Flags().Lookup(name).Changed = false
		}
		batchSize, reportFormats, strictMode = 0, nil, false
	})

	flags := runFlags(runCmd)
	assert.Equal(t, 2000, flags["batch-size"])
	assert.Equal(t, []string{"json", "sqlite"}, flags["report"])
	assert.Equal(t, true, flags["strict"])
	assert.NotContains(t, flags, "workers")
	assert.NotContains(t, flags, "output")
}
