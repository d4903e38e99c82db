package checkpoint

import (
	"strings"
	"testing"
	"time"

	"faceingest/pkg/config"
	errs "faceingest/pkg/errors"
	"faceingest/pkg/logger"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ckptPath = "/out/processing_checkpoint.json"

func newStore(t *testing.T) (*Store, afero.Fs, *time.Time) {
	t.Helper()
	fs := afero.NewMemMapFs()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(fs, ckptPath, config.DefaultConfig().Checkpoint, logger.NewNopLogger())
	s.now = func() time.Time { return now }
	return s, fs, &now
}

func sampleState(processed int64) *State {
	return &State{
		FileName:         "events.json",
		TotalLines:       1000,
		ProcessedLines:   processed,
		ValidImages:      processed / 2,
		JSONErrors:       3,
		DuplicateRecords: 1,
		LastPosition:     processed * 100,
		BatchSize:        1000,
		RecordsProcessed: []string{"ffff000011112222", "0000aaaabbbbcccc"},
		UniqueUsers:      []string{"zoe", "adam"},
		UniqueDevices:    []string{"cam-2", "cam-1"},
		UniqueCompanies:  []string{"acme"},
		UniqueIPs:        []string{"10.0.0.2"},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, _, _ := newStore(t)

	require.NoError(t, s.Save(sampleState(200)))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, Version, loaded.Version)
	assert.Equal(t, "events.json", loaded.FileName)
	assert.Equal(t, int64(200), loaded.ProcessedLines)
	assert.Equal(t, int64(20000), loaded.LastPosition)
	assert.Equal(t, 1000, loaded.BatchSize)
	assert.Equal(t, []string{"0000aaaabbbbcccc", "ffff000011112222"}, loaded.RecordsProcessed)
	assert.Equal(t, []string{"adam", "zoe"}, loaded.UniqueUsers)
	assert.Len(t, loaded.Checksum, 32)
	assert.Equal(t, 20.0, loaded.Progress())
}

func TestLoadMissing(t *testing.T) {
	s, _, _ := newStore(t)
	st, err := s.Load()
	assert.NoError(t, err)
	assert.Nil(t, st)
	assert.False(t, s.Exists())
}

func TestSaveRotatesBackupAndArchive(t *testing.T) {
	s, fs, _ := newStore(t)

	require.NoError(t, s.Save(sampleState(100)))
	require.NoError(t, s.Save(sampleState(200)))
	require.NoError(t, s.Save(sampleState(300)))

	for path, processed := range map[string]int64{
		ckptPath:              300,
		ckptPath + ".backup":  200,
		ckptPath + ".archive": 100,
	} {
		data, err := afero.ReadFile(fs, path)
		require.NoError(t, err, path)
		st, err := Decode(data)
		require.NoError(t, err, path)
		assert.Equal(t, processed, st.ProcessedLines, path)
	}

	exists, _ := afero.Exists(fs, ckptPath+".tmp")
	assert.False(t, exists)
}

func TestLoadFallsBackOnSingleByteCorruption(t *testing.T) {
	s, fs, _ := newStore(t)
	require.NoError(t, s.Save(sampleState(100)))
	require.NoError(t, s.Save(sampleState(200)))

	data, err := afero.ReadFile(fs, ckptPath)
	require.NoError(t, err)
	idx := strings.Index(string(data), `"processed_lines": 200`)
	require.Positive(t, idx)
	corrupt := []byte(string(data))
	corrupt[idx+len(`"processed_lines": `)] = '1'
	require.NoError(t, afero.WriteFile(fs, ckptPath, corrupt, 0644))

	st, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(100), st.ProcessedLines)

	// main was restored from the backup
	restored, err := afero.ReadFile(fs, ckptPath)
	require.NoError(t, err)
	backup, err := afero.ReadFile(fs, ckptPath+".backup")
	require.NoError(t, err)
	assert.Equal(t, backup, restored)
}

func TestLoadTruncatedMainWithoutBackup(t *testing.T) {
	s, fs, _ := newStore(t)
	require.NoError(t, s.Save(sampleState(100)))

	data, err := afero.ReadFile(fs, ckptPath)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, ckptPath, data[:len(data)/2], 0644))

	st, err := s.Load()
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeIntegrity, errs.TypeOf(err))
}

func TestDecodeRejectsProcessedAboveTotal(t *testing.T) {
	doc := `{
	  "version": 1,
	  "file_name": "events.json",
	  "total_lines": 100000,
	  "processed_lines": 150000,
	  "last_position": 0,
	  "timestamp": 1760000000.5,
	  "batch_size": 1000
	}`
	_, err := Decode([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeIntegrity, errs.TypeOf(err))
	assert.Contains(t, err.Error(), "exceed total lines")
}

func TestDecodeIntegrityChecks(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing field",
			doc:  `{"version":1,"file_name":"a","total_lines":1,"processed_lines":1,"last_position":0,"timestamp":1}`,
			want: `missing required field "batch_size"`,
		},
		{
			name: "wrong type",
			doc:  `{"version":1,"file_name":"a","total_lines":"1","processed_lines":1,"last_position":0,"timestamp":1,"batch_size":1000}`,
			want: `"total_lines" is not a number`,
		},
		{
			name: "wrong version",
			doc:  `{"version":2,"file_name":"a","total_lines":1,"processed_lines":1,"last_position":0,"timestamp":1,"batch_size":1000}`,
			want: "unsupported checkpoint version",
		},
		{
			name: "negative position",
			doc:  `{"version":1,"file_name":"a","total_lines":1,"processed_lines":1,"last_position":-5,"timestamp":1,"batch_size":1000}`,
			want: "negative position",
		},
		{
			name: "batch size too small",
			doc:  `{"version":1,"file_name":"a","total_lines":1,"processed_lines":1,"last_position":0,"timestamp":1,"batch_size":99}`,
			want: "batch size 99 out of range",
		},
		{
			name: "batch size too large",
			doc:  `{"version":1,"file_name":"a","total_lines":1,"processed_lines":1,"last_position":0,"timestamp":1,"batch_size":50001}`,
			want: "batch size 50001 out of range",
		},
		{
			name: "bad checksum",
			doc:  `{"version":1,"file_name":"a","total_lines":1,"processed_lines":1,"last_position":0,"timestamp":1,"batch_size":1000,"checksum":"00"}`,
			want: "checksum mismatch",
		},
		{
			name: "not json",
			doc:  `{"version":1,`,
			want: "decode checkpoint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	s, fs, now := newStore(t)
	require.NoError(t, afero.WriteFile(fs, "/in/events.json", make([]byte, 5000), 0644))

	st := sampleState(10)
	st.Version = Version
	st.Timestamp = float64(now.Unix())
	st.LastPosition = 5000

	require.NoError(t, s.Validate(st, "/in/events.json"))

	other := *st
	assert.ErrorContains(t, s.Validate(&other, "/in/other.json"), "different file")

	far := *st
	far.LastPosition = 5000 + 1025
	assert.ErrorContains(t, s.Validate(&far, "/in/events.json"), "beyond file size")

	slack := *st
	slack.LastPosition = 5000 + 1024
	assert.NoError(t, s.Validate(&slack, "/in/events.json"))

	old := *st
	old.Timestamp = float64(now.Add(-169 * time.Hour).Unix())
	assert.ErrorContains(t, s.Validate(&old, "/in/events.json"), "expired")

	assert.Error(t, s.Validate(nil, "/in/events.json"))
}

func TestShouldSave(t *testing.T) {
	s, _, now := newStore(t)
	require.NoError(t, s.Save(sampleState(0)))

	assert.False(t, s.ShouldSave(10, false))
	assert.True(t, s.ShouldSave(10, true))
	assert.True(t, s.ShouldSave(100000, false))

	*now = now.Add(61 * time.Second)
	assert.True(t, s.ShouldSave(10, false))
}

func TestClear(t *testing.T) {
	s, fs, _ := newStore(t)
	require.NoError(t, s.Save(sampleState(100)))
	require.NoError(t, s.Save(sampleState(200)))
	require.NoError(t, s.Save(sampleState(300)))
	require.NoError(t, afero.WriteFile(fs, ckptPath+".tmp", []byte("x"), 0644))

	n, err := s.Clear()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, s.Exists())

	n, err = s.Clear()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInfo(t *testing.T) {
	s, _, now := newStore(t)

	info := s.Info()
	assert.False(t, info.Exists)

	require.NoError(t, s.Save(sampleState(250)))
	*now = now.Add(2 * time.Hour)

	info = s.Info()
	require.True(t, info.Exists)
	assert.Equal(t, ckptPath, info.Path)
	assert.Equal(t, 25.0, info.Progress)
	assert.Equal(t, 2*time.Hour, info.Age)
	assert.False(t, info.Expired)
	assert.Positive(t, info.FileSize)
	assert.Equal(t, 1, info.Saves)
}

func TestInfoLeavesFilesUntouched(t *testing.T) {
	s, fs, _ := newStore(t)
	require.NoError(t, s.Save(sampleState(100)))
	require.NoError(t, s.Save(sampleState(200)))

	data, err := afero.ReadFile(fs, ckptPath)
	require.NoError(t, err)
	corrupt := []byte(strings.Replace(string(data), `"processed_lines": 200`, `"processed_lines": 100`, 1))
	require.NotEqual(t, data, corrupt)
	require.NoError(t, afero.WriteFile(fs, ckptPath, corrupt, 0644))

	info := s.Info()
	require.True(t, info.Exists)
	assert.True(t, info.FromBackup)
	require.NotNil(t, info.State)
	assert.Equal(t, int64(100), info.State.ProcessedLines)
	assert.Zero(t, info.Restores)

	onDisk, err := afero.ReadFile(fs, ckptPath)
	require.NoError(t, err)
	assert.Equal(t, corrupt, onDisk, "main checkpoint must not be rewritten")

	// a real load still restores
	_, err = s.Load()
	require.NoError(t, err)
	onDisk, err = afero.ReadFile(fs, ckptPath)
	require.NoError(t, err)
	assert.NotEqual(t, corrupt, onDisk)
}

func TestInfoReportsUnreadableCheckpoint(t *testing.T) {
	s, fs, _ := newStore(t)
	require.NoError(t, afero.WriteFile(fs, ckptPath, []byte("{not json"), 0644))

	info := s.Info()
	assert.True(t, info.Exists)
	assert.Nil(t, info.State)
	assert.NotEmpty(t, info.LoadError)
}
