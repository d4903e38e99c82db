package report

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"faceingest/pkg/config"
	"faceingest/pkg/fetcher"
	"faceingest/pkg/imagecache"
	"faceingest/pkg/ingest"
	"faceingest/pkg/metrics"
	"faceingest/pkg/parser"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun() Run {
	return Run{
		ID:          "0b8f5d4e-0000-4000-8000-000000000001",
		InputFile:   "events.json",
		Completed:   true,
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sampleRecords() []ingest.EnrichedRecord {
	return []ingest.EnrichedRecord{
		{
			Record: parser.Record{
				Timestamp: "2024-01-02 03:04:05",
				DeviceID:  "cam-1",
				UserName:  "alice",
				Gender:    "Female",
				Age:       "31",
				Score:     "97.5",
				FaceID:    parser.NotAvailable,
				CompanyID: "acme",
				ImageURL:  "http://img.test/a.jpg",
				IPAddress: "10.0.0.1",
			},
			ImageHash: fetcher.HashURL("http://img.test/a.jpg"),
			Image: &fetcher.Asset{
				Path:        "/out/photos/a.jpg",
				Width:       64,
				Height:      48,
				StoredBytes: 2048,
				Tier:        imagecache.TierDisk,
			},
		},
		{
			Record: parser.Record{
				Timestamp: "2024-01-02 03:04:06",
				DeviceID:  "cam-2",
				UserName:  "bob",
				ImageURL:  "http://img.test/b.jpg",
				IPAddress: parser.NotAvailable,
			},
			ImageHash:     fetcher.HashURL("http://img.test/b.jpg"),
			FailureReason: "HTTP 404: Not Found",
		},
	}
}

func sampleSnapshot() metrics.Snapshot {
	return metrics.Snapshot{
		TotalLines:     3,
		ProcessedLines: 3,
		ParsedRecords:  2,
		ValidImages:    1,
		FailedImages:   1,
		JSONErrors:     1,
		CachedImages:   1,
		UniqueUsers:    2,
		UniqueDevices:  2,
		Elapsed:        1.5,
	}
}

func TestJSONGenerator(t *testing.T) {
	fs := afero.NewMemMapFs()
	g := NewJSON(fs, "/out/reports", sampleRun(), nil)

	require.NoError(t, g.Generate(context.Background(), sampleRecords(), sampleSnapshot()))
	assert.Equal(t, "/out/reports/report_0b8f5d4e-0000-4000-8000-000000000001.json", g.Path())

	data, err := afero.ReadFile(fs, g.Path())
	require.NoError(t, err)

	var doc Document
	require.NoError(t, jsoniter.Unmarshal(data, &doc))
	assert.Equal(t, "0b8f5d4e-0000-4000-8000-000000000001", doc.RunID)
	assert.True(t, doc.Completed)
	assert.Equal(t, 50.0, doc.SuccessRate)
	assert.Equal(t, int64(2), doc.Metrics.ParsedRecords)
	require.Len(t, doc.Records, 2)
	assert.Equal(t, "alice", doc.Records[0].UserName)
	require.NotNil(t, doc.Records[0].Image)
	assert.Equal(t, 64, doc.Records[0].Image.Width)
	assert.Nil(t, doc.Records[1].Image)
	assert.Equal(t, "HTTP 404: Not Found", doc.Records[1].FailureReason)

	exists, _ := afero.Exists(fs, g.Path()+".tmp")
	assert.False(t, exists)
}

func TestJSONGeneratorEmptyRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	g := NewJSON(fs, "/r", sampleRun(), nil)
	require.NoError(t, g.Generate(context.Background(), nil, metrics.Snapshot{}))

	data, err := afero.ReadFile(fs, g.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"records": []`)
}

func TestJSONGeneratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewJSON(afero.NewMemMapFs(), "/r", sampleRun(), nil).Generate(ctx, nil, metrics.Snapshot{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteGenerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "faceingest.db")
	ctx := context.Background()

	require.NoError(t, NewSQLite(path, sampleRun(), nil).Generate(ctx, sampleRecords(), sampleSnapshot()))

	second := sampleRun()
	second.ID = "0b8f5d4e-0000-4000-8000-000000000002"
	second.Completed = false
	require.NoError(t, NewSQLite(path, second, nil).Generate(ctx, sampleRecords()[:1], sampleSnapshot()))

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	var runs int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&runs))
	assert.Equal(t, 2, runs)

	var records int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM records WHERE run_id = ?`, sampleRun().ID).Scan(&records))
	assert.Equal(t, 2, records)

	var (
		user   string
		width  int
		cached bool
	)
	require.NoError(t, db.QueryRow(
		`SELECT user_name, image_width, image_cached FROM records WHERE run_id = ? AND image_path IS NOT NULL`,
		sampleRun().ID,
	).Scan(&user, &width, &cached))
	assert.Equal(t, "alice", user)
	assert.Equal(t, 64, width)
	assert.True(t, cached)

	var reason string
	require.NoError(t, db.QueryRow(
		`SELECT failure_reason FROM records WHERE run_id = ? AND user_name = 'bob'`, sampleRun().ID,
	).Scan(&reason))
	assert.Equal(t, "HTTP 404: Not Found", reason)

	var valid int64
	var completed bool
	require.NoError(t, db.QueryRow(`SELECT valid_images, completed FROM runs WHERE id = ?`, second.ID).Scan(&valid, &completed))
	assert.Equal(t, int64(1), valid)
	assert.False(t, completed)
}

func TestSQLiteGeneratorRejectsDuplicateRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faceingest.db")
	g := NewSQLite(path, sampleRun(), nil)
	require.NoError(t, g.Generate(context.Background(), sampleRecords(), sampleSnapshot()))
	assert.Error(t, g.Generate(context.Background(), sampleRecords(), sampleSnapshot()))
}

type failingGenerator struct{ err error }

func (f failingGenerator) Generate(context.Context, []ingest.EnrichedRecord, metrics.Snapshot) error {
	return f.err
}

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	fs := afero.NewMemMapFs()
	jg := NewJSON(fs, "/r", sampleRun(), nil)
	m := Multi{failingGenerator{errA}, jg}

	err := m.Generate(context.Background(), sampleRecords(), sampleSnapshot())
	assert.ErrorIs(t, err, errA)

	exists, _ := afero.Exists(fs, jg.Path())
	assert.True(t, exists, "later generators still run")
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.BaseDirectory = t.TempDir()
	cfg.Report.Formats = []string{"json", "SQLite"}

	g, err := New(cfg, afero.NewMemMapFs(), NewRun("events.json", true), nil)
	require.NoError(t, err)
	require.Len(t, g.(Multi), 2)
	assert.IsType(t, &JSONGenerator{}, g.(Multi)[0])
	assert.IsType(t, &SQLiteGenerator{}, g.(Multi)[1])

	cfg.Report.Formats = []string{"html"}
	_, err = New(cfg, afero.NewMemMapFs(), NewRun("events.json", true), nil)
	assert.ErrorContains(t, err, "unknown report format")
}

func TestNewRunIDsAreUnique(t *testing.T) {
	a := NewRun("x.json", true)
	b := NewRun("x.json", true)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
}
