package parser

import (
	"strings"
	"testing"
	"time"

	"faceingest/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLine = `{"_id":{"$oid":"65a4f0c2e1"},"timestamp":{"$date":"2024-01-15T10:30:00.123Z"},` +
	`"device_id":"cam-01","user_name":"Ivanov","eva_sex":"female","eva_age":34.7,"comp_score":"87.456%",` +
	`"face_id":"f-9","company_id":42,"image":"http://img.example/a.jpg","IP":"10.0.0.5","group":"staff"}`

func newTestParser(mod func(*config.ParserConfig)) *Parser {
	cfg := config.DefaultConfig().Parser
	if mod != nil {
		mod(&cfg)
	}
	return New(cfg, nil)
}

func TestParseWellFormed(t *testing.T) {
	p := newTestParser(nil)

	out, err := p.Parse(sampleLine)
	require.NoError(t, err)
	require.True(t, out.OK())

	rec := out.Record
	assert.Equal(t, "2024-01-15 10:30:00", rec.Timestamp)
	assert.Equal(t, "cam-01", rec.DeviceID)
	assert.Equal(t, "Ivanov", rec.UserName)
	assert.Equal(t, "Female", rec.Gender)
	assert.Equal(t, "34", rec.Age)
	assert.Equal(t, "87.5%", rec.Score)
	assert.Equal(t, "42", rec.CompanyID)
	assert.Equal(t, "http://img.example/a.jpg", rec.ImageURL)
	assert.Equal(t, "10.0.0.5", rec.IPAddress)
	assert.Equal(t, "65a4f0c2e1", rec.MongoID)
	assert.Equal(t, "staff", rec.Group)
	assert.Equal(t, Fingerprint(sampleLine), out.Fingerprint)
	assert.False(t, out.Cached)
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason Reason
	}{
		{"too short", `{"a":1}`, ReasonInvalidFormat},
		{"not an object", `["timestamp","device_id"]`, ReasonInvalidFormat},
		{"no key fields", `{"user_name":"someone else"}`, ReasonInvalidFormat},
		{"truncated", `{"timestamp":"2024-01-15","device_id":"x"`, ReasonInvalidFormat},
		{"bad json", `{"timestamp": 2024-01-15, "device_id": }`, ReasonJSONDecode},
		{"missing user", `{"timestamp":"2024-01-15T10:00:00","device_id":"d1"}`, ReasonValidationFailed},
		{"null timestamp", `{"timestamp":null,"device_id":"d1","user_name":"u"}`, ReasonValidationFailed},
		{"bad image scheme", `{"timestamp":"2024-01-15T10:00:00","device_id":"d1","user_name":"u","image":"ftp://x/y.jpg"}`, ReasonValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestParser(nil)
			out, err := p.Parse(tt.line)
			require.NoError(t, err)
			assert.False(t, out.OK())
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, int64(1), p.Stats().Errors[tt.reason])
		})
	}
}

func TestParseValidationDisabled(t *testing.T) {
	p := newTestParser(func(c *config.ParserConfig) { c.Validation = false })

	out, err := p.Parse(`{"timestamp":"2024-01-15T10:00:00","device_id":"d1"}`)
	require.NoError(t, err)
	require.True(t, out.OK())
	assert.Equal(t, NotAvailable, out.Record.UserName)
}

func TestParseCacheHitReturnsCopy(t *testing.T) {
	p := newTestParser(nil)

	first, err := p.Parse(sampleLine)
	require.NoError(t, err)
	first.Record.UserName = "mutated"

	second, err := p.Parse("  " + sampleLine + "\n")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "Ivanov", second.Record.UserName)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Parsed)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, 50.0, stats.CacheHitRate)
	assert.Equal(t, 1, stats.CacheSize)
}

func TestParseCacheDisabled(t *testing.T) {
	p := newTestParser(func(c *config.ParserConfig) { c.EnableCache = false })

	for i := 0; i < 2; i++ {
		out, err := p.Parse(sampleLine)
		require.NoError(t, err)
		assert.False(t, out.Cached)
	}
	assert.Zero(t, p.Stats().CacheSize)
}

func TestParseBatchContinuesPastBadLines(t *testing.T) {
	p := newTestParser(func(c *config.ParserConfig) { c.SweepEvery = 2 })

	outs, err := p.ParseBatch([]string{sampleLine, "garbage", sampleLine, `{"timestamp":"x","device_id":"y",}`})
	require.NoError(t, err)
	require.Len(t, outs, 4)

	assert.True(t, outs[0].OK())
	assert.Equal(t, ReasonInvalidFormat, outs[1].Reason)
	assert.True(t, outs[2].Cached)
	assert.Equal(t, ReasonJSONDecode, outs[3].Reason)
	assert.Equal(t, int64(2), p.Stats().TotalErrors())
}

func TestResetAndClearCache(t *testing.T) {
	p := newTestParser(nil)
	_, _ = p.Parse(sampleLine)
	_, _ = p.Parse("nope")

	p.Reset()
	stats := p.Stats()
	assert.Zero(t, stats.Parsed)
	assert.Zero(t, stats.TotalErrors())
	assert.Equal(t, 1, stats.CacheSize)

	p.ClearCache()
	stats = p.Stats()
	assert.Zero(t, stats.CacheSize)
	assert.Zero(t, stats.CacheHits)
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint(sampleLine)
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("\t"+sampleLine+"  \r\n"))
	assert.NotEqual(t, fp, Fingerprint(strings.Replace(sampleLine, "cam-01", "cam-02", 1)))
}

func TestLineCacheTTLAndLRU(t *testing.T) {
	c := newLineCache(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.set("a", Record{UserName: "a"})
	c.set("b", Record{UserName: "b"})
	_, ok := c.get("a")
	require.True(t, ok)

	c.set("c", Record{UserName: "c"})
	_, ok = c.get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	assert.Equal(t, 2, c.len())

	now = now.Add(2 * time.Minute)
	_, ok = c.get("a")
	assert.False(t, ok, "expired entry is a miss")
	assert.Equal(t, 1, c.sweep())
	assert.Zero(t, c.len())
}
