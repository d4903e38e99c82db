package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := SetOf([]string{"b", "a"})
	assert.True(t, s.Has("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("c"))
	assert.Equal(t, []string{"a", "b", "c"}, s.Sorted())
}

func TestSnapshotAndReset(t *testing.T) {
	m := New()
	m.TotalLines = 10
	m.ProcessedLines = 7
	m.ValidImages = 3
	m.FailedImages = 1
	m.Users.Add("u1")
	m.IPs.Add("1.2.3.4")
	m.IPs.Add("1.2.3.5")

	s := m.Snapshot()
	assert.Equal(t, int64(10), s.TotalLines)
	assert.Equal(t, 1, s.UniqueUsers)
	assert.Equal(t, 2, s.UniqueIPs)
	assert.Equal(t, 75.0, s.SuccessRate())

	m.Reset()
	s = m.Snapshot()
	assert.Zero(t, s.TotalLines)
	assert.Zero(t, s.UniqueIPs)
	assert.Zero(t, s.SuccessRate())
	assert.NotNil(t, m.Users)
}
