package imagecache

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLRUEviction(t *testing.T) {
	m := NewMemory(100, 0.5)

	require.True(t, m.Put("a", bytes.Repeat([]byte{1}, 40)))
	require.True(t, m.Put("b", bytes.Repeat([]byte{2}, 40)))
	_, ok := m.Get("a")
	require.True(t, ok)

	require.True(t, m.Put("c", bytes.Repeat([]byte{3}, 40)))

	_, ok = m.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = m.Get("a")
	assert.True(t, ok)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Items)
	assert.Equal(t, int64(80), stats.Bytes)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryAdmission(t *testing.T) {
	m := NewMemory(1000, 0.1)

	assert.False(t, m.Put("big", make([]byte, 101)))
	assert.True(t, m.Put("ok", make([]byte, 100)))
	assert.False(t, m.Put("empty", nil))

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Rejected)
	assert.Equal(t, 1, stats.Items)
}

func TestMemoryReplaceAdjustsSize(t *testing.T) {
	m := NewMemory(1000, 0.5)
	m.Put("k", make([]byte, 100))
	m.Put("k", make([]byte, 30))

	assert.Equal(t, int64(30), m.Stats().Bytes)
	assert.Equal(t, 1, m.Stats().Items)
}

func TestMemoryNeverExceedsCapacity(t *testing.T) {
	m := NewMemory(10_000, 0.1)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Put(fmt.Sprintf("%d-%d", w, i), make([]byte, 1+(i*7)%1000))
				m.Get(fmt.Sprintf("%d-%d", w, i/2))
			}
		}(w)
	}
	wg.Wait()

	stats := m.Stats()
	assert.LessOrEqual(t, stats.Bytes, stats.Capacity)
}

func TestMemoryTrim(t *testing.T) {
	m := NewMemory(1000, 0.1)
	for i := 0; i < 10; i++ {
		m.Put(fmt.Sprint(i), make([]byte, 100))
	}

	released := m.Trim(0.5)
	assert.Equal(t, int64(500), released)
	assert.Equal(t, int64(500), m.Stats().Bytes)

	_, ok := m.Get("0")
	assert.False(t, ok, "oldest entries go first")
	_, ok = m.Get("9")
	assert.True(t, ok)

	m.Clear()
	assert.Zero(t, m.Stats().Items)
}

func TestDiskPutGet(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewDisk(fs, "/out/image_cache")

	_, ok := d.Get("abc")
	assert.False(t, ok)

	require.NoError(t, d.Put("abc", []byte("jpeg-bytes")))
	data, ok := d.Get("abc")
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg-bytes"), data)
	assert.Equal(t, "/out/image_cache/cache_abc.jpg", d.Path("abc"))

	files, err := afero.ReadDir(fs, "/out/image_cache")
	require.NoError(t, err)
	require.Len(t, files, 1, "no temp files left behind")
}

func TestDiskPrune(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewDisk(fs, "/cache")
	now := time.Now()
	d.now = func() time.Time { return now }

	require.NoError(t, d.Put("old", make([]byte, 300)))
	require.NoError(t, d.Put("new", make([]byte, 200)))
	require.NoError(t, afero.WriteFile(fs, "/cache/image_metrics.json", []byte("{}"), 0644))

	stale := now.Add(-48 * time.Hour)
	require.NoError(t, fs.Chtimes(d.Path("old"), stale, stale))
	require.NoError(t, fs.Chtimes("/cache/image_metrics.json", stale, stale))

	res, err := d.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, int64(300), res.Bytes)

	_, ok := d.Get("new")
	assert.True(t, ok)
	exists, _ := afero.Exists(fs, "/cache/image_metrics.json")
	assert.True(t, exists, "only cache_ files are pruned")

	res, err = NewDisk(fs, "/missing").Prune(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Files)
}

func TestCacheTierOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := New(NewMemory(1000, 0.5), NewDisk(fs, "/cache"))

	_, tier, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, TierNone, tier)

	require.True(t, c.Put("k", []byte("memory")))
	data, tier, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, TierMemory, tier)
	assert.Equal(t, []byte("memory"), data)

	require.NoError(t, c.Persist("k", []byte("disk")))
	data, tier, _ = c.Get("k")
	assert.Equal(t, TierDisk, tier)
	assert.Equal(t, []byte("disk"), data)

	assert.Equal(t, int64(6), c.Trim(0))
}
