package imagecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const diskPrefix = "cache_"

// PruneResult reports what Prune removed
type PruneResult struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Disk is the on-disk tier. Each key maps to its own file, so concurrent
// writers of different keys never collide and writers of the same key leave
// one complete file behind.
type Disk struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewDisk creates a disk tier rooted at dir on fs
func NewDisk(fs afero.Fs, dir string) *Disk {
	return &Disk{fs: fs, dir: dir, now: time.Now}
}

// Path returns the cache file path for key
func (d *Disk) Path(key string) string {
	return filepath.Join(d.dir, diskPrefix+key+".jpg")
}

// Get reads the cached file for key
func (d *Disk) Get(key string) ([]byte, bool) {
	data, err := afero.ReadFile(d.fs, d.Path(key))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Put writes data for key through a temp file and rename
func (d *Disk) Put(key string, data []byte) error {
	if err := d.fs.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	final := d.Path(key)
	tmp := fmt.Sprintf("%s.%s.tmp", final, uuid.NewString()[:8])

	if err := afero.WriteFile(d.fs, tmp, data, 0644); err != nil {
		d.fs.Remove(tmp)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := d.fs.Rename(tmp, final); err != nil {
		d.fs.Remove(tmp)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Prune removes cache files whose modification time is older than maxAge
func (d *Disk) Prune(maxAge time.Duration) (PruneResult, error) {
	var res PruneResult

	entries, err := afero.ReadDir(d.fs, d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("failed to list cache directory: %w", err)
	}

	cutoff := d.now().Add(-maxAge)
	for _, info := range entries {
		if info.IsDir() || !strings.HasPrefix(info.Name(), diskPrefix) {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := d.fs.Remove(filepath.Join(d.dir, info.Name())); err != nil {
			continue
		}
		res.Files++
		res.Bytes += info.Size()
	}
	return res, nil
}
