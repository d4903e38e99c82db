package storage

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Manager stores full-size images as <hash>_<unixmillis>.jpg and remembers
// the newest file per hash
type Manager struct {
	fs        afero.Fs
	outputDir string
	stored    map[string]string
	reserved  map[string]bool
	mu        sync.RWMutex
}

// NewManager creates a storage manager rooted at outputDir on fs
func NewManager(fs afero.Fs, outputDir string) (*Manager, error) {
	if err := fs.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	manager := &Manager{
		fs:        fs,
		outputDir: outputDir,
		stored:    make(map[string]string),
		reserved:  make(map[string]bool),
	}

	if err := manager.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}

	return manager, nil
}

// scanExistingFiles indexes images left by earlier runs
func (m *Manager) scanExistingFiles() error {
	entries, err := afero.ReadDir(m.fs, m.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	// ReadDir is sorted by name, so later timestamps overwrite earlier ones
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jpg" {
			continue
		}
		hash, _, ok := strings.Cut(strings.TrimSuffix(entry.Name(), ".jpg"), "_")
		if !ok || hash == "" {
			continue
		}
		m.stored[hash] = filepath.Join(m.outputDir, entry.Name())
	}

	return nil
}

// Lookup returns the newest stored image for hash
func (m *Manager) Lookup(hash string) (string, bool) {
	m.mu.RLock()
	path, ok := m.stored[hash]
	m.mu.RUnlock()
	if ok {
		if exists, _ := afero.Exists(m.fs, path); exists {
			return path, true
		}
	}

	matches, err := afero.Glob(m.fs, filepath.Join(m.outputDir, hash+"_*.jpg"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	path = matches[len(matches)-1]

	m.mu.Lock()
	m.stored[hash] = path
	m.mu.Unlock()
	return path, true
}

// SaveImage writes r to a new file for hash and returns its path and size.
// The name never collides with an existing or concurrently saved file.
func (m *Manager) SaveImage(r io.Reader, hash string, at time.Time) (string, int64, error) {
	filename := m.reserve(hash, at)
	defer m.release(filename)

	tempFile := filename + ".tmp"
	out, err := m.fs.Create(tempFile)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temporary file: %w", err)
	}

	n, err := io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		m.fs.Remove(tempFile)
		return "", 0, fmt.Errorf("failed to save image data: %w", err)
	}
	if closeErr != nil {
		m.fs.Remove(tempFile)
		return "", 0, fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := m.fs.Rename(tempFile, filename); err != nil {
		m.fs.Remove(tempFile)
		return "", 0, fmt.Errorf("failed to rename temporary file: %w", err)
	}

	m.mu.Lock()
	m.stored[hash] = filename
	m.mu.Unlock()

	return filename, n, nil
}

// reserve picks <hash>_<ms>.jpg, bumping ms until the name is free
func (m *Manager) reserve(hash string, at time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := at.UnixMilli()
	for {
		name := filepath.Join(m.outputDir, fmt.Sprintf("%s_%d.jpg", hash, ms))
		if !m.reserved[name] {
			if exists, _ := afero.Exists(m.fs, name); !exists {
				m.reserved[name] = true
				return name
			}
		}
		ms++
	}
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.reserved, name)
	m.mu.Unlock()
}

// Remove deletes a stored file and forgets it
func (m *Manager) Remove(path string) error {
	m.mu.Lock()
	for hash, p := range m.stored {
		if p == path {
			delete(m.stored, hash)
		}
	}
	m.mu.Unlock()
	return m.fs.Remove(path)
}

// Size returns the size in bytes of a stored file
func (m *Manager) Size(path string) (int64, error) {
	info, err := m.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// GetOutputDir returns the output directory path
func (m *Manager) GetOutputDir() string {
	return m.outputDir
}

// GetStoredCount returns the number of distinct hashes with a stored image
func (m *Manager) GetStoredCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stored)
}
