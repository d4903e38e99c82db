package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"faceingest/pkg/config"
	errs "faceingest/pkg/errors"
	"faceingest/pkg/logger"

	"github.com/spf13/afero"
)

// Version is the only checkpoint format this package reads and writes
const Version = 1

// State is the durable snapshot of an ingestion run
type State struct {
	Version          int      `json:"version"`
	FileName         string   `json:"file_name"`
	TotalLines       int64    `json:"total_lines"`
	ProcessedLines   int64    `json:"processed_lines"`
	ValidImages      int64    `json:"valid_images"`
	FailedImages     int64    `json:"failed_images"`
	JSONErrors       int64    `json:"json_errors"`
	CachedImages     int64    `json:"cached_images"`
	NetworkErrors    int64    `json:"network_errors"`
	TimeoutErrors    int64    `json:"timeout_errors"`
	DuplicateRecords int64    `json:"duplicate_records"`
	LastPosition     int64    `json:"last_position"`
	Timestamp        float64  `json:"timestamp"`
	BatchSize        int      `json:"batch_size"`
	RecordsProcessed []string `json:"records_processed"`
	UniqueUsers      []string `json:"unique_users"`
	UniqueDevices    []string `json:"unique_devices"`
	UniqueCompanies  []string `json:"unique_companies"`
	UniqueIPs        []string `json:"unique_ips"`
	Checksum         string   `json:"checksum,omitempty"`
}

// Time returns the save time of the state
func (s *State) Time() time.Time {
	sec := int64(s.Timestamp)
	nsec := int64((s.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Progress returns completion in percent
func (s *State) Progress() float64 {
	if s.TotalLines == 0 {
		return 0
	}
	return float64(s.ProcessedLines) / float64(s.TotalLines) * 100
}

var requiredKeys = []string{
	"version", "file_name", "total_lines", "processed_lines",
	"last_position", "timestamp", "batch_size",
}

// Store persists States next to a main checkpoint file with .tmp, .backup
// and .archive siblings
type Store struct {
	fs   afero.Fs
	path string
	cfg  config.CheckpointConfig
	log  logger.Logger
	now  func() time.Time

	lastSave      time.Time
	lastProcessed int64
	saves         int
	restores      int
}

// NewStore creates a Store for the checkpoint file at path
func NewStore(fs afero.Fs, path string, cfg config.CheckpointConfig, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Store{
		fs:   fs,
		path: path,
		cfg:  cfg,
		log:  log.WithField("component", "checkpoint"),
		now:  time.Now,
	}
}

// Path returns the main checkpoint file path
func (s *Store) Path() string { return s.path }

func (s *Store) tmpPath() string     { return s.path + ".tmp" }
func (s *Store) backupPath() string  { return s.path + ".backup" }
func (s *Store) archivePath() string { return s.path + ".archive" }

// ShouldSave reports whether the save cadence is due: final, save_every
// elapsed since the last save, or interval records processed since then
func (s *Store) ShouldSave(processed int64, final bool) bool {
	if final {
		return true
	}
	if s.cfg.SaveEvery > 0 && s.now().Sub(s.lastSave) >= s.cfg.SaveEvery {
		return true
	}
	return s.cfg.Interval > 0 && processed-s.lastProcessed >= int64(s.cfg.Interval)
}

// Save writes st atomically. The previous main file becomes the backup and
// the previous backup becomes the archive.
func (s *Store) Save(st *State) error {
	st.Version = Version
	st.Timestamp = float64(s.now().UnixNano()) / 1e9
	st.Checksum = ""
	sortLists(st)

	sum, err := checksumOf(st)
	if err != nil {
		return fmt.Errorf("failed to compute checkpoint checksum: %w", err)
	}
	st.Checksum = sum

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	if err := s.writeSynced(s.tmpPath(), data); err != nil {
		s.fs.Remove(s.tmpPath())
		return err
	}

	if exists, _ := afero.Exists(s.fs, s.path); exists {
		if ok, _ := afero.Exists(s.fs, s.backupPath()); ok {
			if err := s.copyFile(s.backupPath(), s.archivePath()); err != nil {
				s.log.WarnWithFields("Failed to archive checkpoint backup", map[string]interface{}{"error": err.Error()})
			}
		}
		if err := s.copyFile(s.path, s.backupPath()); err != nil {
			s.log.WarnWithFields("Failed to back up checkpoint", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := s.fs.Rename(s.tmpPath(), s.path); err != nil {
		s.fs.Remove(s.tmpPath())
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	if ok, _ := afero.Exists(s.fs, s.tmpPath()); ok {
		s.fs.Remove(s.tmpPath())
	}

	s.lastSave = s.now()
	s.lastProcessed = st.ProcessedLines
	s.saves++

	s.log.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"processed_lines": st.ProcessedLines,
		"total_lines":     st.TotalLines,
		"last_position":   st.LastPosition,
		"batch_size":      st.BatchSize,
	})
	return nil
}

// Load returns the newest usable state. The main file is tried first, then
// the backup; a usable backup is copied back over the main file. Load
// returns nil, nil when no checkpoint exists and an integrity error when
// files exist but none is usable.
func (s *Store) Load() (*State, error) {
	st, fromBackup, err := s.locate()
	if err != nil || st == nil {
		return nil, err
	}

	if fromBackup {
		s.restores++
		if err := s.copyFile(s.backupPath(), s.path); err != nil {
			s.log.WarnWithFields("Failed to restore main checkpoint from backup", map[string]interface{}{"error": err.Error()})
		} else {
			s.log.Info("Main checkpoint restored from backup")
		}
	} else {
		s.log.InfoWithFields("Checkpoint loaded", map[string]interface{}{
			"processed_lines": st.ProcessedLines,
			"total_lines":     st.TotalLines,
			"last_position":   st.LastPosition,
			"batch_size":      st.BatchSize,
			"progress":        fmt.Sprintf("%.1f%%", st.Progress()),
		})
	}
	s.lastProcessed = st.ProcessedLines
	return st, nil
}

// locate reads the main checkpoint, falling back to the backup. It never
// writes.
func (s *Store) locate() (*State, bool, error) {
	mainExists, _ := afero.Exists(s.fs, s.path)
	if mainExists {
		st, err := s.read(s.path)
		if err == nil {
			return st, false, nil
		}
		s.log.WarnWithFields("Main checkpoint unusable, trying backup", map[string]interface{}{"error": err.Error()})
	}

	backupExists, _ := afero.Exists(s.fs, s.backupPath())
	if !backupExists {
		if mainExists {
			return nil, false, errs.New(errs.ErrorTypeIntegrity, "checkpoint is corrupt and no backup exists")
		}
		return nil, false, nil
	}

	st, err := s.read(s.backupPath())
	if err != nil {
		s.log.WarnWithFields("Backup checkpoint unusable", map[string]interface{}{"error": err.Error()})
		return nil, false, errs.Wrap(errs.ErrorTypeIntegrity, "no usable checkpoint", err)
	}
	return st, true, nil
}

func (s *Store) read(path string) (*State, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return Decode(data)
}

// Decode parses and integrity-checks a checkpoint document
func Decode(data []byte) (*State, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeIntegrity, "decode checkpoint", err)
	}
	if err := checkRaw(raw); err != nil {
		return nil, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeIntegrity, "decode checkpoint fields", err)
	}
	if err := CheckIntegrity(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// checkRaw verifies required keys, numeric types and the checksum against
// the document as written
func checkRaw(raw map[string]interface{}) error {
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return errs.New(errs.ErrorTypeIntegrity, fmt.Sprintf("missing required field %q", key))
		}
	}
	for _, key := range []string{"version", "total_lines", "processed_lines", "last_position", "timestamp", "batch_size"} {
		if _, ok := raw[key].(json.Number); !ok {
			return errs.New(errs.ErrorTypeIntegrity, fmt.Sprintf("field %q is not a number", key))
		}
	}
	if _, ok := raw["file_name"].(string); !ok {
		return errs.New(errs.ErrorTypeIntegrity, `field "file_name" is not a string`)
	}

	saved, ok := raw["checksum"]
	if !ok {
		return nil
	}
	savedStr, _ := saved.(string)
	delete(raw, "checksum")
	sum, err := canonicalChecksum(raw)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeIntegrity, "compute checksum", err)
	}
	if savedStr != sum {
		return errs.New(errs.ErrorTypeIntegrity, "checksum mismatch")
	}
	return nil
}

// CheckIntegrity applies the logical invariants of a state
func CheckIntegrity(st *State) error {
	switch {
	case st.Version != Version:
		return errs.New(errs.ErrorTypeIntegrity, fmt.Sprintf("unsupported checkpoint version %d", st.Version))
	case st.ProcessedLines > st.TotalLines:
		return errs.New(errs.ErrorTypeIntegrity,
			fmt.Sprintf("processed lines %d exceed total lines %d", st.ProcessedLines, st.TotalLines))
	case st.LastPosition < 0:
		return errs.New(errs.ErrorTypeIntegrity, fmt.Sprintf("negative position %d", st.LastPosition))
	case st.BatchSize < config.MinBatchSizeLimit || st.BatchSize > config.MaxBatchSizeLimit:
		return errs.New(errs.ErrorTypeIntegrity, fmt.Sprintf("batch size %d out of range", st.BatchSize))
	}
	return nil
}

// Validate checks that st can resume processing of inputPath
func (s *Store) Validate(st *State, inputPath string) error {
	if st == nil {
		return errs.New(errs.ErrorTypeIntegrity, "checkpoint not loaded")
	}
	if st.FileName != filepath.Base(inputPath) {
		return errs.New(errs.ErrorTypeIntegrity,
			fmt.Sprintf("checkpoint for different file: %s != %s", st.FileName, filepath.Base(inputPath)))
	}

	info, err := s.fs.Stat(inputPath)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeIntegrity, "stat input file", err)
	}
	if st.LastPosition > info.Size()+s.cfg.PositionSlack {
		return errs.New(errs.ErrorTypeIntegrity,
			fmt.Sprintf("checkpoint position %d beyond file size %d", st.LastPosition, info.Size()))
	}
	if st.ProcessedLines > st.TotalLines {
		return errs.New(errs.ErrorTypeIntegrity,
			fmt.Sprintf("processed lines %d exceed total lines %d", st.ProcessedLines, st.TotalLines))
	}
	if s.cfg.MaxAge > 0 {
		if age := s.now().Sub(st.Time()); age >= s.cfg.MaxAge {
			return errs.New(errs.ErrorTypeIntegrity, fmt.Sprintf("checkpoint expired: %s old", age.Round(time.Minute)))
		}
	}
	return nil
}

// Clear removes the main, backup, archive and temporary files and returns
// how many existed
func (s *Store) Clear() (int, error) {
	var removed int
	var firstErr error
	for _, p := range []string{s.path, s.backupPath(), s.archivePath(), s.tmpPath()} {
		exists, _ := afero.Exists(s.fs, p)
		if !exists {
			continue
		}
		if err := s.fs.Remove(p); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
			}
			continue
		}
		removed++
	}

	s.lastSave = time.Time{}
	s.lastProcessed = 0
	if removed > 0 {
		s.log.InfoWithFields("Checkpoint files removed", map[string]interface{}{"count": removed})
	}
	return removed, firstErr
}

// Exists reports whether a main or backup checkpoint file is present
func (s *Store) Exists() bool {
	if ok, _ := afero.Exists(s.fs, s.path); ok {
		return true
	}
	ok, _ := afero.Exists(s.fs, s.backupPath())
	return ok
}

// Info describes the checkpoint on disk
type Info struct {
	Exists       bool          `json:"exists"`
	Path         string        `json:"file_path"`
	BackupExists bool          `json:"backup_exists"`
	FileSize     int64         `json:"file_size,omitempty"`
	State        *State        `json:"state,omitempty"`
	Progress     float64       `json:"progress_percent"`
	Age          time.Duration `json:"age"`
	Expired      bool          `json:"is_expired"`
	Saves        int           `json:"save_count"`
	Restores     int           `json:"backup_restores"`
	FromBackup   bool          `json:"from_backup"`
	LoadError    string        `json:"load_error,omitempty"`
}

// Info summarizes the checkpoint on disk without modifying it. Exists is true
// when a main or backup file is present, even if neither is readable.
func (s *Store) Info() Info {
	info := Info{Path: s.path, Saves: s.saves, Restores: s.restores}
	info.BackupExists, _ = afero.Exists(s.fs, s.backupPath())
	if fi, err := s.fs.Stat(s.path); err == nil {
		info.FileSize = fi.Size()
		info.Exists = true
	}
	info.Exists = info.Exists || info.BackupExists

	st, fromBackup, err := s.locate()
	if err != nil {
		info.LoadError = err.Error()
		return info
	}
	if st == nil {
		return info
	}

	info.FromBackup = fromBackup
	info.State = st
	info.Progress = st.Progress()
	info.Age = s.now().Sub(st.Time())
	info.Expired = s.cfg.MaxAge > 0 && info.Age >= s.cfg.MaxAge
	return info
}

func (s *Store) writeSynced(path string, data []byte) error {
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	return nil
}

// copyFile copies src over dst through a temporary file and rename
func (s *Store) copyFile(src, dst string) error {
	data, err := afero.ReadFile(s.fs, src)
	if err != nil {
		return err
	}
	tmp := dst + ".atomic.tmp"
	if err := s.writeSynced(tmp, data); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, dst); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	return nil
}

func sortLists(st *State) {
	for _, list := range [][]string{
		st.RecordsProcessed, st.UniqueUsers, st.UniqueDevices, st.UniqueCompanies, st.UniqueIPs,
	} {
		sort.Strings(list)
	}
}

// checksumOf digests st without its checksum field
func checksumOf(st *State) (string, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return "", err
	}
	delete(raw, "checksum")
	return canonicalChecksum(raw)
}

// canonicalChecksum is the first 32 hex chars of the sha256 of the compact,
// key-sorted encoding of raw
func canonicalChecksum(raw map[string]interface{}) (string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32], nil
}
