// Package metrics holds the counters of one ingestion run.
package metrics

import (
	"sort"
	"time"
)

// Snapshot is an immutable copy of RunMetrics
type Snapshot struct {
	TotalLines       int64     `json:"total_lines"`
	ProcessedLines   int64     `json:"processed_lines"`
	ParsedRecords    int64     `json:"parsed_records"`
	ValidImages      int64     `json:"valid_images"`
	FailedImages     int64     `json:"failed_images"`
	JSONErrors       int64     `json:"json_errors"`
	CachedImages     int64     `json:"cached_images"`
	NetworkErrors    int64     `json:"network_errors"`
	TimeoutErrors    int64     `json:"timeout_errors"`
	DuplicateRecords int64     `json:"duplicate_records"`
	UniqueUsers      int       `json:"unique_users"`
	UniqueDevices    int       `json:"unique_devices"`
	UniqueCompanies  int       `json:"unique_companies"`
	UniqueIPs        int       `json:"unique_ips"`
	StartedAt        time.Time `json:"started_at"`
	Elapsed          float64   `json:"elapsed_seconds"`
}

// SuccessRate is the share of fetched images that succeeded, in percent
func (s Snapshot) SuccessRate() float64 {
	total := s.ValidImages + s.FailedImages
	if total == 0 {
		return 0
	}
	return float64(s.ValidImages) / float64(total) * 100
}

// Set is a set of strings
type Set map[string]struct{}

// Add inserts v and reports whether it was new
func (s Set) Add(v string) bool {
	if _, ok := s[v]; ok {
		return false
	}
	s[v] = struct{}{}
	return true
}

// Has reports membership
func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Sorted returns the members in ascending order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SetOf builds a Set from values
func SetOf(values []string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// RunMetrics is owned by the ingestion loop and only mutated from its
// goroutine. Counters are monotonic until Reset.
type RunMetrics struct {
	TotalLines       int64
	ProcessedLines   int64
	ParsedRecords    int64
	ValidImages      int64
	FailedImages     int64
	JSONErrors       int64
	CachedImages     int64
	NetworkErrors    int64
	TimeoutErrors    int64
	DuplicateRecords int64

	Users     Set
	Devices   Set
	Companies Set
	IPs       Set

	StartedAt time.Time
}

// New creates zeroed metrics
func New() *RunMetrics {
	m := &RunMetrics{}
	m.Reset()
	return m
}

// Reset zeroes every counter and set
func (m *RunMetrics) Reset() {
	*m = RunMetrics{
		Users:     make(Set),
		Devices:   make(Set),
		Companies: make(Set),
		IPs:       make(Set),
		StartedAt: time.Now(),
	}
}

// Snapshot copies the counters
func (m *RunMetrics) Snapshot() Snapshot {
	return Snapshot{
		TotalLines:       m.TotalLines,
		ProcessedLines:   m.ProcessedLines,
		ParsedRecords:    m.ParsedRecords,
		ValidImages:      m.ValidImages,
		FailedImages:     m.FailedImages,
		JSONErrors:       m.JSONErrors,
		CachedImages:     m.CachedImages,
		NetworkErrors:    m.NetworkErrors,
		TimeoutErrors:    m.TimeoutErrors,
		DuplicateRecords: m.DuplicateRecords,
		UniqueUsers:      len(m.Users),
		UniqueDevices:    len(m.Devices),
		UniqueCompanies:  len(m.Companies),
		UniqueIPs:        len(m.IPs),
		StartedAt:        m.StartedAt,
		Elapsed:          time.Since(m.StartedAt).Seconds(),
	}
}
