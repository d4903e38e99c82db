// Package resources samples system memory and CPU and classifies the
// pressure the ingestion loop should react to.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"faceingest/pkg/config"
	"faceingest/pkg/logger"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one observation of system resources
type Sample struct {
	MemoryPercent  float64   `json:"memory_percent"`
	CPUPercent     float64   `json:"cpu_percent"`
	AvailableBytes uint64    `json:"available_bytes"`
	TotalBytes     uint64    `json:"total_bytes"`
	At             time.Time `json:"at"`
}

// Level classifies a Sample
type Level int

const (
	LevelNormal Level = iota
	LevelIdle
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelIdle:
		return "idle"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Sampler reads current resource usage
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads host-wide figures through gopsutil
type SystemSampler struct{}

// Sample implements Sampler. CPU is measured since the previous call.
func (SystemSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory stats: %w", err)
	}
	s := Sample{
		MemoryPercent:  vm.UsedPercent,
		AvailableBytes: vm.Available,
		TotalBytes:     vm.Total,
		At:             time.Now(),
	}

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	return s, nil
}

// Classify maps a sample onto a pressure level using the thresholds in cfg
func Classify(cfg config.ResourceConfig, s Sample) Level {
	switch {
	case s.MemoryPercent >= cfg.MaxMemoryPercent:
		return LevelCritical
	case s.MemoryPercent >= cfg.HighMemoryPercent || s.CPUPercent >= cfg.HighCPUPercent:
		return LevelHigh
	case s.MemoryPercent < cfg.IdleMemoryPercent && s.CPUPercent < cfg.IdleCPUPercent:
		return LevelIdle
	default:
		return LevelNormal
	}
}

const gib = 1 << 30

// Concurrency picks the fetch concurrency for the available memory:
// 4 under 1 GiB, 8 under 2 GiB, 12 under 4 GiB and max otherwise. Zero
// available means unknown and yields max.
func Concurrency(available uint64, max int) int {
	n := max
	switch {
	case available == 0:
	case available < 1*gib:
		n = 4
	case available < 2*gib:
		n = 8
	case available < 4*gib:
		n = 12
	}
	if max > 0 && n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Monitor rate-limits sampling: within CheckInterval of the last sample it
// returns the cached observation
type Monitor struct {
	cfg     config.ResourceConfig
	sampler Sampler
	log     logger.Logger
	now     func() time.Time

	mu    sync.Mutex
	last  Sample
	level Level
	valid bool
}

// NewMonitor creates a Monitor. A nil sampler uses SystemSampler.
func NewMonitor(cfg config.ResourceConfig, sampler Sampler, log logger.Logger) *Monitor {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		log:     log.WithField("component", "resources"),
		now:     time.Now,
	}
}

// Check returns the current sample and its level. A failed read keeps the
// previous observation, or reports normal pressure when there is none.
func (m *Monitor) Check(ctx context.Context) (Sample, Level) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid && m.now().Sub(m.last.At) < m.cfg.CheckInterval {
		return m.last, m.level
	}

	s, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.DebugWithFields("Resource sample failed", map[string]interface{}{"error": err.Error()})
		if m.valid {
			return m.last, m.level
		}
		return Sample{At: m.now()}, LevelNormal
	}
	if s.At.IsZero() {
		s.At = m.now()
	}

	m.last = s
	m.level = Classify(m.cfg, s)
	m.valid = true

	if m.level == LevelHigh || m.level == LevelCritical {
		logger.LogResources(m.log, s.MemoryPercent, s.CPUPercent, s.AvailableBytes, m.level == LevelCritical)
	}
	return m.last, m.level
}

// Delay returns the cooperative pause for a level
func (m *Monitor) Delay(level Level) time.Duration {
	switch level {
	case LevelCritical:
		return m.cfg.CriticalDelay
	case LevelHigh:
		return m.cfg.PressureDelay
	default:
		return 0
	}
}
