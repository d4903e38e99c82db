package ingest

import (
	"math"
	"time"

	"faceingest/pkg/config"
	"faceingest/pkg/resources"
	"faceingest/pkg/retry"
)

// emaWeight is the weight of the newest batch duration in the moving average
const emaWeight = 0.3

// Controller sizes batches from resource pressure and batch durations
type Controller struct {
	cfg    config.BatchConfig
	policy retry.Policy
	size   int
	ema    time.Duration
}

// NewController creates a Controller starting at cfg.InitialSize. The bounds
// are cfg.MinSize and cfg.MaxSize narrowed to the supported range.
func NewController(cfg config.BatchConfig) *Controller {
	lo := max(cfg.MinSize, config.MinBatchSizeLimit)
	hi := cfg.MaxSize
	if hi <= 0 || hi > config.MaxBatchSizeLimit {
		hi = config.MaxBatchSizeLimit
	}
	if hi < lo {
		hi = lo
	}

	c := &Controller{
		cfg: cfg,
		policy: retry.Policy{
			Min:          float64(lo),
			Max:          float64(hi),
			JitterFactor: cfg.Jitter,
		},
	}
	c.SetSize(cfg.InitialSize)
	return c
}

// Size is the current batch size
func (c *Controller) Size() int {
	return c.size
}

// SetSize replaces the batch size, clamped to the bounds
func (c *Controller) SetSize(n int) {
	c.size = int(c.policy.Clamp(float64(n)))
}

// Bounds returns the inclusive batch size range
func (c *Controller) Bounds() (int, int) {
	return int(c.policy.Min), int(c.policy.Max)
}

// AverageDuration is the moving average of observed batch durations
func (c *Controller) AverageDuration() time.Duration {
	return c.ema
}

// Observe folds one batch duration and the current pressure level into the
// batch size and returns the new size
func (c *Controller) Observe(elapsed time.Duration, level resources.Level) int {
	if c.ema == 0 {
		c.ema = elapsed
	} else {
		c.ema = time.Duration(emaWeight*float64(elapsed) + (1-emaWeight)*float64(c.ema))
	}

	factor := 1.0
	switch {
	case level == resources.LevelCritical:
		factor = c.cfg.CriticalFactor
	case level == resources.LevelHigh:
		factor = c.cfg.ShrinkFactor
	case c.cfg.SlowBatch > 0 && c.ema > c.cfg.SlowBatch:
		factor = c.cfg.SlowFactor
	case level == resources.LevelIdle && c.cfg.FastBatch > 0 && c.ema < c.cfg.FastBatch:
		factor = c.cfg.GrowFactor
	}
	if factor <= 0 {
		factor = 1
	}

	if factor == 1 {
		return c.size
	}
	c.SetSize(int(math.Round(c.policy.Step(float64(c.size), factor))))
	return c.size
}

// Concurrency is the per-batch fetch concurrency for the available memory
func (c *Controller) Concurrency(available uint64) int {
	return resources.Concurrency(available, c.cfg.Workers)
}
