package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Hard bounds for batch sizes; checkpoint integrity checks use the same range.
const (
	MinBatchSizeLimit = 100
	MaxBatchSizeLimit = 50000
)

// Config holds all configuration options for an ingestion run
type Config struct {
	// Output directory layout
	Output OutputConfig `yaml:"output" json:"output"`

	// Batch sizing and per-batch concurrency
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Image download and processing
	Fetch FetchConfig `yaml:"fetch" json:"fetch"`

	// Two-tier image cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Checkpoint persistence
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`

	// Record parser
	Parser ParserConfig `yaml:"parser" json:"parser"`

	// Memory and CPU pressure handling
	Resources ResourceConfig `yaml:"resources" json:"resources"`

	// Report generation
	Report ReportConfig `yaml:"report" json:"report"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// OutputConfig holds output directory configuration
type OutputConfig struct {
	BaseDirectory string `yaml:"base_directory" json:"base_directory"`
	PhotosDir     string `yaml:"photos_dir" json:"photos_dir"`
	ReportsDir    string `yaml:"reports_dir" json:"reports_dir"`
	CacheDir      string `yaml:"cache_dir" json:"cache_dir"`
	TempDir       string `yaml:"temp_dir" json:"temp_dir"`
}

// BatchConfig holds adaptive batch configuration
type BatchConfig struct {
	InitialSize    int           `yaml:"initial_size" json:"initial_size"`
	MinSize        int           `yaml:"min_size" json:"min_size"`
	MaxSize        int           `yaml:"max_size" json:"max_size"`
	Workers        int           `yaml:"workers" json:"workers"`
	CriticalFactor float64       `yaml:"critical_factor" json:"critical_factor"`
	ShrinkFactor   float64       `yaml:"shrink_factor" json:"shrink_factor"`
	SlowFactor     float64       `yaml:"slow_factor" json:"slow_factor"`
	GrowFactor     float64       `yaml:"grow_factor" json:"grow_factor"`
	SlowBatch      time.Duration `yaml:"slow_batch" json:"slow_batch"`
	FastBatch      time.Duration `yaml:"fast_batch" json:"fast_batch"`
	Jitter         float64       `yaml:"jitter" json:"jitter"`
}

// FetchConfig holds image download configuration
type FetchConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	RetryJitter    time.Duration `yaml:"retry_jitter" json:"retry_jitter"`
	MaxConnections int           `yaml:"max_connections" json:"max_connections"`
	MaxPerHost     int           `yaml:"max_per_host" json:"max_per_host"`
	MaxImageBytes  int64         `yaml:"max_image_bytes" json:"max_image_bytes"`
	MinImageBytes  int           `yaml:"min_image_bytes" json:"min_image_bytes"`
	ChunkSize      int           `yaml:"chunk_size" json:"chunk_size"`
	MaxDimension   int           `yaml:"max_dimension" json:"max_dimension"`
	MaxPixels      int64         `yaml:"max_pixels" json:"max_pixels"`
	CacheDimension int           `yaml:"cache_dimension" json:"cache_dimension"`
	ThumbnailSize  int           `yaml:"thumbnail_size" json:"thumbnail_size"`
	JPEGQuality    int           `yaml:"jpeg_quality" json:"jpeg_quality"`
	ProcessWorkers int           `yaml:"process_workers" json:"process_workers"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
}

// CacheConfig holds image cache configuration
type CacheConfig struct {
	MemoryBytes    int64         `yaml:"memory_bytes" json:"memory_bytes"`
	AdmissionRatio float64       `yaml:"admission_ratio" json:"admission_ratio"`
	DiskMaxAge     time.Duration `yaml:"disk_max_age" json:"disk_max_age"`
}

// CheckpointConfig holds checkpoint configuration
type CheckpointConfig struct {
	File          string        `yaml:"file" json:"file"`
	Interval      int           `yaml:"interval" json:"interval"`
	SaveEvery     time.Duration `yaml:"save_every" json:"save_every"`
	MaxAge        time.Duration `yaml:"max_age" json:"max_age"`
	PositionSlack int64         `yaml:"position_slack" json:"position_slack"`
}

// ParserConfig holds record parser configuration
type ParserConfig struct {
	CacheSize          int           `yaml:"cache_size" json:"cache_size"`
	CacheTTL           time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	EnableCache        bool          `yaml:"enable_cache" json:"enable_cache"`
	TransformCacheSize int           `yaml:"transform_cache_size" json:"transform_cache_size"`
	MinLineLength      int           `yaml:"min_line_length" json:"min_line_length"`
	Validation         bool          `yaml:"validation" json:"validation"`
	StrictMode         bool          `yaml:"strict_mode" json:"strict_mode"`
	SweepEvery         int           `yaml:"sweep_every" json:"sweep_every"`
}

// ResourceConfig holds memory/CPU thresholds in percent
type ResourceConfig struct {
	MaxMemoryPercent  float64       `yaml:"max_memory_percent" json:"max_memory_percent"`
	HighMemoryPercent float64       `yaml:"high_memory_percent" json:"high_memory_percent"`
	IdleMemoryPercent float64       `yaml:"idle_memory_percent" json:"idle_memory_percent"`
	HighCPUPercent    float64       `yaml:"high_cpu_percent" json:"high_cpu_percent"`
	IdleCPUPercent    float64       `yaml:"idle_cpu_percent" json:"idle_cpu_percent"`
	CheckInterval     time.Duration `yaml:"check_interval" json:"check_interval"`
	PressureDelay     time.Duration `yaml:"pressure_delay" json:"pressure_delay"`
	CriticalDelay     time.Duration `yaml:"critical_delay" json:"critical_delay"`
	TrimFraction      float64       `yaml:"trim_fraction" json:"trim_fraction"`
}

// ReportConfig holds report generator configuration
type ReportConfig struct {
	Formats    []string `yaml:"formats" json:"formats"`
	SQLiteFile string   `yaml:"sqlite_file" json:"sqlite_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	File   string `yaml:"file" json:"file"`
	Format string `yaml:"format" json:"format"` // auto, console, json
	// Quiet drops stderr output; the log file still receives everything
	Quiet bool `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			BaseDirectory: "./output",
			PhotosDir:     "photos",
			ReportsDir:    "reports",
			CacheDir:      "image_cache",
			TempDir:       "temp",
		},
		Batch: BatchConfig{
			InitialSize:    1000,
			MinSize:        500,
			MaxSize:        20000,
			Workers:        15,
			CriticalFactor: 0.5,
			ShrinkFactor:   0.7,
			SlowFactor:     0.8,
			GrowFactor:     1.5,
			SlowBatch:      10 * time.Second,
			FastBatch:      5 * time.Second,
			Jitter:         0,
		},
		Fetch: FetchConfig{
			RequestTimeout: 30 * time.Second,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    10 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 300 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
			RetryJitter:    100 * time.Millisecond,
			MaxConnections: 20,
			MaxPerHost:     8,
			MaxImageBytes:  10 * 1024 * 1024,
			MinImageBytes:  100,
			ChunkSize:      8192,
			MaxDimension:   5000,
			MaxPixels:      178956970,
			CacheDimension: 2000,
			ThumbnailSize:  120,
			JPEGQuality:    85,
			ProcessWorkers: 4,
			UserAgent:      "faceingest/1.0",
		},
		Cache: CacheConfig{
			MemoryBytes:    200 * 1024 * 1024,
			AdmissionRatio: 0.1,
			DiskMaxAge:     24 * time.Hour,
		},
		Checkpoint: CheckpointConfig{
			File:          "processing_checkpoint.json",
			Interval:      100000,
			SaveEvery:     60 * time.Second,
			MaxAge:        168 * time.Hour,
			PositionSlack: 1024,
		},
		Parser: ParserConfig{
			CacheSize:          10000,
			CacheTTL:           time.Hour,
			EnableCache:        true,
			TransformCacheSize: 10000,
			MinLineLength:      10,
			Validation:         true,
			StrictMode:         false,
			SweepEvery:         10000,
		},
		Resources: ResourceConfig{
			MaxMemoryPercent:  85,
			HighMemoryPercent: 75,
			IdleMemoryPercent: 60,
			HighCPUPercent:    80,
			IdleCPUPercent:    60,
			CheckInterval:     2 * time.Second,
			PressureDelay:     time.Second,
			CriticalDelay:     5 * time.Second,
			TrimFraction:      0.5,
		},
		Report: ReportConfig{
			Formats:    []string{"json"},
			SQLiteFile: "faceingest.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   "",
			Format: "auto",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if outputDir := os.Getenv("FACEINGEST_OUTPUT_DIR"); outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}

	if v := envInt("FACEINGEST_BATCH_SIZE"); v > 0 {
		c.Batch.InitialSize = v
	}
	if v := envInt("FACEINGEST_WORKERS"); v > 0 {
		c.Batch.Workers = v
	}
	if v := envInt("FACEINGEST_MAX_RETRIES"); v > 0 {
		c.Fetch.MaxRetries = v
	}
	if v := envInt("FACEINGEST_CHECKPOINT_INTERVAL"); v > 0 {
		c.Checkpoint.Interval = v
	}
	if v := envInt("FACEINGEST_MAX_IMAGE_BYTES"); v > 0 {
		c.Fetch.MaxImageBytes = int64(v)
	}

	if timeout := os.Getenv("FACEINGEST_REQUEST_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid FACEINGEST_REQUEST_TIMEOUT: %w", err)
		}
		c.Fetch.RequestTimeout = d
	}

	if memory := os.Getenv("FACEINGEST_MAX_MEMORY_PERCENT"); memory != "" {
		var val float64
		fmt.Sscanf(memory, "%g", &val)
		if val > 0 {
			c.Resources.MaxMemoryPercent = val
		}
	}

	if strict := os.Getenv("FACEINGEST_STRICT"); strict != "" {
		c.Parser.StrictMode = strings.ToLower(strict) == "true"
	}

	if formats := os.Getenv("FACEINGEST_REPORT_FORMATS"); formats != "" {
		c.Report.Formats = splitList(formats)
	}

	if logLevel := os.Getenv("FACEINGEST_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile := os.Getenv("FACEINGEST_LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}

	return nil
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	var val int
	fmt.Sscanf(raw, "%d", &val)
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".faceingest.yaml",
		".faceingest.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "faceingest", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "faceingest", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Output.BaseDirectory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Output.PhotosDir == "" || c.Output.CacheDir == "" || c.Output.ReportsDir == "" {
		errs = append(errs, errors.New("photos, cache and reports directories are required"))
	}

	// Batch bounds
	if c.Batch.MinSize < MinBatchSizeLimit {
		errs = append(errs, fmt.Errorf("minimum batch size must be at least %d", MinBatchSizeLimit))
	}
	if c.Batch.MaxSize > MaxBatchSizeLimit {
		errs = append(errs, fmt.Errorf("maximum batch size must not exceed %d", MaxBatchSizeLimit))
	}
	if c.Batch.MinSize > c.Batch.MaxSize {
		errs = append(errs, errors.New("minimum batch size exceeds maximum batch size"))
	}
	if c.Batch.InitialSize < c.Batch.MinSize || c.Batch.InitialSize > c.Batch.MaxSize {
		errs = append(errs, errors.New("initial batch size must lie between minimum and maximum"))
	}
	if c.Batch.Workers <= 0 || c.Batch.Workers > 100 {
		errs = append(errs, errors.New("workers must be between 1 and 100"))
	}
	for name, f := range map[string]float64{
		"critical_factor": c.Batch.CriticalFactor,
		"shrink_factor":   c.Batch.ShrinkFactor,
		"slow_factor":     c.Batch.SlowFactor,
	} {
		if f <= 0 || f >= 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1", name))
		}
	}
	if c.Batch.GrowFactor <= 1 {
		errs = append(errs, errors.New("grow factor must be greater than 1"))
	}

	// Fetch settings
	if c.Fetch.MaxRetries < 1 || c.Fetch.MaxRetries > 10 {
		errs = append(errs, errors.New("max retries must be between 1 and 10"))
	}
	if c.Fetch.RequestTimeout <= 0 || c.Fetch.ConnectTimeout <= 0 || c.Fetch.ReadTimeout <= 0 {
		errs = append(errs, errors.New("request, connect and read timeouts must be positive"))
	}
	if c.Fetch.RetryMaxDelay < c.Fetch.RetryBaseDelay {
		errs = append(errs, errors.New("retry max delay must not be below retry base delay"))
	}
	if c.Fetch.MaxConnections <= 0 || c.Fetch.MaxPerHost <= 0 {
		errs = append(errs, errors.New("connection limits must be positive"))
	}
	if c.Fetch.MaxImageBytes <= int64(c.Fetch.MinImageBytes) {
		errs = append(errs, errors.New("max image bytes must exceed min image bytes"))
	}
	if c.Fetch.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	if c.Fetch.ThumbnailSize <= 0 || c.Fetch.MaxDimension <= 0 {
		errs = append(errs, errors.New("thumbnail size and max dimension must be positive"))
	}
	if c.Fetch.MaxPixels <= 0 {
		errs = append(errs, errors.New("max pixels must be positive"))
	}
	if c.Fetch.JPEGQuality < 1 || c.Fetch.JPEGQuality > 100 {
		errs = append(errs, errors.New("jpeg quality must be between 1 and 100"))
	}

	// Cache
	if c.Cache.MemoryBytes <= 0 {
		errs = append(errs, errors.New("memory cache size must be positive"))
	}
	if c.Cache.AdmissionRatio <= 0 || c.Cache.AdmissionRatio > 1 {
		errs = append(errs, errors.New("admission ratio must be in (0, 1]"))
	}

	// Checkpoint
	if c.Checkpoint.File == "" {
		errs = append(errs, errors.New("checkpoint file is required"))
	}
	if c.Checkpoint.Interval <= 0 || c.Checkpoint.SaveEvery <= 0 {
		errs = append(errs, errors.New("checkpoint interval and save period must be positive"))
	}

	// Parser
	if c.Parser.CacheSize <= 0 || c.Parser.TransformCacheSize <= 0 {
		errs = append(errs, errors.New("parser cache sizes must be positive"))
	}

	// Resources
	if c.Resources.MaxMemoryPercent < 10 || c.Resources.MaxMemoryPercent > 99 {
		errs = append(errs, errors.New("max memory percent must be between 10 and 99"))
	}
	if c.Resources.IdleMemoryPercent >= c.Resources.HighMemoryPercent ||
		c.Resources.HighMemoryPercent > c.Resources.MaxMemoryPercent {
		errs = append(errs, errors.New("memory thresholds must satisfy idle < high <= max"))
	}

	// Report formats
	validFormats := map[string]bool{"json": true, "sqlite": true, "none": true}
	for _, f := range c.Report.Formats {
		if !validFormats[strings.ToLower(f)] {
			errs = append(errs, fmt.Errorf("invalid report format: %s", f))
		}
	}

	// Logging
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}
	if batchSize, ok := flags["batch-size"].(int); ok && batchSize > 0 {
		c.Batch.InitialSize = batchSize
	}
	if workers, ok := flags["workers"].(int); ok && workers > 0 {
		c.Batch.Workers = workers
	}
	if retries, ok := flags["max-retries"].(int); ok && retries > 0 {
		c.Fetch.MaxRetries = retries
	}
	if timeout, ok := flags["request-timeout"].(time.Duration); ok && timeout > 0 {
		c.Fetch.RequestTimeout = timeout
	}
	if formats, ok := flags["report"].([]string); ok && len(formats) > 0 {
		c.Report.Formats = formats
	}
	if strict, ok := flags["strict"].(bool); ok {
		c.Parser.StrictMode = strict
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile, ok := flags["log-file"].(string); ok && logFile != "" {
		c.Logging.File = logFile
	}
}

// PhotosPath returns the absolute-or-relative images directory
func (c *Config) PhotosPath() string {
	return filepath.Join(c.Output.BaseDirectory, c.Output.PhotosDir)
}

// CachePath returns the disk cache directory
func (c *Config) CachePath() string {
	return filepath.Join(c.Output.BaseDirectory, c.Output.CacheDir)
}

// ReportsPath returns the reports directory
func (c *Config) ReportsPath() string {
	return filepath.Join(c.Output.BaseDirectory, c.Output.ReportsDir)
}

// TempPath returns the scratch directory
func (c *Config) TempPath() string {
	return filepath.Join(c.Output.BaseDirectory, c.Output.TempDir)
}

// CheckpointPath returns the main checkpoint file path
func (c *Config) CheckpointPath() string {
	if filepath.IsAbs(c.Checkpoint.File) {
		return c.Checkpoint.File
	}
	return filepath.Join(c.Output.BaseDirectory, c.Checkpoint.File)
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".faceingest.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
