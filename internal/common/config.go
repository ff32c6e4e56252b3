package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Engine      EngineConfig    `toml:"engine"`
	Jobs        JobsConfig      `toml:"jobs"`
	Queue       QueueConfig     `toml:"queue"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Workflows   WorkflowsConfig `toml:"workflows"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// FilesystemConfig controls where materialised engine outputs are written.
// Secondary is used when a write to Primary fails.
type FilesystemConfig struct {
	Primary    string `toml:"primary"`
	Secondary  string `toml:"secondary"`
	Thumbnails string `toml:"thumbnails"`
	ThumbSize  int    `toml:"thumb_size"` // Longest edge in pixels
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// EngineConfig describes how to reach the external compute engine
type EngineConfig struct {
	BaseURL          string `toml:"base_url"`          // e.g. "http://127.0.0.1:8188"
	RequestTimeout   string `toml:"request_timeout"`   // Per-request timeout for REST calls
	RetryMax         int    `toml:"retry_max"`         // Retries for idempotent REST calls
	ReconnectBackoff string `toml:"reconnect_backoff"` // Delay before redialling the event stream
	ReconnectMax     string `toml:"reconnect_max"`     // Upper bound for the redial backoff
}

// JobsConfig contains the timing knobs of job orchestration
type JobsConfig struct {
	PollInterval      string `toml:"poll_interval"`       // Fallback poller tick (default "1s")
	MaxPollAttempts   int    `toml:"max_poll_attempts"`   // Ticks before "Job timed out" (default 3600)
	HistoryRetries    int    `toml:"history_retries"`     // Output fetch retries inside finalize
	HistoryRetryDelay string `toml:"history_retry_delay"` // Delay between those retries
	RecoveryDelay     string `toml:"recovery_delay"`      // Delay before the single recovery burst
	ProgressDebounce  string `toml:"progress_debounce"`   // Identical progress events inside this window are dropped
	PreviewDebounce   string `toml:"preview_debounce"`    // Minimum gap between stored previews
}

// QueueConfig controls the engine queue mirror
type QueueConfig struct {
	RefreshSchedule string `toml:"refresh_schedule"` // cron spec, default "@every 2s"
	RemainingTTL    string `toml:"remaining_ttl"`    // Lifetime of a queue_remaining override pushed by the engine
}

// WebSocketConfig contains configuration for UI push updates
type WebSocketConfig struct {
	QueueThrottle string `toml:"queue_throttle"` // Minimum gap between queue_update broadcasts
}

// WorkflowsConfig points at workflow definition files seeded on startup
type WorkflowsConfig struct {
	DefinitionsDir string `toml:"definitions_dir"` // *.toml / *.yaml / *.yml / *.json
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			Filesystem: FilesystemConfig{
				Primary:    "./data/outputs",
				Secondary:  "./outputs",
				Thumbnails: "./data/thumbnails",
				ThumbSize:  320,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Engine: EngineConfig{
			BaseURL:          "http://127.0.0.1:8188",
			RequestTimeout:   "30s",
			RetryMax:         2,
			ReconnectBackoff: "1s",
			ReconnectMax:     "30s",
		},
		Jobs: JobsConfig{
			PollInterval:      "1s",
			MaxPollAttempts:   3600, // ~1 hour at the default interval
			HistoryRetries:    3,
			HistoryRetryDelay: "1s",
			RecoveryDelay:     "5s",
			ProgressDebounce:  "400ms",
			PreviewDebounce:   "500ms",
		},
		Queue: QueueConfig{
			RefreshSchedule: "@every 2s",
			RemainingTTL:    "10s",
		},
		WebSocket: WebSocketConfig{
			QueueThrottle: "250ms",
		},
		Workflows: WorkflowsConfig{
			DefinitionsDir: "./workflows",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VELLUM_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("VELLUM_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("VELLUM_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("VELLUM_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if primary := os.Getenv("VELLUM_OUTPUT_DIR"); primary != "" {
		config.Storage.Filesystem.Primary = primary
	}
	if secondary := os.Getenv("VELLUM_OUTPUT_FALLBACK_DIR"); secondary != "" {
		config.Storage.Filesystem.Secondary = secondary
	}

	if level := os.Getenv("VELLUM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("VELLUM_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if baseURL := os.Getenv("VELLUM_ENGINE_URL"); baseURL != "" {
		config.Engine.BaseURL = baseURL
	}
	if retryMax := os.Getenv("VELLUM_ENGINE_RETRY_MAX"); retryMax != "" {
		if r, err := strconv.Atoi(retryMax); err == nil {
			config.Engine.RetryMax = r
		}
	}

	if maxAttempts := os.Getenv("VELLUM_JOBS_MAX_POLL_ATTEMPTS"); maxAttempts != "" {
		if m, err := strconv.Atoi(maxAttempts); err == nil {
			config.Jobs.MaxPollAttempts = m
		}
	}

	if dir := os.Getenv("VELLUM_WORKFLOWS_DIR"); dir != "" {
		config.Workflows.DefinitionsDir = dir
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks every duration, schedule and bound and reports all problems at once
func (c *Config) Validate() error {
	var result *multierror.Error

	durations := map[string]string{
		"engine.request_timeout":   c.Engine.RequestTimeout,
		"engine.reconnect_backoff": c.Engine.ReconnectBackoff,
		"engine.reconnect_max":     c.Engine.ReconnectMax,
		"jobs.poll_interval":       c.Jobs.PollInterval,
		"jobs.history_retry_delay": c.Jobs.HistoryRetryDelay,
		"jobs.recovery_delay":      c.Jobs.RecoveryDelay,
		"jobs.progress_debounce":   c.Jobs.ProgressDebounce,
		"jobs.preview_debounce":    c.Jobs.PreviewDebounce,
		"queue.remaining_ttl":      c.Queue.RemainingTTL,
		"websocket.queue_throttle": c.WebSocket.QueueThrottle,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: invalid duration %q: %w", key, value, err))
		}
	}

	if err := ValidateRefreshSchedule(c.Queue.RefreshSchedule); err != nil {
		result = multierror.Append(result, fmt.Errorf("queue.refresh_schedule: %w", err))
	}
	if c.Engine.BaseURL == "" {
		result = multierror.Append(result, fmt.Errorf("engine.base_url is required"))
	}
	if c.Jobs.MaxPollAttempts <= 0 {
		result = multierror.Append(result, fmt.Errorf("jobs.max_poll_attempts must be positive, got %d", c.Jobs.MaxPollAttempts))
	}
	if c.Jobs.HistoryRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("jobs.history_retries must not be negative, got %d", c.Jobs.HistoryRetries))
	}
	if c.Storage.Filesystem.Primary == "" {
		result = multierror.Append(result, fmt.Errorf("storage.filesystem.primary is required"))
	}

	return result.ErrorOrNil()
}

// ValidateRefreshSchedule validates a cron descriptor or expression (seconds field optional)
func ValidateRefreshSchedule(schedule string) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Duration parses a validated duration string, returning fallback when it is empty or malformed
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
