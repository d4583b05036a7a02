package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tickrelay service.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Summarizer Summarizer `yaml:"summarizer"`
	Logging    Logging    `yaml:"logging"`
	Quotes     Quotes     `yaml:"quotes"`
	Stream     Stream     `yaml:"stream"`
	Alerts     Alerts     `yaml:"alerts"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"` // parquet cost archives
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the upstream market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"` // stream feed, e.g. "iex" or "sip"
}

// Summarizer holds the LLM summarization backend endpoint and the batching
// knobs for the summarization queue.
type Summarizer struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	BatchWindowMillis  int    `yaml:"batch_window_millis"`
	MaxBatchSize       int    `yaml:"max_batch_size"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	FlushTimeoutMillis int    `yaml:"flush_timeout_millis"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Quotes controls the quote cache and request coalescer.
type Quotes struct {
	ActiveTTLSeconds   int `yaml:"active_ttl_seconds"`   // during market hours
	InactiveTTLSeconds int `yaml:"inactive_ttl_seconds"` // outside market hours
	BatchWindowMillis  int `yaml:"batch_window_millis"`
	MaxBatchSize       int `yaml:"max_batch_size"`
	FetchTimeoutMillis int `yaml:"fetch_timeout_millis"`
	RateLimitPerMin    int `yaml:"rate_limit_per_min"`
}

// Stream controls the upstream streaming connection multiplexer.
type Stream struct {
	HeartbeatSeconds  int `yaml:"heartbeat_seconds"`
	ReconnectAttempts int `yaml:"reconnect_attempts"`
	BackoffMinMillis  int `yaml:"backoff_min_millis"`
	BackoffMaxMillis  int `yaml:"backoff_max_millis"`
	ReplayBufferSize  int `yaml:"replay_buffer_size"`
	SubscriberBuffer  int `yaml:"subscriber_buffer"`
}

// Alerts controls the shared alert evaluation sweep.
type Alerts struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	DispatchBatchSize    int `yaml:"dispatch_batch_size"`
}

// Telemetry controls health checks and cost accounting.
type Telemetry struct {
	HealthIntervalSeconds int                `yaml:"health_interval_seconds"`
	DailyCostCeiling      float64            `yaml:"daily_cost_ceiling"`
	Rates                 map[string]float64 `yaml:"rates"` // "service/operation" -> cost per call
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("SUMMARIZER_BASE_URL"); v != "" {
		cfg.Summarizer.BaseURL = v
	}
	if v := os.Getenv("SUMMARIZER_API_KEY"); v != "" {
		cfg.Summarizer.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("RELAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	// Standard Alpaca env vars win; these are the canonical names the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero-valued fields so a minimal config file still
// produces a working system.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Summarizer.BatchWindowMillis == 0 {
		cfg.Summarizer.BatchWindowMillis = 50
	}
	if cfg.Summarizer.MaxBatchSize == 0 {
		cfg.Summarizer.MaxBatchSize = 10
	}
	if cfg.Summarizer.QueueCapacity == 0 {
		cfg.Summarizer.QueueCapacity = 100
	}
	if cfg.Summarizer.FlushTimeoutMillis == 0 {
		cfg.Summarizer.FlushTimeoutMillis = 90000
	}

	if cfg.Quotes.ActiveTTLSeconds == 0 {
		cfg.Quotes.ActiveTTLSeconds = 15
	}
	if cfg.Quotes.InactiveTTLSeconds == 0 {
		cfg.Quotes.InactiveTTLSeconds = 300
	}
	if cfg.Quotes.BatchWindowMillis == 0 {
		cfg.Quotes.BatchWindowMillis = 50
	}
	if cfg.Quotes.MaxBatchSize == 0 {
		cfg.Quotes.MaxBatchSize = 50
	}
	if cfg.Quotes.FetchTimeoutMillis == 0 {
		cfg.Quotes.FetchTimeoutMillis = 5000
	}
	if cfg.Quotes.RateLimitPerMin == 0 {
		cfg.Quotes.RateLimitPerMin = 200
	}

	if cfg.Stream.HeartbeatSeconds == 0 {
		cfg.Stream.HeartbeatSeconds = 30
	}
	if cfg.Stream.ReconnectAttempts == 0 {
		cfg.Stream.ReconnectAttempts = 10
	}
	if cfg.Stream.BackoffMinMillis == 0 {
		cfg.Stream.BackoffMinMillis = 250
	}
	if cfg.Stream.BackoffMaxMillis == 0 {
		cfg.Stream.BackoffMaxMillis = 30000
	}
	if cfg.Stream.ReplayBufferSize == 0 {
		cfg.Stream.ReplayBufferSize = 1024
	}
	if cfg.Stream.SubscriberBuffer == 0 {
		cfg.Stream.SubscriberBuffer = 64
	}

	if cfg.Alerts.SweepIntervalSeconds == 0 {
		cfg.Alerts.SweepIntervalSeconds = 30
	}
	if cfg.Alerts.DispatchBatchSize == 0 {
		cfg.Alerts.DispatchBatchSize = 25
	}

	if cfg.Telemetry.HealthIntervalSeconds == 0 {
		cfg.Telemetry.HealthIntervalSeconds = 60
	}
	if cfg.Telemetry.DailyCostCeiling == 0 {
		cfg.Telemetry.DailyCostCeiling = 50.0
	}
}

// BatchWindow returns the coalescing window as a duration.
func (q Quotes) BatchWindow() time.Duration {
	return time.Duration(q.BatchWindowMillis) * time.Millisecond
}

// FetchTimeout returns the per-batch upstream timeout as a duration.
func (q Quotes) FetchTimeout() time.Duration {
	return time.Duration(q.FetchTimeoutMillis) * time.Millisecond
}

// BatchWindow returns the summarization coalescing window as a duration.
func (s Summarizer) BatchWindow() time.Duration {
	return time.Duration(s.BatchWindowMillis) * time.Millisecond
}

// FlushTimeout returns the per-batch backend timeout as a duration.
func (s Summarizer) FlushTimeout() time.Duration {
	return time.Duration(s.FlushTimeoutMillis) * time.Millisecond
}
