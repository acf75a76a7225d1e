package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the kbingest server and worker.
//
// Everything here is fixed at process start. Values that may change at
// runtime (fairness parameters) come from the settings client snapshot, not
// from this struct; queue concurrency in particular requires a restart to
// take effect.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Settings SettingsConfig
	Worker   WorkerConfig
	Embed    EmbedConfig
	Reindex  ReindexConfig
	JobLog   JobLogConfig
	Shutdown ShutdownConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type SettingsConfig struct {
	URL             string
	RefreshInterval time.Duration
}

// WorkerConfig sets per-queue consumer concurrency. These are the
// restart-required values: a changed settings document is logged but never
// applied to a running worker. Deletion and reindex concurrency are fixed
// (resource-sensitive cascades; reindex mutual exclusion) and have no
// environment override.
type WorkerConfig struct {
	ScrapeConcurrency int
	IndexConcurrency  int
	EmbedConcurrency  int
	EnrichConcurrency int
	LogFile           string
}

type EmbedConfig struct {
	Provider string
	OpenAI   OpenAIConfig
	Ollama   OllamaConfig
	Mock     MockConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type OllamaConfig struct {
	BaseURL string
}

type MockConfig struct {
	Dimension int
}

type ReindexConfig struct {
	BatchSize int
}

type JobLogConfig struct {
	SuccessSampleRate float64
}

type ShutdownConfig struct {
	Timeout  time.Duration
	ExitCode int
}

var validProviders = map[string]bool{
	"openai": true,
	"ollama": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("KBINGEST_PORT", 8080),
			Env:  envString("KBINGEST_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Settings: SettingsConfig{
			URL:             os.Getenv("SETTINGS_URL"),
			RefreshInterval: envDuration("SETTINGS_REFRESH_INTERVAL", 30*time.Second),
		},
		Worker: WorkerConfig{
			ScrapeConcurrency: envInt("WORKER_CONCURRENCY", 8),
			IndexConcurrency:  envInt("INDEX_WORKER_CONCURRENCY", 4),
			EmbedConcurrency:  envInt("EMBED_WORKER_CONCURRENCY", 4),
			EnrichConcurrency: envInt("ENRICH_WORKER_CONCURRENCY", 2),
			LogFile:           os.Getenv("WORKER_LOG_FILE"),
		},
		Embed: EmbedConfig{
			Provider: envString("EMBED_PROVIDER", "mock"),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
			},
			Mock: MockConfig{
				Dimension: envInt("MOCK_EMBED_DIMENSION", 384),
			},
		},
		Reindex: ReindexConfig{
			BatchSize: envInt("REINDEX_BATCH_SIZE", 100),
		},
		JobLog: JobLogConfig{
			SuccessSampleRate: envFloat("JOBLOG_SUCCESS_SAMPLE_RATE", 0.1),
		},
		Shutdown: ShutdownConfig{
			Timeout:  envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			ExitCode: envInt("SHUTDOWN_EXIT_CODE", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Settings.URL != "" &&
		!strings.HasPrefix(c.Settings.URL, "http://") && !strings.HasPrefix(c.Settings.URL, "https://") {
		return fmt.Errorf("SETTINGS_URL must start with http:// or https://, got %q", c.Settings.URL)
	}

	if !validProviders[c.Embed.Provider] {
		return fmt.Errorf("EMBED_PROVIDER must be one of openai, ollama, mock; got %q", c.Embed.Provider)
	}
	if c.Embed.Provider == "openai" && c.Embed.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when EMBED_PROVIDER is openai")
	}

	if c.Reindex.BatchSize <= 0 {
		return fmt.Errorf("REINDEX_BATCH_SIZE must be positive, got %d", c.Reindex.BatchSize)
	}
	if c.JobLog.SuccessSampleRate < 0 || c.JobLog.SuccessSampleRate > 1 {
		return fmt.Errorf("JOBLOG_SUCCESS_SAMPLE_RATE must be in [0, 1], got %g", c.JobLog.SuccessSampleRate)
	}

	for name, v := range map[string]int{
		"WORKER_CONCURRENCY":        c.Worker.ScrapeConcurrency,
		"INDEX_WORKER_CONCURRENCY":  c.Worker.IndexConcurrency,
		"EMBED_WORKER_CONCURRENCY":  c.Worker.EmbedConcurrency,
		"ENRICH_WORKER_CONCURRENCY": c.Worker.EnrichConcurrency,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
