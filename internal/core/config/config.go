package config

import (
	"time"

	redisclient "github.com/quizpix/scanworker/internal/infra/redis"
	"github.com/quizpix/scanworker/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	AI       AIConfig           `yaml:"ai"`
	Batch    BatchConfig        `yaml:"batch"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AIConfig holds settings for the model endpoint, the credential pool, and
// the per-call retry budgets.
type AIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	KeysFile       string        `yaml:"keys_file"`
	DetectModel    string        `yaml:"detect_model"`
	AnalyzeModel   string        `yaml:"analyze_model"`
	Stream         bool          `yaml:"stream"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Per-key adaptive backoff bounds.
	KeyDelay    time.Duration `yaml:"key_delay"`
	KeyMaxDelay time.Duration `yaml:"key_max_delay"`

	// Shared retry budget per logical call. The detect and analyze
	// sections override it field by field.
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	Detect  CallRetryConfig `yaml:"detect"`
	Analyze CallRetryConfig `yaml:"analyze"`
}

// CallRetryConfig overrides the shared retry budget for one call kind.
// Zero fields fall back to the shared values.
type CallRetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DetectRetry returns the detection call budget with shared fallbacks
// applied.
func (c AIConfig) DetectRetry() CallRetryConfig {
	return c.merged(c.Detect)
}

// AnalyzeRetry returns the analysis call budget with shared fallbacks
// applied.
func (c AIConfig) AnalyzeRetry() CallRetryConfig {
	return c.merged(c.Analyze)
}

func (c AIConfig) merged(o CallRetryConfig) CallRetryConfig {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = c.MaxAttempts
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = c.BaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = c.MaxDelay
	}
	return o
}

// BatchConfig holds scheduler settings.
type BatchConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	Concurrency   int           `yaml:"concurrency"`
	MaxItemRounds int           `yaml:"max_item_rounds"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	IdleInterval  time.Duration `yaml:"idle_interval"`

	// How long finished pages are kept before pruning. 0 = infinite.
	RetentionPeriod time.Duration `yaml:"retention_period"`
}
