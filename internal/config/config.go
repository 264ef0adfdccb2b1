package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

type Config struct {
	ListenAddr         string   `yaml:"listen_addr"`
	DBPath             string   `yaml:"db_path"`
	LogLevel           string   `yaml:"log_level"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	LLMProvider              string `yaml:"llm_provider"`
	LLMModel                 string `yaml:"llm_model"`
	LLMMaxTokens             int    `yaml:"llm_max_tokens"`
	LLMGlossaryPath          string `yaml:"llm_glossary_path"`
	AnthropicAPIKey          string `yaml:"anthropic_api_key"`
	OpenAIAPIKey             string `yaml:"openai_api_key"`
	OpenAIBaseURL            string `yaml:"openai_base_url"`
	ClassifierTimeoutSeconds int    `yaml:"classifier_timeout_seconds"`
	ClassifierMaxAttempts    int    `yaml:"classifier_max_attempts"`

	ExternalHTTPTimeoutSeconds int `yaml:"external_http_timeout_seconds"`

	QueueBackend  string `yaml:"queue_backend"`
	QueueCapacity int    `yaml:"queue_capacity"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisQueueKey string `yaml:"redis_queue_key"`

	PipelineWorkers               int     `yaml:"pipeline_workers"`
	PipelineMaxAttempts           int     `yaml:"pipeline_max_attempts"`
	PipelineStepTimeoutSeconds    int     `yaml:"pipeline_step_timeout_seconds"`
	PipelineInitialBackoffMS      int     `yaml:"pipeline_initial_backoff_ms"`
	PipelineMaxBackoffMS          int     `yaml:"pipeline_max_backoff_ms"`
	PipelineBackoffMultiplier     float64 `yaml:"pipeline_backoff_multiplier"`
	PipelineLeaseSeconds          int     `yaml:"pipeline_lease_seconds"`
	PipelineResumeSchedule        string  `yaml:"pipeline_resume_schedule"`
	PipelineResumeGraceSeconds    int     `yaml:"pipeline_resume_grace_seconds"`
	PipelineArchiveRetentionHours int     `yaml:"pipeline_archive_retention_hours"`

	SlackBotToken       string `yaml:"slack_bot_token"`
	SlackAlertChannelID string `yaml:"slack_alert_channel_id"`
}

// LoadConfig reads config.yaml (or CONFIG_PATH), applies env overrides and
// defaults, and validates the result.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(configPathFromEnv())
}

func LoadConfigFrom(configPath string) (Config, error) {
	return load(configPath, Config.Validate)
}

// LoadAdminConfig loads the config for commands that only touch the store
// and queue. LLM credentials are not required.
func LoadAdminConfig() (Config, error) {
	return LoadAdminConfigFrom(configPathFromEnv())
}

func LoadAdminConfigFrom(configPath string) (Config, error) {
	return load(configPath, Config.ValidateStorage)
}

func configPathFromEnv() string {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

func load(configPath string, validate func(Config) error) (Config, error) {
	var cfg Config

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", configPath, err)
		}
		slog.Info("Loaded config", "path", configPath)
	}

	var errs []string
	record := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverrideList(&cfg.CORSAllowedOrigins, "CORS_ALLOWED_ORIGINS")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	record(envOverrideInt(&cfg.LLMMaxTokens, "LLM_MAX_TOKENS"))
	envOverride(&cfg.LLMGlossaryPath, "LLM_GLOSSARY_PATH")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	record(envOverrideInt(&cfg.ClassifierTimeoutSeconds, "CLASSIFIER_TIMEOUT_SECONDS"))
	record(envOverrideInt(&cfg.ClassifierMaxAttempts, "CLASSIFIER_MAX_ATTEMPTS"))
	record(envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"))
	envOverride(&cfg.QueueBackend, "QUEUE_BACKEND")
	record(envOverrideInt(&cfg.QueueCapacity, "QUEUE_CAPACITY"))
	envOverride(&cfg.RedisURL, "REDIS_URL")
	envOverride(&cfg.RedisPassword, "REDIS_PASSWORD")
	envOverride(&cfg.RedisQueueKey, "REDIS_QUEUE_KEY")
	record(envOverrideInt(&cfg.PipelineWorkers, "PIPELINE_WORKERS"))
	record(envOverrideInt(&cfg.PipelineMaxAttempts, "PIPELINE_MAX_ATTEMPTS"))
	record(envOverrideInt(&cfg.PipelineStepTimeoutSeconds, "PIPELINE_STEP_TIMEOUT_SECONDS"))
	record(envOverrideInt(&cfg.PipelineInitialBackoffMS, "PIPELINE_INITIAL_BACKOFF_MS"))
	record(envOverrideInt(&cfg.PipelineMaxBackoffMS, "PIPELINE_MAX_BACKOFF_MS"))
	record(envOverrideFloat(&cfg.PipelineBackoffMultiplier, "PIPELINE_BACKOFF_MULTIPLIER"))
	record(envOverrideInt(&cfg.PipelineLeaseSeconds, "PIPELINE_LEASE_SECONDS"))
	envOverride(&cfg.PipelineResumeSchedule, "PIPELINE_RESUME_SCHEDULE")
	record(envOverrideInt(&cfg.PipelineResumeGraceSeconds, "PIPELINE_RESUME_GRACE_SECONDS"))
	record(envOverrideInt(&cfg.PipelineArchiveRetentionHours, "PIPELINE_ARCHIVE_RETENTION_HOURS"))
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAlertChannelID, "SLACK_ALERT_CHANNEL_ID")

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./insightstream.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMMaxTokens == 0 {
		cfg.LLMMaxTokens = 300
	}
	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if cfg.ClassifierTimeoutSeconds == 0 {
		cfg.ClassifierTimeoutSeconds = 20
	}
	if cfg.ClassifierMaxAttempts == 0 {
		cfg.ClassifierMaxAttempts = 2
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.QueueBackend == "" {
		cfg.QueueBackend = "memory"
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.RedisQueueKey == "" {
		cfg.RedisQueueKey = "insightstream:runs"
	}
	if cfg.PipelineWorkers == 0 {
		cfg.PipelineWorkers = 4
	}
	if cfg.PipelineMaxAttempts == 0 {
		cfg.PipelineMaxAttempts = 5
	}
	if cfg.PipelineStepTimeoutSeconds == 0 {
		cfg.PipelineStepTimeoutSeconds = 60
	}
	if cfg.PipelineInitialBackoffMS == 0 {
		cfg.PipelineInitialBackoffMS = 1000
	}
	if cfg.PipelineMaxBackoffMS == 0 {
		cfg.PipelineMaxBackoffMS = 30000
	}
	if cfg.PipelineBackoffMultiplier == 0 {
		cfg.PipelineBackoffMultiplier = 2.0
	}
	if cfg.PipelineLeaseSeconds == 0 {
		cfg.PipelineLeaseSeconds = 120
	}
	if cfg.PipelineResumeSchedule == "" {
		cfg.PipelineResumeSchedule = "* * * * *"
	}
	if cfg.PipelineResumeGraceSeconds == 0 {
		cfg.PipelineResumeGraceSeconds = 30
	}
	if cfg.PipelineArchiveRetentionHours == 0 {
		cfg.PipelineArchiveRetentionHours = 24 * 7
	}
}

// Validate checks everything the serving process needs.
func (c Config) Validate() error {
	if err := c.validateLLM(); err != nil {
		return err
	}
	return c.ValidateStorage()
}

func (c Config) validateLLM() error {
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai_api_key is required when llm_provider=openai")
		}
	default:
		return fmt.Errorf("llm_provider must be 'anthropic' or 'openai', got '%s'", c.LLMProvider)
	}
	if c.LLMMaxTokens < 16 {
		return fmt.Errorf("invalid llm_max_tokens '%d': must be >= 16", c.LLMMaxTokens)
	}
	if c.ClassifierTimeoutSeconds < 1 {
		return fmt.Errorf("invalid classifier_timeout_seconds '%d': must be >= 1", c.ClassifierTimeoutSeconds)
	}
	if c.ClassifierMaxAttempts < 1 {
		return fmt.Errorf("invalid classifier_max_attempts '%d': must be >= 1", c.ClassifierMaxAttempts)
	}
	if c.LLMGlossaryPath != "" {
		if err := validateGlossaryPath(c.LLMGlossaryPath); err != nil {
			return fmt.Errorf("invalid llm_glossary_path '%s': %w", c.LLMGlossaryPath, err)
		}
	}
	return nil
}

// ValidateStorage checks the settings shared by every command: store, queue,
// pipeline and alerting.
func (c Config) ValidateStorage() error {
	switch c.QueueBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required when queue_backend=redis")
		}
	default:
		return fmt.Errorf("queue_backend must be 'memory' or 'redis', got '%s'", c.QueueBackend)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level '%s'", c.LogLevel)
	}

	if c.ExternalHTTPTimeoutSeconds < 5 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", c.ExternalHTTPTimeoutSeconds)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("invalid queue_capacity '%d': must be >= 1", c.QueueCapacity)
	}
	if c.PipelineWorkers < 1 {
		return fmt.Errorf("invalid pipeline_workers '%d': must be >= 1", c.PipelineWorkers)
	}
	if c.PipelineMaxAttempts < 1 {
		return fmt.Errorf("invalid pipeline_max_attempts '%d': must be >= 1", c.PipelineMaxAttempts)
	}
	if c.PipelineStepTimeoutSeconds < 1 {
		return fmt.Errorf("invalid pipeline_step_timeout_seconds '%d': must be >= 1", c.PipelineStepTimeoutSeconds)
	}
	if c.PipelineInitialBackoffMS < 1 || c.PipelineMaxBackoffMS < c.PipelineInitialBackoffMS {
		return fmt.Errorf("invalid pipeline backoff: initial=%dms max=%dms", c.PipelineInitialBackoffMS, c.PipelineMaxBackoffMS)
	}
	if c.PipelineBackoffMultiplier < 1 {
		return fmt.Errorf("invalid pipeline_backoff_multiplier '%f': must be >= 1", c.PipelineBackoffMultiplier)
	}
	// A worker renews its lease once per attempt, so one attempt plus its
	// backoff has to fit inside the lease.
	if c.PipelineLease() <= c.StepTimeout()+c.MaxBackoff() {
		return fmt.Errorf("invalid pipeline_lease_seconds '%d': must exceed step timeout plus max backoff", c.PipelineLeaseSeconds)
	}
	if _, err := ParseSchedule(c.PipelineResumeSchedule); err != nil {
		return fmt.Errorf("invalid pipeline_resume_schedule '%s': %w", c.PipelineResumeSchedule, err)
	}
	if c.PipelineResumeGraceSeconds < 0 {
		return fmt.Errorf("invalid pipeline_resume_grace_seconds '%d': must be >= 0", c.PipelineResumeGraceSeconds)
	}
	if c.PipelineArchiveRetentionHours < 1 {
		return fmt.Errorf("invalid pipeline_archive_retention_hours '%d': must be >= 1", c.PipelineArchiveRetentionHours)
	}
	if c.SlackAlertChannelID != "" && c.SlackBotToken == "" {
		return fmt.Errorf("slack_bot_token is required when slack_alert_channel_id is set")
	}
	return nil
}

// ParseSchedule accepts a standard 5-field cron expression or a descriptor
// such as "@every 30s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(strings.TrimSpace(spec))
}

func (c Config) SlackAlertsConfigured() bool {
	return c.SlackBotToken != "" && c.SlackAlertChannelID != ""
}

func (c Config) ClassifierTimeout() time.Duration {
	return time.Duration(c.ClassifierTimeoutSeconds) * time.Second
}

func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.PipelineStepTimeoutSeconds) * time.Second
}

func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.PipelineInitialBackoffMS) * time.Millisecond
}

func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.PipelineMaxBackoffMS) * time.Millisecond
}

func (c Config) PipelineLease() time.Duration {
	return time.Duration(c.PipelineLeaseSeconds) * time.Second
}

func (c Config) ResumeGrace() time.Duration {
	return time.Duration(c.PipelineResumeGraceSeconds) * time.Second
}

func (c Config) ArchiveRetention() time.Duration {
	return time.Duration(c.PipelineArchiveRetentionHours) * time.Hour
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*field = append(*field, part)
		}
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func validateGlossaryPath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read glossary: %w", err)
	}
	var g struct {
		Terms []struct{} `yaml:"terms"`
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("parse glossary yaml: %w", err)
	}
	return nil
}
