package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "CASTQ"

// keys without a default still have to be visible to Unmarshal
var boundKeys = []string{
	"store.redis_url",
	"store.database_url",
	"auth.jwt_secret",
	"auth.admin_api_key",
	"auth.invitation_emails",
	"llm.gemini_api_key",
	"elevenlabs.api_key",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.job_ttl_days", 7)
	v.SetDefault("store.job_prefix", "job:")
	v.SetDefault("store.fingerprint_prefix", "job_hash:")
	v.SetDefault("store.user_prefix", "user:")

	v.SetDefault("auth.token_lifetime_minutes", 60*24)

	v.SetDefault("jobs.max_concurrent_jobs", 2)
	v.SetDefault("jobs.output_directory", "data/output")
	v.SetDefault("jobs.temp_directory", "data/tmp")
	v.SetDefault("jobs.cleanup_on_complete", true)
	v.SetDefault("jobs.dispatch_interval_seconds", 30)
	v.SetDefault("jobs.status_write_retries", 3)
	v.SetDefault("jobs.reconcile_on_start", true)

	v.SetDefault("files.allowed_extensions", []string{".pdf", ".txt", ".md", ".html"})
	v.SetDefault("files.max_file_size_mb", 10)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.tts_model_name", "gemini-2.5-flash-preview-tts")
	v.SetDefault("llm.default_voice", "Kore")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)

	v.SetDefault("elevenlabs.base_url", "https://api.elevenlabs.io")
	v.SetDefault("elevenlabs.model", "eleven_multilingual_v2")
	v.SetDefault("elevenlabs.question_voice", "21m00Tcm4TlvDq8ikWAM")
	v.SetDefault("elevenlabs.answer_voice", "pNInz6obpgDQGcFmaJgB")
	v.SetDefault("elevenlabs.timeout_seconds", 120)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "castqueue")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range boundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
