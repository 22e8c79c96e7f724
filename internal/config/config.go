package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server ServerConfig `mapstructure:"server" validate:"required"`
	Store  StoreConfig  `mapstructure:"store"  validate:"required"`
	Auth   AuthConfig   `mapstructure:"auth"   validate:"required"`
	Jobs   JobsConfig   `mapstructure:"jobs"   validate:"required"`
	Files  FilesConfig  `mapstructure:"files"  validate:"required"`
	LLM    LLMConfig    `mapstructure:"llm"    validate:"required"`

	ElevenLabs ElevenLabsConfig `mapstructure:"elevenlabs"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// StoreConfig selects and configures the key/value backend that holds job
// records, the fingerprint index and user records.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"       validate:"required,oneof=memory redis postgres"`
	RedisURL    string `mapstructure:"redis_url"    validate:"required_if=Driver redis"`
	DatabaseURL string `mapstructure:"database_url" validate:"required_if=Driver postgres"`

	// JobTTLDays is applied to job records and fingerprint entries on every
	// write. Zero disables expiry.
	JobTTLDays int `mapstructure:"job_ttl_days" validate:"gte=0"`

	JobPrefix         string `mapstructure:"job_prefix"         validate:"required"`
	FingerprintPrefix string `mapstructure:"fingerprint_prefix" validate:"required"`
	UserPrefix        string `mapstructure:"user_prefix"        validate:"required"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`

	// AdminAPIKey guards the admin routes. Empty disables them.
	AdminAPIKey string `mapstructure:"admin_api_key"`

	// InvitationEmails restricts registration when non-empty.
	InvitationEmails []string `mapstructure:"invitation_emails"`
}

// JobsConfig controls scheduling and artifact handling.
type JobsConfig struct {
	MaxConcurrentJobs       int    `mapstructure:"max_concurrent_jobs"       validate:"required,gt=0"`
	OutputDirectory         string `mapstructure:"output_directory"          validate:"required"`
	TempDirectory           string `mapstructure:"temp_directory"            validate:"required"`
	CleanupOnComplete       bool   `mapstructure:"cleanup_on_complete"`
	DispatchIntervalSeconds int    `mapstructure:"dispatch_interval_seconds" validate:"gte=0"`
	StatusWriteRetries      int    `mapstructure:"status_write_retries"      validate:"gte=1,lte=20"`
	ReconcileOnStart        bool   `mapstructure:"reconcile_on_start"`
}

// FilesConfig limits uploads accepted at submission.
type FilesConfig struct {
	AllowedExtensions []string `mapstructure:"allowed_extensions" validate:"required,min=1"`
	MaxFileSizeMB     int      `mapstructure:"max_file_size_mb"   validate:"required,gt=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey      string `mapstructure:"gemini_api_key"      validate:"required"`
	ModelName         string `mapstructure:"model_name"          validate:"required"`
	TTSModelName      string `mapstructure:"tts_model_name"      validate:"required"`
	DefaultVoice      string `mapstructure:"default_voice"       validate:"required"`
	MaxRetries        int    `mapstructure:"max_retries"         validate:"gte=0,lte=10"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"gte=1,lte=60"`
}

// ElevenLabsConfig configures the optional ElevenLabs speech provider. It is
// offered as tts_model "elevenlabs" only when APIKey is set.
type ElevenLabsConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"        validate:"required,url"`
	Model          string `mapstructure:"model"           validate:"required"`
	QuestionVoice  string `mapstructure:"question_voice"  validate:"required"`
	AnswerVoice    string `mapstructure:"answer_voice"    validate:"required"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"     validate:"required_if=Enabled true"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}
