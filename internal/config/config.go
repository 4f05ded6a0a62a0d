package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Routing  RoutingConfig  `mapstructure:"routing" validate:"required"`
	Gates    GateConfig     `mapstructure:"gates" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
	Events   EventsConfig   `mapstructure:"events" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port               int      `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel           string   `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_seconds" validate:"gte=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

// RedisConfig configures the shared counter/lock store and the event channel.
// An empty URL selects the in-process store and broker.
type RedisConfig struct {
	URL                 string `mapstructure:"url" validate:"omitempty,url"`
	FallbackCooldownSec int    `mapstructure:"fallback_cooldown_seconds" validate:"gte=0"`
}

// QueueConfig covers the durable queue, delivery signing and retry policy.
type QueueConfig struct {
	// Mode is "direct" (river worker runs the pipeline in-process), "push"
	// (river worker forwards a signed callback to CallbackBaseURL) or
	// "memory" (in-process queue, nothing survives a restart).
	Mode                 string `mapstructure:"mode" validate:"required,oneof=direct push memory"`
	CallbackBaseURL      string `mapstructure:"callback_base_url" validate:"required_if=Mode push,omitempty,url"`
	CurrentSigningKey    string `mapstructure:"current_signing_key" validate:"required_if=Mode push,omitempty,min=32"`
	NextSigningKey       string `mapstructure:"next_signing_key" validate:"omitempty,min=32"`
	SignatureTTLSec      int    `mapstructure:"signature_ttl_seconds" validate:"gt=0"`
	WorkersPerQueue      int    `mapstructure:"workers_per_queue" validate:"gt=0"`
	MaxRetries           int    `mapstructure:"max_retries" validate:"gte=0"`
	RetryBaseDelayMs     int    `mapstructure:"retry_base_delay_ms" validate:"gt=0"`
	GuardRetryDelayMs    int    `mapstructure:"guard_retry_delay_ms" validate:"gt=0"`
	MaxBackoffMs         int    `mapstructure:"max_backoff_ms" validate:"gt=0"`
	StreamTimeoutSec     int    `mapstructure:"stream_timeout_seconds" validate:"gt=0"`
	StructuredTimeoutSec int    `mapstructure:"structured_timeout_seconds" validate:"gt=0"`
}

// RoutingConfig names the models and queues the task router chooses between.
type RoutingConfig struct {
	PrimaryModel   string `mapstructure:"primary_model" validate:"required"`
	FastModel      string `mapstructure:"fast_model" validate:"required"`
	ReasoningModel string `mapstructure:"reasoning_model" validate:"required"`
	VisionModel    string `mapstructure:"vision_model" validate:"required"`

	PaidVisionQueue     string `mapstructure:"paid_vision_queue" validate:"required"`
	FreeVisionQueue     string `mapstructure:"free_vision_queue" validate:"required"`
	PaidStructuredQueue string `mapstructure:"paid_structured_queue" validate:"required"`
	FreeStructuredQueue string `mapstructure:"free_structured_queue" validate:"required"`
	PaidStreamQueue     string `mapstructure:"paid_stream_queue" validate:"required"`
	FreeStreamQueue     string `mapstructure:"free_stream_queue" validate:"required"`

	StreamingTemplates []string `mapstructure:"streaming_templates"`
}

// Queues returns every queue id the router may select, without duplicates.
func (c RoutingConfig) Queues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, q := range []string{
		c.PaidVisionQueue, c.FreeVisionQueue,
		c.PaidStructuredQueue, c.FreeStructuredQueue,
		c.PaidStreamQueue, c.FreeStreamQueue,
	} {
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

// GateConfig holds the ceilings and TTLs for every admission gate.
type GateConfig struct {
	ModelCeilings       []ModelCeiling   `mapstructure:"model_ceilings" validate:"dive"`
	ProviderCeilings    map[string]int64 `mapstructure:"provider_ceilings"`
	DefaultModelCeiling int64            `mapstructure:"default_model_ceiling" validate:"gt=0"`

	StreamUserCeiling int64 `mapstructure:"stream_user_ceiling" validate:"gt=0"`
	BatchUserCeiling  int64 `mapstructure:"batch_user_ceiling" validate:"gt=0"`

	QueueMaxPending        map[string]int64 `mapstructure:"queue_max_pending"`
	DefaultQueueMaxPending int64            `mapstructure:"default_queue_max_pending" validate:"gt=0"`

	ActiveTTLSec  int `mapstructure:"active_ttl_seconds" validate:"gt=0"`
	PendingTTLSec int `mapstructure:"pending_ttl_seconds" validate:"gt=0"`
	LockTTLSec    int `mapstructure:"lock_ttl_seconds" validate:"gt=0"`

	RateLimitPerWindow int64 `mapstructure:"rate_limit_per_window" validate:"gte=0"`
	RateLimitWindowSec int   `mapstructure:"rate_limit_window_seconds" validate:"gt=0"`
}

// ModelCeiling overrides the active-worker ceiling for one (model, tier) pair.
// It is a list entry rather than a map key because model ids contain dots.
type ModelCeiling struct {
	Model   string `mapstructure:"model" validate:"required"`
	Tier    string `mapstructure:"tier" validate:"required,oneof=free paid"`
	Ceiling int64  `mapstructure:"ceiling" validate:"gt=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey      string `mapstructure:"gemini_api_key" validate:"required"`
	GeminiBaseURL     string `mapstructure:"gemini_base_url" validate:"omitempty,url"`
	PromptTemplateDir string `mapstructure:"prompt_template_dir"`
	SchemaDir         string `mapstructure:"schema_dir"`
}

// EventsConfig tunes event emission and the replay mirror.
type EventsConfig struct {
	BufferSize        int64 `mapstructure:"buffer_size" validate:"gt=0"`
	BufferTTLSec      int   `mapstructure:"buffer_ttl_seconds" validate:"gt=0"`
	IdleNoticeMs      int   `mapstructure:"idle_notice_ms" validate:"gt=0"`
	TokenBatchSize    int   `mapstructure:"token_batch_size" validate:"gt=0"`
	SubscriberBacklog int   `mapstructure:"subscriber_backlog" validate:"gt=0"`
}
