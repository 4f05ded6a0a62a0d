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
const EnvPrefix = "JOBFIT"

// setDefaults registers every default value with viper. Keys must be
// registered here for environment overrides to reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.fallback_cooldown_seconds", 15)

	v.SetDefault("queue.mode", "direct")
	v.SetDefault("queue.callback_base_url", "")
	v.SetDefault("queue.current_signing_key", "")
	v.SetDefault("queue.next_signing_key", "")
	v.SetDefault("queue.signature_ttl_seconds", 300)
	v.SetDefault("queue.workers_per_queue", 10)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.retry_base_delay_ms", 2000)
	v.SetDefault("queue.guard_retry_delay_ms", 1500)
	v.SetDefault("queue.max_backoff_ms", 120000)
	v.SetDefault("queue.stream_timeout_seconds", 300)
	v.SetDefault("queue.structured_timeout_seconds", 120)

	v.SetDefault("routing.primary_model", "gemini-2.5-flash")
	v.SetDefault("routing.fast_model", "gemini-2.5-flash-lite")
	v.SetDefault("routing.reasoning_model", "gemini-2.5-pro")
	v.SetDefault("routing.vision_model", "gemini-2.5-flash")
	v.SetDefault("routing.paid_vision_queue", "paid-vision")
	v.SetDefault("routing.free_vision_queue", "free-vision")
	v.SetDefault("routing.paid_structured_queue", "paid-structured")
	v.SetDefault("routing.free_structured_queue", "free-structured")
	v.SetDefault("routing.paid_stream_queue", "paid-stream")
	v.SetDefault("routing.free_stream_queue", "free-stream")
	v.SetDefault("routing.streaming_templates", []string{"job_match", "interview_prep"})

	v.SetDefault("gates.model_ceilings", []ModelCeiling{})
	v.SetDefault("gates.provider_ceilings", map[string]int64{"gemini": 20})
	v.SetDefault("gates.default_model_ceiling", 10)
	v.SetDefault("gates.stream_user_ceiling", 1)
	v.SetDefault("gates.batch_user_ceiling", 3)
	v.SetDefault("gates.queue_max_pending", map[string]int64{})
	v.SetDefault("gates.default_queue_max_pending", 200)
	v.SetDefault("gates.active_ttl_seconds", 600)
	v.SetDefault("gates.pending_ttl_seconds", 1800)
	v.SetDefault("gates.lock_ttl_seconds", 900)
	v.SetDefault("gates.rate_limit_per_window", 30)
	v.SetDefault("gates.rate_limit_window_seconds", 60)

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.gemini_base_url", "")
	v.SetDefault("llm.prompt_template_dir", "prompts")
	v.SetDefault("llm.schema_dir", "")

	v.SetDefault("events.buffer_size", 500)
	v.SetDefault("events.buffer_ttl_seconds", 3600)
	v.SetDefault("events.idle_notice_ms", 8000)
	v.SetDefault("events.token_batch_size", 1)
	v.SetDefault("events.subscriber_backlog", 256)
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

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
