// Package config loads agent configuration from defaults, an optional JSON
// file, and environment overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the full agent configuration.
type Config struct {
	// Backend is the ComfyUI base URL.
	Backend string `json:"backend"`

	// ListenAddr is the gateway bind address.
	ListenAddr string `json:"listen_addr"`

	Model         string  `json:"model"`
	IntentModel   string  `json:"intent_model,omitempty"`
	MaxTokens     int     `json:"max_tokens"`
	MaxIterations int     `json:"max_iterations"`
	Temperature   float64 `json:"temperature,omitempty"`

	// FallbackProvider names a gollm provider ("ollama", "groq", ...) used
	// when neither native adapter has credentials, or when a request names
	// it explicitly. FallbackModel picks the model for that provider.
	FallbackProvider string `json:"fallback_provider,omitempty"`
	FallbackModel    string `json:"fallback_model,omitempty"`

	DBPath         string `json:"db_path"`
	ExperiencesDir string `json:"experiences_dir"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Credentials come from the environment only; never from the file.
	AnthropicAPIKey string `json:"-"`
	OpenAIAPIKey    string `json:"-"`
	TavilyAPIKey    string `json:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:        "http://127.0.0.1:6006",
		ListenAddr:     ":5200",
		Model:          "claude-sonnet-4-5-20250929",
		IntentModel:    "claude-haiku-4-5-20251001",
		MaxTokens:      8192,
		MaxIterations:  20,
		DBPath:         "data/sessions.db",
		ExperiencesDir: "data/experiences",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds the configuration: defaults, then the JSON file at path when
// one is given, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.Backend, "COMFY_AGENT_BACKEND")
	setString(&cfg.ListenAddr, "COMFY_AGENT_LISTEN_ADDR")
	setString(&cfg.Model, "COMFY_AGENT_MODEL")
	setString(&cfg.IntentModel, "COMFY_AGENT_INTENT_MODEL")
	setInt(&cfg.MaxTokens, "COMFY_AGENT_MAX_TOKENS")
	setInt(&cfg.MaxIterations, "COMFY_AGENT_MAX_ITERATIONS")
	setString(&cfg.FallbackProvider, "COMFY_AGENT_FALLBACK_PROVIDER")
	setString(&cfg.FallbackModel, "COMFY_AGENT_FALLBACK_MODEL")
	setString(&cfg.DBPath, "COMFY_AGENT_DB_PATH")
	setString(&cfg.ExperiencesDir, "COMFY_AGENT_EXPERIENCES_DIR")
	setString(&cfg.LogLevel, "COMFY_AGENT_LOG_LEVEL")
	setString(&cfg.LogFormat, "COMFY_AGENT_LOG_FORMAT")

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
}

func (c Config) validate() error {
	if c.Backend == "" {
		return fmt.Errorf("backend URL must not be empty")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}
