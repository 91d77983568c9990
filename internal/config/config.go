// Package config loads application-level runtime knobs from TOML and
// environment variables. Library users configure agents with functional
// options directly; applications embedding fathom read the same knobs
// from fathom.toml so deployments can tune them without rebuilding.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Model     ModelConfig     `toml:"model"`
	Runtime   RuntimeConfig   `toml:"runtime"`
	Session   SessionConfig   `toml:"session"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ModelConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKey    string `toml:"api_key"`
	MaxTokens int    `toml:"max_tokens"`
}

type RuntimeConfig struct {
	MaxParallelTools      int  `toml:"max_parallel_tools"`
	MaxStepsPerTurn       int  `toml:"max_steps_per_turn"`
	ModelRequestRetries   int  `toml:"model_request_retries"`
	ModelRequestTimeoutMS int  `toml:"model_request_timeout_ms"`
	ToolTimeoutMS         int  `toml:"tool_timeout_ms"`
	TurnTimeoutMS         int  `toml:"turn_timeout_ms"`
	BypassToolConsent     bool `toml:"bypass_tool_consent"`
}

type SessionConfig struct {
	// Backend selects the session store: "file", "sqlite", or "postgres".
	Backend     string `toml:"backend"`
	StorageDir  string `toml:"storage_dir"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	TokensPerMinute   int `toml:"tokens_per_minute"`
	Burst             int `toml:"burst"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied. The values mirror
// the library's option defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Model: ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		Runtime: RuntimeConfig{
			MaxParallelTools:      4,
			MaxStepsPerTurn:       50,
			ModelRequestRetries:   3,
			ModelRequestTimeoutMS: 60_000,
			ToolTimeoutMS:         30_000,
			TurnTimeoutMS:         300_000,
		},
		Session: SessionConfig{
			Backend:    "file",
			StorageDir: filepath.Join(home, ".fathom", "sessions"),
			SQLitePath: "fathom.db",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "fathom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("FATHOM_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("FATHOM_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("FATHOM_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("FATHOM_SESSION_BACKEND"); v != "" {
		cfg.Session.Backend = v
	}
	if v := os.Getenv("FATHOM_SESSION_STORAGE_DIR"); v != "" {
		cfg.Session.StorageDir = v
	}
	if v := os.Getenv("FATHOM_POSTGRES_URL"); v != "" {
		cfg.Session.PostgresURL = v
	}
	if n, ok := envInt("FATHOM_MAX_PARALLEL_TOOLS"); ok {
		cfg.Runtime.MaxParallelTools = n
	}
	if n, ok := envInt("FATHOM_MAX_STEPS_PER_TURN"); ok {
		cfg.Runtime.MaxStepsPerTurn = n
	}
	if v := os.Getenv("FATHOM_BYPASS_TOOL_CONSENT"); v == "true" || v == "1" {
		cfg.Runtime.BypassToolConsent = true
	}
	if v := os.Getenv("FATHOM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
