package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the main Relay configuration
type Config struct {
	// DataDir is the root directory for persisted state
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Server holds HTTP server configuration
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Store holds conversation store configuration
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Providers lists completion-service credentials
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Loop holds agent control loop configuration
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Registry holds agent registry configuration
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Stream holds event stream broker configuration
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Teams holds team configuration directory
	Teams TeamsConfig `json:"teams" mapstructure:"teams"`

	// Logging holds logger configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// StoreConfig holds conversation store settings
type StoreConfig struct {
	Path              string `json:"path" mapstructure:"path"`
	ScratchpadWindow  int    `json:"scratchpad_window" mapstructure:"scratchpad_window"`
	RetentionDays     int    `json:"retention_days" mapstructure:"retention_days"`
	RetentionSchedule string `json:"retention_schedule" mapstructure:"retention_schedule"`
}

// ProviderConfig holds credentials for one completion-service provider
type ProviderConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoopConfig holds agent control loop settings
type LoopConfig struct {
	MaxIterations int    `json:"max_iterations" mapstructure:"max_iterations"`
	HistoryWindow int    `json:"history_window" mapstructure:"history_window"`
	MaxRetries    int    `json:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs  int    `json:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	DefaultModel  string `json:"default_model" mapstructure:"default_model"`
}

// RegistryConfig holds agent registry settings
type RegistryConfig struct {
	Capacity         int     `json:"capacity" mapstructure:"capacity"`
	CleanupThreshold float64 `json:"cleanup_threshold" mapstructure:"cleanup_threshold"`
}

// StreamConfig holds event stream broker settings
type StreamConfig struct {
	BufferSize int `json:"buffer_size" mapstructure:"buffer_size"`
}

// TeamsConfig holds team role-graph settings
type TeamsConfig struct {
	Dir       string `json:"dir" mapstructure:"dir"`
	HotReload bool   `json:"hot_reload" mapstructure:"hot_reload"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".relay")

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8787,
			RateLimitPerMinute: 120,
		},
		Store: StoreConfig{
			Path:              filepath.Join(dataDir, "relay.db"),
			ScratchpadWindow:  50,
			RetentionDays:     30,
			RetentionSchedule: "0 3 * * *",
		},
		Loop: LoopConfig{
			MaxIterations: 5,
			HistoryWindow: 40,
			MaxRetries:    3,
			RetryDelayMs:  1000,
			DefaultModel:  "claude-3-5-sonnet-20241022",
		},
		Registry: RegistryConfig{
			Capacity:         1000,
			CleanupThreshold: 0.8,
		},
		Stream: StreamConfig{
			BufferSize: 256,
		},
		Teams: TeamsConfig{
			Dir:       filepath.Join(dataDir, "teams"),
			HotReload: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.Loop.MaxRetries)
	}
	if c.Registry.Capacity <= 0 {
		return fmt.Errorf("registry capacity must be positive, got %d", c.Registry.Capacity)
	}
	if c.Registry.CleanupThreshold <= 0 || c.Registry.CleanupThreshold > 1 {
		return fmt.Errorf("registry cleanup_threshold must be in (0, 1], got %f", c.Registry.CleanupThreshold)
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream buffer_size must be positive, got %d", c.Stream.BufferSize)
	}
	for i, p := range c.Providers {
		if p.Provider != "anthropic" && p.Provider != "openai" {
			return fmt.Errorf("provider %d: unsupported provider %q", i, p.Provider)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %d: api_key is required", i)
		}
	}
	return nil
}
