// Package config loads the orchestrator's YAML configuration, mirroring
// the nested-struct-per-concern layout used throughout the rest of the
// control plane's ambient stack.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Planner  ModelConfig    `yaml:"planner"`
	Executor ModelConfig    `yaml:"executor"`
	Task     TaskConfig     `yaml:"task"`
	Logging  LoggingConfig  `yaml:"logging"`
	SyntaxCheck SyntaxCheckConfig `yaml:"syntax_check"`
}

// SyntaxCheckConfig selects the external syntax-checker binary used by the
// syntax-check-cache tool. Binary left empty disables the tool: calls to
// it report a configuration error rather than silently succeeding.
type SyntaxCheckConfig struct {
	Binary  string        `yaml:"binary"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GatewayConfig controls the per-client channel: payload limits and
// backpressure behavior.
type GatewayConfig struct {
	// OutboundQueueSize bounds the per-client outbound frame queue.
	OutboundQueueSize int `yaml:"outbound_queue_size"`
	// MaxFrameBytes is loaded from YAML but not read by the protocol
	// sessions, which cap inbound frames at a fixed 1 MiB.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
	// PingInterval is loaded from YAML but not read by the protocol
	// sessions, which ping at a fixed 30-second period.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// ModelConfig configures one model adapter role (planner or executor).
type ModelConfig struct {
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TaskConfig bounds the control graph's resource usage.
type TaskConfig struct {
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	StepBudget           int           `yaml:"step_budget"`
	RemoteCallTimeout    time.Duration `yaml:"remote_call_timeout"`
	HistoryTurnBudget    int           `yaml:"history_turn_budget"`
	DuplicateCallWindow  int           `yaml:"duplicate_call_window"`
	DuplicateCallThreshold int         `yaml:"duplicate_call_threshold"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// Default returns a Config populated with the same defaults named in the
// external interface contract (max-consecutive-errors=3, step budget=20,
// remote-call timeout~=30s).
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Gateway: GatewayConfig{
			OutboundQueueSize: 64,
			MaxFrameBytes:     1 << 20,
			PingInterval:      15 * time.Second,
		},
		Planner: ModelConfig{
			Temperature: 0.2,
			MaxTokens:   2048,
			Timeout:     10 * time.Minute,
		},
		Executor: ModelConfig{
			Temperature: 0.2,
			MaxTokens:   2048,
			Timeout:     10 * time.Minute,
		},
		Task: TaskConfig{
			MaxConsecutiveErrors:   3,
			StepBudget:             20,
			RemoteCallTimeout:      30 * time.Second,
			HistoryTurnBudget:      60,
			DuplicateCallWindow:    5,
			DuplicateCallThreshold: 3,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses a YAML config file, starting from Default() and
// overriding only fields present in the file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}
