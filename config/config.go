// Package config provides configuration loading and management for the
// forgeline engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Agent    AgentConfig    `yaml:"agent"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address for the HTTP API.
	Addr string `yaml:"addr"`
}

// NATSConfig configures the message substrate connection.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// Namespace prefixes all subjects and stream names.
	Namespace string `yaml:"namespace"`
}

// DatabaseConfig configures the relational store. An empty URL selects the
// in-memory store, which loses state on restart.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	// ConsumerName identifies this instance in the orchestrator group.
	ConsumerName string `yaml:"consumer_name"`
	// CASRetries bounds retry attempts on workflow version conflicts.
	CASRetries int `yaml:"cas_retries"`
	// PendingReaperInterval is the pending-task recovery period.
	PendingReaperInterval time.Duration `yaml:"pending_reaper_interval"`
	// PendingAge is how long a task may stay pending before recovery.
	PendingAge time.Duration `yaml:"pending_age"`
	// TimeoutReaperInterval is the task timeout scan period.
	TimeoutReaperInterval time.Duration `yaml:"timeout_reaper_interval"`
}

// AgentConfig configures agent mode.
type AgentConfig struct {
	// Type is the agent type to serve. Free text.
	Type string `yaml:"type"`
	// ID overrides the generated instance id.
	ID string `yaml:"id"`
	// HeartbeatInterval is the registry refresh period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		NATS: NATSConfig{
			URL:       "nats://localhost:4222",
			Namespace: "forgeline",
		},
		Engine: EngineConfig{
			ConsumerName:          "engine-1",
			CASRetries:            3,
			PendingReaperInterval: 15 * time.Second,
			PendingAge:            30 * time.Second,
			TimeoutReaperInterval: 15 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads a Config from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &config, nil
}

// Merge overlays non-zero fields of other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Namespace != "" {
		c.NATS.Namespace = other.NATS.Namespace
	}
	if other.Database.URL != "" {
		c.Database.URL = other.Database.URL
	}
	if other.Engine.ConsumerName != "" {
		c.Engine.ConsumerName = other.Engine.ConsumerName
	}
	if other.Engine.CASRetries > 0 {
		c.Engine.CASRetries = other.Engine.CASRetries
	}
	if other.Engine.PendingReaperInterval > 0 {
		c.Engine.PendingReaperInterval = other.Engine.PendingReaperInterval
	}
	if other.Engine.PendingAge > 0 {
		c.Engine.PendingAge = other.Engine.PendingAge
	}
	if other.Engine.TimeoutReaperInterval > 0 {
		c.Engine.TimeoutReaperInterval = other.Engine.TimeoutReaperInterval
	}
	if other.Agent.Type != "" {
		c.Agent.Type = other.Agent.Type
	}
	if other.Agent.ID != "" {
		c.Agent.ID = other.Agent.ID
	}
	if other.Agent.HeartbeatInterval > 0 {
		c.Agent.HeartbeatInterval = other.Agent.HeartbeatInterval
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Engine.CASRetries < 1 {
		return fmt.Errorf("engine.cas_retries must be at least 1")
	}
	return nil
}
