package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "forgeline.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/forgeline"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/forgeline/config.yaml)
// 3. Project config (forgeline.yaml in the working directory), or the
//    explicit path when given
// 4. Environment variables (FORGELINE_*)
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", "path", userConfigPath)
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("failed to load user config", "path", userConfigPath, "error", err)
	}

	projectPath := explicitPath
	if projectPath == "" {
		projectPath = ProjectConfigFile
	}
	if projectConfig, err := LoadFromFile(projectPath); err == nil {
		l.logger.Debug("loaded project config", "path", projectPath)
		config.Merge(projectConfig)
	} else if explicitPath != "" {
		// An explicitly named file must exist.
		return nil, err
	} else if !os.IsNotExist(err) {
		l.logger.Warn("failed to load project config", "path", projectPath, "error", err)
	}

	config.Merge(envOverrides())

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// envOverrides builds a Config layer from FORGELINE_* environment variables.
func envOverrides() *Config {
	c := &Config{}
	c.Server.Addr = os.Getenv("FORGELINE_SERVER_ADDR")
	c.NATS.URL = os.Getenv("FORGELINE_NATS_URL")
	c.NATS.Namespace = os.Getenv("FORGELINE_NATS_NAMESPACE")
	c.Database.URL = os.Getenv("FORGELINE_DATABASE_URL")
	c.Engine.ConsumerName = os.Getenv("FORGELINE_CONSUMER_NAME")
	if v := os.Getenv("FORGELINE_CAS_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.CASRetries = n
		}
	}
	c.Agent.Type = os.Getenv("FORGELINE_AGENT_TYPE")
	c.Agent.ID = os.Getenv("FORGELINE_AGENT_ID")
	if v := os.Getenv("FORGELINE_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Agent.HeartbeatInterval = d
		}
	}
	c.Log.Level = os.Getenv("FORGELINE_LOG_LEVEL")
	c.Log.Format = os.Getenv("FORGELINE_LOG_FORMAT")
	return c
}
