// Package config provides configuration management for AgentDesk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Config holds all configuration sections for AgentDesk.
type Config struct {
	Server       ServerConfig         `mapstructure:"server"`
	Database     DatabaseConfig       `mapstructure:"database"`
	NATS         NATSConfig           `mapstructure:"nats"`
	Agent        AgentConfig          `mapstructure:"agent"`
	Orchestrator OrchestratorConfig   `mapstructure:"orchestrator"`
	Logging      logger.LoggingConfig `mapstructure:"logging"`

	// Agents optionally seeds the in-process agent directory, for
	// standalone deployments without an external CRM backend.
	Agents []SeedAgent `mapstructure:"agents"`
}

// SeedAgent declares one agent in the config file.
type SeedAgent struct {
	ID                string            `mapstructure:"id"`
	Name              string            `mapstructure:"name"`
	Model             string            `mapstructure:"model"`
	BypassPermissions bool              `mapstructure:"bypassPermissions"`
	CallbackKey       string            `mapstructure:"callbackKey"`
	ProviderEnv       map[string]string `mapstructure:"providerEnv"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// Address returns the host:port address for the HTTP server.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds persistence configuration. Driver selects which
// store implementations are used: "sqlite" (Path), "postgres" (URL), or
// "memory" for tests and ephemeral setups.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. When Enabled is false
// the in-memory event bus is used instead.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent execution configuration.
type AgentConfig struct {
	// WorkspaceRoot is the base directory under which each agent gets its
	// own workspace folder (WorkspaceRoot/<agentID>).
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
	// CallbackBaseURL is the base URL agents use to call back into the
	// application API from inside their subprocess.
	CallbackBaseURL string `mapstructure:"callbackBaseUrl"`
	// DefaultModel is used when an agent has no model selector configured.
	DefaultModel string `mapstructure:"defaultModel"`
}

// OrchestratorConfig holds run orchestration configuration.
type OrchestratorConfig struct {
	// CronInterval is how often the cron runner checks for due jobs.
	CronInterval time.Duration `mapstructure:"cronInterval"`
}

// Load reads configuration from file and environment variables.
// Files named agentdesk.{yaml,json,toml} are searched in ., $HOME/.agentdesk
// and /etc/agentdesk. Environment variables use the AGENTDESK_ prefix with
// underscores, e.g. AGENTDESK_SERVER_PORT=8080.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("agentdesk")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.agentdesk")
	v.AddConfigPath("/etc/agentdesk")

	v.SetEnvPrefix("AGENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not time out

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "agentdesk.db")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.clientId", "agentdesk")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agent.workspaceRoot", "workspaces")
	v.SetDefault("agent.callbackBaseUrl", "http://localhost:8080/api/v1")
	v.SetDefault("agent.defaultModel", "claude")

	v.SetDefault("orchestrator.cronInterval", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")
}
