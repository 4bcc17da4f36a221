// Package config defines the root configuration and its loader.
package config

import (
	"fmt"

	"github.com/flotilla-ai/flotilla/pkg/contextmgr"
	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/lock"
	"github.com/flotilla-ai/flotilla/pkg/observability"
	"github.com/flotilla-ai/flotilla/pkg/orchestrator"
	"github.com/flotilla-ai/flotilla/pkg/playbook"
	"github.com/flotilla-ai/flotilla/pkg/quota"
	"github.com/flotilla-ai/flotilla/pkg/scratchpad"
	"github.com/flotilla-ai/flotilla/pkg/strategy"
)

// Config is the root configuration.
type Config struct {
	Logger        LoggerConfig                   `yaml:"logger" json:"logger" mapstructure:"logger"`
	Server        ServerConfig                   `yaml:"server" json:"server" mapstructure:"server"`
	History       history.Config                 `yaml:"history" json:"history" mapstructure:"history"`
	Quota         quota.Config                   `yaml:"quota" json:"quota" mapstructure:"quota"`
	Context       contextmgr.Config              `yaml:"context" json:"context" mapstructure:"context"`
	Orchestrator  orchestrator.Config            `yaml:"orchestrator" json:"orchestrator" mapstructure:"orchestrator"`
	Strategy      strategy.Config                `yaml:"strategy" json:"strategy" mapstructure:"strategy"`
	Scratchpad    scratchpad.Config              `yaml:"scratchpad" json:"scratchpad" mapstructure:"scratchpad"`
	Fleet         fleet.Config                   `yaml:"fleet" json:"fleet" mapstructure:"fleet"`
	Lock          lock.Config                    `yaml:"lock" json:"lock" mapstructure:"lock"`
	LLMs          map[string]*llm.ProviderConfig `yaml:"llms" json:"llms" mapstructure:"llms"`
	Ethics        EthicsConfig                   `yaml:"ethics" json:"ethics" mapstructure:"ethics"`
	Playbooks     []playbook.Entry               `yaml:"playbooks" json:"playbooks" mapstructure:"playbooks"`
	Observability observability.Config           `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// LoggerConfig configures the global logger.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level" mapstructure:"level"`

	// Format is one of simple, verbose, json.
	Format string `yaml:"format" json:"format" mapstructure:"format"`

	// File redirects log output to a file when set.
	File string `yaml:"file" json:"file" mapstructure:"file"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host" json:"host" mapstructure:"host"`
	Port int    `yaml:"port" json:"port" mapstructure:"port"`

	// ShutdownGraceSeconds bounds how long in-flight requests may run
	// during shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" json:"shutdown_grace_seconds" mapstructure:"shutdown_grace_seconds"`
}

// EthicsConfig configures the request gate.
type EthicsConfig struct {
	// BlockedPhrases deny a request when the latest user message contains
	// any of them. Empty means everything is allowed.
	BlockedPhrases []string `yaml:"blocked_phrases" json:"blocked_phrases" mapstructure:"blocked_phrases"`

	// Suggestions are returned to the caller alongside a denial.
	Suggestions []string `yaml:"suggestions" json:"suggestions" mapstructure:"suggestions"`
}

// SetDefaults applies defaults for all missing fields.
func (c *Config) SetDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "simple"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownGraceSeconds <= 0 {
		c.Server.ShutdownGraceSeconds = 15
	}

	c.History.SetDefaults()
	c.Context.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Strategy.SetDefaults()
	c.Scratchpad.SetDefaults()
	c.Fleet.SetDefaults()
	c.Lock.SetDefaults()
	c.Observability.SetDefaults()

	for _, p := range c.LLMs {
		if p != nil {
			p.SetDefaults()
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if err := c.Scratchpad.Validate(); err != nil {
		return fmt.Errorf("scratchpad: %w", err)
	}
	if err := c.Lock.Validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	for name, p := range c.LLMs {
		if p == nil {
			return fmt.Errorf("llm provider %q is empty", name)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("llm provider %q: %w", name, err)
		}
	}
	return nil
}
