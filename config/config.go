// Package config defines the courier daemon configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/courier/agent"
	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/registry"
)

// Environment fallbacks for secrets left out of the file.
const (
	EnvJWTSecret    = "COURIER_JWT_SECRET"
	EnvBrokerSecret = "COURIER_BROKER_SECRET"
)

// Config is the top-level courier configuration.
type Config struct {
	Server          ServerConfig               `json:"server" yaml:"server"`
	Auth            AuthConfig                 `json:"auth" yaml:"auth"`
	Store           StoreConfig                `json:"store" yaml:"store"`
	Broker          BrokerConfig               `json:"broker" yaml:"broker"`
	Delivery        DeliveryConfig             `json:"delivery" yaml:"delivery"`
	Cleanup         CleanupConfig              `json:"cleanup" yaml:"cleanup"`
	Policies        PolicyConfig               `json:"policies" yaml:"policies"`
	Providers       map[string]provider.Config `json:"providers" yaml:"providers"`
	DefaultProvider string                     `json:"default_provider" yaml:"default_provider"`
	Sessions        SessionConfig              `json:"sessions" yaml:"sessions"`
	Agents          []AgentConfig              `json:"agents" yaml:"agents"`
	LogLevel        string                     `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr     string `json:"addr" yaml:"addr"`           // listen address, e.g., ":9090"
	ServerID string `json:"server_id" yaml:"server_id"` // generated when empty
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// StoreConfig selects the message store.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "memory"
	Path   string `json:"path" yaml:"path"`
}

// BrokerConfig tunes the message broker.
type BrokerConfig struct {
	Secret      string `json:"secret" yaml:"secret"`
	MaxRetries  int    `json:"max_retries" yaml:"max_retries"`
	ContextSize int    `json:"context_size" yaml:"context_size"`
}

type DeliveryConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// CleanupConfig controls the periodic purge of settled messages.
type CleanupConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
	MaxAge   time.Duration `json:"max_age" yaml:"max_age"`
}

// PolicyConfig controls the policy engine.
type PolicyConfig struct {
	// Defaults installs the built-in policy set.
	Defaults          bool     `json:"defaults" yaml:"defaults"`
	HistorySize       int      `json:"history_size" yaml:"history_size"`
	ForbiddenKeywords []string `json:"forbidden_keywords,omitempty" yaml:"forbidden_keywords"`
	// Judge names the providers entry that evaluates judged policies.
	Judge string `json:"judge,omitempty" yaml:"judge"`
}

// SessionConfig controls agent transcripts. An empty Dir keeps them in
// memory.
type SessionConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// AgentConfig defines a single agent to create at startup.
type AgentConfig struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description" yaml:"description"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Contacts     []string `json:"contacts,omitempty" yaml:"contacts"`
	Provider     string   `json:"provider,omitempty" yaml:"provider"`
	Active       bool     `json:"active" yaml:"active"`
}

// Spec converts the entry to an agent.Spec.
func (a AgentConfig) Spec() agent.Spec {
	return agent.Spec{
		Name:         a.Name,
		Description:  a.Description,
		SystemPrompt: a.SystemPrompt,
		Contacts:     a.Contacts,
		Provider:     a.Provider,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/courier.db",
		},
		Broker: BrokerConfig{
			MaxRetries:  3,
			ContextSize: 10,
		},
		Delivery: DeliveryConfig{
			Interval: time.Second,
		},
		Cleanup: CleanupConfig{
			Interval: time.Hour,
			MaxAge:   7 * 24 * time.Hour,
		},
		Policies: PolicyConfig{
			Defaults:    true,
			HistorySize: 1000,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults and applies environment
// fallbacks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv fills secrets left empty from the environment.
func (c *Config) ApplyEnv() {
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = os.Getenv(EnvJWTSecret)
	}
	if c.Broker.Secret == "" {
		c.Broker.Secret = os.Getenv(EnvBrokerSecret)
	}
}

// DefaultProviderName returns the provider agents use when they name none:
// default_provider if set, else the only configured provider.
func (c *Config) DefaultProviderName() string {
	if c.DefaultProvider != "" {
		return c.DefaultProvider
	}
	if len(c.Providers) == 1 {
		for name := range c.Providers {
			return name
		}
	}
	return ""
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite or memory", c.Store.Driver))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Delivery.Interval <= 0 {
		errs = append(errs, errors.New("delivery.interval must be positive"))
	}
	if c.Cleanup.Interval < 0 || c.Cleanup.MaxAge < 0 {
		errs = append(errs, errors.New("cleanup durations must not be negative"))
	}
	for name, p := range c.Providers {
		if p.Type == "" {
			errs = append(errs, fmt.Errorf("providers.%s.type is required", name))
		}
	}
	if c.DefaultProvider != "" && !c.hasProvider(c.DefaultProvider) {
		errs = append(errs, fmt.Errorf("default_provider %q is not configured", c.DefaultProvider))
	}
	if j := c.Policies.Judge; j != "" && !c.hasProvider(j) {
		errs = append(errs, fmt.Errorf("policies.judge %q is not configured", j))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.Name == "":
			errs = append(errs, fmt.Errorf("agents[%d].name is required", i))
		case seen[a.Name]:
			errs = append(errs, fmt.Errorf("agent %q is defined twice", a.Name))
		default:
			if err := registry.ValidateName(a.Name); err != nil {
				errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			}
		}
		seen[a.Name] = true
		if a.Provider != "" && !c.hasProvider(a.Provider) {
			errs = append(errs, fmt.Errorf("agent %q: provider %q is not configured", a.Name, a.Provider))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) hasProvider(name string) bool {
	_, ok := c.Providers[name]
	return ok
}

// ParseLevel converts a log_level value to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return lvl, nil
}
