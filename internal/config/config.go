// Package config loads server configuration from YAML with environment
// variable expansion, plus an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full serve configuration.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Auth struct {
		// TokenSecret signs relay tokens. Required.
		TokenSecret string `yaml:"token_secret"`
		// AllowDevTokens enables the unsigned dev token prefix. Must stay
		// off in production.
		AllowDevTokens bool `yaml:"allow_dev_tokens"`
		// TokenValidityMinutes overrides the 30-minute default.
		TokenValidityMinutes int `yaml:"token_validity_minutes"`
	} `yaml:"auth"`

	Relay struct {
		PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	} `yaml:"relay"`

	Registry struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"registry"`

	Database struct {
		// SQLitePath holds instance records. Empty means in-memory only.
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
}

// Default returns a config with development defaults.
func Default() Config {
	var c Config
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 8090
	c.Relay.PingIntervalSeconds = 30
	c.Registry.TTLMinutes = 10
	return c
}

// Load reads the config file at path, expanding ${VAR} references from
// the environment. A .env file in the working directory is loaded
// first, if present.
func Load(path string) (Config, error) {
	// Best effort; absence of .env is the normal case outside dev.
	_ = godotenv.Load()

	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	if c.Auth.TokenSecret == "" {
		c.Auth.TokenSecret = os.Getenv("SKYBRIDGE_TOKEN_SECRET")
	}
	if c.Auth.TokenSecret == "" {
		return c, fmt.Errorf("auth.token_secret is required (or set SKYBRIDGE_TOKEN_SECRET)")
	}
	return c, nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PingInterval returns the relay keepalive interval.
func (c Config) PingInterval() time.Duration {
	if c.Relay.PingIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Relay.PingIntervalSeconds) * time.Second
}

// RegistryTTL returns the shared-client idle eviction window.
func (c Config) RegistryTTL() time.Duration {
	if c.Registry.TTLMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Registry.TTLMinutes) * time.Minute
}

// TokenValidity returns the relay token validity window.
func (c Config) TokenValidity() time.Duration {
	if c.Auth.TokenValidityMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Auth.TokenValidityMinutes) * time.Minute
}
