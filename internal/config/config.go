// Package config loads client configuration from an optional YAML file and
// PARLEY_-prefixed environment variables, env taking precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Assist  AssistConfig  `koanf:"assist"`
	History HistoryConfig `koanf:"history"`
	Server  ServerConfig  `koanf:"server"`
}

type AssistConfig struct {
	// WSURL is the streaming endpoint. Empty disables streaming.
	WSURL string `koanf:"ws_url"`
	// HTTPURL is the base URL of the stateless fallback endpoint.
	HTTPURL string `koanf:"http_url"`
	// Token is the bearer token. Usually supplied as PARLEY_ASSIST_TOKEN.
	Token string `koanf:"token"`
	// TimeoutSeconds is the default per-request timeout.
	TimeoutSeconds int `koanf:"timeout_seconds"`
	// TokenBudget caps how much history is sent per request. 0 disables.
	TokenBudget int `koanf:"token_budget"`
}

type HistoryConfig struct {
	Path string `koanf:"path"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Port int `koanf:"port"`
}

// Load reads configuration. path may be empty or point to a YAML file; a
// missing file at the default location is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("PARLEY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PARLEY_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Default values
	if !k.Exists("assist.timeout_seconds") {
		k.Set("assist.timeout_seconds", 60)
	}
	if !k.Exists("history.path") {
		k.Set("history.path", "./data/parley.db")
	}
	if !k.Exists("server.port") {
		k.Set("server.port", 8181)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
