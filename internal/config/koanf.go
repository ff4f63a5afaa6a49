// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tilestream/config.yaml",
	"/etc/tilestream/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. These are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    43282,
			Timeout: 30 * time.Second,
		},
		Builder: BuilderConfig{
			Port:             43283,
			Secret:           "",
			HandshakeTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			BufferSize:     8192,
			KeepAlive:      8 * time.Second,
			MaxMessageSize: 8192,
		},
		Store: StoreConfig{
			Path:     "/data/tilestream",
			InMemory: false,
		},
		Auth: AuthConfig{
			JWTSecret: "",
		},
		Session: SessionConfig{
			MetadataTTL:       5 * time.Minute,
			DispatchQueueSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources with clear
// precedence: env vars override the config file, which overrides the
// built-in defaults. The result is validated before it is returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, checking the
// CONFIG_PATH override before the default search paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps flat environment variable names to nested koanf
// config paths. Unknown variables are dropped so unrelated process
// environment never leaks into the config tree.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - BUILDER_SECRET -> builder.secret
//   - WS_KEEPALIVE -> websocket.keepalive
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		// Builder mappings
		"builder_port":              "builder.port",
		"builder_secret":            "builder.secret",
		"builder_handshake_timeout": "builder.handshake_timeout",

		// WebSocket mappings
		"ws_buffer_size":      "websocket.buffer_size",
		"ws_keepalive":        "websocket.keepalive",
		"ws_max_message_size": "websocket.max_message_size",

		// Store mappings
		"store_path":      "store.path",
		"store_in_memory": "store.in_memory",

		// Auth mappings
		"jwt_secret": "auth.jwt_secret",

		// Session mappings
		"session_metadata_ttl":        "session.metadata_ttl",
		"session_dispatch_queue_size": "session.dispatch_queue_size",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
