// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package config holds all service configuration, loaded in layers:
// built-in defaults, then an optional YAML file, then environment
// variables. Config is immutable after Load and safe for concurrent
// reads.
package config

import (
	"time"
)

// Config is the root configuration for the tile streaming service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Builder   BuilderConfig   `koanf:"builder"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Store     StoreConfig     `koanf:"store"`
	Auth      AuthConfig      `koanf:"auth"`
	Session   SessionConfig   `koanf:"session"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the client-facing HTTP server settings.
//
// Environment Variables:
//   - HTTP_HOST: Bind address (default: 0.0.0.0)
//   - HTTP_PORT: Listen port (default: 43282)
//   - HTTP_TIMEOUT: Read/write timeout (default: 30s)
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// BuilderConfig holds the builder worker listener settings. Secret is
// the shared key builders must prove possession of before joining the
// render pool.
//
// Environment Variables:
//   - BUILDER_PORT: Worker listen port (default: 43283)
//   - BUILDER_SECRET: Shared authentication secret (required)
//   - BUILDER_HANDSHAKE_TIMEOUT: Auth exchange deadline (default: 10s)
type BuilderConfig struct {
	Port             int           `koanf:"port"`
	Secret           string        `koanf:"secret"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// WebSocketConfig tunes per-client connection behavior.
//
// Environment Variables:
//   - WS_BUFFER_SIZE: Upgrade read/write buffer bytes (default: 8192)
//   - WS_KEEPALIVE: Ping interval (default: 8s)
//   - WS_MAX_MESSAGE_SIZE: Inbound frame cap in bytes (default: 8192)
type WebSocketConfig struct {
	BufferSize     int           `koanf:"buffer_size"`
	KeepAlive      time.Duration `koanf:"keepalive"`
	MaxMessageSize int64         `koanf:"max_message_size"`
}

// StoreConfig holds the embedded Badger store settings. InMemory is for
// tests and local development only.
//
// Environment Variables:
//   - STORE_PATH: Badger data directory (default: /data/tilestream)
//   - STORE_IN_MEMORY: Run without persistence (default: false)
type StoreConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// AuthConfig holds client authentication settings.
//
// Environment Variables:
//   - JWT_SECRET: HMAC signing secret, at least 32 bytes (required)
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

// SessionConfig tunes per-session behavior.
//
// Environment Variables:
//   - SESSION_METADATA_TTL: Server metadata trust window (default: 5m)
//   - SESSION_DISPATCH_QUEUE_SIZE: Render hand-off queue (default: 256)
type SessionConfig struct {
	MetadataTTL       time.Duration `koanf:"metadata_ttl"`
	DispatchQueueSize int           `koanf:"dispatch_queue_size"`
}

// LoggingConfig holds log output settings.
//
// Environment Variables:
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json or console (default: json)
//   - LOG_CALLER: Include caller location (default: false)
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
