// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

package config

import (
	"fmt"
)

const minSecretLength = 32

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateBuilder(); err != nil {
		return err
	}
	if err := c.validateWebSocket(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.Server.Timeout)
	}
	return nil
}

func (c *Config) validateBuilder() error {
	if c.Builder.Port < 1 || c.Builder.Port > 65535 {
		return fmt.Errorf("BUILDER_PORT must be between 1 and 65535, got %d", c.Builder.Port)
	}
	if c.Builder.Port == c.Server.Port {
		return fmt.Errorf("BUILDER_PORT must differ from HTTP_PORT (both %d)", c.Builder.Port)
	}
	if len(c.Builder.Secret) < minSecretLength {
		return fmt.Errorf("BUILDER_SECRET must be at least %d characters", minSecretLength)
	}
	if c.Builder.HandshakeTimeout <= 0 {
		return fmt.Errorf("BUILDER_HANDSHAKE_TIMEOUT must be positive, got %s", c.Builder.HandshakeTimeout)
	}
	return nil
}

func (c *Config) validateWebSocket() error {
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WS_BUFFER_SIZE must be positive, got %d", c.WebSocket.BufferSize)
	}
	if c.WebSocket.KeepAlive < 0 {
		return fmt.Errorf("WS_KEEPALIVE must not be negative, got %s", c.WebSocket.KeepAlive)
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_SIZE must be positive, got %d", c.WebSocket.MaxMessageSize)
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required unless STORE_IN_MEMORY=true")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.MetadataTTL <= 0 {
		return fmt.Errorf("SESSION_METADATA_TTL must be positive, got %s", c.Session.MetadataTTL)
	}
	if c.Session.DispatchQueueSize <= 0 {
		return fmt.Errorf("SESSION_DISPATCH_QUEUE_SIZE must be positive, got %d", c.Session.DispatchQueueSize)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
