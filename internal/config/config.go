// Package config loads the service configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Nsfr750/remote-control/internal/transport"
)

// Config is the remotectl.yaml service configuration.
type Config struct {
	// Port to listen on; 0 lets the OS pick.
	Port int `yaml:"port"`
	// Transport is one of tcp, tls, quic, dual.
	Transport string `yaml:"transport"`
	// UsersFile is the credential store path.
	UsersFile string `yaml:"users_file"`
	// TransferRoot scopes all file operations; empty disables transfer.
	TransferRoot string `yaml:"transfer_root"`
	// KeepaliveSeconds is the idle limit before a connection is closed.
	KeepaliveSeconds int `yaml:"keepalive_seconds"`
	// MaxMessageBytes bounds a single protocol message.
	MaxMessageBytes uint32 `yaml:"max_message_bytes"`
	// SessionTTLSeconds is the session token lifetime.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
	// KeyIterations is the PBKDF2 cost for password and key derivation.
	KeyIterations int `yaml:"key_iterations"`
	// AuthLimit failed attempts per AuthWindowSeconds lock a source out.
	AuthLimit         int `yaml:"auth_limit"`
	AuthWindowSeconds int `yaml:"auth_window_seconds"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:      9878,
		Transport: string(transport.ModeTCP),
		UsersFile: "users.json",
		LogLevel:  "info",
	}
}

// Load reads a config file. A missing file yields the defaults; a present
// but invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !transport.Mode(c.Transport).Valid() {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.KeepaliveSeconds < 0 || c.SessionTTLSeconds < 0 || c.KeyIterations < 0 {
		return fmt.Errorf("negative duration or cost value")
	}
	return nil
}

// Keepalive returns the keepalive as a duration, 0 meaning "default".
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// SessionTTL returns the session lifetime, 0 meaning "default".
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// AuthWindow returns the lockout window, 0 meaning "default".
func (c *Config) AuthWindow() time.Duration {
	return time.Duration(c.AuthWindowSeconds) * time.Second
}

// Mode returns the configured transport mode.
func (c *Config) Mode() transport.Mode {
	return transport.Mode(c.Transport)
}
