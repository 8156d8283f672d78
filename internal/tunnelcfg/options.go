// Package tunnelcfg manages the runtime options a tunnel is started with.
package tunnelcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "fortirdp"
	// OptionsFileName is the name of the persisted options file.
	OptionsFileName = "options.json"

	// MaxClientsLimit is the hard ceiling on concurrent forwarders (spec §6).
	MaxClientsLimit = 32
)

// Options are the control-surface options enumerated in spec §6.
type Options struct {
	TCPNoDelay  bool `json:"tcp_nodelay"`
	MaxClients  int  `json:"max_clients"`
	KeepAliveMS int  `json:"keep_alive_ms"`

	ConnectTimeoutMS   int `json:"connect_timeout_ms"`
	HandshakeTimeoutMS int `json:"handshake_timeout_ms"`
}

// Default returns the spec's documented defaults: one client, 10s connect
// timeout, 60s keep-alive check period (spec §4.4, §7).
func Default() Options {
	return Options{
		TCPNoDelay:         true,
		MaxClients:         1,
		KeepAliveMS:        60_000,
		ConnectTimeoutMS:   10_000,
		HandshakeTimeoutMS: 15_000,
	}
}

// Validate checks that the options are within the bounds the spec requires.
func (o *Options) Validate() error {
	if o.MaxClients < 1 || o.MaxClients > MaxClientsLimit {
		return fmt.Errorf("max_clients must be between 1 and %d, got %d", MaxClientsLimit, o.MaxClients)
	}
	if o.KeepAliveMS < 0 {
		return fmt.Errorf("keep_alive_ms must be non-negative")
	}
	if o.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("connect_timeout_ms must be positive")
	}
	if o.HandshakeTimeoutMS <= 0 {
		return fmt.Errorf("handshake_timeout_ms must be positive")
	}
	return nil
}

// ConnectTimeout returns ConnectTimeoutMS as a time.Duration.
func (o *Options) ConnectTimeout() time.Duration {
	return time.Duration(o.ConnectTimeoutMS) * time.Millisecond
}

// HandshakeTimeout returns HandshakeTimeoutMS as a time.Duration.
func (o *Options) HandshakeTimeout() time.Duration {
	return time.Duration(o.HandshakeTimeoutMS) * time.Millisecond
}

// KeepAlive returns KeepAliveMS as a time.Duration.
func (o *Options) KeepAlive() time.Duration {
	return time.Duration(o.KeepAliveMS) * time.Millisecond
}

// Paths holds the resolved configuration directories.
type Paths struct {
	ConfigDir   string
	OptionsFile string
}

// GetPaths returns the configuration paths following XDG Base Directory spec.
func GetPaths() (*Paths, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	configDir := filepath.Join(configHome, AppName)
	return &Paths{
		ConfigDir:   configDir,
		OptionsFile: filepath.Join(configDir, OptionsFileName),
	}, nil
}

// EnsurePaths creates the configuration directory.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load reads options from disk, returning defaults if the file is absent.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Options{}, fmt.Errorf("failed to read options file: %w", err)
	}

	opts := Default()
	if err := json.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return opts, nil
}

// Save writes options to disk using atomic write (write to temp, then rename).
func Save(path string, opts Options) error {
	data, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write options file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize options file: %w", err)
	}

	return nil
}
