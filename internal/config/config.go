// Package config loads the optional iblocksync configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the optional iblocksync configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Unset keys stay nil so
// callers can tell them apart from zero values.
type DefaultsConfig struct {
	BlockSize *string `toml:"block_size"`
	Pause     *string `toml:"pause"`
	Hash      *string `toml:"hash"`
	Mode      *string `toml:"mode"`
	Sudo      *bool   `toml:"sudo"`
	SSHKey    *string `toml:"ssh_key"`
	SSHPort   *int    `toml:"ssh_port"`
	AgentPath *string `toml:"agent_path"`
	Window    *int    `toml:"window"`
	BWLimit   *string `toml:"bwlimit"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "iblocksync", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

// LoadFile reads the config file at path and validates its values.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Defaults.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (d DefaultsConfig) validate() error {
	if d.BlockSize != nil {
		if n, err := ParseSize(*d.BlockSize); err != nil || n <= 0 {
			return fmt.Errorf("block_size: invalid size %q", *d.BlockSize)
		}
	}
	if d.BWLimit != nil {
		if _, err := ParseSize(*d.BWLimit); err != nil {
			return fmt.Errorf("bwlimit: %w", err)
		}
	}
	if d.Pause != nil {
		if p, err := time.ParseDuration(*d.Pause); err != nil || p < 0 {
			return fmt.Errorf("pause: invalid duration %q", *d.Pause)
		}
	}
	if d.Window != nil && *d.Window < 1 {
		return fmt.Errorf("window: must be at least 1, got %d", *d.Window)
	}
	if d.SSHPort != nil && (*d.SSHPort < 1 || *d.SSHPort > 65535) {
		return fmt.Errorf("ssh_port: %d out of range", *d.SSHPort)
	}
	return nil
}
