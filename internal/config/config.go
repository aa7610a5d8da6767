// Package config implements TOML configuration loading and validation for
// blueshift. A config file declares the OAuth application ID and one or more
// sync sources, each pairing a remote account with a local mirror directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration parsed from a TOML file.
type Config struct {
	// AppID is the OAuth application (client) ID used for token refresh.
	AppID string `toml:"app_id"`

	// StateDir holds per-source state (token file, catalog database).
	// Defaults to a "blueshift" directory under the user config dir.
	StateDir string `toml:"state_dir"`

	Sources []Source `toml:"source"`
}

// Source is one sync source: a remote drive account mirrored into a local
// directory tree.
type Source struct {
	// Name identifies the source in logs and names its state subdirectory.
	Name string `toml:"name"`

	// RootPath is the local mirror directory. It must already exist;
	// blueshift never creates the mirror root itself, so a typo here fails
	// loudly instead of silently mirroring into a fresh directory.
	RootPath string `toml:"root_path"`

	// UserPrincipalName is the expected remote account identity. Sync
	// aborts if the signed-in account does not match.
	UserPrincipalName string `toml:"user_principal_name"`

	Disabled bool `toml:"disabled"`
}

// DefaultConfigPath returns the default config file location,
// $XDG_CONFIG_HOME/blueshift/config.toml or the platform equivalent.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "blueshift", "config.toml")
	}

	return filepath.Join(base, "blueshift", "config.toml")
}

// Load reads and parses a TOML config file and validates it. Unknown keys
// are fatal: silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	var cfg Config

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config file %s contains unknown keys: %s",
			path, strings.Join(keys, ", "))
	}

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Dir(path)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AppID == "" {
		return fmt.Errorf("app_id is required")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one [[source]] is required")
	}

	seenNames := make(map[string]bool)
	seenRoots := make(map[string]bool)

	for i := range c.Sources {
		src := &c.Sources[i]

		if src.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}

		if strings.ContainsRune(src.Name, os.PathSeparator) {
			return fmt.Errorf("source %s: name must not contain path separators", src.Name)
		}

		if src.RootPath == "" {
			return fmt.Errorf("source %s: root_path is required", src.Name)
		}

		if src.UserPrincipalName == "" {
			return fmt.Errorf("source %s: user_principal_name is required", src.Name)
		}

		if seenNames[src.Name] {
			return fmt.Errorf("duplicate source name %s", src.Name)
		}

		if seenRoots[src.RootPath] {
			return fmt.Errorf("duplicate source root_path %s", src.RootPath)
		}

		seenNames[src.Name] = true
		seenRoots[src.RootPath] = true
	}

	return nil
}

// StateDirFor returns the per-source state directory.
func (c *Config) StateDirFor(src *Source) string {
	return filepath.Join(c.StateDir, src.Name)
}

// TokenPath returns the location of the source's persisted token pair.
func (c *Config) TokenPath(src *Source) string {
	return filepath.Join(c.StateDirFor(src), "token.json")
}

// DatabasePath returns the location of the source's catalog database.
func (c *Config) DatabasePath(src *Source) string {
	return filepath.Join(c.StateDirFor(src), "catalog.db")
}

// KeyPath returns the location of the at-rest token encryption key.
func (c *Config) KeyPath() string {
	return filepath.Join(c.StateDir, "token.key")
}

// EnsureStateDirs verifies that every enabled source's mirror root exists
// and creates the per-source state directories.
func (c *Config) EnsureStateDirs() error {
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Disabled {
			continue
		}

		info, err := os.Stat(src.RootPath)
		if err != nil {
			return fmt.Errorf("source %s: root path %s is not accessible: %w",
				src.Name, src.RootPath, err)
		}

		if !info.IsDir() {
			return fmt.Errorf("source %s: root path %s is not a directory", src.Name, src.RootPath)
		}

		if err := os.MkdirAll(c.StateDirFor(src), 0o700); err != nil {
			return fmt.Errorf("source %s: creating state directory: %w", src.Name, err)
		}
	}

	return nil
}
