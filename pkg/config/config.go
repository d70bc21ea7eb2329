// Package config loads kinsync configuration from defaults, an optional
// kinsync.toml, KINSYNC_* environment variables, and command-line flags, in
// that priority order (flags highest).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds all configuration for kinsync.
type Config struct {
	Vault        string `koanf:"vault"`
	Watch        bool   `koanf:"watch"`
	WebMode      bool   `koanf:"web"`
	Port         int    `koanf:"port"`
	EditDebounce int    `koanf:"edit-debounce-ms"`
	NavDebounce  int    `koanf:"nav-debounce-ms"`
	CheckDelay   int    `koanf:"check-delay-ms"`
	Verbose      bool   `koanf:"verbose"`
	JSONLogs     bool   `koanf:"json-logs"`
}

// EditWindow returns the debounce window for content-edit events.
func (c *Config) EditWindow() time.Duration {
	return time.Duration(c.EditDebounce) * time.Millisecond
}

// NavWindow returns the debounce window for navigation events.
func (c *Config) NavWindow() time.Duration {
	return time.Duration(c.NavDebounce) * time.Millisecond
}

// CheckWindow returns the debounce window for consistency checks.
func (c *Config) CheckWindow() time.Duration {
	return time.Duration(c.CheckDelay) * time.Millisecond
}

// Load loads configuration. Priority: flags > env > config file > defaults.
func Load(f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"vault":            ".",
		"watch":            false,
		"web":              false,
		"port":             8080,
		"edit-debounce-ms": 1000,
		"nav-debounce-ms":  250,
		"check-delay-ms":   2000,
		"verbose":          false,
		"json-logs":        false,
	}
	if err := k.Load(makeMapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Optional config file; absence is fine.
	_ = k.Load(file.Provider("kinsync.toml"), toml.Parser())

	// Environment: KINSYNC_PORT=9090, KINSYNC_EDIT_DEBOUNCE_MS=500, ...
	if err := k.Load(env.Provider("KINSYNC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, "KINSYNC_")), "_", "-")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if f != nil {
		if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// mapProvider feeds a plain map to koanf as a provider.
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: m}
}

func (p *mapProvider) Read() (map[string]interface{}, error) {
	return p.m, nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
