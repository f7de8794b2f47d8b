// Package config loads host configuration from a TOML file.
//
// A missing file is not an error; the defaults stand alone. Parse
// failures surface as a ParseError naming the offending file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level host configuration.
type Config struct {
	Log     LogConfig               `toml:"log"`
	Watch   WatchConfig             `toml:"watch"`
	Restart RestartConfig           `toml:"restart"`
	Servers map[string]ServerConfig `toml:"servers"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// File is the log destination; empty means stderr.
	File string `toml:"file"`
}

// WatchConfig controls file watching.
type WatchConfig struct {
	// DebounceMS is the batch quiet period in milliseconds.
	DebounceMS int `toml:"debounce_ms"`

	// IgnoreDirs are directory names excluded from watching.
	IgnoreDirs []string `toml:"ignore_dirs"`

	// IgnoreHidden excludes dot-prefixed entries.
	IgnoreHidden bool `toml:"ignore_hidden"`
}

// RestartConfig bounds automatic server restarts per project.
type RestartConfig struct {
	// Limit is the maximum restart attempts inside one window.
	Limit int `toml:"limit"`

	// WindowSeconds is the decay window for the attempt counter.
	WindowSeconds int `toml:"window_seconds"`
}

// ServerConfig describes one language server.
type ServerConfig struct {
	// Command is the server executable.
	Command string `toml:"command"`

	// Args are command-line arguments.
	Args []string `toml:"args"`

	// Env are additional environment variables.
	Env map[string]string `toml:"env"`

	// Extensions are the file extensions this server handles, with
	// leading dot (".go").
	Extensions []string `toml:"extensions"`

	// RootMarkers are file names whose presence marks a project root
	// ("go.mod", "package.json").
	RootMarkers []string `toml:"root_markers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Watch: WatchConfig{
			DebounceMS:   100,
			IgnoreDirs:   []string{".git", "node_modules", "vendor", "target"},
			IgnoreHidden: true,
		},
		Restart: RestartConfig{
			Limit:         5,
			WindowSeconds: 180,
		},
		Servers: map[string]ServerConfig{},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "langhost", "config.toml")
}

// Load reads configuration from path, layered over the defaults.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ParseError{Path: path, Message: err.Error(), Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative")
	}
	if c.Restart.Limit < 1 {
		return fmt.Errorf("restart.limit must be at least 1")
	}
	if c.Restart.WindowSeconds < 1 {
		return fmt.Errorf("restart.window_seconds must be at least 1")
	}
	for name, srv := range c.Servers {
		if srv.Command == "" {
			return fmt.Errorf("server %q has no command", name)
		}
		if len(srv.Extensions) == 0 {
			return fmt.Errorf("server %q handles no extensions", name)
		}
		for _, ext := range srv.Extensions {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("server %q: extension %q must start with a dot", name, ext)
			}
		}
	}
	return nil
}

// ServerFor returns the server configuration handling the given file
// path, matched by extension. The second return is false when no server
// claims the extension.
func (c Config) ServerFor(path string) (ServerConfig, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ServerConfig{}, false
	}
	for _, srv := range c.Servers {
		for _, e := range srv.Extensions {
			if strings.ToLower(e) == ext {
				return srv, true
			}
		}
	}
	return ServerConfig{}, false
}

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
