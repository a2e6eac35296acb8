package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level application configuration.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Terminal TerminalConfig `yaml:"terminal"`
	Browser  BrowserConfig  `yaml:"browser"`
	Server   ServerConfig   `yaml:"server"`
}

// LoggerConfig controls the slog handler.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// TerminalConfig controls command execution.
type TerminalConfig struct {
	// Shell is the program and leading arguments used for compound commands.
	// Empty selects the platform default.
	Shell       []string      `yaml:"shell"`
	HistorySize int           `yaml:"history_size"`
	Timeout     time.Duration `yaml:"timeout"` // 0 disables
}

// BrowserConfig controls the headless browser session.
type BrowserConfig struct {
	Bin                string        `yaml:"bin"` // skips discovery when set
	Width              int           `yaml:"width"`
	Height             int           `yaml:"height"`
	Headless           bool          `yaml:"headless"`
	NoSandbox          bool          `yaml:"no_sandbox"`
	IdleWait           time.Duration `yaml:"idle_wait"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ElementTimeout     time.Duration `yaml:"element_timeout"`
	MaxScreenshotWidth uint          `yaml:"max_screenshot_width"` // 0 keeps viewport size
	MarkClicks         bool          `yaml:"mark_clicks"`
	ProfileDir         string        `yaml:"profile_dir"` // close other browsers using it first
}

// ServerConfig controls the HTTP adapter.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	EventBuffer int    `yaml:"event_buffer"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Terminal: TerminalConfig{
			HistorySize: 1000,
		},
		Browser: BrowserConfig{
			Width:          900,
			Height:         600,
			Headless:       true,
			NoSandbox:      true,
			IdleWait:       500 * time.Millisecond,
			IdleTimeout:    10 * time.Second,
			ElementTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:7345",
			EventBuffer: 64,
		},
	}
}

// Load reads a YAML config file over the defaults and applies env overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays TOOLHOST_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("TOOLHOST_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TOOLHOST_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TOOLHOST_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("TOOLHOST_TERMINAL_SHELL"); v != "" {
		cfg.Terminal.Shell = strings.Fields(v)
	}
	if v := os.Getenv("TOOLHOST_TERMINAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: TOOLHOST_TERMINAL_TIMEOUT: %v", ErrInvalid, err)
		}
		cfg.Terminal.Timeout = d
	}
	if v := os.Getenv("TOOLHOST_BROWSER_BIN"); v != "" {
		cfg.Browser.Bin = v
	}
	if v := os.Getenv("TOOLHOST_BROWSER_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: TOOLHOST_BROWSER_HEADLESS: %v", ErrInvalid, err)
		}
		cfg.Browser.Headless = b
	}
	if v := os.Getenv("TOOLHOST_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	return nil
}

// Validate checks cfg for values the engines cannot run with.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Terminal.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("%w: terminal.history_size must be positive", ErrInvalid))
	}
	if cfg.Terminal.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w: terminal.timeout must not be negative", ErrInvalid))
	}
	if cfg.Browser.Width <= 0 || cfg.Browser.Height <= 0 {
		errs = append(errs, fmt.Errorf("%w: browser viewport must be positive, got %dx%d",
			ErrInvalid, cfg.Browser.Width, cfg.Browser.Height))
	}
	if cfg.Server.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("%w: server.event_buffer must not be negative", ErrInvalid))
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: logger.format %q", ErrInvalid, cfg.Logger.Format))
	}
	return errors.Join(errs...)
}
