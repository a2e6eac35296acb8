package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/v0xg/toolhost/internal/browser"
	"github.com/v0xg/toolhost/internal/config"
	"github.com/v0xg/toolhost/internal/events"
	"github.com/v0xg/toolhost/internal/logger"
	"github.com/v0xg/toolhost/internal/terminal"
)

var (
	configPath string
	verbose    bool
)

func main() {
	// Load .env file if present (silently ignore if not found)
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "toolhost",
		Short: "Local terminal and headless browser backend for AI agents",
		Long: `toolhost runs shell commands and drives a single headless browser on
behalf of an agent, streaming command output, console messages and
screenshots to subscribers.

Example:
  toolhost serve --addr 127.0.0.1:7345
  toolhost exec "go test ./... | tail -n 20"
  toolhost browse https://example.com --action "click:selector=#more" -o page.png`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "toolhost.yaml", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(newServeCmd(), newExecCmd(), newBrowseCmd())

	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitError carries a command's exit code out of cobra.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	engine   *terminal.Engine
	session  *browser.Session
	closeLog func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logger.Level = "debug"
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	bus := events.New(cfg.Server.EventBuffer)
	engine := terminal.NewEngine(terminal.Options{
		Shell:       cfg.Terminal.Shell,
		HistorySize: cfg.Terminal.HistorySize,
		Timeout:     cfg.Terminal.Timeout,
	}, bus, log.With("component", "terminal"))

	bc := cfg.Browser
	session := browser.NewSession(browser.NewRodDriver(log.With("component", "rod")), browser.Options{
		Launch: browser.LaunchOptions{
			Bin:            bc.Bin,
			Width:          bc.Width,
			Height:         bc.Height,
			Headless:       bc.Headless,
			NoSandbox:      bc.NoSandbox,
			IdleWait:       bc.IdleWait,
			IdleTimeout:    bc.IdleTimeout,
			ElementTimeout: bc.ElementTimeout,
			ProfileDir:     bc.ProfileDir,
		},
		Locate: func() string {
			return browser.Locate(browser.DefaultLookPath, runtime.GOOS)
		},
		MaxScreenshotWidth: bc.MaxScreenshotWidth,
		MarkClicks:         bc.MarkClicks,
	}, bus, log.With("component", "browser"))

	return &app{
		cfg:      cfg,
		logger:   log,
		bus:      bus,
		engine:   engine,
		session:  session,
		closeLog: closeLog,
	}, nil
}

// Close shuts the browser down so no process outlives the command.
func (a *app) Close() {
	a.session.Close()
	a.bus.Close()
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}
