// Package main is the entry point for the langhost language-server host.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dshills/langhost/internal/config"
	"github.com/dshills/langhost/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	logger, cleanup, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to set up logging: %v\n", err)
		return 1
	}
	defer cleanup()

	if len(cfg.Servers) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no language servers configured\n")
		return 1
	}

	h, err := newHost(cfg, logger, opts.roots)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}

	h.openFiles(opts.files)

	logger.Info("langhost %s watching %d root(s)", version, len(opts.roots))

	// First INT/TERM triggers graceful shutdown; a second one kills
	// whatever is still mid-teardown. HUP restarts every server.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	stopping := false
	done := make(chan struct{})
	for {
		select {
		case sig := <-signals:
			switch {
			case sig == syscall.SIGHUP:
				if !stopping {
					logger.Info("restarting all servers")
					h.restartAll()
				}
			case !stopping:
				stopping = true
				logger.Info("shutting down")
				go func() {
					h.shutdown()
					close(done)
				}()
			default:
				logger.Warn("forced termination")
				h.terminate()
				return 1
			}
		case <-done:
			return 0
		}
	}
}

// options holds parsed command-line state.
type options struct {
	configPath string
	logLevel   string
	roots      []string
	files      []string
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", config.DefaultPath(), "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", config.DefaultPath(), "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "langhost - language server lifecycle host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: langhost [options] root [root...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  langhost ./project              Host servers for one project\n")
		fmt.Fprintf(os.Stderr, "  langhost -c host.toml ./a ./b   Host servers for two roots\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("langhost %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// Positional arguments: directories are roots, files warm sessions.
	for _, arg := range flag.Args() {
		info, err := os.Stat(arg)
		if err == nil && info.IsDir() {
			opts.roots = append(opts.roots, arg)
			continue
		}
		opts.files = append(opts.files, arg)
	}

	// Files without an explicit root contribute their directory.
	if len(opts.roots) == 0 && len(opts.files) > 0 {
		if abs, err := filepath.Abs(opts.files[0]); err == nil {
			opts.roots = append(opts.roots, filepath.Dir(abs))
		}
	}

	if len(opts.roots) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	return opts
}

// buildLogger constructs the host logger from config. The cleanup
// function closes the log file, if any.
func buildLogger(cfg config.LogConfig) (*logging.Logger, func(), error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Level)

	cleanup := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logCfg.Output = f
		cleanup = func() { f.Close() }
	}

	return logging.New(logCfg), cleanup, nil
}
