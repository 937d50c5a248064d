package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dotsetgreg/dotmem/pkg/config"
	"github.com/dotsetgreg/dotmem/pkg/logger"
	"github.com/dotsetgreg/dotmem/pkg/memory"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotmem"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := os.Getenv("DOTMEM_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotmem", "config.json")
}

// loadConfig reads and validates the config, then applies the log settings.
func loadConfig(path string, debug bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(cfg, debug)
	return cfg, nil
}

func setupLogging(cfg *config.Config, debug bool) {
	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File); err != nil {
			logger.WarnCF("cli", "File logging unavailable", map[string]any{
				"path":  cfg.Log.File,
				"error": err.Error(),
			})
		}
	}
}

func openPersister(cfg *config.Config) (memory.Persister, error) {
	switch cfg.Backend() {
	case config.BackendSQLite:
		return memory.NewSQLiteSnapshotStore(cfg.SQLitePath())
	case config.BackendJSON, "":
		return memory.NewFileSnapshotStore(cfg.DataDir()), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend())
	}
}

// openEngine builds an engine over the configured backend and loads it. A
// failed load is fatal here so the CLI never overwrites state it could not
// read.
func openEngine(ctx context.Context, cfg *config.Config) (*memory.Engine, error) {
	persister, err := openPersister(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend(), err)
	}
	engine := memory.NewEngine(cfg.MemoryOptions(), memory.WithPersister(persister))
	if err := engine.Initialize(ctx); err != nil {
		_ = persister.Close()
		return nil, fmt.Errorf("load memory state: %w", err)
	}
	return engine, nil
}

// withEngine opens the engine, runs fn and closes it, which persists any
// change fn made.
func withEngine(ctx context.Context, opts *rootOptions, fn func(*memory.Engine) error) error {
	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	engine, err := openEngine(contextOrBackground(ctx), cfg)
	if err != nil {
		return err
	}
	runErr := fn(engine)
	closeErr := engine.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("save memory state: %w", closeErr)
	}
	return errors.Join(runErr, closeErr)
}
