// ============================================================================
// Caster CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree and YAML configuration for the caster
//
// Command Structure:
//   casterd                        # Root command
//   ├── run                        # Start the caster
//   │   └── --config, -c          # Specify config file
//   ├── status                     # Show effective configuration
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/ntrip-caster/internal/caster"
	"github.com/ChuLiYu/ntrip-caster/internal/metrics"
)

// Config represents the complete caster configuration structure.
// Maps config file fields through YAML tags.
type Config struct {
	Caster struct {
		ListenAddr    string `yaml:"listen_addr"`
		ReadTimeoutS  int    `yaml:"read_timeout_s"`
		WriteTimeoutS int    `yaml:"write_timeout_s"`
		MaxQueuedJobs int    `yaml:"max_queued_jobs"`
		LogLevel      string `yaml:"log_level"`
	} `yaml:"caster"`

	Worker struct {
		Count int `yaml:"count"`
		// StackSizeKB matches the worker stack knob of the C caster so its
		// deployment configs keep parsing. Goroutine stacks are managed by
		// the runtime; the value is logged at startup and otherwise unused.
		StackSizeKB int `yaml:"stack_size_kb"`
	} `yaml:"worker"`

	Recorder struct {
		Enabled         bool   `yaml:"enabled"`
		Dir             string `yaml:"dir"`
		MaxSegmentSize  int64  `yaml:"max_segment_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"recorder"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"admin"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Caster.ListenAddr = ":2101"
	cfg.Caster.ReadTimeoutS = 60
	cfg.Caster.WriteTimeoutS = 30
	cfg.Caster.LogLevel = "info"
	cfg.Worker.Count = 4
	cfg.Worker.StackSizeKB = 500
	cfg.Recorder.Dir = "recordings"
	cfg.Recorder.MaxSegmentSize = 64 * 1024 * 1024
	cfg.Recorder.FlushIntervalMs = 1000
	cfg.Metrics.Port = 9102
	cfg.Admin.Port = 50051
	return cfg
}

// LoadConfig reads path and overlays it on the defaults. An empty path
// returns the defaults untouched.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Worker.Count < 1 {
		return nil, fmt.Errorf("worker.count must be at least 1, got %d", cfg.Worker.Count)
	}
	return cfg, nil
}

// CasterConfig converts the file configuration into the caster's config.
func (c *Config) CasterConfig() caster.Config {
	return caster.Config{
		ListenAddr:            c.Caster.ListenAddr,
		Workers:               c.Worker.Count,
		WorkerStackKB:         c.Worker.StackSizeKB,
		MaxQueuedJobs:         c.Caster.MaxQueuedJobs,
		ReadTimeout:           time.Duration(c.Caster.ReadTimeoutS) * time.Second,
		WriteTimeout:          time.Duration(c.Caster.WriteTimeoutS) * time.Second,
		RecorderEnabled:       c.Recorder.Enabled,
		RecorderDir:           c.Recorder.Dir,
		RecorderMaxSegment:    c.Recorder.MaxSegmentSize,
		RecorderFlushInterval: time.Duration(c.Recorder.FlushIntervalMs) * time.Millisecond,
		MetricsEnabled:        c.Metrics.Enabled,
		MetricsPort:           c.Metrics.Port,
		AdminEnabled:          c.Admin.Enabled,
		AdminPort:             c.Admin.Port,
	}
}

func (c *Config) logLevel() slog.Level {
	switch c.Caster.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "casterd",
		Short: "casterd: an NTRIP caster relaying GNSS correction streams",
		Long: `casterd is an NTRIP caster:
- source ingest and client fan-out per mountpoint
- worker-pool job dispatch with per-connection ordering
- optional stream recording, Prometheus metrics, gRPC health`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the caster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaster()
		},
	}
}

func runCaster() error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cst := caster.New(cfg.CasterConfig(), collector, logger)
	return cst.Start(ctx)
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config file: %s\n%s", configFile, out)
			return nil
		},
	}
}
