package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtm-drain/archive"
	commands "github.com/dhcgn/mailtm-drain/cmd"
	"github.com/dhcgn/mailtm-drain/config"
	"github.com/dhcgn/mailtm-drain/drain"
	"github.com/dhcgn/mailtm-drain/mailtm"
	"github.com/dhcgn/mailtm-drain/progress"
	"github.com/dhcgn/mailtm-drain/runner"
	"github.com/dhcgn/mailtm-drain/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mailtm-drain",
		Short:        "Archive every message of a mail.tm inbox to JSON and delete it remotely",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", uuid.NewString())
			slog.SetDefault(logger)
			logger.Info("starting mailtm-drain", "address", cfg.Address, "workers", cfg.Workers, "mode", cfg.Mode, "archive", cfg.ArchivePath, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			started := time.Now()
			err = run(ctx, cfg, logger)
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Completed in %s\n", time.Since(started).Round(time.Millisecond))
			}
			return err
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		commands.NewArchiveStatsCmd(),
		commands.NewArchiveExportCmd(),
		commands.NewPasswordCmd(config.OpenKeyring),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	client, err := mailtm.NewClient(mailtm.Options{
		BaseURL:               cfg.BaseURL,
		Address:               cfg.Address,
		Password:              cfg.Password,
		MaxConcurrentRequests: int64(cfg.MaxConcurrentRequests),
		RateLimitDelay:        cfg.RateLimitDelay,
		MaxRetries:            cfg.MaxRetries,
		RequestTimeout:        cfg.RequestTimeout,
		OnRateLimited:         drain.RateLimitHook(r),
	}, logger)
	if err != nil {
		abort(r)
		return fmt.Errorf("mailtm.NewClient: %w", err)
	}

	token, err := client.Authenticate(r.Context())
	if err != nil {
		logger.Error("authentication failed", "address", client.Address(), "err", err)
		abort(r)
		return fmt.Errorf("authenticate: %w", err)
	}
	logger.Info("authenticated", "address", client.Address())

	var store archive.Store
	if !cfg.DryRun {
		jsonFile, err := archive.NewJSONFile(cfg.ArchivePath)
		if err != nil {
			abort(r)
			return fmt.Errorf("archive.NewJSONFile: %w", err)
		}
		logger.Info("archive opened", "archive", jsonFile.Path())
		store = jsonFile
	}

	// Console output would interleave with the spinner.
	showProgress := cfg.Progress && cfg.LogFile != "" && !cfg.LogStdout
	progress.NewProgressReporter(r, progress.New(cfg.Address, showProgress), logger)

	opts := drain.Options{
		Workers: cfg.Workers,
		Mode:    cfg.Mode,
		DryRun:  cfg.DryRun,
	}
	if _, err := drain.New(opts, client, token, store, r, logger); err != nil {
		abort(r)
		return fmt.Errorf("drain.New: %w", err)
	}

	return r.Start()
}

// abort releases a runner whose drain stages were never added.
func abort(r *runner.Runner) {
	if err := r.Abort(); err != nil {
		r.Logger().Warn("failed to release runner", "err", err)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogFile != "" {
		if dir := filepath.Dir(cfg.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, cleanup, err
			}
		}

		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		var w io.Writer = file
		if cfg.LogStdout {
			w = io.MultiWriter(os.Stdout, file)
		}
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(slog.NewTextHandler(w, opts)), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
