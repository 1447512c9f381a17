package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/app"
	"github.com/MrWong99/narrator/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	slog.Info("narrator starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer initTelemetry(ctx)()

	// ── Config watcher ────────────────────────────────────────────────────────
	// The callback runs only after Run starts, by which time application is set.
	var application *app.App
	opts := []app.Option{app.WithLevelVar(levelVar)}
	if _, statErr := os.Stat(configPath); statErr == nil {
		w, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		opts = append(opts, app.WithWatcher(w))
	}

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Narrator: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Primary", cfg.Gateway.Primary)
	printRow("Secondary", cfg.Gateway.Secondary)
	printRow("Durable cache", string(cfg.Cache.Durable))
	printRow("Batch registry", string(cfg.Batch.Registry))
	if cfg.TextGen.Name != "" {
		printRow("Text gen", cfg.TextGen.Name+" / "+cfg.TextGen.Model)
	} else {
		printRow("Text gen", "(not configured)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics addr", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(none)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
