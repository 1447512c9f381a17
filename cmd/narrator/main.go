// Command narrator is the entry point for the narrator speech service.
//
// Subcommands:
//
//	narrator serve                    run the HTTP API
//	narrator speak [flags] TEXT...    synthesise and play text on the local device
//	narrator batch [flags] UNITS.yaml run a batch job from a units file
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/observe"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string

	// levelVar is shared with the app so config reloads can change the level.
	levelVar = new(slog.LevelVar)

	rootCmd = &cobra.Command{
		Use:           "narrator",
		Short:         "Speech synthesis orchestration and playback",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, speakCmd, batchCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "narrator: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads the config file and installs the logger. A missing file
// is an error only when --config was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
		err = nil
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}

	slog.SetDefault(newLogger(cfg.Server))
	return cfg, nil
}

// initTelemetry installs the global OTel providers. The returned function
// flushes them.
func initTelemetry(ctx context.Context) func() {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		slog.Warn("telemetry disabled", "err", err)
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(sc config.ServerConfig) *slog.Logger {
	levelVar.Set(sc.LogLevel.Level())
	opts := &slog.HandlerOptions{Level: levelVar}
	if sc.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
