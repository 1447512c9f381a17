package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/app"
	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/internal/gateway"
	"github.com/MrWong99/narrator/internal/playback"
	"github.com/MrWong99/narrator/pkg/audio/device"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

var speakFlags struct {
	voice    string
	language string
	provider string
	caller   string
	key      string
}

var speakCmd = &cobra.Command{
	Use:   "speak [flags] TEXT...",
	Short: "Synthesise text and play it on the local audio device",
	Long: "Synthesise text sentence by sentence and play it on the default audio device.\n" +
		"Pass - to read the text from standard input.",
	Args: cobra.MinimumNArgs(1),
	RunE: runSpeak,
}

func init() {
	f := speakCmd.Flags()
	f.StringVar(&speakFlags.voice, "voice", "", "provider voice name")
	f.StringVar(&speakFlags.language, "lang", "en", "language code")
	f.StringVar(&speakFlags.provider, "provider", "", "synthesis provider (default: gateway.primary)")
	f.StringVar(&speakFlags.caller, "caller", "", "caller id for stored credential preferences")
	f.StringVar(&speakFlags.key, "key", "", "explicit API key for the provider")
}

func runSpeak(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	if text == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(b)
	}
	sentences := batch.SplitSentences(text)
	if len(sentences) == 0 {
		return errors.New("nothing to say")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithLevelVar(levelVar))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	kind := application.Gateway().Primary()
	if speakFlags.provider != "" {
		if kind, err = tts.ParseKind(speakFlags.provider); err != nil {
			return err
		}
	}

	units := make([]gateway.Request, len(sentences))
	for i, s := range sentences {
		units[i] = gateway.Request{
			Text:        s,
			Voice:       speakFlags.voice,
			Language:    speakFlags.language,
			Provider:    kind,
			KeyOverride: speakFlags.key,
			CallerID:    speakFlags.caller,
		}
	}

	out := device.New(device.WithFormat(cfg.Audio.SampleRate, cfg.Audio.Channels))
	narrator := application.Narrator(out)

	played, err := narrator.Narrate(ctx, playback.NewToken(), units)
	slog.Info("narration finished", "played", played, "units", len(units))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, playback.ErrSuperseded):
		fmt.Fprintln(os.Stderr, "narration interrupted")
		return nil
	default:
		return err
	}
}
