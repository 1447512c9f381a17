package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/narrator/internal/app"
	"github.com/MrWong99/narrator/internal/batch"
)

var batchFlags struct {
	collection string
	textOnly   bool
	caller     string
	key        string
}

var batchCmd = &cobra.Command{
	Use:   "batch [flags] UNITS.yaml",
	Short: "Generate text and audio for every unit in a YAML file",
	Long: "Run the batch pipeline over the units listed in a YAML file. Progress is\n" +
		"stored in the configured registry, so re-running the same collection\n" +
		"resumes where the previous run stopped. Ctrl+C stops between units.",
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.StringVar(&batchFlags.collection, "collection", "", "collection id (default: the file name)")
	f.BoolVar(&batchFlags.textOnly, "text-only", false, "generate text without synthesising audio")
	f.StringVar(&batchFlags.caller, "caller", "", "caller id for stored credential preferences")
	f.StringVar(&batchFlags.key, "key", "", "explicit API key for every synthesis request")
}

// unitsFile is the YAML layout read by the batch command.
type unitsFile struct {
	Collection string        `yaml:"collection"`
	Units      []*batch.Unit `yaml:"units"`
}

func readUnits(path string) (*unitsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var uf unitsFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&uf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(uf.Units) == 0 {
		return nil, fmt.Errorf("%s lists no units", path)
	}
	for i, u := range uf.Units {
		if u == nil || u.ID == "" {
			return nil, fmt.Errorf("%s: units[%d].id is required", path, i)
		}
	}
	return &uf, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	uf, err := readUnits(args[0])
	if err != nil {
		return err
	}
	collection := batchFlags.collection
	if collection == "" {
		collection = uf.Collection
	}
	if collection == "" {
		collection = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer initTelemetry(ctx)()

	application, err := app.New(ctx, cfg, app.WithLevelVar(levelVar))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	opts := application.BatchOptions()
	opts.Audio = !batchFlags.textOnly
	opts.CallerID = batchFlags.caller
	opts.KeyOverride = batchFlags.key

	out := cmd.OutOrStdout()
	var summary *batch.Summary
	for ev := range application.Pipeline().Run(ctx, collection, uf.Units, opts) {
		switch ev.Type {
		case batch.EventUnitStarted:
			fmt.Fprintf(out, "[%d/%d] %s (%s)\n", ev.Current, ev.Total, ev.UnitID, ev.Resume)
		case batch.EventSubUnit:
			if ev.Status == batch.StatusFailed {
				fmt.Fprintf(out, "        sub-unit %d (%s) failed after %d attempts: %s\n",
					derefInt(ev.SubUnit), ev.Language, ev.Attempts, ev.Error)
			}
		case batch.EventUnitDone:
			fmt.Fprintf(out, "        text=%s audio=%s save=%s\n", ev.TextStatus, ev.AudioStatus, ev.SaveStatus)
		case batch.EventDone:
			summary = ev.Summary
		}
	}

	if summary == nil {
		return errors.New("batch ended without a summary")
	}
	fmt.Fprintf(out, "done: %d units, %d completed, %d partial, %d failed, %d skipped\n",
		summary.Units, summary.Completed, summary.Partial, summary.Failed, summary.Skipped)
	if summary.Cancelled {
		fmt.Fprintln(out, "cancelled: progress was saved, run again to resume")
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d units failed", summary.Failed)
	}
	return nil
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
