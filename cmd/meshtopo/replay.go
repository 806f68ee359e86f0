package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshtopo/internal/app"
	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/replay"
	"github.com/aminovpavel/meshtopo/internal/storage"
)

var replayFlags struct {
	source    string
	output    string
	force     bool
	startID   int64
	endID     int64
	limit     int
	since     time.Duration
	routeOnly bool
	rebuild   bool
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run stored envelopes from a capture database through the decoder",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := replayFlags
		if f.source == "" {
			return fmt.Errorf("replay: --source is required")
		}
		if f.output == "" {
			f.output = cfg.DatabaseFile
		}
		if err := ensureOutput(f.source, f.output, f.force); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		cfg.DatabaseFile = f.output

		ctx := cmd.Context()
		svc, err := app.BuildServices(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		writer, err := storage.NewSQLiteWriter(svc.DB,
			storage.WriterConfig{QueueSize: 8192},
			storage.WithLogger(observability.Component(logger, "storage")),
		)
		if err != nil {
			return err
		}
		if err := writer.Start(ctx); err != nil {
			return err
		}

		opts := replay.Options{
			StartID:            f.startID,
			EndID:              f.endID,
			Limit:              f.limit,
			MaxEnvelopeBytes:   cfg.MaxEnvelopeBytes,
			RouteDiscoveryOnly: f.routeOnly,
			ProgressEvery:      10000,
			Logger:             observability.Component(logger, "replay"),
		}
		if f.since > 0 {
			opts.Since = time.Now().Add(-f.since)
		}

		decoder := decode.NewMeshtasticDecoder(decode.MeshtasticConfig{StoreRawEnvelope: cfg.CaptureStoreRaw}, svc.Routes)
		res, err := replay.ReplaySQLite(ctx, f.source, decoder, writer, opts)
		if stopErr := writer.Stop(); stopErr != nil {
			logger.Warn("stop writer", slog.Any("error", stopErr))
		}
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}

		logger.Info("replay completed",
			slog.String("source", f.source),
			slog.String("output", f.output),
			slog.Int("packets", res.Replayed),
			slog.Int("decode_errors", res.DecodeErrors),
			slog.Int("oversized", res.Oversized),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %s of %s packets into %s (%s undecodable, %s oversized)\n",
			humanize.Comma(int64(res.Replayed)), humanize.Comma(int64(res.Scanned())), f.output,
			humanize.Comma(int64(res.DecodeErrors)), humanize.Comma(int64(res.Oversized)))

		if !f.rebuild {
			return nil
		}
		if _, err := svc.Scheduler.RefreshNow(ctx); err != nil {
			return fmt.Errorf("replay: rebuild aggregates: %w", err)
		}
		counts, err := svc.DB.Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %s link aggregates\n", humanize.Comma(counts.Aggregates))
		return nil
	},
}

func init() {
	fl := replayCmd.Flags()
	fl.StringVar(&replayFlags.source, "source", "", "SQLite capture database with packet_history")
	fl.StringVar(&replayFlags.output, "output", "", "database to write (defaults to database_file)")
	fl.BoolVar(&replayFlags.force, "force", false, "remove the output database before replaying")
	fl.Int64Var(&replayFlags.startID, "start-id", 0, "replay from packet_history.id (inclusive)")
	fl.Int64Var(&replayFlags.endID, "end-id", 0, "replay up to packet_history.id (inclusive)")
	fl.IntVar(&replayFlags.limit, "limit", 0, "maximum number of packets to replay (0 = all)")
	fl.DurationVar(&replayFlags.since, "since", 0, "only replay packets received within this duration")
	fl.BoolVar(&replayFlags.routeOnly, "traceroute-only", false, "only replay route-discovery packets")
	fl.BoolVar(&replayFlags.rebuild, "rebuild", true, "rebuild link aggregates after the replay")
}

func ensureOutput(source, output string, force bool) error {
	if strings.TrimSpace(output) == "" {
		return fmt.Errorf("output path cannot be empty")
	}
	src, err := filepath.Abs(source)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}
	if src == abs {
		return fmt.Errorf("source and output must differ (%s)", abs)
	}

	if _, err := os.Stat(abs); err == nil && force {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(abs + suffix); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove existing output %s: %w", abs+suffix, err)
			}
		}
	}
	return nil
}
