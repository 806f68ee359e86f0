package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aminovpavel/meshtopo/internal/api/httpapi"
	"github.com/aminovpavel/meshtopo/internal/app"
	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/mqtt"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/pipeline"
	"github.com/aminovpavel/meshtopo/internal/storage"
)

var noIngest bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, the HTTP API and the longest-links scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noIngest, "no-ingest", false, "serve queries only, without connecting to MQTT")
}

func serve(ctx context.Context) error {
	metrics := observability.NewMetrics()

	svc, err := app.BuildServices(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("shutdown error", slog.Any("error", err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if !noIngest {
		writer, err := storage.NewSQLiteWriter(svc.DB,
			storage.WriterConfig{
				QueueSize:           cfg.WriterQueueSize,
				MaintenanceInterval: cfg.MaintenanceEvery(),
			},
			storage.WithLogger(observability.Component(logger, "storage")),
			storage.WithMetrics(metrics),
			storage.WithNodeObserver(func(id mesh.NodeID) {
				svc.Directory.Invalidate(context.Background(), id)
			}),
		)
		if err != nil {
			return err
		}
		if err := writer.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := writer.Stop(); err != nil {
				logger.Error("storage stop error", slog.Any("error", err))
			}
		}()

		mqttCfg := app.BuildMQTTConfig(cfg)
		client, err := mqtt.NewClient(mqttCfg, mqtt.WithLogger(logger), mqtt.WithMetrics(metrics))
		if err != nil {
			return err
		}

		decoder := decode.NewMeshtasticDecoder(decode.MeshtasticConfig{StoreRawEnvelope: cfg.CaptureStoreRaw}, svc.Routes)
		pipe := pipeline.New(client, decoder, writer,
			pipeline.WithLogger(logger),
			pipeline.WithMetrics(metrics),
			pipeline.WithMaxEnvelopeBytes(cfg.MaxEnvelopeBytes),
			pipeline.WithLogDedup(svc.Cache, cfg.LogDedupTTL()),
		)

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case err, ok := <-pipe.Errors():
					if !ok {
						return nil
					}
					if err == nil || errors.Is(err, context.Canceled) {
						continue
					}
					logger.Error("pipeline error", slog.Any("error", err))
				}
			}
		})
		g.Go(func() error {
			if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})

		logger.Info("ingestion starting",
			slog.String("broker_host", mqttCfg.BrokerHost),
			slog.Int("broker_port", mqttCfg.BrokerPort),
			slog.String("topic", mqttCfg.SubscriptionTopic()),
		)
	}

	api := httpapi.New(app.APIConfig(cfg), svc.APIDeps(), httpapi.WithLogger(logger))
	obs := observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  observability.Component(logger, "observability"),
		Metrics: metrics,
		Ready: func() error {
			return svc.DB.Ping(ctx)
		},
	})

	g.Go(func() error { svc.Scheduler.Run(ctx); return nil })
	g.Go(func() error { api.Run(ctx); return nil })
	g.Go(func() error { obs.Run(ctx); return nil })

	logger.Info("meshtopo starting",
		slog.String("name", cfg.Name),
		slog.String("database", svc.DB.Path()),
		slog.String("api_address", cfg.APIListenAddress),
		slog.String("observability_address", cfg.ObservabilityAddress),
	)

	err = g.Wait()
	logger.Info("meshtopo stopped")
	return err
}
