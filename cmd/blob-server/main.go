package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/abdplatform/blob-storage-backend/audit"
	"github.com/abdplatform/blob-storage-backend/blobstore"
	"github.com/abdplatform/blob-storage-backend/common"
	"github.com/abdplatform/blob-storage-backend/gc"
	"github.com/abdplatform/blob-storage-backend/httpserver"
	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/abdplatform/blob-storage-backend/registry"
	"github.com/urfave/cli/v2"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "registry-db",
		Value: "blobs.sqlite",
		Usage: "path to the blob registry database",
	},
	&cli.StringFlag{
		Name:  "audit-db",
		Value: "",
		Usage: "path to the audit event database (log-only when empty)",
	},
	&cli.StringFlag{
		Name:  "ingest-provider",
		Value: "file:///var/lib/blobs/ingest",
		Usage: "storage provider URI for ingest uploads (s3://, db://, file://, ipfs://)",
	},
	&cli.StringFlag{
		Name:  "user-docs-provider",
		Value: "",
		Usage: "storage provider URI for user document uploads (defaults to ingest-provider)",
	},
	&cli.StringFlag{
		Name:  "system-provider",
		Value: "",
		Usage: "storage provider URI for system uploads (defaults to ingest-provider)",
	},
	&cli.DurationFlag{
		Name:  "gc-interval",
		Value: 0,
		Usage: "interval between scheduled GC sweeps (disabled when 0)",
	},
	&cli.DurationFlag{
		Name:  "gc-grace-period",
		Value: gc.DefaultGracePeriod,
		Usage: "how long a blob must be orphaned before deletion",
	},
	&cli.DurationFlag{
		Name:  "gc-max-execution-time",
		Value: gc.DefaultMaxExecutionTime,
		Usage: "wall-clock budget per GC sweep",
	},
	&cli.IntFlag{
		Name:  "gc-batch-size",
		Value: gc.DefaultBatchSize,
		Usage: "maximum orphans considered per GC sweep",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "blob-server",
		Usage: "Serve the deduplicating blob storage API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			registryDB := cCtx.String("registry-db")
			auditDB := cCtx.String("audit-db")
			gcInterval := cCtx.Duration("gc-interval")
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			logger.Info("Opening blob registry", "path", registryDB)
			accessor, err := registry.OpenSQLAccessor(registryDB)
			if err != nil {
				logger.Error("Failed to open blob registry", "err", err)
				return err
			}
			defer accessor.Close()

			auditSink, closeAudit, err := buildAuditSink(auditDB, logger)
			if err != nil {
				logger.Error("Failed to open audit sink", "err", err)
				return err
			}
			defer closeAudit()

			router, err := buildRouter(cCtx, logger)
			if err != nil {
				logger.Error("Failed to configure storage providers", "err", err)
				return err
			}

			reg := registry.New(accessor, router, auditSink, logger)
			collector := gc.New(accessor, router, auditSink, gc.Config{
				BatchSize:        cCtx.Int("gc-batch-size"),
				GracePeriod:      cCtx.Duration("gc-grace-period"),
				MaxExecutionTime: cCtx.Duration("gc-max-execution-time"),
			}, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			handler := httpserver.NewHandler(reg, collector, logger)
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			gcCtx, stopGC := context.WithCancel(context.Background())
			defer stopGC()
			if gcInterval > 0 {
				logger.Info("Starting scheduled GC", "interval", gcInterval.String())
				go collector.RunPeriodic(gcCtx, gcInterval)
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			stopGC()
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// buildRouter creates a provider per configured purpose from the URI
// flags. Purposes without an explicit URI share the ingest provider.
func buildRouter(cCtx *cli.Context, logger *slog.Logger) (interfaces.ProviderRouter, error) {
	factory := blobstore.NewProviderFactory(logger)

	providers := make(map[string]interfaces.StorageProvider)
	providerFor := func(uri string) (interfaces.StorageProvider, error) {
		if provider, ok := providers[uri]; ok {
			return provider, nil
		}
		location, err := interfaces.NewProviderLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid provider URI %q: %w", uri, err)
		}
		provider, err := factory.ProviderFor(location)
		if err != nil {
			return nil, err
		}
		providers[uri] = provider
		return provider, nil
	}

	ingestURI := cCtx.String("ingest-provider")
	byPurpose := make(map[interfaces.UploadPurpose]interfaces.StorageProvider)
	for purpose, flagName := range map[interfaces.UploadPurpose]string{
		interfaces.PurposeIngest:       "ingest-provider",
		interfaces.PurposeUserDocument: "user-docs-provider",
		interfaces.PurposeSystem:       "system-provider",
	} {
		uri := cCtx.String(flagName)
		if uri == "" {
			uri = ingestURI
		}
		provider, err := providerFor(uri)
		if err != nil {
			return nil, err
		}
		byPurpose[purpose] = provider
	}

	return blobstore.NewRouter(byPurpose, logger), nil
}

// buildAuditSink returns a slog-backed sink, fanned out to a persistent
// SQL sink when an audit database path is configured.
func buildAuditSink(path string, logger *slog.Logger) (interfaces.AuditSink, func(), error) {
	slogSink := audit.NewSlogSink(logger)
	if path == "" {
		return slogSink, func() {}, nil
	}

	sqlSink, err := audit.OpenSQLSink(path, logger)
	if err != nil {
		return nil, nil, err
	}
	closeSink := func() {
		if err := sqlSink.Close(); err != nil {
			logger.Warn("Failed to close audit sink", "err", err)
		}
	}
	return audit.MultiSink{slogSink, sqlSink}, closeSink, nil
}
