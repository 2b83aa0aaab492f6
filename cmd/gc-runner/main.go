package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/abdplatform/blob-storage-backend/audit"
	"github.com/abdplatform/blob-storage-backend/blobstore"
	"github.com/abdplatform/blob-storage-backend/common"
	"github.com/abdplatform/blob-storage-backend/gc"
	"github.com/abdplatform/blob-storage-backend/interfaces"
	"github.com/abdplatform/blob-storage-backend/registry"
	"github.com/urfave/cli/v2"
)

// gc-runner performs a single garbage collection sweep and exits. Meant
// for cron or one-off operational use against the same registry database
// the server runs on.
func main() {
	app := &cli.App{
		Name:  "gc-runner",
		Usage: "Run one blob garbage collection sweep and exit",
		Flags: []cli.Flag{
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
			&cli.StringSliceFlag{
				Name:  "provider",
				Value: cli.NewStringSlice("file:///var/lib/blobs/ingest"),
				Usage: "storage provider URI holding blob objects (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "grace-period",
				Value: gc.DefaultGracePeriod,
				Usage: "how long a blob must be orphaned before deletion",
			},
			&cli.DurationFlag{
				Name:  "max-execution-time",
				Value: gc.DefaultMaxExecutionTime,
				Usage: "wall-clock budget for the sweep",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Value: gc.DefaultBatchSize,
				Usage: "maximum orphans considered",
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
		},
		Action: runSweep,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runSweep(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: "blob-gc-runner",
		Version: common.Version,
	})

	accessor, err := registry.OpenSQLAccessor(cCtx.String("registry-db"))
	if err != nil {
		logger.Error("Failed to open blob registry", "err", err)
		return err
	}
	defer accessor.Close()

	var auditSink interfaces.AuditSink = audit.NewSlogSink(logger)
	if auditDB := cCtx.String("audit-db"); auditDB != "" {
		sqlSink, err := audit.OpenSQLSink(auditDB, logger)
		if err != nil {
			logger.Error("Failed to open audit sink", "err", err)
			return err
		}
		defer sqlSink.Close()
		auditSink = audit.MultiSink{auditSink, sqlSink}
	}

	// The runner never uploads, so no purpose routing is needed; every
	// configured provider only registers as a delete target.
	factory := blobstore.NewProviderFactory(logger)
	router := blobstore.NewRouter(nil, logger)
	for _, uri := range cCtx.StringSlice("provider") {
		location, err := interfaces.NewProviderLocation(uri)
		if err != nil {
			logger.Error("Invalid provider URI", "uri", uri, "err", err)
			return err
		}
		provider, err := factory.ProviderFor(location)
		if err != nil {
			logger.Error("Failed to create provider", "uri", uri, "err", err)
			return err
		}
		router.RegisterDeleter(provider)
	}

	collector := gc.New(accessor, router, auditSink, gc.Config{
		BatchSize:        cCtx.Int("batch-size"),
		GracePeriod:      cCtx.Duration("grace-period"),
		MaxExecutionTime: cCtx.Duration("max-execution-time"),
	}, logger)

	result, err := collector.Sweep(context.Background())
	if err != nil {
		logger.Error("GC sweep failed", "err", err)
		return err
	}

	summary, _ := json.Marshal(result)
	logger.Info("GC sweep finished", "result", string(summary))
	return nil
}
