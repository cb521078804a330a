// asbuiltd is the as-built submission processing daemon: it accepts
// uploaded document packages over HTTP, classifies and validates them, and
// routes sections to their destination systems through a background queue.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gridscope/asbuilt/audit"
	"github.com/gridscope/asbuilt/blobstore"
	"github.com/gridscope/asbuilt/dbopen"
	"github.com/gridscope/asbuilt/destination"
	"github.com/gridscope/asbuilt/httpapi"
	"github.com/gridscope/asbuilt/pagetext"
	"github.com/gridscope/asbuilt/routing"
	"github.com/gridscope/asbuilt/submission"
	"github.com/gridscope/asbuilt/taskq"
	"github.com/gridscope/asbuilt/utilcfg"
)

func main() {
	configPath := flag.String("config", env("ASBUILT_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(submission.Schema),
		dbopen.WithSchema(routing.Schema),
		dbopen.WithSchema(audit.Schema),
	)
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Utility configs live in the same database; seed from the fixture dir
	// when one is configured.
	configs := utilcfg.NewStore(db)
	if err := configs.Init(ctx); err != nil {
		slog.Error("init utility configs", "error", err)
		os.Exit(1)
	}
	if cfg.UtilityConfigDir != "" {
		n, err := utilcfg.SeedDir(ctx, configs, cfg.UtilityConfigDir)
		if err != nil {
			slog.Error("seed utility configs", "dir", cfg.UtilityConfigDir, "error", err)
			os.Exit(1)
		}
		slog.Info("utility configs seeded", "dir", cfg.UtilityConfigDir, "count", n)
	}

	blobs, err := openBlobstore(ctx, cfg.Blobstore)
	if err != nil {
		slog.Error("open blobstore", "kind", cfg.Blobstore.Kind, "error", err)
		os.Exit(1)
	}

	trail := audit.New(db, 256, audit.WithLogger(logger))
	defer trail.Close()

	registry, err := buildRegistry(cfg, blobs, logger)
	if err != nil {
		slog.Error("build destination registry", "error", err)
		os.Exit(1)
	}

	visibility, _ := duration(cfg.Queue.Visibility)
	pollInterval, _ := duration(cfg.Queue.PollInterval)
	queue := taskq.New(db, taskq.Options{
		Visibility:   visibility,
		PollInterval: pollInterval,
	})
	if err := queue.EnsureTable(ctx); err != nil {
		slog.Error("init task queue", "error", err)
		os.Exit(1)
	}

	orch := submission.New(submission.Deps{
		Store:     submission.NewStore(db),
		Configs:   configs,
		Resolver:  routing.NewResolver(routing.NewStore(db), routing.WithLogger(logger)),
		Registry:  registry,
		Blobs:     blobs,
		Extractor: pagetext.NewPDF(),
		Trail:     trail,
	},
		submission.WithLogger(logger),
		submission.WithQueue(queue),
		submission.WithMaxConcurrent(cfg.DeliveryConcurrency),
	)

	workers := cfg.Queue.Workers
	if workers <= 0 {
		workers = 4
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(ctx, workers, orch.Handler())
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.New(orch, httpapi.WithLogger(logger)).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	wg.Wait()
	slog.Info("server stopped")
}

// buildRegistry registers every adapter factory and applies per-destination
// config from the daemon config.
func buildRegistry(cfg *Config, blobs blobstore.Store, logger *slog.Logger) (*destination.Registry, error) {
	reg := destination.NewRegistry(destination.WithLogger(logger))
	reg.Register(routing.DestOraclePPM, destination.OracleFactory("ppm"))
	reg.Register(routing.DestOraclePayables, destination.OracleFactory("payables"))
	reg.Register(routing.DestGISEsri, destination.GISFactory())
	reg.Register(routing.DestSharePoint, destination.SharePointFactory())
	reg.Register(routing.DestEmail, destination.EmailFactory())
	reg.Register(routing.DestRegulatory, destination.RegulatoryFactory())
	reg.Register(routing.DestArchive, destination.ArchiveFactory(blobs))

	for key := range cfg.Destinations {
		raw, err := cfg.DestinationJSON(key)
		if err != nil {
			return nil, err
		}
		reg.Configure(key, raw)
	}
	return reg, nil
}

func openBlobstore(ctx context.Context, cfg BlobstoreConfig) (blobstore.Store, error) {
	if cfg.Kind == "minio" {
		store, err := blobstore.NewMinio(cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return blobstore.NewFS(cfg.Root)
}

func logLevel(s string) slog.Level {
	switch s {
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

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
