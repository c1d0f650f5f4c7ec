// Command cumulusd runs the vector search service: HTTP envelope, ingest
// pipeline, background indexer and query planner over one object store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/cumulusvec/cumulus"
	"github.com/cumulusvec/cumulus/blobstore"
	minioblob "github.com/cumulusvec/cumulus/blobstore/minio"
	"github.com/cumulusvec/cumulus/catalog"
	"github.com/cumulusvec/cumulus/config"
	"github.com/cumulusvec/cumulus/httpapi"
	"github.com/cumulusvec/cumulus/indexer"
	"github.com/cumulusvec/cumulus/ingest"
	"github.com/cumulusvec/cumulus/query"
)

func main() {
	root := &cobra.Command{
		Use:          "cumulusd",
		Short:        "Object-storage-backed vector search service",
		SilenceUsage: true,
	}

	var logJSON bool
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service and background indexer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logJSON)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "index-once",
		Short: "Run a single build sweep over every index and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return indexOnce(cmd.Context(), logJSON)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger(logJSON bool) *cumulus.Logger {
	if logJSON {
		return cumulus.NewJSONLogger(slog.LevelInfo)
	}
	return cumulus.NewTextLogger(slog.LevelInfo)
}

// buildStore connects to the object store and wraps it with retries.
func buildStore(cfg *config.Config) (blobstore.Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return blobstore.NewRetrying(minioblob.NewStore(client, cfg.Bucket, cfg.Prefix)), nil
}

func serve(ctx context.Context, logJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(logJSON)

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	cat := catalog.New(store)

	ing := ingest.NewIngestor(store, cat,
		ingest.WithSliceFormat(cfg.SliceFormat),
		ingest.WithMaxBatch(cfg.MaxBatch),
		ingest.WithLogger(logger),
	)

	ixCfg := indexer.DefaultConfig()
	ixCfg.SMax = cfg.SMax
	ixCfg.MinBuildVectors = cfg.MinBuildVectors
	ixCfg.Retention = cfg.SliceRetention
	ixCfg.LeaseTTL = cfg.LeaseTTL
	ix := indexer.New(store, cat, ixCfg, logger)

	planner := query.New(store, cat, query.Config{
		CacheBytes:   cfg.CacheBytes,
		AllowPartial: cfg.AllowPartial,
		LeaseTTL:     cfg.LeaseTTL,
	}, logger)

	// Put hints wake the indexer between ticks; a full channel is fine,
	// the timer sweep catches anything dropped.
	hints := make(chan struct{}, 1)
	handler := httpapi.New(cat, ing, planner, logger)
	handler.OnPut = func(string, string) {
		select {
		case hints <- struct{}{}:
		default:
		}
	}

	go func() {
		ticker := time.NewTicker(cfg.BuildInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-hints:
			}
			if err := ix.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error("build sweep failed", "error", err)
			}
		}
	}()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving", "addr", cfg.ListenAddr, "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func indexOnce(ctx context.Context, logJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(logJSON)

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	cat := catalog.New(store)

	ixCfg := indexer.DefaultConfig()
	ixCfg.SMax = cfg.SMax
	ixCfg.MinBuildVectors = cfg.MinBuildVectors
	ixCfg.Retention = cfg.SliceRetention
	ixCfg.LeaseTTL = cfg.LeaseTTL

	return indexer.New(store, cat, ixCfg, logger).RunOnce(ctx)
}
