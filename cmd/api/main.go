package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	migrationsdb "trafficdash/api/db"
	"trafficdash/api/internal/app"
	"trafficdash/api/internal/config"
	"trafficdash/api/internal/export"
	"trafficdash/api/internal/objectstore"
	"trafficdash/api/internal/search"
	"trafficdash/api/internal/statusstore"
	"trafficdash/api/internal/store"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	logger := config.NewLogger(cfg, false)
	ctx := context.Background()

	var (
		runs   store.RunStore
		pgRuns *store.PostgresStore
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxConns})
		if err != nil {
			logger.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()
		migrations := migrationsdb.Migrations()
		if cfg.MigrationsDir != "" {
			migrations = os.DirFS(cfg.MigrationsDir)
		}
		if _, err := store.ApplyMigrations(ctx, db, migrations, logger); err != nil {
			logger.WithError(err).Fatal("migrations failed")
		}
		pgRuns = store.NewPostgresStore(db)
		runs = pgRuns
	} else {
		logger.Warn("DATABASE_URL not set, report history is kept in memory")
		runs = store.NewMemoryStore()
	}

	var statuses statusstore.Store
	var statusCheck app.Pinger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := statusstore.NewRedisStore(cfg.RedisURL, cfg.StatusTTL)
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer redisStore.Close()
		statuses = redisStore
		statusCheck = redisStore
		logger.Info("using redis for report status")
	} else {
		statuses = statusstore.NewMemoryStore(cfg.StatusTTL)
	}

	var (
		sink        export.ArtifactStore
		objectCheck app.Pinger
	)
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioSink, err := objectstore.NewMinioSink(objectstore.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    "reports",
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.WithError(err).Fatal("object storage setup failed")
		}
		if err := minioSink.EnsureBucket(ctx); err != nil {
			logger.WithError(err).Fatal("object storage bucket unavailable")
		}
		sink = minioSink
		objectCheck = minioSink
		logger.WithField("bucket", cfg.S3Bucket).Info("delivering reports to object storage")
	} else {
		dirSink, err := export.NewDirSink(cfg.OutputDir)
		if err != nil {
			logger.WithError(err).Fatal("failed to create report output dir")
		}
		sink = dirSink
	}

	if cfg.ChromePath == "" {
		if _, err := export.LookupBrowser(); err != nil {
			logger.WithError(err).Warn("no headless browser found, report generation will fail")
		}
	}

	policy := export.RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		InitialDelay:   cfg.InitialDelay,
		Multiplier:     cfg.BackoffMultiplier,
		AttemptTimeout: cfg.AttemptTimeout,
	}
	exports, err := export.NewService(export.NewChromeCapturer(cfg.ChromePath), sink, policy,
		export.WithServiceLogger(logger.WithField("component", "export")),
		export.WithServiceVerifier(export.NewPDFVerifier()),
		export.WithStatusObserver(statusstore.Observer(statuses, logger)),
	)
	if err != nil {
		logger.WithError(err).Fatal("invalid report settings")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewHistory(runs), logger)
	go searchService.ReindexFromHistory(ctx)

	service := app.New(exports, statuses, runs,
		app.WithLogger(logger),
		app.WithSearch(searchService),
		app.WithArtifacts(sink),
		app.WithReadinessCheck("status_store", statusCheck),
		app.WithReadinessCheck("object_store", objectCheck),
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.RequestsPerMinute, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Synchronous exports wait for every retry.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.Addr, "postgres": pgRuns != nil}).Info("traffic report API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
}
