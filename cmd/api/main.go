package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"compasso/api/internal/app"
	"compasso/api/internal/config"
	"compasso/api/internal/export"
	"compasso/api/internal/logging"
	"compasso/api/internal/report"
	"compasso/api/internal/search"
	"compasso/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.Logger()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	pgLookup := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgLookup, log)
	searchService.ReindexAllFromPG(ctx)

	service := app.NewService(dataStore, searchService, log)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := report.NewCache(cfg.RedisURL, cfg.ReportCacheTTL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, running without the report cache")
		} else {
			defer cache.Close()
			service.SetReportCache(cache)
		}
	}

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archive, err := export.NewArchive(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.WithError(err).Warn("archive unavailable, month closes will not be archived")
		} else {
			service.SetArchive(archive)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("Compasso API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}
