package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"canvas/api/internal/app"
	"canvas/api/internal/auth"
	"canvas/api/internal/channel"
	"canvas/api/internal/config"
	"canvas/api/internal/history"
	"canvas/api/internal/search"
	"canvas/api/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations unavailable: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("redis connection failed: %v", err)
	}
	cancelPing()

	// The hub owns the client and closes it on shutdown.
	hub := channel.NewHubWithClient(redisClient, channel.Options{
		SubscribeTimeout: cfg.SubscribeTimeout,
		PresenceTTL:      cfg.PresenceTTL,
	})
	defer hub.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))
	go searchService.ReindexAllFromPG(ctx)

	service := app.New(
		cfg,
		store.NewPostgresStore(db),
		auth.NewRefreshStore(redisClient),
		history.New(cfg.HistoryDir),
		hub,
		searchService,
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Canvas API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
