package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"symposium/api/internal/app"
	"symposium/api/internal/checkpoint"
	"symposium/api/internal/collab"
	"symposium/api/internal/config"
	"symposium/api/internal/membership"
	"symposium/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.CheckpointsDir, 0o755); err != nil {
		log.Fatalf("failed to create checkpoints dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	checkpoints := checkpoint.New(cfg.CheckpointsDir)

	counter, err := membership.NewRedisCounter(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer counter.Close()

	hub := collab.NewHub(counter)
	service := app.New(cfg, dataStore, checkpoints, counter, hub)

	// Forced durable saves when the last participant of a document
	// disconnects, across all API instances.
	go service.WatchLastLeft(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Symposium API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
