package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shapesync/internal/api"
	"shapesync/internal/auth"
	"shapesync/internal/config"
	"shapesync/internal/db"
	"shapesync/internal/repository"
	"shapesync/internal/services/collaboration"
	"shapesync/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting shapesync collaboration server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize tracing first so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("shapesync", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠ Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠ Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Durable update log
	updateLog := repository.NewUpdateLog(database.DB)

	// Room registry: one live replica per open document
	registry := collaboration.NewRegistry(updateLog, collaboration.RegistryOptions{
		PersistDebounce:     cfg.PersistDebounce,
		CleanupTimeout:      cfg.RoomCleanupTimeout,
		CompactionThreshold: cfg.CompactionThreshold,
	})

	// Fan-out hub and protocol handler
	hub := collaboration.NewHub(registry)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	wsHandler := collaboration.NewWebSocketHandler(hub, registry, verifier)

	// HTTP surface
	handler := api.NewHandler(updateLog, registry)
	router := api.SetupRoutes(handler, wsHandler, cfg.CORSOrigin)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("   GET  /api/health")
		log.Printf("   GET  /api/documents/{id}/updates/stats")
		log.Printf("   WS   /ws/collaboration")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠ Server forced to shutdown: %v", err)
	}

	// Order matters: close the sockets first so no new updates arrive, then
	// flush every live room so everything applied reaches storage.
	hub.Shutdown()
	registry.Shutdown(ctx)

	log.Println("✓ Server shutdown complete")
}
