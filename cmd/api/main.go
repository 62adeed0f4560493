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

	"atrium/api/internal/app"
	"atrium/api/internal/archive"
	"atrium/api/internal/cache"
	"atrium/api/internal/config"
	"atrium/api/internal/events"
	"atrium/api/internal/presence"
	"atrium/api/internal/store"
	"atrium/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var mirror *cache.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		mirror, err = cache.New(cfg.RedisURL, 2*cfg.SessionTimeout)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer mirror.Close()
		log.Printf("Mirroring presence to Redis")
	}

	var publisher *events.Publisher
	if strings.TrimSpace(cfg.KafkaBrokers) != "" {
		publisher, err = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("kafka producer failed: %v", err)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Printf("kafka close error: %v", err)
			}
		}()
		log.Printf("Streaming collaboration events to %s", cfg.KafkaTopic)
	}

	var archiver *archive.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiver, err = archive.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio client failed: %v", err)
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			log.Fatalf("minio bucket failed: %v", err)
		}
		log.Printf("Archiving approved snapshots to bucket %s", cfg.MinioBucket)
	}

	roomCfg := presence.RoomConfig{
		LockTTL:        cfg.LockTTL,
		SessionTimeout: cfg.SessionTimeout,
		SweepInterval:  cfg.SweepInterval,
	}
	// Interface-typed nils must not reach the hub.
	var hubMirror presence.Mirror
	if mirror != nil {
		hubMirror = mirror
	}
	var hubSink presence.EventSink
	if publisher != nil {
		hubSink = publisher
	}
	hub := presence.NewHub(roomCfg, hubMirror, hubSink)
	defer hub.Close()

	service := app.New(cfg, dataStore, hub)
	if mirror != nil {
		service = service.WithMirror(mirror)
	}
	if archiver != nil {
		service = service.WithArchiver(archiver)
	}
	if publisher != nil {
		service = service.WithPublisher(publisher)
	}

	gateway := ws.NewGateway(hub, []byte(cfg.JWTSecret), cfg.CursorRateLimit)
	if mirror != nil {
		gateway = gateway.WithVersionSource(mirror)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Atrium API listening on %s", cfg.Addr)
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
