package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/squadlive/backend/internal/auth"
	"github.com/squadlive/backend/internal/bundle"
	"github.com/squadlive/backend/internal/config"
	"github.com/squadlive/backend/internal/health"
	"github.com/squadlive/backend/internal/session"
	"github.com/squadlive/backend/internal/snapshot"
	"github.com/squadlive/backend/internal/telemetry"
	"github.com/squadlive/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if cfg.Auth.Secret == "" {
		log.Fatalf("auth secret is required (auth.secret or SQUADLIVE_AUTH_SECRET)")
	}

	reg := session.NewRegistry()
	hub := ws.NewHub(cfg.Engine.SendBuffer)
	router := telemetry.NewRouter(reg, hub)
	coord := bundle.NewCoordinator(reg, hub, cfg.Engine.OperationGraceWindow)
	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, nil)
	collector := health.NewCollector(reg.Count, coord.Count, hub.ClientCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *snapshot.Store
	if cfg.Snapshot.Path != "" {
		store, err = snapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			log.Fatalf("Failed to open snapshot store: %v", err)
		}
		defer store.Close()

		restored, err := store.Restore(ctx, reg)
		if err != nil {
			log.Printf("Snapshot restore failed, starting empty: %v", err)
		} else if restored > 0 {
			log.Printf("Restored %d sessions from snapshot", restored)
		}
		go store.Run(ctx, reg, cfg.Snapshot.Interval)
	}

	router.StartStaleSweep(ctx, cfg.Engine.StalePlayerTimeout, cfg.Engine.StaleSweepInterval)
	coord.StartAggregatePush(ctx, cfg.Engine.AggregatePushInterval)

	server := ws.NewServer(cfg, hub, reg, router, coord, verifier, collector)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		// Let the snapshot loop take its final save.
		time.Sleep(500 * time.Millisecond)
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
