package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paxcount/internal/api"
	"paxcount/internal/app"
	"paxcount/internal/config"
	"paxcount/internal/counter"
	"paxcount/internal/db"
	"paxcount/internal/realtime"
	"paxcount/internal/registry"
	"paxcount/internal/service"
	"paxcount/internal/tracker"
)

func main() {
	logger, _ := zap.NewProduction(zap.AddStacktrace(zap.FatalLevel))
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig(ctx)

	// --- Initialize DBManager ---
	dbMgr, err := db.NewDBManager(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("failed to create DBManager", "error", err)
	}
	defer dbMgr.Shutdown()

	vehicles := db.NewVehicleStore(dbMgr, sugar)
	if err := vehicles.EnsureSchema(ctx); err != nil {
		sugar.Fatalw("failed to ensure vehicles schema", "error", err)
	}

	// --- Broadcast stack (broker optional, never fatal) ---
	bcast := app.StartBroadcast(ctx, cfg, sugar)
	defer bcast.Close(context.Background())

	// --- Counter core ---
	store := counter.NewStore(vehicles, bcast, sugar)
	if err := store.Resync(ctx); err != nil {
		sugar.Warnw("counter resync failed, viewers catch up on next change", "error", err)
	}
	processor := tracker.NewProcessor(vehicles, store, sugar)
	reg := registry.New(vehicles, store, sugar)

	// --- Realtime viewer hub ---
	hub := realtime.NewHub(bcast, store, sugar)
	defer hub.Shutdown()

	// --- Event summary monitor ---
	stats := service.NewEventStats()
	fmt.Println("🟢🚀 Event summary monitor started! Tracking outcomes every 30 minutes...")

	// --- HTTP API + Kafka ingest ---
	health := api.NewHealth(dbMgr, bcast, hub)
	httpAPI := api.NewAPI(reg, processor, store, stats, hub, health, sugar)
	server := api.NewServer(cfg.HTTPAddr, httpAPI, sugar)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		app.StartIngest(gctx, processor, stats, cfg, sugar)
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("service stopped with error", "error", err)
	}
	fmt.Println("✅ paxcount shutdown completed")
}
