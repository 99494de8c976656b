package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_handler "github.com/adamPlusPlus/allogi-sub000/internal/adapters/handler/http"
	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/handler/mqtt"
	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/ratelimit"
	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/repository/pg"
	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/storage"
	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/store/archive"
	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/store/memory"
	"github.com/adamPlusPlus/allogi-sub000/internal/config"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/errclass"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/services"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.Log.SlogLevel(), cfg.Log.Format)
	logger.Info("Starting allogi server", "version", "0.1.0", "addr", cfg.Server.Addr)

	// Initialize tracing
	var shutdownTracing func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdownTracing, err = tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.Tracing.OTLPEndpoint)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live entry window
	store := memory.New(memory.Options{
		MaxCount: cfg.Retention.MaxCount,
		MaxAge:   cfg.Retention.MaxAge(),
	})

	// Optional durable sink
	var (
		persist *services.Persister
		sink    *pg.Sink
		catalog ports.ArchiveCatalog
		dbPing  func(context.Context) error
	)
	if cfg.Database.Enabled {
		db, err := pg.Open(cfg.Database.URL)
		if err != nil {
			logger.Error("Failed to init postgres", "error", err)
			log.Fatalf("failed to init postgres: %v", err)
		}
		sink = pg.NewSink(db, cfg.Database.BatchSize)
		persist = services.NewPersister(sink, cfg.Database.BatchSize, cfg.Database.FlushInterval)
		catalog = pg.NewCatalog(db)
		dbPing = func(ctx context.Context) error { return pg.Ping(ctx, db) }
		logger.Info("Durable sink enabled", "batch_size", cfg.Database.BatchSize)
	}

	// Metadata storage, also backs the archive catalog when postgres is off
	kv, err := storage.New(cfg.Storage, cfg.Redis.URL)
	if err != nil {
		logger.Error("Failed to init metadata storage", "error", err)
		log.Fatalf("failed to init metadata storage: %v", err)
	}
	if catalog == nil {
		catalog = storage.NewKVCatalog(kv)
	}

	// Broadcast hub and ingestion pipeline
	hub := http_handler.NewHub(cfg.Hub)
	ingest := services.NewIngestService(store, hub, persist)

	// Mirror the server's own slog records into the live window so they are
	// queryable over /api/logs/recursive.
	logger.AttachStore(ingest)

	classifier := errclass.NewClassifier(ingest)

	// Archive storage
	writer, err := archive.NewWriter(cfg.Rotation.Dir, cfg.Rotation.Compress)
	if err != nil {
		logger.Error("Failed to init archive directory", "error", err)
		log.Fatalf("failed to init archive directory: %v", err)
	}
	archives, err := archive.NewReader(cfg.Rotation.Dir)
	if err != nil {
		logger.Error("Failed to init archive reader", "error", err)
		log.Fatalf("failed to init archive reader: %v", err)
	}

	rotation := services.NewRotationService(store, writer, catalog, kv, hub, cfg.Rotation.Period(), cfg.Rotation.MaxArchives)
	if err := rotation.RestoreCatalog(ctx); err != nil {
		logger.Warn("Archive catalog restore failed", "error", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimit, cfg.Redis.URL)
	if err != nil {
		logger.Error("Failed to init rate limiter", "error", err)
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	// Health checks
	health := services.NewHealthService(cfg.Health.Interval)
	health.RegisterCheck("store", services.StoreCheck(store, cfg.Retention.MaxCount))
	health.RegisterCheck("filesystem", services.FilesystemCheck(writer.Probe))
	health.RegisterCheck("broadcast_hub", services.HubCheck(hub.Stats))
	health.RegisterCheck("rate_limiter", services.RateLimiterCheck(limiter))
	health.RegisterCheck("rotation", services.RotationCheck(rotation))
	health.RegisterCheck("archive_catalog", services.CatalogCheck(catalog))
	if dbPing != nil {
		health.RegisterCheck("database", services.DatabaseCheck(dbPing, persist.BreakerState))
	}
	if r, ok := kv.(*storage.Redis); ok {
		health.RegisterCheck("redis", services.RedisCheck(r.Ping))
	}

	// Metrics
	metrics := services.NewMetricsService(store)
	metrics.SetHubStats(hub.Stats)
	metrics.SetRotationInfo(func() (string, time.Time) {
		last, _ := rotation.LastRotation(context.Background())
		return string(rotation.State()), last
	})
	if persist != nil {
		metrics.SetPersistStats(func() (uint64, string) {
			return persist.Dropped(), persist.BreakerState()
		})
	}

	export := services.NewExportService(store)

	// MQTT bridge
	if cfg.MQTT.Enabled {
		bridge, err := mqtt.NewBridge(cfg.MQTT, hub)
		if err != nil {
			logger.Error("Failed to init MQTT bridge", "error", err)
		} else {
			go bridge.Run(ctx)
			logger.Info("MQTT bridge started", "broker", cfg.MQTT.BrokerURL)
		}
	}

	srv := http_handler.NewServer(http_handler.Deps{
		Config:     cfg.Server,
		Store:      store,
		Ingest:     ingest,
		Rotation:   rotation,
		Health:     health,
		Metrics:    metrics,
		Export:     export,
		Classifier: classifier,
		Limiter:    limiter,
		Hub:        hub,
		Archives:   archives,
	})

	// Background loops
	go hub.Run(ctx)
	go health.Run(ctx)
	go rotation.Run(ctx)
	go ingest.RunEvictor(ctx, cfg.Retention.EvictInterval)

	persistDone := make(chan struct{})
	if persist != nil {
		go func() {
			persist.Run(ctx)
			close(persistDone)
		}()
	} else {
		close(persistDone)
	}

	if cfg.Metrics.Enabled {
		go metrics.Run(ctx)
		go syncGauges(ctx, hub, store)
	}

	// Start HTTP server
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := srv.Run(cfg.Server.Addr); err != nil {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down gracefully...", "signal", sig.String())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	// Notify websocket clients before tearing down the run loop.
	hub.Shutdown("server shutting down")

	cancel()
	<-persistDone
	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error("Durable sink close failed", "error", err)
		}
	}
	if err := kv.Close(); err != nil {
		logger.Error("Metadata storage close failed", "error", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to shutdown tracing", "error", err)
		}
	}
	logger.DetachStore()
	logger.Info("Shutdown complete")
}

// syncGauges refreshes the prometheus gauges that mirror hub and store
// occupancy.
func syncGauges(ctx context.Context, hub *http_handler.Hub, store ports.EntryStore) {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			clients, dropped := hub.Stats()
			http_handler.SetHubGauges(clients, dropped)
			http_handler.SetStoreEntries(store.Len())
		}
	}
}
