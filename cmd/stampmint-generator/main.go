package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stampmint/stampmint/core/backup"
	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/coordinator"
	"github.com/stampmint/stampmint/core/encode"
	"github.com/stampmint/stampmint/core/infra/buildinfo"
	"github.com/stampmint/stampmint/core/infra/config"
	infraMetrics "github.com/stampmint/stampmint/core/infra/metrics"
	"github.com/stampmint/stampmint/core/render"
	"github.com/stampmint/stampmint/core/storage"
)

func main() {
	count := flag.Int("count", 1000, "number of artifacts to generate")
	ownerPrefix := flag.String("owner-prefix", "OWN", "owner id prefix, completed with the sequence")
	category := flag.String("category", "PASSPORT", "artifact category")
	product := flag.String("product", "standard", "product label embedded in the payload")
	expiry := flag.String("expiry", "", "expiry date as YYYYMMDD")
	batchSize := flag.Int("batch-size", 1000, "artifacts per batch")
	workers := flag.Int("workers", 0, "worker goroutines (0 = auto)")
	flag.Parse()

	log.Println("stampmint generator starting...")
	buildinfo.Log("stampmint-generator")

	cfg := config.Load()

	storageCfg, err := config.LoadStorageConfig(cfg.StorageConfigPath)
	if err != nil {
		log.Printf("using default storage config (could not load %s): %v", cfg.StorageConfigPath, err)
		def := config.DefaultStorageConfig()
		storageCfg = &def
	}

	metrics := infraMetrics.NewProm("stampmint_generator")
	go serveMetrics(cfg.MetricsAddr)

	cat, err := catalog.NewRedisCatalog(cfg.RedisURL, storageCfg.ShardSizeLimitBytes)
	if err != nil {
		log.Fatalf("failed to connect to Redis catalog: %v", err)
	}
	defer cat.Close()

	var replicator backup.Replicator = backup.NopReplicator{}
	if len(storageCfg.BackupSites) > 0 {
		natsRepl, err := backup.NewNATSReplicator(cfg.NatsURL)
		if err != nil {
			log.Printf("backup replication disabled (could not connect to NATS): %v", err)
		} else {
			defer natsRepl.Close()
			replicator = natsRepl
		}
	}
	scheduler := backup.NewScheduler(storageCfg.BackupSites, cat, replicator, metrics)

	mgr := storage.NewManager(cfg.StorageRoot, storageCfg, cat, render.NewQRRenderer(), metrics).
		WithBackup(scheduler)
	encoder := encode.New(storageCfg.Namespace, cfg.StampSecret)
	coord := coordinator.New(encoder, mgr, metrics, cfg.BatchTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutdown signal received, cancelling run")
		cancel()
	}()

	report, err := coord.Run(ctx, coordinator.Request{
		Count: *count,
		Template: coordinator.SubjectTemplate{
			OwnerPrefix: *ownerPrefix,
			Category:    *category,
			Product:     *product,
			ExpiryDate:  *expiry,
		},
		BatchSize:   *batchSize,
		WorkerCount: *workers,
	})
	if err != nil {
		log.Fatalf("generation run failed: %v", err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	os.Stdout.Write(append(out, '\n'))

	if report.ErrorCount > 0 {
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("generator metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server error: %v", err)
	}
}
