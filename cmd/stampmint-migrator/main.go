package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/buildinfo"
	"github.com/stampmint/stampmint/core/infra/config"
	"github.com/stampmint/stampmint/core/infra/locks"
	infraMetrics "github.com/stampmint/stampmint/core/infra/metrics"
	"github.com/stampmint/stampmint/core/migrate"
	"github.com/stampmint/stampmint/core/reconcile"
)

const (
	sweepLockResource = "migrate-sweep"
	sweepLockTTL      = 2 * time.Minute
)

func main() {
	log.Println("stampmint migrator starting...")
	buildinfo.Log("stampmint-migrator")

	cfg := config.Load()

	storageCfg, err := config.LoadStorageConfig(cfg.StorageConfigPath)
	if err != nil {
		log.Printf("using default storage config (could not load %s): %v", cfg.StorageConfigPath, err)
		def := config.DefaultStorageConfig()
		storageCfg = &def
	}

	metrics := infraMetrics.NewProm("stampmint_migrator")
	go serveMetrics(cfg.MetricsAddr)

	cat, err := catalog.NewRedisCatalog(cfg.RedisURL, storageCfg.ShardSizeLimitBytes)
	if err != nil {
		log.Fatalf("failed to connect to Redis catalog: %v", err)
	}
	defer cat.Close()

	migrator, err := migrate.New(cfg.StorageRoot, storageCfg, cat, metrics)
	if err != nil {
		log.Fatalf("failed to init migrator: %v", err)
	}
	sweeper := reconcile.New(cfg.StorageRoot, cat, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutdown signal received")
		cancel()
	}()

	// Only one migrator replica sweeps at a time.
	lock, err := locks.NewRedisLock(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for sweep lock: %v", err)
	}
	defer lock.Close()

	owner, _ := os.Hostname()
	if owner == "" {
		owner = "stampmint-migrator"
	}
	if !acquireSweepLock(ctx, lock, owner) {
		log.Println("stampmint migrator stopped before acquiring sweep lock")
		return
	}
	defer lock.Release(context.Background(), sweepLockResource, owner)
	go renewSweepLock(ctx, lock, owner)

	// One eager pass on startup, then the interval loops take over.
	if report, err := migrator.RunOnce(ctx); err != nil {
		log.Printf("initial migration sweep failed: %v", err)
	} else {
		log.Printf("initial migration sweep: scanned=%d migrated=%d failed=%d",
			report.Scanned, report.Migrated, report.Failed)
	}

	go migrator.Run(ctx, cfg.MigrateInterval)
	go sweeper.Run(ctx, cfg.ReconcileInterval)

	log.Printf("migrator running (migrate every %s, reconcile every %s)",
		cfg.MigrateInterval, cfg.ReconcileInterval)
	<-ctx.Done()
	log.Println("stampmint migrator stopped")
}

func acquireSweepLock(ctx context.Context, lock *locks.RedisLock, owner string) bool {
	for {
		ok, err := lock.Acquire(ctx, sweepLockResource, owner, sweepLockTTL)
		if err != nil {
			log.Printf("sweep lock acquire failed: %v", err)
		} else if ok {
			return true
		} else {
			log.Println("sweep lock held elsewhere, waiting")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sweepLockTTL / 2):
		}
	}
}

func renewSweepLock(ctx context.Context, lock *locks.RedisLock, owner string) {
	ticker := time.NewTicker(sweepLockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := lock.Renew(ctx, sweepLockResource, owner, sweepLockTTL); err != nil {
				log.Printf("sweep lock renew failed: %v", err)
			} else if !ok {
				log.Println("sweep lock lost")
			}
		}
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
	log.Printf("migrator metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server error: %v", err)
	}
}
