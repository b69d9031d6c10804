package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/config"
	"github.com/stampmint/stampmint/core/migrate"
	"github.com/stampmint/stampmint/core/reconcile"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "stats":
		runStatsCmd(args)
	case "get":
		runGetCmd(args)
	case "shard":
		runShardCmd(args)
	case "migrate":
		runMigrateCmd(args)
	case "reconcile":
		runReconcileCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runStatsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	recent := fs.Int("recent", 10, "number of recent shards to include")
	fs.Parse(args)

	cat := newCatalog()
	defer cat.Close()

	stats, err := cat.AggregateStats(commandContext(), *recent)
	check(err)
	printJSON(stats)
}

func runGetCmd(args []string) {
	if len(args) < 1 {
		fail("artifact id required")
	}
	cat := newCatalog()
	defer cat.Close()

	rec, err := cat.GetArtifact(commandContext(), args[0])
	check(err)
	printJSON(rec)
}

func runShardCmd(args []string) {
	if len(args) < 1 {
		fail("shard id required")
	}
	cat := newCatalog()
	defer cat.Close()

	shard, err := cat.GetShard(commandContext(), args[0])
	check(err)
	printJSON(shard)
}

func runMigrateCmd(args []string) {
	cfg := config.Load()
	storageCfg := loadStorageConfig(cfg)

	cat := newCatalog()
	defer cat.Close()

	migrator, err := migrate.New(cfg.StorageRoot, storageCfg, cat, nil)
	check(err)
	report, err := migrator.RunOnce(commandContext())
	check(err)
	fmt.Printf("scanned=%d migrated=%d failed=%d\n", report.Scanned, report.Migrated, report.Failed)
}

func runReconcileCmd(args []string) {
	cfg := config.Load()

	cat := newCatalog()
	defer cat.Close()

	sweeper := reconcile.New(cfg.StorageRoot, cat, nil)
	report, err := sweeper.RunOnce(commandContext())
	check(err)
	fmt.Printf("scanned=%d orphaned=%d failed=%d\n", report.Scanned, report.Orphaned, report.Failed)
}

func newCatalog() *catalog.RedisCatalog {
	cfg := config.Load()
	storageCfg := loadStorageConfig(cfg)
	cat, err := catalog.NewRedisCatalog(cfg.RedisURL, storageCfg.ShardSizeLimitBytes)
	check(err)
	return cat
}

func loadStorageConfig(cfg *config.Config) *config.StorageConfig {
	storageCfg, err := config.LoadStorageConfig(cfg.StorageConfigPath)
	if err != nil {
		def := config.DefaultStorageConfig()
		return &def
	}
	return storageCfg
}

func commandContext() context.Context {
	return context.Background()
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	check(err)
	os.Stdout.Write(append(out, '\n'))
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "error:", msg)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: stampmintctl <command> [args]

commands:
  stats [-recent N]     catalog-wide totals and recent shards
  get <artifact-id>     look up one artifact record
  shard <shard-id>      look up one shard
  migrate               run one tier migration sweep
  reconcile             run one orphan reconciliation sweep`)
}
