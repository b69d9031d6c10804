// Package migrate moves artifacts between tiers as they age past the
// configured hot and warm windows.
package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/config"
	"github.com/stampmint/stampmint/core/infra/logging"
	"github.com/stampmint/stampmint/core/infra/metrics"
	"github.com/stampmint/stampmint/core/storage"
)

// Report summarizes one migration sweep.
type Report struct {
	Scanned  int
	Migrated int
	Failed   int
}

// Migrator relocates aged artifacts. The same tier rule that placed the
// artifact at write time decides when it moves, so placement and migration
// can never disagree.
type Migrator struct {
	root    string
	cfg     *config.StorageConfig
	cat     catalog.Catalog
	metrics metrics.Metrics
	now     func() time.Time
	encoder *zstd.Encoder
}

// New constructs a Migrator over the given storage root.
func New(root string, cfg *config.StorageConfig, cat catalog.Catalog, m metrics.Metrics) (*Migrator, error) {
	if m == nil {
		m = metrics.Noop{}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	return &Migrator{
		root:    root,
		cfg:     cfg,
		cat:     cat,
		metrics: m,
		now:     time.Now,
		encoder: enc,
	}, nil
}

// WithClock overrides the migrator's clock, for deterministic tests.
func (g *Migrator) WithClock(now func() time.Time) *Migrator {
	g.now = now
	return g
}

// Run sweeps on the given interval until the context is cancelled.
func (g *Migrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := g.RunOnce(ctx)
			if err != nil {
				logging.Error("migrate", "sweep failed", "error", err)
				continue
			}
			logging.Info("migrate", "sweep finished",
				"scanned", report.Scanned,
				"migrated", report.Migrated,
				"failed", report.Failed,
			)
		}
	}
}

// RunOnce walks every artifact not yet in the terminal cold tier and moves
// the ones whose age-derived tier no longer matches their current one.
// Per-artifact failures are counted and the sweep continues.
func (g *Migrator) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := g.now().UTC()

	err := g.cat.ListArtifactsNotInTier(ctx, catalog.TierCold, func(rec catalog.ArtifactRecord) error {
		report.Scanned++
		want := storage.TierFor(rec.CreatedAt, now, g.cfg)
		if want == rec.Tier {
			return nil
		}
		if err := g.migrateOne(ctx, rec, want); err != nil {
			report.Failed++
			g.metrics.IncMigrations(string(rec.Tier), string(want), "error")
			logging.Error("migrate", "artifact migration failed",
				"id", rec.ID, "from", rec.Tier, "to", want, "error", err)
			return nil
		}
		report.Migrated++
		g.metrics.IncMigrations(string(rec.Tier), string(want), "success")
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("list artifacts: %w", err)
	}
	return report, nil
}

// migrateOne copies the artifact into its destination shard, flips the
// catalog record and shard counters in one transaction, then removes the old
// copy. A failure at any step leaves the artifact readable at its old path.
func (g *Migrator) migrateOne(ctx context.Context, rec catalog.ArtifactRecord, dest catalog.Tier) error {
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	ext := filepath.Ext(rec.Path)
	if dest == catalog.TierCold && ext != ".zst" {
		// Cold copies are compressed at rest; reads decompress on demand.
		data = g.encoder.EncodeAll(data, nil)
		ext += ".zst"
	}

	shardID := storage.ShardID(dest, rec.CreatedAt, g.cfg.BucketsPerDay)
	newPath := storage.ArtifactPath(g.root, dest, rec.CreatedAt, shardID, rec.ID, ext)

	if err := os.MkdirAll(filepath.Dir(newPath), 0o750); err != nil {
		return fmt.Errorf("create destination shard: %w", err)
	}
	if err := os.WriteFile(newPath, data, 0o640); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}

	oldPath := rec.Path
	oldShardID := rec.ShardID
	oldSize := rec.SizeBytes

	rec.Tier = dest
	rec.ShardID = shardID
	rec.Path = newPath
	rec.SizeBytes = int64(len(data))
	rec.Checksum = storage.Checksum(data)

	if err := g.cat.UpsertShardIfAbsent(ctx, shardID, dest); err != nil {
		removeQuietly(newPath)
		return fmt.Errorf("register destination shard: %w", err)
	}
	if err := g.cat.RelocateArtifact(ctx, rec, oldShardID, oldSize); err != nil {
		removeQuietly(newPath)
		return fmt.Errorf("relocate in catalog: %w", err)
	}

	// The catalog already points at the new copy; losing the old file now is
	// harmless, leaving it behind only wastes space until the next sweep.
	removeQuietly(oldPath)
	return nil
}

// Decompress restores the original bytes of a cold-tier artifact copy.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init decompressor: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}
	return out, nil
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Error("migrate", "stale copy cleanup failed", "path", path, "error", err)
	}
}
