// Package reconcile audits the storage tree against the catalog and
// quarantines files the catalog does not know about.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/logging"
	"github.com/stampmint/stampmint/core/infra/metrics"
)

// QuarantineDir is the subdirectory, directly under the storage root, that
// receives orphaned files. The sweeper never descends into it.
const QuarantineDir = "quarantine"

// Report summarizes one reconciliation sweep.
type Report struct {
	Scanned  int
	Orphaned int
	Failed   int
}

// Sweeper walks the on-disk tree and cross-checks every artifact file with
// the catalog. A file without a record is unreachable through any lookup, so
// it is moved aside rather than deleted, preserving it for manual review.
type Sweeper struct {
	root    string
	cat     catalog.Catalog
	metrics metrics.Metrics
}

// New constructs a Sweeper over the given storage root.
func New(root string, cat catalog.Catalog, m metrics.Metrics) *Sweeper {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Sweeper{root: root, cat: cat, metrics: m}
}

// Run sweeps on the given interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			if err != nil {
				logging.Error("reconcile", "sweep failed", "error", err)
				continue
			}
			logging.Info("reconcile", "sweep finished",
				"scanned", report.Scanned,
				"orphaned", report.Orphaned,
				"failed", report.Failed,
			)
		}
	}
}

// RunOnce walks the storage tree once. Catalog errors other than a missing
// record abort the sweep; moving a single orphan aside is best-effort.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	quarantineRoot := filepath.Join(s.root, QuarantineDir)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == quarantineRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Scanned++

		id := artifactID(d.Name())
		_, lookupErr := s.cat.GetArtifact(ctx, id)
		switch {
		case lookupErr == nil:
			return nil
		case errors.Is(lookupErr, catalog.ErrNotFound):
			if moveErr := s.quarantine(path, quarantineRoot); moveErr != nil {
				report.Failed++
				logging.Error("reconcile", "quarantine failed", "path", path, "error", moveErr)
				return nil
			}
			report.Orphaned++
			s.metrics.IncOrphansQuarantined()
			logging.Info("reconcile", "orphan quarantined", "path", path, "id", id)
			return nil
		default:
			return fmt.Errorf("look up %s: %w", id, lookupErr)
		}
	})
	if err != nil {
		return report, fmt.Errorf("walk storage tree: %w", err)
	}
	return report, nil
}

// quarantine moves the file under the quarantine root, keeping its name.
func (s *Sweeper) quarantine(path, quarantineRoot string) error {
	if err := os.MkdirAll(quarantineRoot, 0o750); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	return os.Rename(path, filepath.Join(quarantineRoot, filepath.Base(path)))
}

// artifactID strips every extension from the filename. Artifact ids contain
// no dots, so cold copies like <id>.png.zst reduce cleanly.
func artifactID(name string) string {
	for {
		ext := filepath.Ext(name)
		if ext == "" {
			return name
		}
		name = strings.TrimSuffix(name, ext)
	}
}
