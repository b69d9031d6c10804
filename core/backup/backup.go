// Package backup assigns secondary-site copies to hot and warm artifacts and
// hands the replication work to a transport.
package backup

import (
	"context"
	"fmt"
	"path"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/logging"
	"github.com/stampmint/stampmint/core/infra/metrics"
)

// Job is one site-copy assignment handed to the replicator.
type Job struct {
	ArtifactID string `json:"artifact_id"`
	Site       string `json:"site"`
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
	Checksum   string `json:"checksum"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Replicator carries a copy job to a backup site.
type Replicator interface {
	Replicate(ctx context.Context, job Job) error
}

// Scheduler fans one artifact out to every configured backup site and records
// the assigned locations in the catalog. Replication itself is asynchronous;
// the catalog entry is the source of truth for where copies should exist.
type Scheduler struct {
	sites      []string
	cat        catalog.Catalog
	replicator Replicator
	metrics    metrics.Metrics
}

// NewScheduler constructs a Scheduler targeting the given sites.
func NewScheduler(sites []string, cat catalog.Catalog, repl Replicator, m metrics.Metrics) *Scheduler {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Scheduler{sites: sites, cat: cat, replicator: repl, metrics: m}
}

// Schedule records the target locations on the artifact, marks its shard's
// backup as pending, and dispatches one job per site. A site dispatch failure
// is logged and counted but does not fail the others; the sweep picks up
// anything that never landed.
func (s *Scheduler) Schedule(ctx context.Context, rec *catalog.ArtifactRecord) error {
	if len(s.sites) == 0 {
		return nil
	}

	locations := make([]string, 0, len(s.sites))
	for _, site := range s.sites {
		locations = append(locations, fmt.Sprintf("%s:%s", site, targetPath(site, rec)))
	}
	rec.BackupLocations = locations

	if err := s.cat.UpsertArtifact(ctx, *rec); err != nil {
		return fmt.Errorf("record backup locations for %s: %w", rec.ID, err)
	}
	if err := s.cat.SetShardBackupStatus(ctx, rec.ShardID, catalog.BackupPending); err != nil {
		logging.Error("backup", "shard status update failed", "shard_id", rec.ShardID, "error", err)
	}

	var dispatchErr error
	for _, site := range s.sites {
		job := Job{
			ArtifactID: rec.ID,
			Site:       site,
			SourcePath: rec.Path,
			TargetPath: targetPath(site, rec),
			Checksum:   rec.Checksum,
			SizeBytes:  rec.SizeBytes,
		}
		if err := s.replicator.Replicate(ctx, job); err != nil {
			dispatchErr = err
			s.metrics.IncBackupDispatched(site, "error")
			logging.Error("backup", "dispatch failed", "id", rec.ID, "site", site, "error", err)
			continue
		}
		s.metrics.IncBackupDispatched(site, "success")
	}
	if dispatchErr != nil {
		return fmt.Errorf("dispatch backup for %s: %w", rec.ID, dispatchErr)
	}
	return nil
}

// MarkShardDone flips a shard's backup status once all of its copies landed.
func (s *Scheduler) MarkShardDone(ctx context.Context, shardID string) error {
	return s.cat.SetShardBackupStatus(ctx, shardID, catalog.BackupDone)
}

// targetPath mirrors the artifact's tier-relative layout under the site root.
func targetPath(site string, rec *catalog.ArtifactRecord) string {
	return path.Join("/backups", site, string(rec.Tier), rec.ID+path.Ext(rec.Path))
}

// NopReplicator discards jobs. Used when replication transport is disabled.
type NopReplicator struct{}

func (NopReplicator) Replicate(ctx context.Context, job Job) error { return nil }

var _ Replicator = NopReplicator{}
