// Package storage places rendered artifacts into the hot/warm/cold hierarchy
// and records their metadata in the catalog.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/config"
	"github.com/stampmint/stampmint/core/infra/logging"
	"github.com/stampmint/stampmint/core/infra/metrics"
	"github.com/stampmint/stampmint/core/render"
)

// ErrIntegrity marks a checksum mismatch between written and read-back bytes.
// It is fatal for the affected artifact and is never silently retried.
var ErrIntegrity = errors.New("storage: integrity check failed")

// BackupScheduler attaches secondary-site targets to hot/warm artifacts.
type BackupScheduler interface {
	Schedule(ctx context.Context, rec *catalog.ArtifactRecord) error
}

// WriteRequest describes one rendered artifact to persist.
type WriteRequest struct {
	ID           string
	OwnerID      string
	Category     string
	ExpiryDate   string
	SecurityHash string
	Payload      []byte
	// CreatedAt defaults to the current time when zero.
	CreatedAt time.Time
}

// WriteResult reports where the artifact landed.
type WriteResult struct {
	Path      string
	Tier      catalog.Tier
	ShardID   string
	Checksum  string
	SizeBytes int64
}

// Manager is the storage tiering manager. Tier and shard are derived from the
// artifact's age and the immutable StorageConfig passed at construction.
type Manager struct {
	root     string
	cfg      *config.StorageConfig
	cat      catalog.Catalog
	renderer render.Renderer
	backup   BackupScheduler
	metrics  metrics.Metrics
	now      func() time.Time
}

// NewManager constructs a Manager rooted at the given directory.
func NewManager(root string, cfg *config.StorageConfig, cat catalog.Catalog, renderer render.Renderer, m metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Manager{
		root:     root,
		cfg:      cfg,
		cat:      cat,
		renderer: renderer,
		metrics:  m,
		now:      time.Now,
	}
}

// WithBackup enables backup scheduling for hot/warm writes.
func (m *Manager) WithBackup(b BackupScheduler) *Manager {
	m.backup = b
	return m
}

// WithClock overrides the manager's clock, for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Store renders the payload, persists the bytes in the age-derived tier and
// shard, verifies the on-disk checksum, and records artifact and shard
// metadata. Bytes on disk without a catalog record are unreachable, so a
// catalog failure removes the file and surfaces as a write error.
func (m *Manager) Store(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if req.ID == "" {
		return WriteResult{}, fmt.Errorf("artifact id required")
	}
	if len(req.Payload) == 0 {
		return WriteResult{}, fmt.Errorf("payload required for artifact %s", req.ID)
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.now()
	}
	createdAt = createdAt.UTC()

	tier := TierFor(createdAt, m.now(), m.cfg)
	shardID := ShardID(tier, createdAt, m.cfg.BucketsPerDay)
	path := ArtifactPath(m.root, tier, createdAt, shardID, req.ID, ".png")

	img, err := m.renderer.Render(req.Payload, m.cfg.Compression)
	if err != nil {
		return WriteResult{}, fmt.Errorf("render artifact %s: %w", req.ID, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return WriteResult{}, fmt.Errorf("create shard directory for %s: %w", req.ID, err)
	}
	if err := os.WriteFile(path, img, 0o640); err != nil {
		return WriteResult{}, fmt.Errorf("write artifact %s: %w", req.ID, err)
	}

	checksum, err := m.verifyWrite(path, img)
	if err != nil {
		removeQuietly(path)
		return WriteResult{}, fmt.Errorf("verify artifact %s: %w", req.ID, err)
	}
	size := int64(len(img))

	rec := catalog.ArtifactRecord{
		ID:           req.ID,
		OwnerID:      req.OwnerID,
		Category:     req.Category,
		CreatedAt:    createdAt,
		ExpiryDate:   req.ExpiryDate,
		SecurityHash: req.SecurityHash,
		Path:         path,
		SizeBytes:    size,
		Tier:         tier,
		ShardID:      shardID,
		Checksum:     checksum,
	}

	if err := m.cat.UpsertShardIfAbsent(ctx, shardID, tier); err != nil {
		removeQuietly(path)
		return WriteResult{}, fmt.Errorf("register shard %s: %w", shardID, err)
	}
	if err := m.cat.UpsertArtifact(ctx, rec); err != nil {
		removeQuietly(path)
		return WriteResult{}, fmt.Errorf("catalog artifact %s: %w", req.ID, err)
	}
	delta, err := m.cat.IncrementShard(ctx, shardID, size)
	if err != nil {
		removeQuietly(path)
		// The record already landed; without the file it would dangle forever,
		// so take it back out with the file.
		if delErr := m.cat.DeleteArtifact(ctx, req.ID); delErr != nil {
			logging.Error("storage", "dangling record cleanup failed", "id", req.ID, "error", delErr)
		}
		return WriteResult{}, fmt.Errorf("account artifact %s in shard %s: %w", req.ID, shardID, err)
	}
	if delta.SealedNow {
		m.metrics.IncShardSealed(string(tier))
		logging.Info("storage", "shard sealed",
			"shard_id", shardID,
			"size_bytes", delta.SizeBytes,
			"file_count", delta.FileCount,
		)
	}
	m.metrics.AddBytesWritten(string(tier), size)

	if m.backup != nil && (tier == catalog.TierHot || tier == catalog.TierWarm) {
		if err := m.backup.Schedule(ctx, &rec); err != nil {
			// Replication is asynchronous and best-effort; the write stands.
			logging.Error("storage", "backup scheduling failed", "id", req.ID, "error", err)
		}
	}

	return WriteResult{Path: path, Tier: tier, ShardID: shardID, Checksum: checksum, SizeBytes: size}, nil
}

// Retrieve looks up an artifact and bumps its access stats.
func (m *Manager) Retrieve(ctx context.Context, id string) (catalog.ArtifactRecord, error) {
	rec, err := m.cat.GetArtifact(ctx, id)
	if err != nil {
		return catalog.ArtifactRecord{}, err
	}
	if err := m.cat.TouchAccess(ctx, id); err != nil {
		logging.Error("storage", "access touch failed", "id", id, "error", err)
	}
	return rec, nil
}

// verifyWrite re-reads the persisted bytes and compares their digest against
// the in-memory image. Any divergence is a corruption fault.
func (m *Manager) verifyWrite(path string, img []byte) (string, error) {
	onDisk, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read back: %w", err)
	}
	want := sha256.Sum256(img)
	got := sha256.Sum256(onDisk)
	if !bytes.Equal(want[:], got[:]) {
		return "", ErrIntegrity
	}
	return hex.EncodeToString(got[:]), nil
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Error("storage", "orphan cleanup failed", "path", path, "error", err)
	}
}

// Checksum computes the content hash used for artifact integrity tracking.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
