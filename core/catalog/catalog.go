package catalog

import (
	"context"
	"errors"
	"time"
)

// Tier is the retention/performance class of a stored artifact.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Tiers lists all tiers in descending access-speed order.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

// Valid reports whether the tier is one of hot/warm/cold.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	}
	return false
}

// BackupStatus tracks shard-level replication progress.
type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in-progress"
	BackupDone       BackupStatus = "done"
)

// ArtifactRecord is the catalog entry for one generated artifact.
// The id and security hash are immutable once assigned; tier, shard and path
// change only through relocation, which keeps checksum and shard accounting
// consistent with the move.
type ArtifactRecord struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Category        string    `json:"category"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiryDate      string    `json:"expiry_date,omitempty"`
	SecurityHash    string    `json:"security_hash"`
	Path            string    `json:"path"`
	SizeBytes       int64     `json:"size_bytes"`
	Tier            Tier      `json:"tier"`
	ShardID         string    `json:"shard_id"`
	Checksum        string    `json:"checksum"`
	AccessCount     int64     `json:"access_count,omitempty"`
	LastAccessed    time.Time `json:"last_accessed"`
	BackupLocations []string  `json:"backup_locations,omitempty"`
}

// Shard is a bounded-size grouping of artifacts within one tier and time bucket.
// Sealing is a one-way transition taken when cumulative size crosses the limit.
type Shard struct {
	ID           string       `json:"id"`
	Tier         Tier         `json:"tier"`
	CreatedAt    time.Time    `json:"created_at"`
	SizeBytes    int64        `json:"size_bytes"`
	FileCount    int64        `json:"file_count"`
	Sealed       bool         `json:"sealed"`
	BackupStatus BackupStatus `json:"backup_status"`
}

// ShardDelta reports the shard state after an atomic increment.
type ShardDelta struct {
	SizeBytes int64
	FileCount int64
	Sealed    bool
	SealedNow bool
}

// TierStats is the per-tier slice of the aggregate report.
type TierStats struct {
	Artifacts int64 `json:"artifacts"`
	Bytes     int64 `json:"bytes"`
	Shards    int64 `json:"shards"`
}

// Stats is the catalog-wide aggregate report.
type Stats struct {
	TotalArtifacts int64              `json:"total_artifacts"`
	TotalBytes     int64              `json:"total_bytes"`
	PerTier        map[Tier]TierStats `json:"per_tier"`
	RecentShards   []Shard            `json:"recent_shards"`
}

// ErrNotFound is returned for point lookups of unknown artifact or shard ids.
var ErrNotFound = errors.New("catalog: not found")

// Catalog is the durable, queryable index of every artifact and shard.
// Shard size/seal updates are atomic per shard id; artifact upserts for
// distinct ids may proceed fully concurrently.
type Catalog interface {
	UpsertArtifact(ctx context.Context, rec ArtifactRecord) error
	GetArtifact(ctx context.Context, id string) (ArtifactRecord, error)
	// DeleteArtifact removes the record and its index entries. Unknown ids are
	// a no-op. Shard counters are untouched; callers that accounted the
	// artifact in a shard unwind that separately.
	DeleteArtifact(ctx context.Context, id string) error
	// TouchAccess bumps access stats best-effort; unknown ids are logged, not errors.
	TouchAccess(ctx context.Context, id string) error
	// ListArtifactsNotInTier streams every artifact whose current tier differs
	// from the given one, invoking fn per record until exhaustion or error.
	ListArtifactsNotInTier(ctx context.Context, tier Tier, fn func(ArtifactRecord) error) error

	UpsertShardIfAbsent(ctx context.Context, shardID string, tier Tier) error
	// IncrementShard atomically adds deltaBytes and one file to the shard and
	// evaluates the seal threshold; SealedNow is true for exactly one caller.
	IncrementShard(ctx context.Context, shardID string, deltaBytes int64) (ShardDelta, error)
	SealShard(ctx context.Context, shardID string) error
	SetShardBackupStatus(ctx context.Context, shardID string, status BackupStatus) error
	GetShard(ctx context.Context, shardID string) (Shard, error)

	// RelocateArtifact applies a tier move: the record's new tier/shard/path/
	// checksum/size plus both shards' counters change in one transaction.
	RelocateArtifact(ctx context.Context, rec ArtifactRecord, oldShardID string, oldSizeBytes int64) error

	AggregateStats(ctx context.Context, recentShards int) (Stats, error)
	Close() error
}
