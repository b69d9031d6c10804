package storage

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/config"
)

// TierFor resolves the storage tier for an artifact of the given age. It is a
// pure function of (createdAt, now, config) and is applied identically at
// write time and at migration time.
func TierFor(createdAt, now time.Time, cfg *config.StorageConfig) catalog.Tier {
	ageDays := int(now.Sub(createdAt).Hours() / 24)
	switch {
	case ageDays <= cfg.HotDays:
		return catalog.TierHot
	case ageDays <= cfg.HotDays+cfg.WarmDays:
		return catalog.TierWarm
	default:
		return catalog.TierCold
	}
}

// ShardID derives the shard for a (tier, creation time) pair. The day is
// split into bucketsPerDay equal buckets.
func ShardID(tier catalog.Tier, createdAt time.Time, bucketsPerDay int) string {
	createdAt = createdAt.UTC()
	bucket := createdAt.Hour() / (24 / bucketsPerDay)
	return fmt.Sprintf("%s_%s_%02d", tier, createdAt.Format("20060102"), bucket)
}

// ArtifactPath builds the destination path root/<tier>/<YYYY>/<MM>/<DD>/<shard>/<id><ext>.
func ArtifactPath(root string, tier catalog.Tier, createdAt time.Time, shardID, artifactID, ext string) string {
	createdAt = createdAt.UTC()
	return filepath.Join(root, string(tier),
		createdAt.Format("2006"), createdAt.Format("01"), createdAt.Format("02"),
		shardID, artifactID+ext)
}
