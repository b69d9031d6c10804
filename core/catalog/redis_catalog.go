package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stampmint/stampmint/core/infra/logging"
	"github.com/stampmint/stampmint/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"

	artifactKeyPrefix   = "art:"
	shardKeyPrefix      = "shard:"
	idxArtifactCreated  = "idx:art:created"
	idxArtifactTier     = "idx:art:tier:"
	idxArtifactOwner    = "idx:art:owner:"
	idxArtifactShard    = "idx:art:shard:"
	idxShardRecent      = "idx:shard:recent"
	idxShardTier        = "idx:shard:tier:"
	listPageSize        = 500
	connectProbeTimeout = 2 * time.Second
)

// incrementShardScript adds bytes and one file to a shard hash and evaluates
// the seal threshold in the same script execution, so concurrent writers to
// one shard observe exact accounting and at most one of them seals it.
// Returns {size, count, sealed, sealedNow}.
const incrementShardScript = `
local size = redis.call('HINCRBY', KEYS[1], 'size_bytes', ARGV[1])
local count = redis.call('HINCRBY', KEYS[1], 'file_count', 1)
local limit = tonumber(ARGV[2])
local sealed = redis.call('HGET', KEYS[1], 'sealed')
local sealedNow = 0
if sealed ~= '1' and limit > 0 and size > limit then
  redis.call('HSET', KEYS[1], 'sealed', '1')
  sealed = '1'
  sealedNow = 1
end
local flag = 0
if sealed == '1' then flag = 1 end
return {size, count, flag, sealedNow}
`

// RedisCatalog implements Catalog backed by Redis hashes plus sorted-set and
// set secondary indices for creation time, tier, owner and shard membership.
type RedisCatalog struct {
	client         *redis.Client
	shardSizeLimit int64
	now            func() time.Time
}

// NewRedisCatalog connects to Redis at the given URL. shardSizeLimit is the
// seal threshold in bytes applied by IncrementShard.
func NewRedisCatalog(url string, shardSizeLimit int64) (*RedisCatalog, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redisutil.ClientOptions(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), connectProbeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisCatalog{client: client, shardSizeLimit: shardSizeLimit, now: time.Now}, nil
}

// Close shuts down the underlying Redis client.
func (c *RedisCatalog) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func artifactKey(id string) string        { return artifactKeyPrefix + id }
func shardKey(id string) string           { return shardKeyPrefix + id }
func tierIndexKey(t Tier) string          { return idxArtifactTier + string(t) }
func ownerIndexKey(owner string) string   { return idxArtifactOwner + owner }
func shardIndexKey(shardID string) string { return idxArtifactShard + shardID }
func shardTierIndexKey(t Tier) string     { return idxShardTier + string(t) }

// UpsertArtifact writes the record and maintains every secondary index. A tier
// or shard change moves the id between the affected indices in the same
// transaction.
func (c *RedisCatalog) UpsertArtifact(ctx context.Context, rec ArtifactRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("artifact id required")
	}
	if !rec.Tier.Valid() {
		return fmt.Errorf("invalid tier %q for artifact %s", rec.Tier, rec.ID)
	}
	key := artifactKey(rec.ID)
	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HMGet(ctx, key, "tier", "shard_id", "owner_id").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		prevTier, prevShard, prevOwner := stringAt(prev, 0), stringAt(prev, 1), stringAt(prev, 2)

		fields, err := artifactFields(rec)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, idxArtifactCreated, redis.Z{Score: float64(rec.CreatedAt.Unix()), Member: rec.ID})
		pipe.ZAdd(ctx, tierIndexKey(rec.Tier), redis.Z{Score: float64(rec.CreatedAt.Unix()), Member: rec.ID})
		pipe.SAdd(ctx, ownerIndexKey(rec.OwnerID), rec.ID)
		pipe.SAdd(ctx, shardIndexKey(rec.ShardID), rec.ID)
		if prevTier != "" && prevTier != string(rec.Tier) {
			pipe.ZRem(ctx, tierIndexKey(Tier(prevTier)), rec.ID)
		}
		if prevShard != "" && prevShard != rec.ShardID {
			pipe.SRem(ctx, shardIndexKey(prevShard), rec.ID)
		}
		if prevOwner != "" && prevOwner != rec.OwnerID {
			pipe.SRem(ctx, ownerIndexKey(prevOwner), rec.ID)
		}
		_, err = pipe.Exec(ctx)
		return err
	}, key)
}

// GetArtifact returns the record for an id, or ErrNotFound.
func (c *RedisCatalog) GetArtifact(ctx context.Context, id string) (ArtifactRecord, error) {
	fields, err := c.client.HGetAll(ctx, artifactKey(id)).Result()
	if err != nil {
		return ArtifactRecord{}, err
	}
	if len(fields) == 0 {
		return ArtifactRecord{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return parseArtifact(fields)
}

// DeleteArtifact removes the record along with every index entry pointing at
// it, in one transaction. Deleting an unknown id is a no-op.
func (c *RedisCatalog) DeleteArtifact(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("artifact id required")
	}
	key := artifactKey(id)
	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HMGet(ctx, key, "tier", "shard_id", "owner_id").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		tier, shard, owner := stringAt(prev, 0), stringAt(prev, 1), stringAt(prev, 2)

		pipe := tx.TxPipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, idxArtifactCreated, id)
		if tier != "" {
			pipe.ZRem(ctx, tierIndexKey(Tier(tier)), id)
		}
		if shard != "" {
			pipe.SRem(ctx, shardIndexKey(shard), id)
		}
		if owner != "" {
			pipe.SRem(ctx, ownerIndexKey(owner), id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}, key)
}

// TouchAccess bumps access stats for a read. Unknown ids log and return nil:
// access accounting is best-effort and must not fail the read path.
func (c *RedisCatalog) TouchAccess(ctx context.Context, id string) error {
	key := artifactKey(id)
	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		logging.Info("catalog", "touch for unknown artifact", "id", id)
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "access_count", 1)
	pipe.HSet(ctx, key, "last_accessed", c.now().Unix())
	_, err = pipe.Exec(ctx)
	return err
}

// ListArtifactsNotInTier streams artifacts from all other tiers' indices in
// creation-time order, paging so no full scan of the keyspace is needed.
// Tiers are walked coldest-first: relocation only ever moves records toward
// colder tiers, so a record the callback moves is never revisited by a later
// index walk in the same pass.
func (c *RedisCatalog) ListArtifactsNotInTier(ctx context.Context, tier Tier, fn func(ArtifactRecord) error) error {
	for i := len(Tiers) - 1; i >= 0; i-- {
		if Tiers[i] == tier {
			continue
		}
		if err := c.walkTierIndex(ctx, Tiers[i], fn); err != nil {
			return err
		}
	}
	return nil
}

// walkTierIndex pages through one tier index. The callback may remove the
// entries it is handed (relocation does exactly that), which shifts the ranks
// of everything behind them; the offset therefore advances only past entries
// that survived the page, so removals never push unvisited records out of
// the window.
func (c *RedisCatalog) walkTierIndex(ctx context.Context, tier Tier, fn func(ArtifactRecord) error) error {
	key := tierIndexKey(tier)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    "+inf",
			Offset: offset,
			Count:  listPageSize,
		}).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := c.GetArtifact(ctx, id)
			if err != nil {
				// The index can be momentarily ahead of a concurrent delete.
				logging.Error("catalog", "indexed artifact missing", "id", id, "error", err)
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if int64(len(ids)) < listPageSize {
			return nil
		}
		survived, err := c.countSurvivors(ctx, key, ids)
		if err != nil {
			return err
		}
		offset += survived
	}
}

// countSurvivors reports how many of the page's ids are still members of the
// index after the page was processed.
func (c *RedisCatalog) countSurvivors(ctx context.Context, key string, ids []string) (int64, error) {
	pipe := c.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.ZScore(ctx, key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}
	var n int64
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			n++
		}
	}
	return n, nil
}

// UpsertShardIfAbsent lazily creates a shard on its first artifact write.
// Concurrent creators race on HSETNX; exactly one initializes the shard.
func (c *RedisCatalog) UpsertShardIfAbsent(ctx context.Context, shardID string, tier Tier) error {
	if shardID == "" {
		return fmt.Errorf("shard id required")
	}
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q for shard %s", tier, shardID)
	}
	now := c.now()
	created, err := c.client.HSetNX(ctx, shardKey(shardID), "created_at", now.Unix()).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, shardKey(shardID), map[string]any{
		"id":            shardID,
		"tier":          string(tier),
		"sealed":        "0",
		"backup_status": string(BackupPending),
	})
	pipe.ZAdd(ctx, idxShardRecent, redis.Z{Score: float64(now.Unix()), Member: shardID})
	pipe.SAdd(ctx, shardTierIndexKey(tier), shardID)
	_, err = pipe.Exec(ctx)
	return err
}

// IncrementShard runs the seal-aware increment script.
func (c *RedisCatalog) IncrementShard(ctx context.Context, shardID string, deltaBytes int64) (ShardDelta, error) {
	res, err := c.client.Eval(ctx, incrementShardScript, []string{shardKey(shardID)},
		deltaBytes, c.shardSizeLimit).Result()
	if err != nil {
		return ShardDelta{}, fmt.Errorf("increment shard %s: %w", shardID, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return ShardDelta{}, fmt.Errorf("increment shard %s: unexpected reply %v", shardID, res)
	}
	return ShardDelta{
		SizeBytes: intAt(vals, 0),
		FileCount: intAt(vals, 1),
		Sealed:    intAt(vals, 2) == 1,
		SealedNow: intAt(vals, 3) == 1,
	}, nil
}

// SealShard forces the sealed flag on. Idempotent; sealing never reverts.
func (c *RedisCatalog) SealShard(ctx context.Context, shardID string) error {
	return c.client.HSet(ctx, shardKey(shardID), "sealed", "1").Err()
}

// SetShardBackupStatus records shard-level replication progress.
func (c *RedisCatalog) SetShardBackupStatus(ctx context.Context, shardID string, status BackupStatus) error {
	return c.client.HSet(ctx, shardKey(shardID), "backup_status", string(status)).Err()
}

// GetShard returns the shard record for an id, or ErrNotFound.
func (c *RedisCatalog) GetShard(ctx context.Context, shardID string) (Shard, error) {
	fields, err := c.client.HGetAll(ctx, shardKey(shardID)).Result()
	if err != nil {
		return Shard{}, err
	}
	if len(fields) == 0 {
		return Shard{}, fmt.Errorf("shard %s: %w", shardID, ErrNotFound)
	}
	return parseShard(shardID, fields), nil
}

// RelocateArtifact applies a tier move in one transaction: record fields,
// index membership, the old shard's decrement and the new shard's increment
// all land together, so a reader never sees a record pointing at a path that
// the move has already abandoned.
func (c *RedisCatalog) RelocateArtifact(ctx context.Context, rec ArtifactRecord, oldShardID string, oldSizeBytes int64) error {
	if rec.ID == "" || oldShardID == "" {
		return fmt.Errorf("artifact id and old shard id required")
	}
	key := artifactKey(rec.ID)
	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		prevTier, err := tx.HGet(ctx, key, "tier").Result()
		if err == redis.Nil {
			return fmt.Errorf("artifact %s: %w", rec.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		fields, err := artifactFields(rec)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, tierIndexKey(rec.Tier), redis.Z{Score: float64(rec.CreatedAt.Unix()), Member: rec.ID})
		if prevTier != string(rec.Tier) {
			pipe.ZRem(ctx, tierIndexKey(Tier(prevTier)), rec.ID)
		}
		pipe.SRem(ctx, shardIndexKey(oldShardID), rec.ID)
		pipe.SAdd(ctx, shardIndexKey(rec.ShardID), rec.ID)
		pipe.HIncrBy(ctx, shardKey(oldShardID), "size_bytes", -oldSizeBytes)
		pipe.HIncrBy(ctx, shardKey(oldShardID), "file_count", -1)
		pipe.HIncrBy(ctx, shardKey(rec.ShardID), "size_bytes", rec.SizeBytes)
		pipe.HIncrBy(ctx, shardKey(rec.ShardID), "file_count", 1)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
}

// AggregateStats reports totals, the per-tier breakdown and the most recent
// shards. Tier totals come from the tier indices and shard hashes, never from
// a keyspace scan.
func (c *RedisCatalog) AggregateStats(ctx context.Context, recentShards int) (Stats, error) {
	stats := Stats{PerTier: make(map[Tier]TierStats, len(Tiers))}
	total, err := c.client.ZCard(ctx, idxArtifactCreated).Result()
	if err != nil {
		return Stats{}, err
	}
	stats.TotalArtifacts = total

	for _, tier := range Tiers {
		count, err := c.client.ZCard(ctx, tierIndexKey(tier)).Result()
		if err != nil {
			return Stats{}, err
		}
		shardIDs, err := c.client.SMembers(ctx, shardTierIndexKey(tier)).Result()
		if err != nil {
			return Stats{}, err
		}
		var bytes int64
		for _, id := range shardIDs {
			raw, err := c.client.HGet(ctx, shardKey(id), "size_bytes").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return Stats{}, err
			}
			n, _ := strconv.ParseInt(raw, 10, 64)
			bytes += n
		}
		stats.PerTier[tier] = TierStats{Artifacts: count, Bytes: bytes, Shards: int64(len(shardIDs))}
		stats.TotalBytes += bytes
	}

	if recentShards > 0 {
		ids, err := c.client.ZRevRange(ctx, idxShardRecent, 0, int64(recentShards-1)).Result()
		if err != nil {
			return Stats{}, err
		}
		for _, id := range ids {
			shard, err := c.GetShard(ctx, id)
			if err != nil {
				continue
			}
			stats.RecentShards = append(stats.RecentShards, shard)
		}
	}
	return stats, nil
}

func artifactFields(rec ArtifactRecord) (map[string]any, error) {
	locations, err := json.Marshal(rec.BackupLocations)
	if err != nil {
		return nil, fmt.Errorf("marshal backup locations: %w", err)
	}
	fields := map[string]any{
		"id":               rec.ID,
		"owner_id":         rec.OwnerID,
		"category":         rec.Category,
		"created_at":       rec.CreatedAt.Unix(),
		"expiry_date":      rec.ExpiryDate,
		"security_hash":    rec.SecurityHash,
		"path":             rec.Path,
		"size_bytes":       rec.SizeBytes,
		"tier":             string(rec.Tier),
		"shard_id":         rec.ShardID,
		"checksum":         rec.Checksum,
		"backup_locations": string(locations),
	}
	if !rec.LastAccessed.IsZero() {
		fields["last_accessed"] = rec.LastAccessed.Unix()
	}
	return fields, nil
}

func parseArtifact(fields map[string]string) (ArtifactRecord, error) {
	rec := ArtifactRecord{
		ID:           fields["id"],
		OwnerID:      fields["owner_id"],
		Category:     fields["category"],
		ExpiryDate:   fields["expiry_date"],
		SecurityHash: fields["security_hash"],
		Path:         fields["path"],
		Tier:         Tier(fields["tier"]),
		ShardID:      fields["shard_id"],
		Checksum:     fields["checksum"],
	}
	rec.SizeBytes, _ = strconv.ParseInt(fields["size_bytes"], 10, 64)
	rec.AccessCount, _ = strconv.ParseInt(fields["access_count"], 10, 64)
	if raw := fields["created_at"]; raw != "" {
		sec, _ := strconv.ParseInt(raw, 10, 64)
		rec.CreatedAt = time.Unix(sec, 0).UTC()
	}
	if raw := fields["last_accessed"]; raw != "" {
		sec, _ := strconv.ParseInt(raw, 10, 64)
		rec.LastAccessed = time.Unix(sec, 0).UTC()
	}
	if raw := fields["backup_locations"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.BackupLocations); err != nil {
			return rec, fmt.Errorf("parse backup locations for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func parseShard(id string, fields map[string]string) Shard {
	shard := Shard{
		ID:           id,
		Tier:         Tier(fields["tier"]),
		Sealed:       fields["sealed"] == "1",
		BackupStatus: BackupStatus(fields["backup_status"]),
	}
	shard.SizeBytes, _ = strconv.ParseInt(fields["size_bytes"], 10, 64)
	shard.FileCount, _ = strconv.ParseInt(fields["file_count"], 10, 64)
	if raw := fields["created_at"]; raw != "" {
		sec, _ := strconv.ParseInt(raw, 10, 64)
		shard.CreatedAt = time.Unix(sec, 0).UTC()
	}
	return shard
}

func stringAt(vals []interface{}, i int) string {
	if i >= len(vals) || vals[i] == nil {
		return ""
	}
	s, _ := vals[i].(string)
	return s
}

func intAt(vals []interface{}, i int) int64 {
	if i >= len(vals) {
		return 0
	}
	n, _ := vals[i].(int64)
	return n
}
