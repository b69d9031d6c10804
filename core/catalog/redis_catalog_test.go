package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestCatalog(t *testing.T, shardLimit int64) *RedisCatalog {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	cat, err := NewRedisCatalog("redis://"+srv.Addr(), shardLimit)
	if err != nil {
		t.Fatalf("create catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func testRecord(id string, tier Tier, created time.Time) ArtifactRecord {
	return ArtifactRecord{
		ID:           id,
		OwnerID:      "OWN00000001",
		Category:     "PASSPORT",
		CreatedAt:    created,
		ExpiryDate:   "20301231",
		SecurityHash: "deadbeefdeadbeef",
		Path:         "storage/hot/2026/08/30/" + id + ".png",
		SizeBytes:    4096,
		Tier:         tier,
		ShardID:      string(tier) + "_20260830_10",
		Checksum:     "0123456789abcdef",
	}
}

func TestUpsertAndGetArtifact(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()
	created := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	rec := testRecord("smt-20260830-00000001", TierHot, created)
	rec.BackupLocations = []string{"dc2:" + rec.Path, "dc3:" + rec.Path}
	if err := cat.UpsertArtifact(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := cat.GetArtifact(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OwnerID != rec.OwnerID || got.Tier != TierHot || got.Checksum != rec.Checksum {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch: %s", got.CreatedAt)
	}
	if len(got.BackupLocations) != 2 || got.BackupLocations[0] != "dc2:"+rec.Path {
		t.Fatalf("unexpected backup locations: %v", got.BackupLocations)
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	_, err := cat.GetArtifact(context.Background(), "smt-20260830-99999999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchAccess(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()
	rec := testRecord("smt-20260830-00000002", TierHot, time.Now().UTC())
	if err := cat.UpsertArtifact(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := cat.TouchAccess(ctx, rec.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := cat.TouchAccess(ctx, rec.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := cat.GetArtifact(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 2 {
		t.Fatalf("expected access count 2, got %d", got.AccessCount)
	}
	if got.LastAccessed.IsZero() {
		t.Fatal("expected last accessed to be set")
	}

	// Unknown ids are best-effort: logged, not an error.
	if err := cat.TouchAccess(ctx, "smt-unknown"); err != nil {
		t.Fatalf("touch unknown: %v", err)
	}
}

func TestShardSealExactlyOnce(t *testing.T) {
	cat := newTestCatalog(t, 10_000)
	ctx := context.Background()
	shardID := "hot_20260830_10"
	if err := cat.UpsertShardIfAbsent(ctx, shardID, TierHot); err != nil {
		t.Fatalf("upsert shard: %v", err)
	}

	const writers = 8
	const perWriter = 5
	var sealedNow atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				delta, err := cat.IncrementShard(ctx, shardID, 1000)
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
				if delta.SealedNow {
					sealedNow.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if sealedNow.Load() != 1 {
		t.Fatalf("expected exactly one seal transition, got %d", sealedNow.Load())
	}
	shard, err := cat.GetShard(ctx, shardID)
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	if !shard.Sealed {
		t.Fatal("expected shard sealed")
	}
	if shard.FileCount != writers*perWriter {
		t.Fatalf("expected %d files, got %d", writers*perWriter, shard.FileCount)
	}
	if shard.SizeBytes != writers*perWriter*1000 {
		t.Fatalf("expected %d bytes, got %d", writers*perWriter*1000, shard.SizeBytes)
	}

	// Sealing is monotonic: further increments never unseal.
	delta, err := cat.IncrementShard(ctx, shardID, 1)
	if err != nil {
		t.Fatalf("increment after seal: %v", err)
	}
	if !delta.Sealed || delta.SealedNow {
		t.Fatalf("unexpected delta after seal: %+v", delta)
	}
}

func TestUpsertShardIfAbsentIsIdempotent(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()
	shardID := "warm_20260830_03"
	for i := 0; i < 3; i++ {
		if err := cat.UpsertShardIfAbsent(ctx, shardID, TierWarm); err != nil {
			t.Fatalf("upsert shard: %v", err)
		}
	}
	if _, err := cat.IncrementShard(ctx, shardID, 500); err != nil {
		t.Fatalf("increment: %v", err)
	}
	shard, err := cat.GetShard(ctx, shardID)
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	if shard.Tier != TierWarm || shard.FileCount != 1 || shard.SizeBytes != 500 {
		t.Fatalf("unexpected shard: %+v", shard)
	}
	if shard.BackupStatus != BackupPending {
		t.Fatalf("expected pending backup status, got %s", shard.BackupStatus)
	}
}

func TestListArtifactsNotInTier(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()
	now := time.Now().UTC()

	hot := testRecord("smt-20260830-00000010", TierHot, now)
	warm := testRecord("smt-20260830-00000011", TierWarm, now.Add(-40*24*time.Hour))
	cold := testRecord("smt-20260830-00000012", TierCold, now.Add(-400*24*time.Hour))
	for _, rec := range []ArtifactRecord{hot, warm, cold} {
		if err := cat.UpsertArtifact(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.ID, err)
		}
	}

	var seen []string
	err := cat.ListArtifactsNotInTier(ctx, TierCold, func(rec ArtifactRecord) error {
		seen = append(seen, rec.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 non-cold artifacts, got %v", seen)
	}
	for _, id := range seen {
		if id == cold.ID {
			t.Fatalf("cold artifact leaked into listing: %v", seen)
		}
	}
}

func TestListArtifactsVisitsAllDuringRelocation(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()
	created := time.Now().UTC().Add(-40 * 24 * time.Hour)

	// More than one index page, so the walk must survive the callback
	// removing entries from the page it is iterating.
	const total = listPageSize + 20
	if err := cat.UpsertShardIfAbsent(ctx, "hot_20260720_10", TierHot); err != nil {
		t.Fatalf("upsert hot shard: %v", err)
	}
	if err := cat.UpsertShardIfAbsent(ctx, "warm_20260720_10", TierWarm); err != nil {
		t.Fatalf("upsert warm shard: %v", err)
	}
	for i := 0; i < total; i++ {
		rec := testRecord(fmt.Sprintf("smt-20260720-%08d", i+1), TierHot, created)
		if err := cat.UpsertArtifact(ctx, rec); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	visits := make(map[string]int, total)
	err := cat.ListArtifactsNotInTier(ctx, TierCold, func(rec ArtifactRecord) error {
		visits[rec.ID]++
		moved := rec
		moved.Tier = TierWarm
		moved.ShardID = "warm_20260720_10"
		moved.Path = "storage/warm/2026/07/20/" + moved.ShardID + "/" + rec.ID + ".png"
		return cat.RelocateArtifact(ctx, moved, rec.ShardID, rec.SizeBytes)
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if len(visits) != total {
		t.Fatalf("expected all %d records visited in one pass, got %d", total, len(visits))
	}
	for id, n := range visits {
		if n != 1 {
			t.Fatalf("record %s visited %d times", id, n)
		}
	}
}

func TestDeleteArtifactRemovesIndexEntries(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()

	rec := testRecord("smt-20260830-00000030", TierHot, time.Now().UTC())
	if err := cat.UpsertArtifact(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := cat.DeleteArtifact(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := cat.GetArtifact(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	var seen int
	err := cat.ListArtifactsNotInTier(ctx, TierCold, func(ArtifactRecord) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if seen != 0 {
		t.Fatalf("deleted record still indexed, saw %d entries", seen)
	}
	stats, err := cat.AggregateStats(ctx, 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalArtifacts != 0 {
		t.Fatalf("deleted record still counted: %+v", stats)
	}

	// Deleting an unknown id is a no-op.
	if err := cat.DeleteArtifact(ctx, "smt-20260830-99999999"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestRelocateArtifact(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()
	created := time.Now().UTC().Add(-40 * 24 * time.Hour)

	rec := testRecord("smt-20260720-00000001", TierHot, created)
	oldShard := rec.ShardID
	if err := cat.UpsertShardIfAbsent(ctx, oldShard, TierHot); err != nil {
		t.Fatalf("upsert old shard: %v", err)
	}
	if err := cat.UpsertArtifact(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := cat.IncrementShard(ctx, oldShard, rec.SizeBytes); err != nil {
		t.Fatalf("increment: %v", err)
	}

	moved := rec
	moved.Tier = TierWarm
	moved.ShardID = "warm_20260720_10"
	moved.Path = "storage/warm/2026/07/20/" + moved.ShardID + "/" + rec.ID + ".png"
	moved.Checksum = "fedcba9876543210"
	if err := cat.UpsertShardIfAbsent(ctx, moved.ShardID, TierWarm); err != nil {
		t.Fatalf("upsert new shard: %v", err)
	}
	if err := cat.RelocateArtifact(ctx, moved, oldShard, rec.SizeBytes); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	got, err := cat.GetArtifact(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Tier != TierWarm || got.ShardID != moved.ShardID || got.Checksum != moved.Checksum {
		t.Fatalf("unexpected record after relocate: %+v", got)
	}

	oldState, err := cat.GetShard(ctx, oldShard)
	if err != nil {
		t.Fatalf("get old shard: %v", err)
	}
	if oldState.FileCount != 0 || oldState.SizeBytes != 0 {
		t.Fatalf("old shard not decremented: %+v", oldState)
	}
	newState, err := cat.GetShard(ctx, moved.ShardID)
	if err != nil {
		t.Fatalf("get new shard: %v", err)
	}
	if newState.FileCount != 1 || newState.SizeBytes != rec.SizeBytes {
		t.Fatalf("new shard not incremented: %+v", newState)
	}

	var hotLeft int
	err = cat.ListArtifactsNotInTier(ctx, TierCold, func(r ArtifactRecord) error {
		if r.Tier == TierHot {
			hotLeft++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if hotLeft != 0 {
		t.Fatalf("expected hot tier index emptied, found %d", hotLeft)
	}
}

func TestAggregateStats(t *testing.T) {
	cat := newTestCatalog(t, 1<<30)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, tier := range []Tier{TierHot, TierHot, TierWarm} {
		rec := testRecord("smt-20260830-0000002"+string(rune('0'+i)), tier, now)
		if err := cat.UpsertShardIfAbsent(ctx, rec.ShardID, tier); err != nil {
			t.Fatalf("upsert shard: %v", err)
		}
		if err := cat.UpsertArtifact(ctx, rec); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := cat.IncrementShard(ctx, rec.ShardID, rec.SizeBytes); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	stats, err := cat.AggregateStats(ctx, 5)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalArtifacts != 3 {
		t.Fatalf("expected 3 artifacts, got %d", stats.TotalArtifacts)
	}
	if stats.PerTier[TierHot].Artifacts != 2 || stats.PerTier[TierWarm].Artifacts != 1 {
		t.Fatalf("unexpected per-tier stats: %+v", stats.PerTier)
	}
	if stats.TotalBytes != 3*4096 {
		t.Fatalf("expected %d total bytes, got %d", 3*4096, stats.TotalBytes)
	}
	if len(stats.RecentShards) != 2 {
		t.Fatalf("expected 2 recent shards, got %d", len(stats.RecentShards))
	}
}
