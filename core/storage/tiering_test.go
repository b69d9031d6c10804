package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stampmint/stampmint/core/catalog"
	"github.com/stampmint/stampmint/core/infra/config"
)

func testConfig() *config.StorageConfig {
	cfg := config.DefaultStorageConfig()
	return &cfg
}

func TestTierForAgeWindows(t *testing.T) {
	cfg := testConfig() // hot=7, warm=90
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		ageDays int
		want    catalog.Tier
	}{
		{0, catalog.TierHot},
		{3, catalog.TierHot},
		{7, catalog.TierHot},
		{8, catalog.TierWarm},
		{40, catalog.TierWarm},
		{97, catalog.TierWarm},
		{98, catalog.TierCold},
		{400, catalog.TierCold},
	}
	for _, tc := range cases {
		created := now.Add(-time.Duration(tc.ageDays) * 24 * time.Hour)
		if got := TierFor(created, now, cfg); got != tc.want {
			t.Errorf("age %dd: expected %s, got %s", tc.ageDays, tc.want, got)
		}
	}
}

func TestTierForIsPure(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	created := now.Add(-3 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		if got := TierFor(created, now, cfg); got != catalog.TierHot {
			t.Fatalf("expected hot on call %d, got %s", i, got)
		}
	}
}

func TestShardIDBuckets(t *testing.T) {
	created := time.Date(2026, 8, 30, 13, 45, 0, 0, time.UTC)

	if got := ShardID(catalog.TierHot, created, 24); got != "hot_20260830_13" {
		t.Fatalf("hourly bucket: got %s", got)
	}
	if got := ShardID(catalog.TierWarm, created, 4); got != "warm_20260830_02" {
		t.Fatalf("6-hour bucket: got %s", got)
	}
	if got := ShardID(catalog.TierCold, created, 1); got != "cold_20260830_00" {
		t.Fatalf("single bucket: got %s", got)
	}
}

func TestArtifactPathLayout(t *testing.T) {
	created := time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC)
	got := ArtifactPath("storage", catalog.TierHot, created, "hot_20260830_13", "smt-20260830-00000001", ".png")
	want := filepath.Join("storage", "hot", "2026", "08", "30", "hot_20260830_13", "smt-20260830-00000001.png")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
