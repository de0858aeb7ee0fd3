package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

type countingBackend struct {
	*Memory
	snapshots int
}

func (c *countingBackend) Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	c.snapshots++
	return c.Memory.Snapshot(ctx, boardID)
}

func newTestCache(t *testing.T) (*Cache, *countingBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	base := &countingBackend{Memory: seedMemory()}
	return NewCache(base, client, time.Minute), base, mr
}

func TestCacheSnapshotMissThenHit(t *testing.T) {
	cache, base, mr := newTestCache(t)
	ctx := context.Background()

	first, err := cache.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	second, err := cache.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if base.snapshots != 1 {
		t.Fatalf("expected one backend load, got %d", base.snapshots)
	}
	if len(second.Cards) != len(first.Cards) || second.Cards[0].Version != first.Cards[0].Version {
		t.Fatalf("cached snapshot differs: %+v vs %+v", second, first)
	}
	if !mr.Exists(snapshotCacheKey("b1")) {
		t.Fatal("expected snapshot key in redis")
	}
	if ttl := mr.TTL(snapshotCacheKey("b1")); ttl != time.Minute {
		t.Fatalf("expected ttl %v, got %v", time.Minute, ttl)
	}
}

func TestCacheEvictsOnPositionUpdate(t *testing.T) {
	cache, base, mr := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.Snapshot(ctx, "b1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	card, _ := cache.GetCard(ctx, "b1", "c1")
	if _, err := cache.UpdateCardPosition(ctx, "b1", "c1", "l2", 2048, card.Version); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(snapshotCacheKey("b1")) {
		t.Fatal("expected snapshot to be evicted")
	}

	snap, err := cache.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if base.snapshots != 2 {
		t.Fatalf("expected reload after eviction, got %d loads", base.snapshots)
	}
	for _, c := range snap.Cards {
		if c.ID == "c1" && c.ListID != "l2" {
			t.Fatalf("stale card in snapshot: %+v", c)
		}
	}
}

func TestCacheIgnoresCorruptEntries(t *testing.T) {
	cache, base, mr := newTestCache(t)
	if err := mr.Set(snapshotCacheKey("b1"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := cache.Snapshot(context.Background(), "b1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if base.snapshots != 1 {
		t.Fatalf("expected fallback to backend, got %d loads", base.snapshots)
	}
}
