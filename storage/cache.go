package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"board-sync/domain"
)

type backend interface {
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
	GetList(ctx context.Context, boardID, listID string) (domain.List, error)
	GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error)
	GetSiblings(ctx context.Context, boardID, listID string) ([]domain.Sibling, error)
	GetListSiblings(ctx context.Context, boardID string) ([]domain.Sibling, error)
	Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error)
	UpdateCardPosition(ctx context.Context, boardID, cardID, listID string, key float64, expectedVersion string) (string, error)
	UpdateListPosition(ctx context.Context, boardID, listID string, key float64, expectedVersion string) (string, error)
}

// Cache serves board snapshots from Redis. Positional writes go straight to
// the base store and evict the board's snapshot. Ordering reads used by the
// coordinator always bypass the cache.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
	sf    singleflight.Group
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	return c.base.GetBoard(ctx, boardID)
}

func (c *Cache) GetList(ctx context.Context, boardID, listID string) (domain.List, error) {
	return c.base.GetList(ctx, boardID, listID)
}

func (c *Cache) GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error) {
	return c.base.GetCard(ctx, boardID, cardID)
}

func (c *Cache) GetSiblings(ctx context.Context, boardID, listID string) ([]domain.Sibling, error) {
	return c.base.GetSiblings(ctx, boardID, listID)
}

func (c *Cache) GetListSiblings(ctx context.Context, boardID string) ([]domain.Sibling, error) {
	return c.base.GetListSiblings(ctx, boardID)
}

func (c *Cache) Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	if snap, ok := c.loadSnapshot(ctx, boardID); ok {
		return snap, nil
	}
	v, err, _ := c.sf.Do(boardID, func() (interface{}, error) {
		snap, err := c.base.Snapshot(ctx, boardID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		c.storeSnapshot(ctx, snap)
		return snap, nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return v.(domain.Snapshot), nil
}

func (c *Cache) UpdateCardPosition(ctx context.Context, boardID, cardID, listID string, key float64, expectedVersion string) (string, error) {
	version, err := c.base.UpdateCardPosition(ctx, boardID, cardID, listID, key, expectedVersion)
	if err != nil {
		return "", err
	}
	c.Evict(ctx, boardID)
	return version, nil
}

func (c *Cache) UpdateListPosition(ctx context.Context, boardID, listID string, key float64, expectedVersion string) (string, error) {
	version, err := c.base.UpdateListPosition(ctx, boardID, listID, key, expectedVersion)
	if err != nil {
		return "", err
	}
	c.Evict(ctx, boardID)
	return version, nil
}

// Evict drops the cached snapshot of the board.
func (c *Cache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, snapshotCacheKey(boardID)).Err(); err != nil {
		log.WithError(err).WithField("board", boardID).Warn("failed to evict snapshot cache entry")
	}
}

type cachedSnapshot struct {
	Version  int             `json:"version"`
	CachedAt time.Time       `json:"cachedAt"`
	Snapshot domain.Snapshot `json:"snapshot"`
	Versions cachedVersions  `json:"versions"`
}

// cachedVersions keeps entity versions, which the domain types do not serialize.
type cachedVersions struct {
	Lists map[string]string `json:"lists"`
	Cards map[string]string `json:"cards"`
}

func (c *Cache) loadSnapshot(ctx context.Context, boardID string) (domain.Snapshot, bool) {
	if c.redis == nil {
		return domain.Snapshot{}, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		}
		return domain.Snapshot{}, false
	}
	var cached cachedSnapshot
	if err := json.Unmarshal(data, &cached); err != nil || cached.Version != 1 {
		_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		return domain.Snapshot{}, false
	}
	snap := cached.Snapshot
	for i := range snap.Lists {
		snap.Lists[i].Version = cached.Versions.Lists[snap.Lists[i].ID]
	}
	for i := range snap.Cards {
		snap.Cards[i].Version = cached.Versions.Cards[snap.Cards[i].ID]
	}
	return snap, true
}

func (c *Cache) storeSnapshot(ctx context.Context, snap domain.Snapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	cached := cachedSnapshot{
		Version:  1,
		CachedAt: time.Now().UTC(),
		Snapshot: snap,
		Versions: cachedVersions{Lists: map[string]string{}, Cards: map[string]string{}},
	}
	for _, l := range snap.Lists {
		cached.Versions.Lists[l.ID] = l.Version
	}
	for _, card := range snap.Cards {
		cached.Versions.Cards[card.ID] = card.Version
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, snapshotCacheKey(snap.BoardID), data, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("board", snap.BoardID).Warn("failed to store snapshot cache entry")
	}
}

func snapshotCacheKey(boardID string) string {
	return "board:" + boardID + ":snapshot"
}
