package activity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// RedisRecorder keeps the per-board ring in a Redis list so every process
// behind the load balancer sees the same feed and sequence.
type RedisRecorder struct {
	rdb      *redis.Client
	capacity int
	through  *Dispatcher
	logger   *log.Logger
	now      func() time.Time
}

func NewRedisRecorder(rdb *redis.Client, capacity int, through *Dispatcher, logger *log.Logger) *RedisRecorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisRecorder{
		rdb:      rdb,
		capacity: capacity,
		through:  through,
		logger:   logger,
		now:      time.Now,
	}
}

func seqKey(boardID string) string      { return fmt.Sprintf("board:%s:seq", boardID) }
func activityKey(boardID string) string { return fmt.Sprintf("board:%s:activity", boardID) }

// Append allocates the board's next sequence number and pushes the entry,
// trimming the list to capacity.
func (r *RedisRecorder) Append(ctx context.Context, entry domain.ActivityEntry) (int64, error) {
	if entry.BoardID == "" {
		return 0, errMissingBoard
	}
	stamp(&entry, r.now)

	seq, err := r.rdb.Incr(ctx, seqKey(entry.BoardID)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate activity seq: %w", err)
	}
	entry.Seq = seq

	data, err := sonic.Marshal(entry)
	if err != nil {
		return 0, err
	}
	key := activityKey(entry.BoardID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(r.capacity-1))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}

	if r.through != nil {
		r.through.Offer(entry)
	}
	return seq, nil
}

// Recent returns up to limit entries, most recent first. Entries that fail
// to decode are skipped.
func (r *RedisRecorder) Recent(ctx context.Context, boardID string, limit int) ([]domain.ActivityEntry, error) {
	limit = clampLimit(limit, r.capacity)
	raw, err := r.rdb.LRange(ctx, activityKey(boardID), 0, int64(r.capacity-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}

	out := make([]domain.ActivityEntry, 0, len(raw))
	for _, s := range raw {
		var e domain.ActivityEntry
		if err := sonic.UnmarshalString(s, &e); err != nil {
			if r.logger != nil {
				r.logger.WithError(err).WithField("board", boardID).Warn("skipping unreadable activity entry")
			}
			continue
		}
		out = append(out, e)
	}
	// pushes from different processes may land out of sequence order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
