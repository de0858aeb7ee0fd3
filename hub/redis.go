package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const eventsPattern = "board:*:events"

// Channel returns the pub/sub channel carrying a board's events.
func Channel(boardID string) string {
	return fmt.Sprintf("board:%s:events", boardID)
}

// RedisBus bridges hubs in different processes over Redis pub/sub.
type RedisBus struct {
	rdb       *redis.Client
	logger    *log.Logger
	reconnect time.Duration
}

func NewRedisBus(rdb *redis.Client, logger *log.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger, reconnect: time.Second}
}

func (b *RedisBus) Publish(ctx context.Context, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel(ev.BoardID), data).Err()
}

// Listen pattern-subscribes to every board channel and hands decoded events
// to handle, resubscribing whenever the subscription drops.
func (b *RedisBus) Listen(ctx context.Context, handle func(domain.Event)) {
	for {
		sub := b.rdb.PSubscribe(ctx, eventsPattern)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.WithError(err).Error("pubsub subscribe failed, retrying")
			if !b.wait(ctx) {
				return
			}
			continue
		}
		b.consume(ctx, sub.Channel(), handle)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("pubsub channel closed, reconnecting")
		if !b.wait(ctx) {
			return
		}
	}
}

func (b *RedisBus) consume(ctx context.Context, ch <-chan *redis.Message, handle func(domain.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.Event
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				b.logger.WithError(err).WithField("channel", msg.Channel).Error("unable to parse event")
				continue
			}
			handle(ev)
		}
	}
}

func (b *RedisBus) wait(ctx context.Context) bool {
	t := time.NewTimer(b.reconnect)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
