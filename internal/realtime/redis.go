package realtime

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/n0fish/musicroom-sync/internal/protocol"
)

const channelPrefix = "musicroom:room:"

func roomChannel(roomID string) string { return channelPrefix + roomID }

// RedisBus publishes room envelopes on per-room Redis channels so every
// instance's hub receives them.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, roomChannel(env.RoomID), data).Err()
}

// RunRedisSubscriber feeds every room channel into the hub until ctx is done.
// ready, when non-nil, is closed once the subscription is active.
func RunRedisSubscriber(ctx context.Context, rdb *redis.Client, hub *Hub, logger *log.Logger, ready chan<- struct{}) error {
	sub := rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID := strings.TrimPrefix(msg.Channel, channelPrefix)
			if err := hub.Deliver(ctx, roomID, []byte(msg.Payload)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("redis deliver", "room", roomID, "err", err)
				return err
			}
		}
	}
}
