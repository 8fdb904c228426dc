// Package pubsub carries room events between server instances over Redis.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

const (
	channelPrefix  = "chat:room:"
	channelPattern = channelPrefix + "*"
)

// Channel 返回房间对应的 Redis 频道名。
func Channel(roomID uint) string {
	return channelPrefix + strconv.FormatUint(uint64(roomID), 10)
}

// envelope 是 Redis 上的载荷，Origin 用于跳过本实例发出的事件。
type envelope struct {
	Origin string   `json:"origin"`
	Event  ws.Event `json:"event"`
}

// RedisBroker 把事件发布到 Redis，并把其他实例发布的事件转交给本实例的 Hub。
type RedisBroker struct {
	rdb    *redis.Client
	hub    *ws.Hub
	origin string

	mu     sync.Mutex
	ps     *redis.PubSub
	done   chan struct{}
	cancel context.CancelFunc
}

func NewRedisBroker(rdb *redis.Client, hub *ws.Hub) *RedisBroker {
	return &RedisBroker{rdb: rdb, hub: hub, origin: uuid.NewString()}
}

// Publish 同时投递到本地 Hub 与 Redis。本地投递保证同实例订阅者的顺序与写入顺序一致。
func (b *RedisBroker) Publish(ctx context.Context, ev ws.Event) error {
	if err := b.hub.Publish(ctx, ev); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(ev.RoomID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Start 订阅全部房间频道，确认订阅成功后在后台转发，直到 ctx 取消或调用 Close。
func (b *RedisBroker) Start(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, channelPattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.ps, b.cancel, b.done = ps, cancel, make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.forward(ctx, msg)
			}
		}
	}()
	log.Info().Str("pattern", channelPattern).Msg("redis fan-out started")
	return nil
}

func (b *RedisBroker) forward(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("decode room event")
		return
	}
	if env.Origin == b.origin {
		return
	}
	ev := env.Event
	if id, err := strconv.ParseUint(strings.TrimPrefix(msg.Channel, channelPrefix), 10, 64); err == nil && ev.RoomID == 0 {
		ev.RoomID = uint(id)
	}
	if err := b.hub.Publish(ctx, ev); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Uint("room_id", ev.RoomID).Msg("forward room event")
	}
}

// Close 停止转发循环并释放订阅连接。
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	ps, cancel, done := b.ps, b.cancel, b.done
	b.ps = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	<-done
	return err
}
