package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"school-im/internal/imtypes"
)

// Invalidator 是本地的失效事件接收方，通常是 livequery.Hub。
type Invalidator interface {
	Invalidate(keys ...string)
}

// InvalidationBus 通过 Redis pub/sub 在节点之间广播失效事件。
// pub/sub 不持久化，离线期间的事件会丢失；订阅者重连后重新订阅即可拿到最新结果。
type InvalidationBus struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *zap.Logger
}

// NewInvalidationBus creates a bus on the given channel.
func NewInvalidationBus(client redis.UniversalClient, channel, origin string, logger *zap.Logger) *InvalidationBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationBus{client: client, channel: channel, origin: origin, logger: logger.Named("redis.invalidation")}
}

var _ imtypes.InvalidationPublisher = (*InvalidationBus)(nil)

// Publish 发布一条失效事件。
func (b *InvalidationBus) Publish(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(imtypes.InvalidationEvent{Keys: keys, Origin: b.origin, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("序列化失效事件失败: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("发布失效事件到 Redis 失败: %w", err)
	}
	return nil
}

// Run 订阅频道并把事件交给 sink，直到 ctx 取消。ready 在订阅确认后关闭（可为 nil）。
func (b *InvalidationBus) Run(ctx context.Context, sink Invalidator, ready chan<- struct{}) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// 等待订阅确认，避免启动期间丢失事件
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅 Redis 频道 %s 失败: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.Info("Redis 失效事件订阅已启动", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event imtypes.InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("跳过无法解析的失效事件", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			if len(event.Keys) > 0 {
				sink.Invalidate(event.Keys...)
			}
		}
	}
}
