package imtypes

import (
	"context"
	"time"
)

// InvalidationPublisher 广播"某些查询结果可能已变化"的事件。
// 将接口定义放在 imtypes 中以打破 services 与 livequery/kafka/redis 之间的循环依赖。
type InvalidationPublisher interface {
	Publish(ctx context.Context, keys ...string) error
}

// InvalidationEvent 是跨节点总线（Kafka / Redis）上传输的消息体。
type InvalidationEvent struct {
	Keys      []string  `json:"keys"`
	Origin    string    `json:"origin,omitempty"` // 发布者实例 ID
	Timestamp time.Time `json:"timestamp"`
}
