package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"school-im/internal/imtypes"
)

// InvalidationPublisher 把失效事件写入 Kafka，由每个节点上的消费者转交给本地 Hub。
type InvalidationPublisher struct {
	producer MessageProducer
	topic    string
	origin   string
}

// NewInvalidationPublisher creates a publisher that writes to topic.
func NewInvalidationPublisher(producer MessageProducer, topic, origin string) *InvalidationPublisher {
	return &InvalidationPublisher{producer: producer, topic: topic, origin: origin}
}

var _ imtypes.InvalidationPublisher = (*InvalidationPublisher)(nil)

func (p *InvalidationPublisher) Publish(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(imtypes.InvalidationEvent{
		Keys:      keys,
		Origin:    p.origin,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("序列化失效事件失败: %w", err)
	}
	// 以第一个键分区，同一查询的事件保持顺序
	return p.producer.SendMessage(ctx, p.topic, []byte(keys[0]), payload)
}
