package kafkahandlers

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"school-im/internal/imtypes"
)

// Invalidator 是本地的失效事件接收方，通常是 livequery.Hub。
type Invalidator interface {
	Invalidate(keys ...string)
}

// InvalidationConsumerLogic 把 Kafka 上的失效事件转交给本节点的实时查询 Hub。
type InvalidationConsumerLogic struct {
	sink   Invalidator
	logger *zap.Logger
}

// NewInvalidationConsumerLogic creates a new instance of InvalidationConsumerLogic.
func NewInvalidationConsumerLogic(sink Invalidator, logger *zap.Logger) *InvalidationConsumerLogic {
	if sink == nil {
		panic("Invalidator cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationConsumerLogic{sink: sink, logger: logger.Named("kafka.invalidation")}
}

// HandleInvalidation is the MessageHandler passed to the Kafka consumer.
// 无法解析的消息被跳过（返回 nil 以提交位移），重试不会让它变得可解析。
func (h *InvalidationConsumerLogic) HandleInvalidation(ctx context.Context, msg *kafka.Message) error {
	var event imtypes.InvalidationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Warn("跳过无法解析的失效事件", zap.ByteString("value", msg.Value), zap.Error(err))
		return nil
	}
	if len(event.Keys) == 0 {
		return nil
	}
	h.sink.Invalidate(event.Keys...)
	return nil
}
