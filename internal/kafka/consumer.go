package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"school-im/internal/config"
)

// MessageHandler is a function type for processing consumed Kafka messages.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer defines the interface for a Kafka message consumer.
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error
	Close()
}

// confluentKafkaConsumer is an implementation of MessageConsumer using confluent-kafka-go.
type confluentKafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
	groupID  string
	logger   *zap.Logger
}

// NewConfluentKafkaConsumer creates a consumer; the underlying client is created in Consume once the group is known.
func NewConfluentKafkaConsumer(cfg config.KafkaConfig, logger *zap.Logger) MessageConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &confluentKafkaConsumer{cfg: cfg, logger: logger.Named("kafka.consumer")}
}

// GroupID 返回实例专属的消费者组名。每个节点都必须收到全部失效事件，因此不能共享组。
func GroupID(cfg config.KafkaConfig, instanceID string) string {
	return cfg.ConsumerGroupPrefix + "-" + instanceID
}

// Consume starts consuming messages from the specified topics and group.
// This method blocks until the context is canceled or a fatal error occurs.
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no topics specified")
	}
	c.groupID = groupID

	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.cfg.Brokers, ","),
		"group.id":          c.groupID,
		// 失效事件只对在线订阅有意义，新组从最新位置开始
		"auto.offset.reset":  "latest",
		"enable.auto.commit": "false",
		"security.protocol":  c.cfg.Protocol,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer for group %s: %w", groupID, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		_ = c.consumer.Close()
		c.consumer = nil
		return fmt.Errorf("failed to subscribe to topics %v for group %s: %w", topics, groupID, err)
	}

	log := c.logger.With(zap.String("group", groupID))
	log.Info("Kafka consumer started", zap.Strings("topics", topics))

	for {
		select {
		case <-ctx.Done():
			log.Info("Context canceled, consumer loop finished")
			return nil
		default:
		}

		ev := c.consumer.Poll(1000)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Error("Error processing Kafka message",
					zap.Stringp("topic", e.TopicPartition.Topic),
					zap.Any("offset", e.TopicPartition.Offset),
					zap.Error(err))
				continue
			}
			if _, err := c.consumer.CommitMessage(e); err != nil {
				log.Warn("Failed to commit offset", zap.Any("offset", e.TopicPartition.Offset), zap.Error(err))
			}
		case kafka.Error:
			log.Error("Kafka consumer error",
				zap.Error(e),
				zap.Bool("fatal", e.IsFatal()),
				zap.Bool("retriable", e.IsRetriable()))
			if e.IsFatal() {
				return e
			}
		case kafka.AssignedPartitions:
			log.Info("Partitions assigned", zap.Any("partitions", e.Partitions))
			_ = c.consumer.Assign(e.Partitions)
		case kafka.RevokedPartitions:
			log.Info("Partitions revoked", zap.Any("partitions", e.Partitions))
			_ = c.consumer.Unassign()
		}
	}
}

// Close closes the Kafka consumer.
func (c *confluentKafkaConsumer) Close() {
	if c.consumer == nil {
		return
	}
	if err := c.consumer.Close(); err != nil {
		c.logger.Warn("Error closing Kafka consumer", zap.String("group", c.groupID), zap.Error(err))
	}
	c.consumer = nil
}
