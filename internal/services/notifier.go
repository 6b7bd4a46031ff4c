package services

import (
	"context"

	"go.uber.org/zap"

	"school-im/internal/imtypes"
)

// notifier 在事务提交后发布失效事件。发布失败只记录日志，不影响已提交的变更。
type notifier struct {
	publisher imtypes.InvalidationPublisher
	logger    *zap.Logger
}

func newNotifier(publisher imtypes.InvalidationPublisher, logger *zap.Logger) notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return notifier{publisher: publisher, logger: logger}
}

func (n notifier) publish(ctx context.Context, keys ...string) {
	if n.publisher == nil || len(keys) == 0 {
		return
	}
	// 请求结束不应中断已提交变更的通知
	if err := n.publisher.Publish(context.WithoutCancel(ctx), keys...); err != nil {
		n.logger.Warn("发布失效事件失败", zap.Strings("keys", keys), zap.Error(err))
	}
}
