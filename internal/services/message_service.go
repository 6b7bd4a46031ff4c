package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"school-im/internal/imtypes"
	"school-im/internal/livequery"
	"school-im/internal/models"
	"school-im/internal/storage"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
)

// MessageService 定义了消息服务的接口。
type MessageService interface {
	Send(ctx context.Context, conversationID uint, senderExternalID string, msgType models.MessageType, content string) (*models.Message, error)
	// List 返回按 (created_at, id) 升序的一页消息；beforeID 为 0 时为最新一页。
	List(ctx context.Context, conversationID uint, userExternalID string, limit int, beforeID uint) ([]*models.Message, error)
}

// messageService 是 MessageService 的实现。
type messageService struct {
	db        *gorm.DB
	directory DirectoryService
	convoRepo storage.ConversationRepository
	msgRepo   storage.MessageRepository
	notify    notifier
	logger    *zap.Logger
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(
	db *gorm.DB,
	directory DirectoryService,
	convoRepo storage.ConversationRepository,
	msgRepo storage.MessageRepository,
	publisher imtypes.InvalidationPublisher,
	logger *zap.Logger,
) MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &messageService{
		db:        db,
		directory: directory,
		convoRepo: convoRepo,
		msgRepo:   msgRepo,
		notify:    newNotifier(publisher, logger),
		logger:    logger.Named("message"),
	}
}

// Send 保存消息并更新会话的最后一条消息。
func (s *messageService) Send(ctx context.Context, conversationID uint, senderExternalID string, msgType models.MessageType, content string) (*models.Message, error) {
	sender, _, _, err := authorizeMember(ctx, s.directory, s.convoRepo, conversationID, senderExternalID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if msgType == "" {
		msgType = models.TextMessageType
	}
	if !msgType.Valid() {
		return nil, ErrInvalidMessageType
	}

	message := &models.Message{
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		Type:           msgType,
		Content:        content,
	}
	var memberships []*models.Membership
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txMsgRepo := storage.NewGormMessageRepository(tx)
		txConvoRepo := storage.NewGormConversationRepository(tx)
		if err := txMsgRepo.Create(ctx, message); err != nil {
			return fmt.Errorf("保存消息失败: %w", err)
		}
		if err := txConvoRepo.SetLastMessage(ctx, conversationID, message.ID); err != nil {
			return fmt.Errorf("更新会话最后消息失败: %w", err)
		}
		var err error
		memberships, err = txConvoRepo.ListMemberships(ctx, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("消息已保存",
		zap.Uint("messageId", message.ID),
		zap.Uint("conversationId", conversationID),
		zap.String("sender", sender.ID))
	keys := []string{livequery.MessagesKey(conversationID), livequery.ConversationKey(conversationID)}
	for _, m := range memberships {
		keys = append(keys, livequery.ConversationsKey(m.MemberID))
	}
	s.notify.publish(ctx, keys...)
	return message, nil
}

func (s *messageService) List(ctx context.Context, conversationID uint, userExternalID string, limit int, beforeID uint) ([]*models.Message, error) {
	if _, _, _, err := authorizeMember(ctx, s.directory, s.convoRepo, conversationID, userExternalID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}
	messages, err := s.msgRepo.ListByConversation(ctx, conversationID, limit, beforeID)
	if err != nil {
		return nil, fmt.Errorf("获取消息失败: %w", err)
	}
	return messages, nil
}
