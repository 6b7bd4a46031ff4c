package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"school-im/internal/models"
)

// MessageRepository 定义了消息数据操作的接口。
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	// ListByConversation 返回按 (created_at, id) 升序的消息；beforeID 为 0 时取最新的 limit 条。
	ListByConversation(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]*models.Message, error)
	// CountNewerThan 统计 after 之后、且不是 excludeSender 发送的消息数。after 为 nil 时统计全部。
	CountNewerThan(ctx context.Context, conversationID uint, after *models.Message, excludeSender string) (int64, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create 在数据库中创建一条新的消息记录。
func (r *gormMessageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetByID 通过ID检索消息。
func (r *gormMessageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *gormMessageRepository) ListByConversation(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]*models.Message, error) {
	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if beforeID > 0 {
		before, err := r.GetByID(ctx, beforeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return []*models.Message{}, nil
			}
			return nil, err
		}
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", before.CreatedAt, before.CreatedAt, before.ID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	// 先倒序取最新的一页，再翻转为展示顺序
	var messages []*models.Message
	if err := query.Order("created_at DESC, id DESC").Find(&messages).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *gormMessageRepository) CountNewerThan(ctx context.Context, conversationID uint, after *models.Message, excludeSender string) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", conversationID)
	if excludeSender != "" {
		query = query.Where("sender_id <> ?", excludeSender)
	}
	if after != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}
