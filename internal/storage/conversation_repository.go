package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"school-im/internal/models"
)

// ConversationRepository 定义了会话与成员关系的数据操作接口。
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conversation *models.Conversation) error
	GetConversationByID(ctx context.Context, id uint) (*models.Conversation, error)
	GetConversationsByIDs(ctx context.Context, ids []uint) ([]*models.Conversation, error)
	// FindDirectByKey 通过规范化对键查找私聊会话，不存在时返回 nil, nil。
	FindDirectByKey(ctx context.Context, directKey string) (*models.Conversation, error)
	SetLastMessage(ctx context.Context, conversationID uint, messageID uint) error
	DeleteConversation(ctx context.Context, conversationID uint) error

	AddMemberships(ctx context.Context, memberships []*models.Membership) error
	GetMembership(ctx context.Context, conversationID uint, memberID string) (*models.Membership, error)
	ListMemberships(ctx context.Context, conversationID uint) ([]*models.Membership, error)
	ListMembershipsForMember(ctx context.Context, memberID string) ([]*models.Membership, error)
	// CompareAndSetLastSeen 仅当当前指针仍等于 expected 时才写入 next。
	CompareAndSetLastSeen(ctx context.Context, conversationID uint, memberID string, expected *uint, next uint, at time.Time) (bool, error)
}

// gormConversationRepository 使用 GORM 实现 ConversationRepository。
type gormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建一个新的基于 GORM 的 ConversationRepository。
func NewGormConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

// CreateConversation 创建一个新的会话。
func (r *gormConversationRepository) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conversation).Error
}

// GetConversationByID 通过ID检索会话。
func (r *gormConversationRepository) GetConversationByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).First(&conversation, id).Error; err != nil {
		return nil, err
	}
	return &conversation, nil
}

// GetConversationsByIDs 批量获取会话，按最近更新时间倒序。
func (r *gormConversationRepository) GetConversationsByIDs(ctx context.Context, ids []uint) ([]*models.Conversation, error) {
	conversations := []*models.Conversation{}
	if len(ids) == 0 {
		return conversations, nil
	}
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("updated_at DESC, id DESC").
		Find(&conversations).Error
	return conversations, err
}

// FindDirectByKey 查找两个用户之间的私聊会话。
func (r *gormConversationRepository) FindDirectByKey(ctx context.Context, directKey string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		Where("direct_key = ? AND is_group = ?", directKey, false).
		Take(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conversation, nil
}

// SetLastMessage 更新会话的最后一条消息，同时刷新 updated_at 以便列表排序。
func (r *gormConversationRepository) SetLastMessage(ctx context.Context, conversationID uint, messageID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("last_message_id", messageID).Error
}

// DeleteConversation 删除会话及其拥有的成员关系与消息。
// 调用方应在事务中使用；数据库层的 ON DELETE CASCADE 是第二道保障。
func (r *gormConversationRepository) DeleteConversation(ctx context.Context, conversationID uint) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("conversation_id = ?", conversationID).Delete(&models.Membership{}).Error; err != nil {
		return err
	}
	if err := db.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
		return err
	}
	return db.Delete(&models.Conversation{}, conversationID).Error
}

// AddMemberships 批量插入成员关系；(member_id, conversation_id) 唯一。
func (r *gormConversationRepository) AddMemberships(ctx context.Context, memberships []*models.Membership) error {
	if len(memberships) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&memberships).Error
}

// GetMembership 获取会话中的特定成员关系。
func (r *gormConversationRepository) GetMembership(ctx context.Context, conversationID uint, memberID string) (*models.Membership, error) {
	var membership models.Membership
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND member_id = ?", conversationID, memberID).
		Take(&membership).Error
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

// ListMemberships 获取会话的所有成员关系，按加入顺序。
func (r *gormConversationRepository) ListMemberships(ctx context.Context, conversationID uint) ([]*models.Membership, error) {
	var memberships []*models.Membership
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&memberships).Error
	return memberships, err
}

// ListMembershipsForMember 获取用户的全部成员关系。
func (r *gormConversationRepository) ListMembershipsForMember(ctx context.Context, memberID string) ([]*models.Membership, error) {
	var memberships []*models.Membership
	err := r.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Find(&memberships).Error
	return memberships, err
}

func (r *gormConversationRepository) CompareAndSetLastSeen(ctx context.Context, conversationID uint, memberID string, expected *uint, next uint, at time.Time) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("conversation_id = ? AND member_id = ?", conversationID, memberID)
	if expected == nil {
		query = query.Where("last_seen_message_id IS NULL")
	} else {
		query = query.Where("last_seen_message_id = ?", *expected)
	}
	res := query.Updates(map[string]interface{}{
		"last_seen_message_id": next,
		"last_seen_at":         at,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
