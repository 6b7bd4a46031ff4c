package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"school-im/internal/imtypes"
	"school-im/internal/livequery"
	"school-im/internal/models"
	"school-im/internal/storage"
)

// markReadAttempts 是 MarkRead 比较并交换的最大重试次数。
const markReadAttempts = 5

// ConversationService 定义了会话相关服务的接口。
type ConversationService interface {
	// CreateDirect 为两个用户创建私聊会话；同一对用户只能有一个。
	CreateDirect(ctx context.Context, a, b models.UserRef) (*models.Conversation, error)
	CreateDirectByUsername(ctx context.Context, callerExternalID, username string) (*models.Conversation, error)
	CreateGroup(ctx context.Context, creatorExternalID string, memberIDs []string, name string) (*models.Conversation, error)
	Get(ctx context.Context, conversationID uint, userExternalID string) (*models.ConversationView, error)
	ListForUser(ctx context.Context, userExternalID string) ([]*models.ConversationSummary, error)
	ListMembers(ctx context.Context, conversationID uint, userExternalID string) ([]*models.MemberInfo, error)
	// MarkRead 把调用者的阅读位置推进到 messageID；只前进不后退，返回是否实际移动。
	MarkRead(ctx context.Context, conversationID uint, userExternalID string, messageID uint) (bool, error)
	DeleteConversation(ctx context.Context, conversationID uint, userExternalID string) error
}

// conversationService 是 ConversationService 的实现。
type conversationService struct {
	db        *gorm.DB
	directory DirectoryService
	convoRepo storage.ConversationRepository
	msgRepo   storage.MessageRepository
	notify    notifier
	logger    *zap.Logger
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(
	db *gorm.DB,
	directory DirectoryService,
	convoRepo storage.ConversationRepository,
	msgRepo storage.MessageRepository,
	publisher imtypes.InvalidationPublisher,
	logger *zap.Logger,
) ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &conversationService{
		db:        db,
		directory: directory,
		convoRepo: convoRepo,
		msgRepo:   msgRepo,
		notify:    newNotifier(publisher, logger),
		logger:    logger.Named("conversation"),
	}
}

// createDirectTx 在 tx 中插入私聊会话和两条成员关系。
// 插入放在保存点里，唯一索引冲突时外层事务仍可继续使用。
func createDirectTx(ctx context.Context, tx *gorm.DB, creator, other models.UserRef) (*models.Conversation, error) {
	directKey := models.PairKey(creator, other)
	conversation := &models.Conversation{
		IsGroup:     false,
		DirectKey:   &directKey,
		CreatorID:   creator.ID,
		CreatorRole: creator.Role,
	}
	err := tx.Transaction(func(sp *gorm.DB) error {
		repo := storage.NewGormConversationRepository(sp)
		if err := repo.CreateConversation(ctx, conversation); err != nil {
			return err
		}
		now := time.Now()
		return repo.AddMemberships(ctx, []*models.Membership{
			{ConversationID: conversation.ID, MemberID: creator.ID, MemberRole: creator.Role, JoinedAt: now},
			{ConversationID: conversation.ID, MemberID: other.ID, MemberRole: other.Role, JoinedAt: now},
		})
	})
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// getOrCreateDirect 返回双方的私聊会话，不存在时创建。第二个返回值表示是否新建。
func getOrCreateDirect(ctx context.Context, tx *gorm.DB, creator, other models.UserRef) (*models.Conversation, bool, error) {
	repo := storage.NewGormConversationRepository(tx)
	directKey := models.PairKey(creator, other)

	existing, err := repo.FindDirectByKey(ctx, directKey)
	if err != nil {
		return nil, false, fmt.Errorf("查找私聊会话失败: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	conversation, err := createDirectTx(ctx, tx, creator, other)
	if err == nil {
		return conversation, true, nil
	}
	if !storage.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("创建私聊会话失败: %w", err)
	}
	existing, findErr := repo.FindDirectByKey(ctx, directKey)
	if findErr != nil || existing == nil {
		return nil, false, fmt.Errorf("创建私聊会话失败: %w", err)
	}
	return existing, false, nil
}

func (s *conversationService) CreateDirect(ctx context.Context, a, b models.UserRef) (*models.Conversation, error) {
	if a.ID == b.ID {
		return nil, ErrSelfConversation
	}

	var conversation *models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txConvoRepo := storage.NewGormConversationRepository(tx)
		existing, err := txConvoRepo.FindDirectByKey(ctx, models.PairKey(a, b))
		if err != nil {
			return fmt.Errorf("查找私聊会话失败: %w", err)
		}
		if existing != nil {
			return ErrDirectExists
		}
		conversation, err = createDirectTx(ctx, tx, a, b)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return ErrDirectExists
			}
			return fmt.Errorf("创建私聊会话失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("私聊会话已创建", zap.Uint("conversationId", conversation.ID))
	s.notify.publish(ctx, livequery.ConversationsKey(a.ID), livequery.ConversationsKey(b.ID))
	return conversation, nil
}

func (s *conversationService) CreateDirectByUsername(ctx context.Context, callerExternalID, username string) (*models.Conversation, error) {
	caller, err := authenticate(ctx, s.directory, callerExternalID)
	if err != nil {
		return nil, err
	}
	other, err := s.directory.ResolveByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return s.CreateDirect(ctx, caller.Ref(), other.Ref())
}

// CreateGroup 创建群组会话。成员集合为 memberIDs 与创建者的并集（去重），至少两人。
func (s *conversationService) CreateGroup(ctx context.Context, creatorExternalID string, memberIDs []string, name string) (*models.Conversation, error) {
	creator, err := authenticate(ctx, s.directory, creatorExternalID)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrGroupNameRequired
	}

	members := []models.UserRef{creator.Ref()}
	seen := map[string]bool{creator.ID: true}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		user, err := s.directory.ResolveByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
			}
			return nil, err
		}
		seen[id] = true
		members = append(members, user.Ref())
	}
	if len(members) < 2 {
		return nil, ErrGroupTooSmall
	}

	conversation := &models.Conversation{
		IsGroup:     true,
		Name:        name,
		CreatorID:   creator.ID,
		CreatorRole: creator.Role,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txConvoRepo := storage.NewGormConversationRepository(tx)
		if err := txConvoRepo.CreateConversation(ctx, conversation); err != nil {
			return fmt.Errorf("创建群组会话失败: %w", err)
		}
		now := time.Now()
		memberships := make([]*models.Membership, 0, len(members))
		for _, m := range members {
			memberships = append(memberships, &models.Membership{
				ConversationID: conversation.ID,
				MemberID:       m.ID,
				MemberRole:     m.Role,
				JoinedAt:       now,
			})
		}
		if err := txConvoRepo.AddMemberships(ctx, memberships); err != nil {
			return fmt.Errorf("添加群组成员失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("群组会话已创建",
		zap.Uint("conversationId", conversation.ID),
		zap.Int("members", len(members)))
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, livequery.ConversationsKey(m.ID))
	}
	s.notify.publish(ctx, keys...)
	return conversation, nil
}

// Get 返回调用者可见的会话视图。私聊会话附带对方资料与对方的阅读位置。
func (s *conversationService) Get(ctx context.Context, conversationID uint, userExternalID string) (*models.ConversationView, error) {
	_, conversation, membership, err := authorizeMember(ctx, s.directory, s.convoRepo, conversationID, userExternalID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, conversation, membership)
}

func (s *conversationService) buildView(ctx context.Context, conversation *models.Conversation, membership *models.Membership) (*models.ConversationView, error) {
	view := &models.ConversationView{Conversation: *conversation, Membership: membership}
	if conversation.IsGroup {
		return view, nil
	}

	memberships, err := s.convoRepo.ListMemberships(ctx, conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("获取会话成员失败: %w", err)
	}
	for _, m := range memberships {
		if m.MemberID == membership.MemberID {
			continue
		}
		var info *models.UserBasicInfo
		user, err := s.directory.GetByID(ctx, m.MemberRole, m.MemberID)
		switch {
		case err == nil:
			info = user.BasicInfo()
		case errors.Is(err, ErrUserNotFound):
			info = basicInfoOrUnknown(nil, m.MemberRef())
		default:
			return nil, err
		}
		view.OtherMember = &models.OtherMember{UserBasicInfo: *info, LastSeenMessageID: m.LastSeenMessageID}
		break
	}
	return view, nil
}

// ListForUser 列出调用者参与的全部会话，最近活跃的在前，附带最后一条消息和未读数。
func (s *conversationService) ListForUser(ctx context.Context, userExternalID string) ([]*models.ConversationSummary, error) {
	user, err := authenticate(ctx, s.directory, userExternalID)
	if err != nil {
		return nil, err
	}
	memberships, err := s.convoRepo.ListMembershipsForMember(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("获取用户会话失败: %w", err)
	}
	byConversation := make(map[uint]*models.Membership, len(memberships))
	ids := make([]uint, 0, len(memberships))
	for _, m := range memberships {
		byConversation[m.ConversationID] = m
		ids = append(ids, m.ConversationID)
	}
	conversations, err := s.convoRepo.GetConversationsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("获取用户会话失败: %w", err)
	}

	summaries := make([]*models.ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		membership := byConversation[c.ID]
		view, err := s.buildView(ctx, c, membership)
		if err != nil {
			return nil, err
		}
		summary := &models.ConversationSummary{ConversationView: *view}

		if c.LastMessageID != nil {
			if summary.LastMessage, err = s.findMessage(ctx, *c.LastMessageID); err != nil {
				return nil, err
			}
		}
		var lastSeen *models.Message
		if membership.LastSeenMessageID != nil {
			if lastSeen, err = s.findMessage(ctx, *membership.LastSeenMessageID); err != nil {
				return nil, err
			}
		}
		if summary.UnreadCount, err = s.msgRepo.CountNewerThan(ctx, c.ID, lastSeen, user.ID); err != nil {
			return nil, fmt.Errorf("统计未读消息失败: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// findMessage 获取消息，不存在时返回 nil, nil。
func (s *conversationService) findMessage(ctx context.Context, id uint) (*models.Message, error) {
	message, err := s.msgRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("获取消息失败: %w", err)
	}
	return message, nil
}

// ListMembers 列出会话的全部成员。调用者必须是成员。
func (s *conversationService) ListMembers(ctx context.Context, conversationID uint, userExternalID string) ([]*models.MemberInfo, error) {
	if _, _, _, err := authorizeMember(ctx, s.directory, s.convoRepo, conversationID, userExternalID); err != nil {
		return nil, err
	}
	memberships, err := s.convoRepo.ListMemberships(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("获取会话成员失败: %w", err)
	}
	refs := make([]models.UserRef, 0, len(memberships))
	for _, m := range memberships {
		refs = append(refs, m.MemberRef())
	}
	users, err := s.directory.GetMany(ctx, refs)
	if err != nil {
		return nil, err
	}
	members := make([]*models.MemberInfo, 0, len(memberships))
	for _, m := range memberships {
		members = append(members, &models.MemberInfo{
			UserBasicInfo:     *basicInfoOrUnknown(users, m.MemberRef()),
			LastSeenMessageID: m.LastSeenMessageID,
			JoinedAt:          m.JoinedAt,
		})
	}
	return members, nil
}

func (s *conversationService) MarkRead(ctx context.Context, conversationID uint, userExternalID string, messageID uint) (bool, error) {
	user, conversation, membership, err := authorizeMember(ctx, s.directory, s.convoRepo, conversationID, userExternalID)
	if err != nil {
		return false, err
	}
	target, err := s.findMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if target == nil || target.ConversationID != conversationID {
		return false, ErrMessageNotFound
	}

	for attempt := 0; attempt < markReadAttempts; attempt++ {
		if attempt > 0 {
			if membership, err = s.convoRepo.GetMembership(ctx, conversationID, user.ID); err != nil {
				return false, fmt.Errorf("获取成员关系失败: %w", err)
			}
		}
		var current *models.Message
		if membership.LastSeenMessageID != nil {
			if current, err = s.findMessage(ctx, *membership.LastSeenMessageID); err != nil {
				return false, err
			}
		}
		if !target.NewerThan(current) {
			return false, nil
		}
		swapped, err := s.convoRepo.CompareAndSetLastSeen(ctx, conversationID, user.ID, membership.LastSeenMessageID, target.ID, time.Now())
		if err != nil {
			return false, fmt.Errorf("更新阅读位置失败: %w", err)
		}
		if swapped {
			keys := []string{livequery.ConversationsKey(user.ID), livequery.ConversationKey(conversationID)}
			if !conversation.IsGroup {
				// 私聊中对方看到的 otherMember.lastSeenMessage 也变了
				others, err := s.convoRepo.ListMemberships(ctx, conversationID)
				if err != nil {
					s.logger.Warn("获取私聊成员失败，对方的会话列表不会刷新",
						zap.Uint("conversationId", conversationID), zap.Error(err))
				}
				for _, m := range others {
					if m.MemberID != user.ID {
						keys = append(keys, livequery.ConversationsKey(m.MemberID))
					}
				}
			}
			s.notify.publish(ctx, keys...)
			return true, nil
		}
	}
	return false, fmt.Errorf("更新阅读位置失败: 并发冲突过多")
}

// DeleteConversation 删除会话及其成员关系和消息。群组只有创建者可以删除，私聊双方都可以。
func (s *conversationService) DeleteConversation(ctx context.Context, conversationID uint, userExternalID string) error {
	user, conversation, _, err := authorizeMember(ctx, s.directory, s.convoRepo, conversationID, userExternalID)
	if err != nil {
		return err
	}
	if conversation.IsGroup && conversation.CreatorID != user.ID {
		return ErrNotConversationOwner
	}

	var memberships []*models.Membership
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txConvoRepo := storage.NewGormConversationRepository(tx)
		var err error
		if memberships, err = txConvoRepo.ListMemberships(ctx, conversationID); err != nil {
			return fmt.Errorf("获取会话成员失败: %w", err)
		}
		if err := txConvoRepo.DeleteConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("删除会话失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("会话已删除", zap.Uint("conversationId", conversationID), zap.String("by", user.ID))
	keys := []string{livequery.ConversationKey(conversationID), livequery.MessagesKey(conversationID)}
	for _, m := range memberships {
		keys = append(keys, livequery.ConversationsKey(m.MemberID))
	}
	s.notify.publish(ctx, keys...)
	return nil
}

// authorizeMember 解析调用者并确认其为会话成员。
func authorizeMember(ctx context.Context, directory DirectoryService, convoRepo storage.ConversationRepository, conversationID uint, userExternalID string) (*models.User, *models.Conversation, *models.Membership, error) {
	user, err := authenticate(ctx, directory, userExternalID)
	if err != nil {
		return nil, nil, nil, err
	}
	conversation, err := convoRepo.GetConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrConversationNotFound
		}
		return nil, nil, nil, fmt.Errorf("获取会话失败: %w", err)
	}
	membership, err := convoRepo.GetMembership(ctx, conversationID, user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrNotMember
		}
		return nil, nil, nil, fmt.Errorf("获取成员关系失败: %w", err)
	}
	return user, conversation, membership, nil
}
