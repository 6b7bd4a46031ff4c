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

// FriendRequestService 实现好友请求状态机：pending → accepted | rejected，终态不可再变。
type FriendRequestService interface {
	Create(ctx context.Context, senderExternalID, receiverUsername string) (uint, error)
	ListIncoming(ctx context.Context, userExternalID string) ([]*models.FriendRequestWithSender, error)
	ListOutgoing(ctx context.Context, userExternalID string) ([]*models.FriendRequestWithReceiver, error)
	Respond(ctx context.Context, responderExternalID string, requestID uint, decision models.Decision) (*RespondResult, error)
	Count(ctx context.Context, userExternalID string) (int64, error)
}

// RespondResult 是处理结果。接受时 Conversation 为双方的私聊会话（新建或已存在）。
type RespondResult struct {
	Request      *models.FriendRequest `json:"request"`
	Conversation *models.Conversation  `json:"conversation,omitempty"`
}

type friendRequestService struct {
	db          *gorm.DB
	directory   DirectoryService
	requestRepo storage.FriendRequestRepository
	notify      notifier
	logger      *zap.Logger
}

// NewFriendRequestService creates a new FriendRequestService instance.
func NewFriendRequestService(
	db *gorm.DB,
	directory DirectoryService,
	requestRepo storage.FriendRequestRepository,
	publisher imtypes.InvalidationPublisher,
	logger *zap.Logger,
) FriendRequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &friendRequestService{
		db:          db,
		directory:   directory,
		requestRepo: requestRepo,
		notify:      newNotifier(publisher, logger),
		logger:      logger.Named("friend_request"),
	}
}

// Create 发送好友请求，返回新请求的 ID。
func (s *friendRequestService) Create(ctx context.Context, senderExternalID, receiverUsername string) (uint, error) {
	sender, err := authenticate(ctx, s.directory, senderExternalID)
	if err != nil {
		return 0, err
	}

	receiverUsername = strings.TrimSpace(receiverUsername)
	receiver, err := s.directory.ResolveByUsername(ctx, receiverUsername)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return 0, ErrReceiverNotFound
		}
		return 0, err
	}
	if sender.Username == receiverUsername || sender.ID == receiver.ID {
		return 0, ErrSelfRequest
	}

	pairKey := models.PairKey(sender.Ref(), receiver.Ref())
	existing, err := s.requestRepo.FindPendingByPair(ctx, pairKey)
	if err != nil {
		return 0, fmt.Errorf("检查现有请求时出错: %w", err)
	}
	if existing != nil {
		return 0, pendingConflict(existing, sender)
	}

	request := models.NewPendingFriendRequest(sender.Ref(), receiver.Ref())
	if err := s.requestRepo.Create(ctx, request); err != nil {
		if !storage.IsUniqueViolation(err) {
			return 0, fmt.Errorf("创建好友请求失败: %w", err)
		}
		// 并发写入者先一步插入了同一对用户的待处理请求
		existing, findErr := s.requestRepo.FindPendingByPair(ctx, pairKey)
		if findErr != nil || existing == nil {
			return 0, fmt.Errorf("创建好友请求失败: %w", err)
		}
		return 0, pendingConflict(existing, sender)
	}

	s.logger.Info("好友请求已创建",
		zap.Uint("requestId", request.ID),
		zap.String("sender", sender.ID),
		zap.String("receiver", receiver.ID))
	s.notify.publish(ctx, livequery.RequestKeys(receiver.ID)...)
	return request.ID, nil
}

// pendingConflict 区分同方向的重复请求与对方已发来的请求。
func pendingConflict(existing *models.FriendRequest, sender *models.User) error {
	if existing.SenderID == sender.ID && existing.SenderRole == sender.Role {
		return ErrDuplicateRequest
	}
	return ErrAlreadyReceived
}

// ListIncoming 列出调用者收到的待处理请求，最早的在前，并附带发送者资料。
func (s *friendRequestService) ListIncoming(ctx context.Context, userExternalID string) ([]*models.FriendRequestWithSender, error) {
	user, err := authenticate(ctx, s.directory, userExternalID)
	if err != nil {
		return nil, err
	}
	requests, err := s.requestRepo.ListPendingForReceiver(ctx, user.Ref())
	if err != nil {
		return nil, fmt.Errorf("获取待处理请求失败: %w", err)
	}

	refs := make([]models.UserRef, 0, len(requests))
	for i := range requests {
		refs = append(refs, requests[i].SenderRef())
	}
	senders, err := s.directory.GetMany(ctx, refs)
	if err != nil {
		return nil, err
	}

	result := make([]*models.FriendRequestWithSender, 0, len(requests))
	for i := range requests {
		result = append(result, &models.FriendRequestWithSender{
			FriendRequest: requests[i],
			Sender:        basicInfoOrUnknown(senders, requests[i].SenderRef()),
		})
	}
	return result, nil
}

// ListOutgoing 列出调用者发出且仍待处理的请求。
func (s *friendRequestService) ListOutgoing(ctx context.Context, userExternalID string) ([]*models.FriendRequestWithReceiver, error) {
	user, err := authenticate(ctx, s.directory, userExternalID)
	if err != nil {
		return nil, err
	}
	requests, err := s.requestRepo.ListPendingForSender(ctx, user.Ref())
	if err != nil {
		return nil, fmt.Errorf("获取已发送请求失败: %w", err)
	}

	refs := make([]models.UserRef, 0, len(requests))
	for i := range requests {
		refs = append(refs, requests[i].ReceiverRef())
	}
	receivers, err := s.directory.GetMany(ctx, refs)
	if err != nil {
		return nil, err
	}

	result := make([]*models.FriendRequestWithReceiver, 0, len(requests))
	for i := range requests {
		result = append(result, &models.FriendRequestWithReceiver{
			FriendRequest: requests[i],
			Receiver:      basicInfoOrUnknown(receivers, requests[i].ReceiverRef()),
		})
	}
	return result, nil
}

// Respond 接受或拒绝一条请求。状态转换是条件更新，并发处理同一请求时只有一个会成功，
// 其余得到 ErrInvalidTransition。接受时在同一事务内获取或创建双方的私聊会话。
func (s *friendRequestService) Respond(ctx context.Context, responderExternalID string, requestID uint, decision models.Decision) (*RespondResult, error) {
	status, ok := decision.Status()
	if !ok {
		return nil, ErrInvalidDecision
	}
	responder, err := authenticate(ctx, s.directory, responderExternalID)
	if err != nil {
		return nil, err
	}

	result := &RespondResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRequestRepo := storage.NewGormFriendRequestRepository(tx)

		request, err := txRequestRepo.GetRequestByID(ctx, requestID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRequestNotFound
			}
			return fmt.Errorf("获取好友请求失败: %w", err)
		}
		if request.ReceiverID != responder.ID || request.ReceiverRole != responder.Role {
			return ErrNotReceiver
		}
		if request.Status.IsTerminal() {
			return ErrInvalidTransition
		}

		now := time.Now()
		updated, err := txRequestRepo.TransitionFromPending(ctx, requestID, status, now)
		if err != nil {
			return fmt.Errorf("更新好友请求状态失败: %w", err)
		}
		if !updated {
			return ErrInvalidTransition
		}
		request.Status = status
		request.PendingKey = nil
		request.RespondedAt = &now
		result.Request = request

		if status == models.FriendRequestStatusAccepted {
			conversation, _, err := getOrCreateDirect(ctx, tx, request.ReceiverRef(), request.SenderRef())
			if err != nil {
				return err
			}
			result.Conversation = conversation
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("好友请求已处理",
		zap.Uint("requestId", requestID),
		zap.String("status", string(status)),
		zap.String("responder", responder.ID))

	keys := livequery.RequestKeys(responder.ID)
	keys = append(keys,
		livequery.ConversationsKey(result.Request.SenderID),
		livequery.ConversationsKey(result.Request.ReceiverID))
	s.notify.publish(ctx, keys...)
	return result, nil
}

// Count 返回调用者收到的待处理请求数量。
func (s *friendRequestService) Count(ctx context.Context, userExternalID string) (int64, error) {
	user, err := authenticate(ctx, s.directory, userExternalID)
	if err != nil {
		return 0, err
	}
	count, err := s.requestRepo.CountPendingForReceiver(ctx, user.Ref())
	if err != nil {
		return 0, fmt.Errorf("统计待处理请求失败: %w", err)
	}
	return count, nil
}
