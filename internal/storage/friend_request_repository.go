package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"school-im/internal/models"
)

// FriendRequestRepository defines the interface for friend request data operations.
type FriendRequestRepository interface {
	Create(ctx context.Context, request *models.FriendRequest) error
	// FindPendingByPair 用规范化对键一次查出两个方向上的待处理请求。
	FindPendingByPair(ctx context.Context, pairKey string) (*models.FriendRequest, error)
	GetRequestByID(ctx context.Context, requestID uint) (*models.FriendRequest, error)
	// TransitionFromPending 只在请求仍为 pending 时把它改为终态，返回是否实际发生了更新。
	TransitionFromPending(ctx context.Context, requestID uint, status models.FriendRequestStatus, at time.Time) (bool, error)
	ListPendingForReceiver(ctx context.Context, receiver models.UserRef) ([]models.FriendRequest, error)
	ListPendingForSender(ctx context.Context, sender models.UserRef) ([]models.FriendRequest, error)
	CountPendingForReceiver(ctx context.Context, receiver models.UserRef) (int64, error)
}

type gormFriendRequestRepository struct {
	db *gorm.DB
}

func NewGormFriendRequestRepository(db *gorm.DB) FriendRequestRepository {
	return &gormFriendRequestRepository{db: db}
}

func (r *gormFriendRequestRepository) Create(ctx context.Context, request *models.FriendRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

// FindPendingByPair checks if there is an existing pending request between two users (in either direction).
func (r *gormFriendRequestRepository) FindPendingByPair(ctx context.Context, pairKey string) (*models.FriendRequest, error) {
	var request models.FriendRequest
	err := r.db.WithContext(ctx).
		Where("pending_key = ?", pairKey).
		Where("status = ?", models.FriendRequestStatusPending).
		Take(&request).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // No pending request found is not an error in this context
		}
		return nil, err
	}
	return &request, nil
}

func (r *gormFriendRequestRepository) GetRequestByID(ctx context.Context, requestID uint) (*models.FriendRequest, error) {
	var request models.FriendRequest
	if err := r.db.WithContext(ctx).First(&request, requestID).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *gormFriendRequestRepository) TransitionFromPending(ctx context.Context, requestID uint, status models.FriendRequestStatus, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.FriendRequest{}).
		Where("id = ? AND status = ?", requestID, models.FriendRequestStatusPending).
		Updates(map[string]interface{}{
			"status":       status,
			"pending_key":  gorm.Expr("NULL"),
			"responded_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormFriendRequestRepository) ListPendingForReceiver(ctx context.Context, receiver models.UserRef) ([]models.FriendRequest, error) {
	var requests []models.FriendRequest
	err := r.db.WithContext(ctx).
		Where("receiver_id = ? AND receiver_role = ? AND status = ?", receiver.ID, receiver.Role, models.FriendRequestStatusPending).
		Order("created_at ASC, id ASC").
		Find(&requests).Error
	return requests, err
}

func (r *gormFriendRequestRepository) ListPendingForSender(ctx context.Context, sender models.UserRef) ([]models.FriendRequest, error) {
	var requests []models.FriendRequest
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND sender_role = ? AND status = ?", sender.ID, sender.Role, models.FriendRequestStatusPending).
		Order("created_at ASC, id ASC").
		Find(&requests).Error
	return requests, err
}

func (r *gormFriendRequestRepository) CountPendingForReceiver(ctx context.Context, receiver models.UserRef) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.FriendRequest{}).
		Where("receiver_id = ? AND receiver_role = ? AND status = ?", receiver.ID, receiver.Role, models.FriendRequestStatusPending).
		Count(&count).Error
	return count, err
}
