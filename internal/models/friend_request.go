package models

import "time"

// FriendRequestStatus 定义好友请求的状态
type FriendRequestStatus string

const (
	FriendRequestStatusPending  FriendRequestStatus = "pending"
	FriendRequestStatusAccepted FriendRequestStatus = "accepted"
	FriendRequestStatusRejected FriendRequestStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s FriendRequestStatus) IsTerminal() bool {
	return s == FriendRequestStatusAccepted || s == FriendRequestStatusRejected
}

// Decision 是接收者对请求的处理结果。
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Status maps a decision to the terminal status it produces.
func (d Decision) Status() (FriendRequestStatus, bool) {
	switch d {
	case DecisionAccept:
		return FriendRequestStatusAccepted, true
	case DecisionReject:
		return FriendRequestStatusRejected, true
	}
	return "", false
}

// FriendRequest 代表一个好友请求记录
//
// PendingKey 只在 pending 状态下等于 PairKey，进入终态后置为 NULL。
// 它上面的唯一索引保证同一对用户（无论方向）最多只有一条待处理请求，
// 而已接受/已拒绝的历史记录可以保留。
type FriendRequest struct {
	BaseModel
	SenderID     string              `gorm:"type:varchar(36);not null;index:idx_friend_request_sender,priority:1;index:idx_friend_request_receiver,priority:3" json:"senderId"`
	SenderRole   Role                `gorm:"type:varchar(20);not null;index:idx_friend_request_sender,priority:2;index:idx_friend_request_receiver,priority:4" json:"senderRole"`
	ReceiverID   string              `gorm:"type:varchar(36);not null;index:idx_friend_request_receiver,priority:1;index:idx_friend_request_sender,priority:3" json:"receiverId"`
	ReceiverRole Role                `gorm:"type:varchar(20);not null;index:idx_friend_request_receiver,priority:2;index:idx_friend_request_sender,priority:4" json:"receiverRole"`
	Status       FriendRequestStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PairKey      string              `gorm:"type:varchar(255);not null;index" json:"-"`
	PendingKey   *string             `gorm:"type:varchar(255);uniqueIndex" json:"-"`
	RespondedAt  *time.Time          `json:"respondedAt,omitempty"`
}

// TableName 指定 FriendRequest 模型的表名。
func (FriendRequest) TableName() string {
	return "friend_requests"
}

// SenderRef returns the sender reference.
func (r *FriendRequest) SenderRef() UserRef {
	return UserRef{ID: r.SenderID, Role: r.SenderRole}
}

// ReceiverRef returns the receiver reference.
func (r *FriendRequest) ReceiverRef() UserRef {
	return UserRef{ID: r.ReceiverID, Role: r.ReceiverRole}
}

// NewPendingFriendRequest 构造一条待处理请求并填好规范化的对键。
func NewPendingFriendRequest(sender, receiver UserRef) *FriendRequest {
	pair := PairKey(sender, receiver)
	return &FriendRequest{
		SenderID:     sender.ID,
		SenderRole:   sender.Role,
		ReceiverID:   receiver.ID,
		ReceiverRole: receiver.Role,
		Status:       FriendRequestStatusPending,
		PairKey:      pair,
		PendingKey:   &pair,
	}
}

// FriendRequestWithSender is the listing projection: the request plus the
// sender's public profile.
type FriendRequestWithSender struct {
	FriendRequest
	Sender *UserBasicInfo `json:"sender"`
}

// FriendRequestWithReceiver is the outgoing listing projection.
type FriendRequestWithReceiver struct {
	FriendRequest
	Receiver *UserBasicInfo `json:"receiver"`
}
