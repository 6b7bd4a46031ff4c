package models

import "time"

// Conversation 代表一个聊天会话（一对一或群组）。
type Conversation struct {
	BaseModel
	IsGroup bool `gorm:"not null;default:false;index" json:"isGroup"`

	// 群组会话必须有名称；私聊会话忽略该字段。
	Name string `gorm:"type:varchar(100)" json:"name,omitempty"`

	// DirectKey 是私聊双方的规范化对键，群组会话为 NULL。
	// 唯一索引保证任意两个用户之间最多只有一个私聊会话。
	DirectKey *string `gorm:"type:varchar(255);uniqueIndex" json:"-"`

	CreatorID   string `gorm:"type:varchar(36)" json:"creatorId,omitempty"`
	CreatorRole Role   `gorm:"type:varchar(20)" json:"creatorRole,omitempty"`

	// LastMessageID 可用于快速获取最后一条消息以供显示。
	// 可为空，因为新会话可能还没有消息。
	LastMessageID *uint `gorm:"index" json:"lastMessageId,omitempty"`

	Memberships []Membership `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
	Messages    []Message    `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName 指定 Conversation 模型的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// Membership 将用户链接到会话，并记录该成员自己的阅读位置。
// (member_id, conversation_id) 唯一；成员只随会话一起删除。
type Membership struct {
	ID                uint       `gorm:"primarykey" json:"id"`
	ConversationID    uint       `gorm:"not null;uniqueIndex:idx_membership_member_conversation,priority:2;index:idx_membership_conversation" json:"conversationId"`
	MemberID          string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_membership_member_conversation,priority:1;index:idx_membership_member" json:"memberId"`
	MemberRole        Role       `gorm:"type:varchar(20);not null" json:"memberRole"`
	LastSeenMessageID *uint      `json:"lastSeenMessage"`
	JoinedAt          time.Time  `json:"joinedAt"`
	LastSeenAt        *time.Time `json:"lastSeenAt,omitempty"`
}

// TableName 指定 Membership 模型的表名。
func (Membership) TableName() string {
	return "conversation_memberships"
}

// MemberRef returns the member reference.
func (m *Membership) MemberRef() UserRef {
	return UserRef{ID: m.MemberID, Role: m.MemberRole}
}

// OtherMember 是私聊会话中对方的资料投影，附带对方的阅读位置。
type OtherMember struct {
	UserBasicInfo
	LastSeenMessageID *uint `json:"lastSeenMessage"`
}

// ConversationView 是 get 操作返回的视图。群组会话的 OtherMember 始终为空。
type ConversationView struct {
	Conversation
	Membership  *Membership  `json:"membership"`
	OtherMember *OtherMember `json:"otherMember,omitempty"`
}

// ConversationSummary 是会话列表中的一项。
type ConversationSummary struct {
	ConversationView
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int64    `json:"unreadCount"`
}

// MemberInfo 是成员列表中的一项。
type MemberInfo struct {
	UserBasicInfo
	LastSeenMessageID *uint     `json:"lastSeenMessage"`
	JoinedAt          time.Time `json:"joinedAt"`
}
