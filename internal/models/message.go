package models

// MessageType 定义了存储在数据库中的消息类型。
type MessageType string

const (
	TextMessageType   MessageType = "text"
	ImageMessageType  MessageType = "image"
	FileMessageType   MessageType = "file"
	SystemMessageType MessageType = "system" // 用于系统通知
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TextMessageType, ImageMessageType, FileMessageType, SystemMessageType:
		return true
	}
	return false
}

// Message 代表存储在数据库中的聊天消息。
// 展示顺序按 (created_at, id) 升序排列，id 用于打破同一时间戳的平局。
type Message struct {
	BaseModel
	ConversationID uint        `gorm:"index;not null" json:"conversationId"`
	SenderID       string      `gorm:"type:varchar(36);index;not null" json:"senderId"`
	SenderRole     Role        `gorm:"type:varchar(20);not null" json:"senderRole"`
	Type           MessageType `gorm:"type:varchar(20);not null" json:"type"`
	Content        string      `gorm:"type:text" json:"content"`
}

// TableName 指定 Message 模型的表名。
func (Message) TableName() string {
	return "messages"
}

// NewerThan reports whether m sorts strictly after other in display order.
func (m *Message) NewerThan(other *Message) bool {
	if other == nil {
		return true
	}
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID > other.ID
	}
	return m.CreatedAt.After(other.CreatedAt)
}
