package models

import "time"

// BaseModel 定义了会话、消息、好友请求等表共用的字段。
// 不使用软删除：唯一索引（待处理请求、私聊对）必须只看到真实存在的行。
type BaseModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
