package services

import "errors"

// 身份与目录
var (
	ErrUnauthenticated   = errors.New("未认证的用户")
	ErrUserNotFound      = errors.New("用户未找到")
	ErrUserAlreadyExists = errors.New("用户名或外部ID已存在")
	ErrInvalidRole       = errors.New("无效的角色")
)

// 好友请求
var (
	ErrReceiverNotFound  = errors.New("接收用户不存在")
	ErrSelfRequest       = errors.New("不能向自己发送好友请求")
	ErrDuplicateRequest  = errors.New("已存在待处理的好友请求")
	ErrAlreadyReceived   = errors.New("对方已向你发送好友请求")
	ErrInvalidDecision   = errors.New("无效的处理决定")
	ErrRequestNotFound   = errors.New("好友请求不存在")
	ErrNotReceiver       = errors.New("您不是此好友请求的接收者")
	ErrInvalidTransition = errors.New("该好友请求不是待处理状态")
)

// 会话与消息
var (
	ErrDirectExists         = errors.New("私聊会话已存在")
	ErrSelfConversation     = errors.New("不能与自己创建会话")
	ErrGroupNameRequired    = errors.New("群组名称不能为空")
	ErrMemberNotFound       = errors.New("成员不存在")
	ErrGroupTooSmall        = errors.New("群组至少需要两名成员")
	ErrConversationNotFound = errors.New("会话不存在")
	ErrNotMember            = errors.New("您不是该会话的成员")
	ErrNotConversationOwner = errors.New("只有创建者可以删除群组会话")
	ErrMessageNotFound      = errors.New("消息不存在")
	ErrEmptyMessage         = errors.New("消息内容不能为空")
	ErrInvalidMessageType   = errors.New("无效的消息类型")
)

// 实时查询
var (
	ErrUnknownQuery     = errors.New("未知的实时查询")
	ErrInvalidQueryArgs = errors.New("实时查询参数无效")
)

var domainErrors = []error{
	ErrUnauthenticated, ErrUserNotFound, ErrUserAlreadyExists, ErrInvalidRole,
	ErrReceiverNotFound, ErrSelfRequest, ErrDuplicateRequest, ErrAlreadyReceived,
	ErrInvalidDecision, ErrRequestNotFound, ErrNotReceiver, ErrInvalidTransition,
	ErrDirectExists, ErrSelfConversation, ErrGroupNameRequired, ErrMemberNotFound,
	ErrGroupTooSmall, ErrConversationNotFound, ErrNotMember, ErrNotConversationOwner,
	ErrMessageNotFound, ErrEmptyMessage, ErrInvalidMessageType,
	ErrUnknownQuery, ErrInvalidQueryArgs,
}

// IsDomainError reports whether err is one of the service sentinels.
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// PublicMessage 返回可以展示给客户端的错误信息；存储层等内部错误不外泄细节。
func PublicMessage(err error) string {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "服务器内部错误"
}
