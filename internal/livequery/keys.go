package livequery

import "strconv"

// 查询键。变更方在提交后发布这些键，订阅方按键匹配。
const (
	prefixConversations    = "conversations:"
	prefixConversation     = "conversation:"
	prefixMessages         = "messages:"
	prefixIncomingRequests = "requests:incoming:"
	prefixRequestCount     = "requests:count:"
)

// ConversationsKey 用户的会话列表（含未读数）。
func ConversationsKey(userID string) string { return prefixConversations + userID }

// ConversationKey 单个会话视图。
func ConversationKey(conversationID uint) string {
	return prefixConversation + strconv.FormatUint(uint64(conversationID), 10)
}

// MessagesKey 会话的消息列表。
func MessagesKey(conversationID uint) string {
	return prefixMessages + strconv.FormatUint(uint64(conversationID), 10)
}

// IncomingRequestsKey 用户收到的待处理好友请求。
func IncomingRequestsKey(userID string) string { return prefixIncomingRequests + userID }

// RequestCountKey 用户待处理好友请求的数量。
func RequestCountKey(userID string) string { return prefixRequestCount + userID }

// RequestKeys returns both request query keys for a user.
func RequestKeys(userID string) []string {
	return []string{IncomingRequestsKey(userID), RequestCountKey(userID)}
}
