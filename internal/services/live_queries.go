package services

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"school-im/internal/livequery"
)

// 客户端可以订阅的实时查询名称。
const (
	QueryConversations    = "conversations"
	QueryConversation     = "conversation"
	QueryMessages         = "messages"
	QueryIncomingRequests = "requests.incoming"
	QueryRequestCount     = "requests.count"
)

// LiveQuery 是一个已绑定调用者的实时查询：失效键加取数函数。
type LiveQuery struct {
	Key   string
	Fetch livequery.FetchFunc
}

type conversationArgs struct {
	ConversationID uint `json:"conversationId"`
	Limit          int  `json:"limit,omitempty"`
}

// LiveQueryRegistry 把查询名称和参数解析为 LiveQuery。
type LiveQueryRegistry struct {
	directory     DirectoryService
	conversations ConversationService
	messages      MessageService
	requests      FriendRequestService
	logger        *zap.Logger
}

// NewLiveQueryRegistry creates the registry over the domain services.
func NewLiveQueryRegistry(directory DirectoryService, conversations ConversationService, messages MessageService, requests FriendRequestService, logger *zap.Logger) *LiveQueryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveQueryRegistry{
		directory:     directory,
		conversations: conversations,
		messages:      messages,
		requests:      requests,
		logger:        logger.Named("livequery.registry"),
	}
}

// Resolve 为已认证的调用者构造查询。会话类查询的成员检查在每次取数时进行，
// 失去成员资格后订阅者会收到错误更新。
func (r *LiveQueryRegistry) Resolve(ctx context.Context, userExternalID, name string, args json.RawMessage) (*LiveQuery, error) {
	user, err := authenticate(ctx, r.directory, userExternalID)
	if err != nil {
		return nil, err
	}

	switch name {
	case QueryConversations:
		return &LiveQuery{
			Key: livequery.ConversationsKey(user.ID),
			Fetch: func(ctx context.Context) (interface{}, error) {
				return r.conversations.ListForUser(ctx, userExternalID)
			},
		}, nil

	case QueryIncomingRequests:
		return &LiveQuery{
			Key: livequery.IncomingRequestsKey(user.ID),
			Fetch: func(ctx context.Context) (interface{}, error) {
				return r.requests.ListIncoming(ctx, userExternalID)
			},
		}, nil

	case QueryRequestCount:
		return &LiveQuery{
			Key: livequery.RequestCountKey(user.ID),
			Fetch: func(ctx context.Context) (interface{}, error) {
				return r.requests.Count(ctx, userExternalID)
			},
		}, nil

	case QueryConversation, QueryMessages:
		var a conversationArgs
		if len(args) == 0 || json.Unmarshal(args, &a) != nil || a.ConversationID == 0 {
			return nil, ErrInvalidQueryArgs
		}
		if name == QueryConversation {
			return &LiveQuery{
				Key: livequery.ConversationKey(a.ConversationID),
				Fetch: func(ctx context.Context) (interface{}, error) {
					return r.conversations.Get(ctx, a.ConversationID, userExternalID)
				},
			}, nil
		}
		return &LiveQuery{
			Key: livequery.MessagesKey(a.ConversationID),
			Fetch: func(ctx context.Context) (interface{}, error) {
				return r.messages.List(ctx, a.ConversationID, userExternalID, a.Limit, 0)
			},
		}, nil
	}
	return nil, ErrUnknownQuery
}

// ResolveQuery 供 WebSocket 层使用：返回失效键和取数函数，取数错误只保留对外可见的信息。
func (r *LiveQueryRegistry) ResolveQuery(ctx context.Context, userExternalID, name string, args json.RawMessage) (string, livequery.FetchFunc, error) {
	q, err := r.Resolve(ctx, userExternalID, name, args)
	if err != nil {
		return "", nil, err
	}
	fetch := func(ctx context.Context) (interface{}, error) {
		data, err := q.Fetch(ctx)
		if err != nil {
			if !IsDomainError(err) {
				r.logger.Error("实时查询取数失败", zap.String("query", name), zap.String("key", q.Key), zap.Error(err))
			}
			return nil, publicError{err: err}
		}
		return data, nil
	}
	return q.Key, fetch, nil
}

// publicError 保留原始错误链用于日志，Error() 只返回对外信息。
type publicError struct{ err error }

func (e publicError) Error() string { return PublicMessage(e.err) }
func (e publicError) Unwrap() error { return e.err }
