package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Handlers 汇总 API 路由需要的处理器。WebSocket 为 nil 时不挂载 /ws。
type Handlers struct {
	Auth           *AuthHandler
	Directory      *DirectoryHandler
	FriendRequests *FriendRequestHandler
	Conversations  *ConversationHandler
	WebSocket      http.HandlerFunc
}

// NewRouter 设置 /api/v1 下的全部路由，authMW 应用于所有业务接口。
func NewRouter(h Handlers, authMW mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if h.WebSocket != nil {
		// WebSocket 握手自行校验令牌
		r.HandleFunc("/ws", h.WebSocket)
	}

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authMW)

	apiRouter.HandleFunc("/auth/logout", h.Auth.LogoutHandler).Methods(http.MethodPost)

	// 目录
	apiRouter.HandleFunc("/directory/me", h.Directory.MeHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/directory/users/{username}", h.Directory.LookupHandler).Methods(http.MethodGet)

	// 好友请求路由
	fr := apiRouter.PathPrefix("/friend-requests").Subrouter()
	fr.HandleFunc("", h.FriendRequests.SendFriendRequestHandler).Methods(http.MethodPost)
	fr.HandleFunc("/incoming", h.FriendRequests.ListIncomingHandler).Methods(http.MethodGet)
	fr.HandleFunc("/outgoing", h.FriendRequests.ListOutgoingHandler).Methods(http.MethodGet)
	fr.HandleFunc("/count", h.FriendRequests.CountHandler).Methods(http.MethodGet)
	fr.HandleFunc("/{requestID:[0-9]+}/accept", h.FriendRequests.AcceptFriendRequestHandler).Methods(http.MethodPost)
	fr.HandleFunc("/{requestID:[0-9]+}/reject", h.FriendRequests.RejectFriendRequestHandler).Methods(http.MethodPost)

	// 会话路由
	cv := apiRouter.PathPrefix("/conversations").Subrouter()
	cv.HandleFunc("", h.Conversations.ListConversationsHandler).Methods(http.MethodGet)
	cv.HandleFunc("/direct", h.Conversations.CreateDirectHandler).Methods(http.MethodPost)
	cv.HandleFunc("/groups", h.Conversations.CreateGroupHandler).Methods(http.MethodPost)
	cv.HandleFunc("/{conversationID:[0-9]+}", h.Conversations.GetConversationHandler).Methods(http.MethodGet)
	cv.HandleFunc("/{conversationID:[0-9]+}", h.Conversations.DeleteConversationHandler).Methods(http.MethodDelete)
	cv.HandleFunc("/{conversationID:[0-9]+}/members", h.Conversations.ListMembersHandler).Methods(http.MethodGet)
	cv.HandleFunc("/{conversationID:[0-9]+}/messages", h.Conversations.ListMessagesHandler).Methods(http.MethodGet)
	cv.HandleFunc("/{conversationID:[0-9]+}/messages", h.Conversations.SendMessageHandler).Methods(http.MethodPost)
	cv.HandleFunc("/{conversationID:[0-9]+}/read", h.Conversations.MarkReadHandler).Methods(http.MethodPost)

	return r
}
