package chatserver

import (
	"net/http"

	"go.uber.org/zap"

	"school-im/internal/auth"
	"school-im/internal/config"
	"school-im/internal/middleware"
	ws "school-im/internal/websocket"
)

// WebSocketHandler 负责处理 WebSocket 连接请求。
type WebSocketHandler struct {
	hub       *ws.Hub
	authCfg   config.AuthConfig
	blacklist auth.TokenBlacklist
	logger    *zap.Logger
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *ws.Hub, authCfg config.AuthConfig, blacklist auth.TokenBlacklist, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{hub: hub, authCfg: authCfg, blacklist: blacklist, logger: logger}
}

// ServeWS 认证后将 HTTP 连接升级为 WebSocket。
// 浏览器的 WebSocket API 不能设置头部，因此也接受 ?token= 查询参数。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ValidateToken(r.Context(), token, h.authCfg, h.blacklist)
	if err != nil {
		h.logger.Debug("WebSocket 连接尝试失败：令牌无效", zap.Error(err))
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}
	ws.ServeWsPerConnection(h.hub, claims.ExternalID(), w, r)
}
