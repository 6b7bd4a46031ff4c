package apiserver

import (
	"net/http"

	"go.uber.org/zap"

	"school-im/internal/auth"
	"school-im/internal/middleware"
)

// AuthHandler 处理会话级别的认证操作。登录由外部身份提供方负责。
type AuthHandler struct {
	TokenBlacklist auth.TokenBlacklist
	logger         *zap.Logger
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(tokenBlacklist auth.TokenBlacklist, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{TokenBlacklist: tokenBlacklist, logger: logger}
}

// LogoutHandler 处理用户登出请求，将当前 Token 的 jti 加入黑名单直到其过期。
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	jti, expiry, ok := middleware.GetTokenFromContext(r.Context())
	if !ok {
		writeJSONError(w, "Token 缺少 JTI，无法执行登出", http.StatusBadRequest)
		return
	}
	if expiry.IsZero() {
		writeJSONError(w, "Token 缺少过期时间，无法执行登出", http.StatusBadRequest)
		return
	}
	if err := h.TokenBlacklist.Add(r.Context(), jti, expiry); err != nil {
		h.logger.Error("将 Token 加入黑名单失败", zap.String("jti", jti), zap.Error(err))
		writeJSONError(w, "登出过程中发生内部错误", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "登出成功"})
}
