package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"school-im/internal/auth"
	"school-im/internal/config"
)

// contextKey 是用于在 context.Context 中存储值的自定义类型，以避免键冲突。
type contextKey string

const (
	// ExternalIDKey 是上下文中身份提供方用户 ID 的键。
	ExternalIDKey contextKey = "externalID"
	// TokenIDKey 是上下文中令牌 jti 的键，登出时使用。
	TokenIDKey contextKey = "tokenID"
	// TokenExpiryKey 是上下文中令牌过期时间的键。
	TokenExpiryKey contextKey = "tokenExpiry"
)

// BearerToken 从 Authorization 头部提取令牌；WebSocket 握手无法设置头部时回退到 token 查询参数。
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware 验证身份提供方签发的 JWT，并把外部 ID 放入请求上下文。
func AuthMiddleware(authCfg config.AuthConfig, blacklist auth.TokenBlacklist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := BearerToken(r)
			if tokenString == "" {
				writeUnauthorized(w, "请求未包含有效的授权令牌")
				return
			}

			claims, err := auth.ValidateToken(r.Context(), tokenString, authCfg, blacklist)
			if err != nil {
				zap.L().Debug("令牌校验失败", zap.String("path", r.URL.Path), zap.Error(err))
				writeUnauthorized(w, "令牌无效")
				return
			}

			ctx := WithIdentity(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithIdentity stores the verified claims in ctx.
func WithIdentity(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, ExternalIDKey, claims.ExternalID())
	ctx = context.WithValue(ctx, TokenIDKey, claims.ID)
	if claims.ExpiresAt != nil {
		ctx = context.WithValue(ctx, TokenExpiryKey, claims.ExpiresAt.Time)
	}
	return ctx
}

// GetExternalIDFromContext 从上下文中获取外部用户 ID。
func GetExternalIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ExternalIDKey).(string)
	return id, ok && id != ""
}

// GetTokenFromContext 返回当前令牌的 jti 与过期时间。
func GetTokenFromContext(ctx context.Context) (string, time.Time, bool) {
	jti, ok := ctx.Value(TokenIDKey).(string)
	if !ok || jti == "" {
		return "", time.Time{}, false
	}
	exp, _ := ctx.Value(TokenExpiryKey).(time.Time)
	return jti, exp, true
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
