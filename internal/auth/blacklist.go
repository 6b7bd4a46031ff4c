package auth

import (
	"context"
	"time"
)

// TokenBlacklist 保存已注销令牌的 jti。
// 条目只需保留到令牌本身过期，之后签名校验会先一步拒绝它。
type TokenBlacklist interface {
	Add(ctx context.Context, jti string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}
