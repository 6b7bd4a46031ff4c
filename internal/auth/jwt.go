package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"school-im/internal/config"
)

var (
	ErrTokenRevoked   = errors.New("JWT 已被吊销")
	ErrMissingSubject = errors.New("JWT 缺少 sub 声明")
)

// Claims 是身份提供方签发的令牌声明。Subject 是用户的外部 ID。
type Claims struct {
	jwt.RegisteredClaims
}

// ExternalID returns the identity-provider user id carried in sub.
func (c *Claims) ExternalID() string {
	return c.Subject
}

// GenerateToken 为外部 ID 签发令牌。生产环境由身份提供方签发，此函数供 admin 工具和测试使用。
func GenerateToken(externalID string, authCfg config.AuthConfig) (string, error) {
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("生成 JWT ID 失败: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   externalID,
			ExpiresAt: jwt.NewNumericDate(now.Add(authCfg.JWTExpiry)),
			ID:        jwtID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    authCfg.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("生成 JWT 失败: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证令牌签名、有效期和签发方，并检查 jti 是否已被吊销。
// blacklist 为 nil 时跳过吊销检查。
func ValidateToken(ctx context.Context, tokenString string, authCfg config.AuthConfig, blacklist TokenBlacklist) (*Claims, error) {
	claims := &Claims{}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if authCfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(authCfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(authCfg.JWTSecretKey), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("解析或验证 JWT 失败: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("JWT 无效")
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	if blacklist != nil {
		if claims.ID == "" {
			return nil, fmt.Errorf("JWT 缺少 JTI (ID) 声明，无法检查黑名单")
		}
		revoked, err := blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			// 无法确认时拒绝
			return nil, fmt.Errorf("检查 Token 黑名单失败: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}
