package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formrelay/backend/internal/auth/jwt"
	"formrelay/backend/internal/logger"
)

// 上下文键
const (
	ContextAccountID = "accountID"
	ContextEmail     = "email"
)

// JWTAuth JWT认证中间件
type JWTAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(jwtManager *jwt.Manager, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{
		jwtManager: jwtManager,
		log:        log,
	}
}

// RequireAuth 要求JWT认证
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "authentication required",
			})
			return
		}

		claims, err := ja.jwtManager.ValidateToken(token)
		if err != nil {
			logger.FromContext(c.Request.Context(), ja.log).Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			msg := "invalid token"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  msg,
			})
			return
		}

		// 将账户信息存储到上下文
		c.Set(ContextAccountID, claims.AccountID)
		c.Set(ContextEmail, claims.Email)

		c.Next()
	}
}

// AccountID 读取 RequireAuth 写入的账户 ID
func AccountID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(ContextAccountID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// extractToken 从 Authorization 头提取 Bearer 令牌
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
