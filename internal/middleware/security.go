package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"formrelay/backend/internal/logger"
)

// RequestIDHeader 请求 ID 响应头
const RequestIDHeader = "X-Request-ID"

// SecurityHeaders 添加安全响应头
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止 XSS 攻击
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")

		// 内容安全策略
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// 引荐来源策略
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		c.Next()
	}
}

// RequestLogger 为请求生成 ID，把带请求字段的子日志放进 context，并在结束时记录请求日志
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		reqLog := log.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}

		// 如果有账户信息，添加到日志
		if accountID, exists := c.Get(ContextAccountID); exists {
			fields = append(fields, zap.Any("account_id", accountID))
		}

		// 根据状态码选择日志级别
		switch {
		case status >= 500:
			reqLog.Error("server error", fields...)
		case status >= 400:
			reqLog.Warn("client error", fields...)
		default:
			reqLog.Info("request", fields...)
		}
	}
}
