package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/storage"
)

// Limiter 按 key 判断是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Name() string
}

// WindowLimiter 基于共享计数器的固定窗口限流，多实例部署共用同一个窗口
type WindowLimiter struct {
	repo   storage.RateLimitRepository
	limit  int64
	window time.Duration
}

// NewWindowLimiter 创建固定窗口限流器
func NewWindowLimiter(repo storage.RateLimitRepository, limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{repo: repo, limit: int64(limit), window: window}
}

func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.repo.IncrementRateLimit(ctx, key, l.window)
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}

func (l *WindowLimiter) Name() string { return "window" }

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter 进程内令牌桶限流，每个 key 一个桶
type LocalLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

// NewLocalLimiter 创建进程内限流器：每个 window 补满 limit 个令牌
func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &LocalLimiter{
		visitors: make(map[string]*visitor),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		ttl:      3 * window,
		now:      time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.every, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

func (l *LocalLimiter) Name() string { return "local" }

// Cleanup 清理长时间未出现的 key，直到 ctx 结束
func (l *LocalLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *LocalLimiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.ttl)
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

// RateLimitByIP 按客户端 IP 限流。计数器不可用时放行。
func RateLimitByIP(limiter Limiter, metrics *monitoring.Metrics, log *zap.Logger, retryAfter time.Duration) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		ip := c.ClientIP()
		ok, err := limiter.Allow(c.Request.Context(), "ip:"+ip)
		if err != nil {
			logger.FromContext(c.Request.Context(), log).Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			metrics.RecordRateLimitBlock(limiter.Name())
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many requests",
			})
			return
		}
		c.Next()
	}
}
