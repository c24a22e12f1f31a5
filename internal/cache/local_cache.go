package cache

import (
	"context"
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 支持 TTL 过期
// - 容量满时先清理过期条目，仍然满则丢弃新条目
type LocalCache[V any] struct {
	mu      sync.RWMutex
	data    map[string]cacheEntry[V]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数
//   - ttl: 默认过期时间
func NewLocalCache[V any](maxSize int, ttl time.Duration) *LocalCache[V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LocalCache[V]{
		data:    make(map[string]cacheEntry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get 获取缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()

	var zero V
	if !ok || c.now().After(entry.expiresAt) {
		return zero, false
	}
	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLocked()
		if len(c.data) >= c.maxSize {
			return
		}
	}
	c.data[key] = cacheEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Cleanup 定期清理过期条目，直到 ctx 结束
func (c *LocalCache[V]) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.evictLocked()
			c.mu.Unlock()
		}
	}
}

func (c *LocalCache[V]) evictLocked() {
	now := c.now()
	for key, entry := range c.data {
		if now.After(entry.expiresAt) {
			delete(c.data, key)
		}
	}
}
