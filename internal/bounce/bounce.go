// Package bounce 维护投递失败（硬退信）的地址列表。
// 列表中的地址不会再收到确认邮件，直到被显式解除。
package bounce

import (
	"context"
	"strings"
	"sync"
)

// List 是退信列表
type List interface {
	IsBlocked(ctx context.Context, email string) (blocked bool, reason string, err error)
	Block(ctx context.Context, email, reason string) error
	Unblock(ctx context.Context, email string) (bool, error)
}

// Memory 是进程内退信列表，单实例部署和测试使用
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemory 创建进程内退信列表
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) IsBlocked(_ context.Context, email string) (bool, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reason, ok := m.entries[strings.ToLower(email)]
	return ok, reason, nil
}

func (m *Memory) Block(_ context.Context, email, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[strings.ToLower(email)] = reason
	return nil
}

func (m *Memory) Unblock(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}
