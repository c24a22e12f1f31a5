package redis

import (
	"context"
	"errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const bounceKey = "formrelay:bounces"

// BounceList 把退信地址和原因保存在一个 Redis 哈希中，多个实例共享
type BounceList struct {
	c *Client
}

// NewBounceList 创建基于 Redis 的退信列表
func NewBounceList(c *Client) *BounceList {
	return &BounceList{c: c}
}

// IsBlocked 查询地址是否在退信列表中
func (b *BounceList) IsBlocked(ctx context.Context, email string) (bool, string, error) {
	reason, err := b.c.rdb.HGet(ctx, bounceKey, strings.ToLower(email)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// Block 记录退信
func (b *BounceList) Block(ctx context.Context, email, reason string) error {
	return b.c.rdb.HSet(ctx, bounceKey, strings.ToLower(email), reason).Err()
}

// Unblock 移除退信记录，地址原本不在列表中时返回 false
func (b *BounceList) Unblock(ctx context.Context, email string) (bool, error) {
	n, err := b.c.rdb.HDel(ctx, bounceKey, strings.ToLower(email)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
