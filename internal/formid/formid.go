// Package formid 生成表单标识：匿名表单的 (email, host) 散列，以及控制台表单的 hashid。
package formid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/speps/go-hashids/v2"
)

// ErrInvalidHashid 表示字符串不是本服务签发的 hashid
var ErrInvalidHashid = errors.New("invalid hashid")

// Hasher 计算匿名表单的确定性散列
type Hasher struct {
	secret []byte
}

// NewHasher 创建散列器
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Hash 返回 HMAC-SHA256(email, host) 的十六进制形式。email 应已小写。
func (h *Hasher) Hash(email, host string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(email))
	mac.Write([]byte{0})
	mac.Write([]byte(host))
	return hex.EncodeToString(mac.Sum(nil))
}

// Codec 在表单 ID 与 hashid 之间转换
type Codec struct {
	h *hashids.HashID
}

// NewCodec 创建 hashid 编解码器
func NewCodec(salt string, minLength int) (*Codec, error) {
	data := hashids.NewData()
	data.Salt = salt
	data.MinLength = minLength

	h, err := hashids.NewWithData(data)
	if err != nil {
		return nil, fmt.Errorf("init hashids: %w", err)
	}
	return &Codec{h: h}, nil
}

// Encode 编码表单 ID
func (c *Codec) Encode(id uint64) (string, error) {
	if id > math.MaxInt64 {
		return "", fmt.Errorf("form id %d out of range", id)
	}
	return c.h.EncodeInt64([]int64{int64(id)})
}

// Decode 解码 hashid。只接受编码单个非负整数的 hashid。
func (c *Codec) Decode(s string) (uint64, error) {
	if s == "" {
		return 0, ErrInvalidHashid
	}
	nums, err := c.h.DecodeInt64WithError(s)
	if err != nil || len(nums) != 1 || nums[0] < 0 {
		return 0, ErrInvalidHashid
	}
	return uint64(nums[0]), nil
}
