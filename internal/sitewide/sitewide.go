// Package sitewide 校验站点根目录下的所有权文件，文件中每行一个邮箱地址。
package sitewide

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"formrelay/backend/internal/cache"
	"formrelay/backend/internal/domain"
)

const (
	maxFileSize = 64 << 10

	// 只缓存校验通过的结果，失败结果每次重新获取
	verifiedTTL     = 10 * time.Minute
	verifiedEntries = 4096
)

// Checker 获取站点根目录的校验文件
type Checker struct {
	fileName string
	client   *http.Client
	verified *cache.LocalCache[bool]
}

// NewChecker 创建校验器
func NewChecker(fileName string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		fileName: strings.TrimLeft(fileName, "/"),
		client:   &http.Client{Timeout: timeout},
		verified: cache.NewLocalCache[bool](verifiedEntries, verifiedTTL),
	}
}

// Cleanup 定期清理过期的校验缓存，直到 ctx 结束
func (c *Checker) Cleanup(ctx context.Context, interval time.Duration) {
	c.verified.Cleanup(ctx, interval)
}

// FileURL 返回 rawURL 所在站点的校验文件地址
func (c *Checker) FileURL(rawURL string) (string, error) {
	u, err := url.Parse(domain.EnsureScheme(rawURL))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", domain.ErrInvalidDomain
	}
	root := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/" + c.fileName}
	return root.String(), nil
}

// VerifyFileAt 检查 rawURL 站点的校验文件是否列出了 email。
// 文件不存在或未列出时返回 false，网络错误返回 error。
func (c *Checker) VerifyFileAt(ctx context.Context, rawURL, email string) (bool, error) {
	target, err := c.FileURL(rawURL)
	if err != nil {
		return false, err
	}

	want := strings.ToLower(strings.TrimSpace(email))
	key := target + "|" + want
	if _, ok := c.verified.Get(key); ok {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxFileSize))
	for scanner.Scan() {
		if strings.ToLower(strings.TrimSpace(scanner.Text())) == want {
			c.verified.Set(key, true, 0)
			return true, nil
		}
	}
	return false, scanner.Err()
}
