package domain

import (
	"net/url"
	"strings"
)

// ReferrerToPath 把 Referer 转成 host+path 形式（去掉协议、查询串和片段）。
// "http://example.com/contact?x=1" 得到 "example.com/contact"，
// 没有协议的 "example.com" 原样返回。无法解析时返回空字符串。
func ReferrerToPath(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host) + u.Path
}

// RemoveWWW 去掉开头的 "www."
func RemoveWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

// EnsureScheme 为缺少协议的地址补上 http://
func EnsureScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}

// SiteRoot 返回地址的站点根（不含 www. 的主机名，含端口）。
func SiteRoot(raw string) (string, error) {
	u, err := url.Parse(EnsureScheme(raw))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", ErrInvalidDomain
	}
	return RemoveWWW(strings.ToLower(u.Host)), nil
}
