package service

import (
	"context"
	"fmt"
	"strings"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/storage"
)

// HostPolicy 判断提交来源是否匹配表单已绑定的主机
type HostPolicy interface {
	Allows(bound, origin string) bool
}

// ExactHostPolicy 要求来源与绑定主机完全一致
type ExactHostPolicy struct{}

func (ExactHostPolicy) Allows(bound, origin string) bool {
	return origin == bound
}

// SitewidePrefixPolicy 允许绑定域名下的任意路径。
//
// 来源（或去掉 www. 后的来源）必须以绑定域名开头，且剩余部分为空或以 "/" 开头，
// 因此 "example.com" 不会匹配 "example.com.evil.org"。绑定值是裸域名时，
// 同域名的其他端口（"example.com:8080/x"）也视为同一站点。
type SitewidePrefixPolicy struct{}

func (SitewidePrefixPolicy) Allows(bound, origin string) bool {
	return hasPathPrefix(origin, bound) || hasPathPrefix(domain.RemoveWWW(origin), bound)
}

func hasPathPrefix(s, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(s, prefix) {
		return false
	}
	rest := s[len(prefix):]
	if strings.HasPrefix(rest, ":") && !strings.Contains(prefix, "/") {
		return isPort(rest[1:])
	}
	return rest == "" || strings.HasPrefix(rest, "/") || strings.HasSuffix(prefix, "/")
}

// isPort 判断 s 是否以端口号开头，后面只能跟路径
func isPort(s string) bool {
	port, _, _ := strings.Cut(s, "/")
	if port == "" {
		return false
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// PolicyFor 按表单的 sitewide 标志选择策略
func PolicyFor(form *domain.Form) HostPolicy {
	if form.Sitewide {
		return SitewidePrefixPolicy{}
	}
	return ExactHostPolicy{}
}

// BindingResult 主机绑定检查结果
type BindingResult int

const (
	BindingBound BindingResult = iota + 1
	BindingRejected
)

// Binding 是一次检查的详细结果
type Binding struct {
	Result    BindingResult
	Submitted string
	Confirmed string
}

// Err 被拒绝时返回 *domain.HostMismatchError
func (b Binding) Err() error {
	if b.Result != BindingRejected {
		return nil
	}
	return &domain.HostMismatchError{Submitted: b.Submitted, Confirmed: b.Confirmed}
}

// HostGuard 执行首次信任绑定和后续的来源校验
type HostGuard struct {
	forms storage.FormRepository
}

// NewHostGuard 创建主机绑定检查器
func NewHostGuard(forms storage.FormRepository) *HostGuard {
	return &HostGuard{forms: forms}
}

// CheckOrBind 表单未绑定时写入 origin，否则按策略比较。
// 绑定成功时 form.Host 会被更新为存储中的值。
func (g *HostGuard) CheckOrBind(ctx context.Context, form *domain.Form, origin string) (Binding, error) {
	if !form.IsBound() && form.ID != 0 {
		stored, err := g.forms.BindHost(ctx, form.ID, origin)
		if err != nil {
			return Binding{}, fmt.Errorf("bind host: %w", err)
		}
		// 并发请求可能先一步绑定了其他主机
		form.Host = stored.Host
	}
	if !form.IsBound() {
		form.Host = origin
		return Binding{Result: BindingBound, Submitted: origin, Confirmed: origin}, nil
	}

	if PolicyFor(form).Allows(form.Host, origin) {
		return Binding{Result: BindingBound, Submitted: origin, Confirmed: form.Host}, nil
	}
	return Binding{Result: BindingRejected, Submitted: origin, Confirmed: form.Host}, nil
}
