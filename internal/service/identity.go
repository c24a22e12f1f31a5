package service

import (
	"context"
	"errors"
	"fmt"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/formid"
	"formrelay/backend/internal/storage"
)

// IdentityResolver 根据提交目标找到（或构造）表单。
type IdentityResolver struct {
	forms  storage.FormRepository
	hasher *formid.Hasher
	codec  *formid.Codec
}

// NewIdentityResolver 创建身份解析器。
func NewIdentityResolver(forms storage.FormRepository, hasher *formid.Hasher, codec *formid.Codec) *IdentityResolver {
	return &IdentityResolver{forms: forms, hasher: hasher, codec: codec}
}

// Resolve 解析提交目标。
//
// target 是有效邮箱时按 (email, host) 散列查找匿名表单，不存在则构造一个
// 未持久化的新表单并返回 isNew=true。否则把 target 当作 hashid，
// 只返回已存在且有所有者的表单。
func (r *IdentityResolver) Resolve(ctx context.Context, target, host string) (form *domain.Form, isNew bool, err error) {
	if email, err := domain.NormalizeEmail(target); err == nil {
		return r.resolveAnonymous(ctx, email, host)
	}

	id, err := r.codec.Decode(target)
	if err != nil {
		return nil, false, domain.ErrInvalidTarget
	}
	form, err = r.forms.GetForm(ctx, id)
	if errors.Is(err, domain.ErrFormNotFound) {
		return nil, false, domain.ErrFormNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("get form %d: %w", id, err)
	}
	if !form.IsOwned() {
		return nil, false, domain.ErrFormNotFound
	}
	return form, false, nil
}

func (r *IdentityResolver) resolveAnonymous(ctx context.Context, email, host string) (*domain.Form, bool, error) {
	hash := r.HashFor(email, host)
	form, err := r.forms.GetFormByHash(ctx, hash)
	if err == nil {
		return form, false, nil
	}
	if !errors.Is(err, domain.ErrFormNotFound) {
		return nil, false, fmt.Errorf("get form by hash: %w", err)
	}
	return &domain.Form{
		Hash:  &hash,
		Email: email,
		Host:  host,
	}, true, nil
}

// HashFor 返回匿名表单的散列。email 会被小写。
func (r *IdentityResolver) HashFor(email, host string) string {
	if normalized, err := domain.NormalizeEmail(email); err == nil {
		email = normalized
	}
	return r.hasher.Hash(email, host)
}

// Hashid 返回控制台表单的对外标识
func (r *IdentityResolver) Hashid(form *domain.Form) (string, error) {
	return r.codec.Encode(form.ID)
}
