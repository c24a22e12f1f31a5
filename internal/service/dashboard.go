package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/storage"
)

// SitewideChecker 校验站点根目录下的所有权文件
type SitewideChecker interface {
	VerifyFileAt(ctx context.Context, rawURL, email string) (bool, error)
}

// FormView 是控制台展示的表单
type FormView struct {
	Hashid      string    `json:"hashid"`
	URL         string    `json:"url"`
	Email       string    `json:"email"`
	Host        string    `json:"host"`
	Sitewide    bool      `json:"sitewide"`
	Confirmed   bool      `json:"confirmed"`
	ConfirmSent bool      `json:"confirm_sent"`
	Disabled    bool      `json:"disabled"`
	IsPublic    bool      `json:"is_public"`
	Counter     int       `json:"counter"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateFormInput 控制台创建表单的输入
type CreateFormInput struct {
	AccountID uint64
	Email     string
	URL       string
	Sitewide  bool
}

// DashboardService 提供表单所有者的管理操作
type DashboardService struct {
	store        storage.Store
	identity     *IdentityResolver
	confirmation *ConfirmationService
	sitewide     SitewideChecker
	apiRoot      string
	log          *zap.Logger
}

// NewDashboardService 创建控制台服务
func NewDashboardService(store storage.Store, identity *IdentityResolver, confirmation *ConfirmationService, sitewide SitewideChecker, apiRoot string, log *zap.Logger) *DashboardService {
	if log == nil {
		log = zap.NewNop()
	}
	return &DashboardService{
		store:        store,
		identity:     identity,
		confirmation: confirmation,
		sitewide:     sitewide,
		apiRoot:      strings.TrimRight(apiRoot, "/"),
		log:          log,
	}
}

// Create 为已升级账户创建表单。
//
// 提供 url 时绑定主机；sitewide 需要站点根目录的校验文件列出该邮箱。
// 邮箱属于账户已验证的地址时直接确认，否则发送确认邮件。
func (s *DashboardService) Create(ctx context.Context, in CreateFormInput) (*FormView, error) {
	log := logger.FromContext(ctx, s.log)

	account, err := s.store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.Upgraded {
		return nil, domain.ErrUpgradeRequired
	}
	email, err := domain.NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	owner := account.ID
	form := &domain.Form{Email: email, OwnerID: &owner}
	if strings.TrimSpace(in.URL) != "" {
		target := domain.EnsureScheme(in.URL)
		form.Host = domain.ReferrerToPath(target)
		if in.Sitewide {
			ok, err := s.sitewide.VerifyFileAt(ctx, target, email)
			if err != nil {
				log.Warn("sitewide file check failed", zap.String("url", target), zap.Error(err))
			}
			if !ok {
				return nil, domain.ErrSitewideUnverified
			}
			root, err := domain.SiteRoot(target)
			if err != nil {
				return nil, err
			}
			form.Host = root
			form.Sitewide = true
		}
	}

	if err := s.store.CreateForm(ctx, form); err != nil {
		return nil, fmt.Errorf("create form: %w", err)
	}
	log.Info("form created from dashboard",
		zap.Uint64("form_id", form.ID),
		zap.String("email", email),
		zap.String("host", form.Host),
		zap.Bool("sitewide", form.Sitewide),
	)

	if form.IsBound() {
		verified, err := s.ownsVerifiedAddress(ctx, account.ID, email)
		if err != nil {
			return nil, err
		}
		if verified {
			if err := s.store.SetConfirmed(ctx, form.ID); err != nil {
				return nil, fmt.Errorf("confirm form: %w", err)
			}
			form.Confirmed = true
		} else if _, err := s.confirmation.SendConfirmation(ctx, form, nil); err != nil {
			return nil, err
		}
	}
	return s.view(form)
}

func (s *DashboardService) ownsVerifiedAddress(ctx context.Context, accountID uint64, email string) (bool, error) {
	emails, err := s.store.ListAccountEmails(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("list account emails: %w", err)
	}
	for _, e := range emails {
		if e.Verified && e.Address == email {
			return true, nil
		}
	}
	return false, nil
}

// List 返回账户的表单，未升级账户返回空列表
func (s *DashboardService) List(ctx context.Context, accountID uint64) ([]FormView, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Upgraded {
		return []FormView{}, nil
	}
	forms, err := s.store.ListFormsByOwner(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	views := make([]FormView, 0, len(forms))
	for i := range forms {
		v, err := s.view(&forms[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// Submissions 按时间倒序返回表单的提交
func (s *DashboardService) Submissions(ctx context.Context, accountID uint64, hashid string) (*FormView, []domain.Submission, error) {
	form, err := s.ownedForm(ctx, accountID, hashid)
	if err != nil {
		return nil, nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, form.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list submissions: %w", err)
	}
	v, err := s.view(form)
	if err != nil {
		return nil, nil, err
	}
	return v, subs, nil
}

// Toggle 切换表单的停用状态
func (s *DashboardService) Toggle(ctx context.Context, accountID uint64, hashid string) (*FormView, error) {
	form, err := s.ownedForm(ctx, accountID, hashid)
	if err != nil {
		return nil, err
	}
	form.Disabled = !form.Disabled
	if err := s.store.SetDisabled(ctx, form.ID, form.Disabled); err != nil {
		return nil, fmt.Errorf("toggle form: %w", err)
	}
	logger.FromContext(ctx, s.log).Info("form toggled", zap.Uint64("form_id", form.ID), zap.Bool("disabled", form.Disabled))
	return s.view(form)
}

// Delete 删除表单及其提交
func (s *DashboardService) Delete(ctx context.Context, accountID uint64, hashid string) error {
	form, err := s.ownedForm(ctx, accountID, hashid)
	if err != nil {
		return err
	}
	if err := s.store.DeleteForm(ctx, form.ID); err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	logger.FromContext(ctx, s.log).Info("form deleted", zap.Uint64("form_id", form.ID))
	return nil
}

// DeleteSubmission 删除一条提交，表单累计计数减一
func (s *DashboardService) DeleteSubmission(ctx context.Context, accountID uint64, hashid string, submissionID uint64) error {
	form, err := s.ownedForm(ctx, accountID, hashid)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubmission(ctx, form.ID, submissionID); err != nil {
		if errors.Is(err, domain.ErrSubmissionNotFound) {
			return err
		}
		return fmt.Errorf("delete submission: %w", err)
	}
	return nil
}

// SitewideCheck 检查站点根目录的校验文件是否列出邮箱
func (s *DashboardService) SitewideCheck(ctx context.Context, rawURL, email string) (bool, error) {
	addr, err := domain.NormalizeEmail(email)
	if err != nil {
		return false, err
	}
	return s.sitewide.VerifyFileAt(ctx, domain.EnsureScheme(rawURL), addr)
}

func (s *DashboardService) ownedForm(ctx context.Context, accountID uint64, hashid string) (*domain.Form, error) {
	id, err := s.identity.codec.Decode(hashid)
	if err != nil {
		return nil, domain.ErrFormNotFound
	}
	form, err := s.store.GetForm(ctx, id)
	if err != nil {
		return nil, err
	}
	if form.OwnerID == nil || *form.OwnerID != accountID {
		return nil, domain.ErrNotFormOwner
	}
	return form, nil
}

func (s *DashboardService) view(form *domain.Form) (*FormView, error) {
	hashid, err := s.identity.Hashid(form)
	if err != nil {
		return nil, err
	}
	return &FormView{
		Hashid:      hashid,
		URL:         s.apiRoot + "/" + hashid,
		Email:       form.Email,
		Host:        form.Host,
		Sitewide:    form.Sitewide,
		Confirmed:   form.Confirmed,
		ConfirmSent: form.ConfirmSent,
		Disabled:    form.Disabled,
		IsPublic:    form.Hash != nil,
		Counter:     form.Counter,
		CreatedAt:   form.CreatedAt,
	}, nil
}
