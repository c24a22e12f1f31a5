package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/bounce"
	"formrelay/backend/internal/captcha"
	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/smtp"
	"formrelay/backend/internal/storage"
)

// Mailer 异步投递邮件
type Mailer interface {
	Dispatch(ctx context.Context, kind string, msg smtp.Message) error
}

// ConfirmationService 负责邮箱所有权确认流程。
//
// 状态：未确认 -> 已发送确认 -> 已确认。已发送确认时再次请求返回 Duplicated，
// 只有 Resend 会清除 confirm_sent 后重新发送。
type ConfirmationService struct {
	forms      storage.FormRepository
	nonces     storage.NonceRepository
	identity   *IdentityResolver
	mailer     Mailer
	bounces    bounce.List
	captcha    captcha.Verifier
	metrics    *monitoring.Metrics
	serviceURL string
	now        func() time.Time
	log        *zap.Logger
}

// ConfirmationDeps 聚合确认流程的依赖
type ConfirmationDeps struct {
	Forms      storage.FormRepository
	Nonces     storage.NonceRepository
	Identity   *IdentityResolver
	Mailer     Mailer
	Bounces    bounce.List
	Captcha    captcha.Verifier
	Metrics    *monitoring.Metrics
	ServiceURL string
	Logger     *zap.Logger
}

// NewConfirmationService 创建确认服务
func NewConfirmationService(deps ConfirmationDeps) *ConfirmationService {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	verifier := deps.Captcha
	if verifier == nil {
		verifier = captcha.Disabled{}
	}
	return &ConfirmationService{
		forms:      deps.Forms,
		nonces:     deps.Nonces,
		identity:   deps.Identity,
		mailer:     deps.Mailer,
		bounces:    deps.Bounces,
		captcha:    verifier,
		metrics:    deps.Metrics,
		serviceURL: strings.TrimRight(deps.ServiceURL, "/"),
		now:        time.Now,
		log:        log,
	}
}

// SendConfirmation 为未确认的表单发送确认邮件。
//
// 未持久化的匿名表单会在这里按散列插入。并发的首次提交只有一个能把
// confirm_sent 从 false 置为 true，其余返回 ConfirmationDuplicated。
func (s *ConfirmationService) SendConfirmation(ctx context.Context, form *domain.Form, payload domain.Payload) (domain.Outcome, error) {
	log := logger.FromContext(ctx, s.log)

	if form.ID == 0 {
		stored, created, err := s.forms.CreateFormIfAbsent(ctx, form)
		if err != nil {
			return domain.OutcomeInternalError, fmt.Errorf("create form: %w", err)
		}
		if created {
			log.Info("form created", zap.String("email", stored.Email), zap.String("host", stored.Host))
		}
		*form = *stored
	}
	if form.Confirmed {
		return domain.OutcomeConfirmationDuplicated, nil
	}

	marked, err := s.forms.MarkConfirmSent(ctx, form.ID)
	if err != nil {
		return domain.OutcomeInternalError, fmt.Errorf("mark confirm sent: %w", err)
	}
	if !marked {
		log.Info("confirmation already pending")
		return domain.OutcomeConfirmationDuplicated, nil
	}
	form.ConfirmSent = true

	nonce, err := newNonce()
	if err == nil {
		err = s.nonces.SaveNonce(ctx, &domain.ConfirmationNonce{
			Nonce:     nonce,
			FormID:    form.ID,
			CreatedAt: s.now().UTC(),
		})
	}
	if err != nil {
		// 没有可用令牌时撤销 confirm_sent，否则后续提交会一直得到 Duplicated
		if rerr := s.forms.ResetConfirmSent(context.WithoutCancel(ctx), form.ID); rerr != nil {
			log.Error("failed to reset confirm_sent", zap.Error(rerr))
		} else {
			form.ConfirmSent = false
		}
		return domain.OutcomeInternalError, fmt.Errorf("save nonce: %w", err)
	}

	if s.blocked(ctx, form.Email) {
		log.Warn("confirmation not sent, recipient on bounce list", zap.String("email", form.Email))
		return domain.OutcomeConfirmationSent, nil
	}

	msg := s.confirmationMessage(form, nonce, payload)
	if err := s.mailer.Dispatch(ctx, smtp.KindConfirmation, msg); err != nil {
		// 投递失败不影响确认状态，用户可以通过 resend 重试
		log.Error("failed to dispatch confirmation", zap.Error(err))
	}
	log.Info("confirmation sent", zap.String("email", form.Email))
	return domain.OutcomeConfirmationSent, nil
}

func (s *ConfirmationService) blocked(ctx context.Context, email string) bool {
	if s.bounces == nil {
		return false
	}
	blocked, _, err := s.bounces.IsBlocked(ctx, email)
	if err != nil {
		logger.FromContext(ctx, s.log).Warn("bounce list lookup failed", zap.Error(err))
		return false
	}
	return blocked
}

// Confirm 消费令牌并确认表单。未知或已使用的令牌返回 domain.ErrNonceNotFound。
func (s *ConfirmationService) Confirm(ctx context.Context, nonce string) (*domain.Form, error) {
	form, err := s.nonces.ConsumeNonce(ctx, nonce, s.now().UTC())
	if errors.Is(err, domain.ErrNonceNotFound) {
		s.metrics.RecordConfirmation("invalid")
		return nil, err
	}
	if err != nil {
		s.metrics.RecordConfirmation("error")
		return nil, fmt.Errorf("consume nonce: %w", err)
	}
	s.metrics.RecordConfirmation("confirmed")
	logger.FromContext(ctx, s.log).Info("form confirmed",
		zap.Uint64("form_id", form.ID),
		zap.String("email", form.Email),
		zap.String("host", form.Host),
	)
	return form, nil
}

// ResendInput 重发确认邮件的请求
type ResendInput struct {
	Email        string
	Host         string
	CaptchaToken string
	RemoteIP     string
}

// Resend 校验人机验证和退信列表后，清除 confirm_sent 并重新发送确认邮件。
// 邮箱在退信列表中时返回 *domain.BlockedError。
func (s *ConfirmationService) Resend(ctx context.Context, in ResendInput) (domain.Outcome, error) {
	if err := s.verifyCaptcha(ctx, in.CaptchaToken, in.RemoteIP); err != nil {
		return 0, err
	}
	email, err := domain.NormalizeEmail(in.Email)
	if err != nil {
		return 0, domain.ErrInvalidTarget
	}

	if s.bounces != nil {
		blocked, reason, err := s.bounces.IsBlocked(ctx, email)
		if err != nil {
			return 0, fmt.Errorf("check bounce list: %w", err)
		}
		if blocked {
			return 0, &domain.BlockedError{Email: email, Reason: reason}
		}
	}

	form, err := s.forms.GetFormByHash(ctx, s.identity.HashFor(email, in.Host))
	if err != nil {
		return 0, err
	}
	if err := s.forms.ResetConfirmSent(ctx, form.ID); err != nil {
		return 0, fmt.Errorf("reset confirm sent: %w", err)
	}
	form.ConfirmSent = false
	logger.FromContext(ctx, s.log).Info("resending confirmation", zap.String("email", email), zap.String("host", in.Host))
	return s.SendConfirmation(ctx, form, nil)
}

// Unblock 把邮箱移出退信列表。邮箱不在列表中时返回 domain.ErrNotBlocked。
func (s *ConfirmationService) Unblock(ctx context.Context, email, captchaToken, remoteIP string) error {
	if err := s.verifyCaptcha(ctx, captchaToken, remoteIP); err != nil {
		return err
	}
	if s.bounces == nil {
		return domain.ErrNotBlocked
	}
	removed, err := s.bounces.Unblock(ctx, email)
	if err != nil {
		return fmt.Errorf("unblock: %w", err)
	}
	if !removed {
		return domain.ErrNotBlocked
	}
	logger.FromContext(ctx, s.log).Info("email unblocked", zap.String("email", email))
	return nil
}

// BlockStatus 查询邮箱是否在退信列表中
func (s *ConfirmationService) BlockStatus(ctx context.Context, email string) (bool, string, error) {
	addr, err := domain.NormalizeEmail(email)
	if err != nil {
		return false, "", domain.ErrInvalidTarget
	}
	if s.bounces == nil {
		return false, "", nil
	}
	return s.bounces.IsBlocked(ctx, addr)
}

func (s *ConfirmationService) verifyCaptcha(ctx context.Context, token, remoteIP string) error {
	ok, err := s.captcha.Verify(ctx, token, remoteIP)
	if err != nil {
		logger.FromContext(ctx, s.log).Warn("captcha verification error", zap.Error(err))
		return domain.ErrCaptchaFailed
	}
	if !ok {
		return domain.ErrCaptchaFailed
	}
	return nil
}

// ConfirmationLink 返回令牌对应的确认地址
func (s *ConfirmationService) ConfirmationLink(nonce string) string {
	return s.serviceURL + "/confirm/" + nonce
}

func (s *ConfirmationService) confirmationMessage(form *domain.Form, nonce string, payload domain.Payload) smtp.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi,\n\nSomeone just submitted a form on %s that should be delivered to this address.\n", form.Host)
	fmt.Fprintf(&b, "Before we forward any submission, please confirm that you own %s by opening the link below:\n\n", form.Email)
	fmt.Fprintf(&b, "%s\n\n", s.ConfirmationLink(nonce))

	if visible := payload.Visible(); len(visible) > 0 {
		b.WriteString("The submission that triggered this message:\n\n")
		for _, f := range visible {
			fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
		}
		b.WriteString("\n")
	}
	b.WriteString("If you did not expect this, you can ignore this message.\n")

	return smtp.Message{
		To:      form.Email,
		Subject: "Confirm email for " + form.Host,
		Text:    b.String(),
	}
}

func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
