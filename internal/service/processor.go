package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/monitoring"
	"formrelay/backend/internal/smtp"
)

// SubmitInput 是一次表单提交
type SubmitInput struct {
	Target   string // 邮箱或 hashid
	Host     string // 由 Referer 得到的 host+path
	Referrer string // 原始 Referer，用作默认跳转地址
	Payload  domain.Payload
}

// Result 是提交处理结果
type Result struct {
	Outcome domain.Outcome
	// Next 是 EmailSent 时的跳转地址
	Next string
	// Address 是 ReplyToError 时出问题的值
	Address string
	// Suppressed 表示请求看起来成功但被静默丢弃（蜜罐或超额）
	Suppressed bool
	Form       *domain.Form
}

// Processor 串联身份解析、主机绑定、确认流程和配额，决定一次提交的结果。
type Processor struct {
	identity     *IdentityResolver
	guard        *HostGuard
	quota        *QuotaTracker
	confirmation *ConfirmationService
	mailer       Mailer
	metrics      *monitoring.Metrics
	log          *zap.Logger
}

// NewProcessor 创建提交处理器
func NewProcessor(identity *IdentityResolver, guard *HostGuard, quota *QuotaTracker, confirmation *ConfirmationService, mailer Mailer, metrics *monitoring.Metrics, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		identity:     identity,
		guard:        guard,
		quota:        quota,
		confirmation: confirmation,
		mailer:       mailer,
		metrics:      metrics,
		log:          log,
	}
}

// Handle 处理一次提交。
//
// 前置条件失败（目标无效、表单不存在、表单停用、来源主机不符）以错误返回，
// 不属于 Outcome。其他意外错误返回 OutcomeInternalError 和原始错误。
func (p *Processor) Handle(ctx context.Context, in SubmitInput) (Result, error) {
	log := logger.FromContext(ctx, p.log)

	res, err := p.handle(ctx, in, log)
	if err != nil && res.Outcome == 0 {
		p.metrics.RecordSubmission("rejected")
		return res, err
	}
	p.metrics.RecordSubmission(res.Outcome.String())
	if err != nil {
		log.Error("submission failed", zap.Error(err))
	} else {
		log.Info("submission processed", zap.Stringer("outcome", res.Outcome), zap.Bool("suppressed", res.Suppressed))
	}
	return res, err
}

func (p *Processor) handle(ctx context.Context, in SubmitInput, log *zap.Logger) (Result, error) {
	if in.Host == "" {
		return Result{}, domain.ErrMissingReferrer
	}

	form, _, err := p.identity.Resolve(ctx, in.Target, in.Host)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTarget) || errors.Is(err, domain.ErrFormNotFound) {
			return Result{}, err
		}
		return Result{Outcome: domain.OutcomeInternalError}, err
	}
	if form.Disabled {
		log.Info("submission rejected, form disabled")
		return Result{Form: form}, domain.ErrFormDisabled
	}

	binding, err := p.guard.CheckOrBind(ctx, form, in.Host)
	if err != nil {
		return Result{Outcome: domain.OutcomeInternalError, Form: form}, err
	}
	if err := binding.Err(); err != nil {
		log.Info("submission rejected, host mismatch", zap.String("confirmed", binding.Confirmed))
		return Result{Form: form}, err
	}

	next := nextURL(in.Referrer, in.Payload)
	if in.Payload.HoneypotFilled() {
		log.Info("honeypot filled, submission dropped")
		return Result{Outcome: domain.OutcomeEmailSent, Next: next, Suppressed: true, Form: form}, nil
	}
	if in.Payload.IsEmpty() {
		return Result{Outcome: domain.OutcomeEmptySubmission, Form: form}, nil
	}

	replyTo, err := in.Payload.ReplyTo()
	if err != nil {
		var rte *domain.ReplyToError
		if errors.As(err, &rte) {
			return Result{Outcome: domain.OutcomeReplyToError, Address: rte.Address, Form: form}, nil
		}
		return Result{Outcome: domain.OutcomeInternalError, Form: form}, err
	}

	if !form.Confirmed {
		outcome, err := p.confirmation.SendConfirmation(ctx, form, in.Payload)
		return Result{Outcome: outcome, Form: form}, err
	}

	quota, err := p.quota.CheckAndIncrement(ctx, form, in.Payload)
	if err != nil {
		return Result{Outcome: domain.OutcomeInternalError, Form: form}, err
	}
	if quota.Decision == QuotaOverLimit {
		log.Warn("form over monthly limit", zap.Int("monthly", quota.Monthly), zap.Int("counter", quota.Counter))
		if quota.NoticeDue {
			p.dispatch(ctx, smtp.KindLimitNotice, limitNotice(form, quota.Monthly-1), log)
		}
		return Result{Outcome: domain.OutcomeOverLimit, Next: next, Suppressed: true, Form: form}, nil
	}

	p.dispatch(ctx, smtp.KindRelay, relayMessage(form, in.Host, replyTo, in.Payload, quota.Submission.SubmittedAt), log)
	return Result{Outcome: domain.OutcomeEmailSent, Next: next, Form: form}, nil
}

// dispatch 投递失败只记录日志，提交已经保存
func (p *Processor) dispatch(ctx context.Context, kind string, msg smtp.Message, log *zap.Logger) {
	if err := p.mailer.Dispatch(ctx, kind, msg); err != nil {
		log.Error("failed to dispatch email", zap.String("kind", kind), zap.Error(err))
	}
}

// nextURL 返回提交成功后的跳转地址：_next（相对地址按 Referer 解析）或 Referer
func nextURL(referrer string, payload domain.Payload) string {
	next, _ := payload.Get(domain.FieldNext)
	next = strings.TrimSpace(next)
	if next == "" {
		return referrer
	}
	nu, err := url.Parse(next)
	if err != nil {
		return referrer
	}
	if nu.IsAbs() {
		return next
	}
	base, err := url.Parse(domain.EnsureScheme(referrer))
	if err != nil || referrer == "" {
		return next
	}
	return base.ResolveReference(nu).String()
}

func relayMessage(form *domain.Form, host, replyTo string, payload domain.Payload, at time.Time) smtp.Message {
	subject, _ := payload.Get(domain.FieldSubject)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "New submission from " + host
	}

	var b strings.Builder
	for _, f := range payload.Visible() {
		fmt.Fprintf(&b, "%s:\n%s\n\n", f.Name, f.Value)
	}
	fmt.Fprintf(&b, "--\nSubmitted from %s at %s\n", host, at.UTC().Format(time.RFC1123))

	return smtp.Message{
		To:      form.Email,
		CC:      ccAddresses(payload),
		ReplyTo: replyTo,
		Subject: subject,
		Text:    b.String(),
	}
}

// ccAddresses 解析 _cc，忽略无效地址
func ccAddresses(payload domain.Payload) []string {
	raw, ok := payload.Get(domain.FieldCC)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if addr, err := domain.NormalizeEmail(part); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

func limitNotice(form *domain.Form, limit int) smtp.Message {
	text := fmt.Sprintf("Your form on %s has received more than %d submissions this month.\n"+
		"Further submissions will not be forwarded to %s until the next month starts "+
		"or the account that owns this address is upgraded.\n", form.Host, limit, form.Email)
	return smtp.Message{
		To:      form.Email,
		Subject: "You are past the monthly limit for " + form.Host,
		Text:    text,
	}
}
