package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/storage"
)

// QuotaDecision 配额判断结果
type QuotaDecision int

const (
	QuotaAllowed QuotaDecision = iota + 1
	QuotaOverLimit
)

// QuotaResult 是一次计数后的状态
type QuotaResult struct {
	Decision QuotaDecision
	Counter  int
	Monthly  int
	// NoticeDue 本月刚好第一次超额，需要通知表单所有者
	NoticeDue bool
	// Submission 允许时写入的提交
	Submission *domain.Submission
}

// QuotaTracker 维护累计和月度计数，并对未升级的表单执行月度上限。
type QuotaTracker struct {
	submissions storage.SubmissionRepository
	accounts    storage.AccountRepository
	limit       int
	now         func() time.Time
}

// NewQuotaTracker 创建配额跟踪器。limit<=0 表示不限。
func NewQuotaTracker(submissions storage.SubmissionRepository, accounts storage.AccountRepository, limit int) *QuotaTracker {
	return &QuotaTracker{
		submissions: submissions,
		accounts:    accounts,
		limit:       limit,
		now:         time.Now,
	}
}

// Limit 返回表单适用的月度上限，0 表示不限
func (q *QuotaTracker) Limit(ctx context.Context, form *domain.Form) (int, error) {
	if q.limit <= 0 {
		return 0, nil
	}
	upgraded, err := q.accounts.HasUpgradedController(ctx, form)
	if err != nil {
		return 0, fmt.Errorf("check controller: %w", err)
	}
	if upgraded {
		return 0, nil
	}
	return q.limit, nil
}

// CheckAndIncrement 原子地递增计数，并在未超额时写入提交。
// 超额的提交同样计数，但不会写入 Submission。
func (q *QuotaTracker) CheckAndIncrement(ctx context.Context, form *domain.Form, payload domain.Payload) (QuotaResult, error) {
	limit, err := q.Limit(ctx, form)
	if err != nil {
		return QuotaResult{}, err
	}

	now := q.now().UTC()
	sub := &domain.Submission{
		FormID:      form.ID,
		Data:        datatypes.NewJSONType(payload.Visible()),
		SubmittedAt: now,
	}
	rec, err := q.submissions.RecordSubmission(ctx, storage.RecordRequest{
		FormID:     form.ID,
		Month:      domain.MonthKey(now),
		Limit:      limit,
		Submission: sub,
	})
	if err != nil {
		return QuotaResult{}, fmt.Errorf("record submission: %w", err)
	}
	form.Counter = rec.Counter

	res := QuotaResult{
		Decision: QuotaAllowed,
		Counter:  rec.Counter,
		Monthly:  rec.Monthly,
	}
	if rec.Stored {
		res.Submission = sub
		return res, nil
	}
	res.Decision = QuotaOverLimit
	res.NoticeDue = limit > 0 && rec.Monthly == limit+1
	return res, nil
}

// MonthlyCount 返回表单当月的计数
func (q *QuotaTracker) MonthlyCount(ctx context.Context, formID uint64) (int, error) {
	return q.submissions.MonthlyCount(ctx, formID, domain.MonthKey(q.now().UTC()))
}
