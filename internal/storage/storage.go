package storage

import (
	"context"
	"time"

	"formrelay/backend/internal/domain"
)

// FormRepository 定义表单的存取与原子状态迁移。
//
// 所有会修改表单状态的方法都在存储层以单条条件更新或事务完成，
// 多个服务实例并发调用时结果仍然一致。
type FormRepository interface {
	GetForm(ctx context.Context, id uint64) (*domain.Form, error)
	GetFormByHash(ctx context.Context, hash string) (*domain.Form, error)
	// CreateFormIfAbsent 按 Hash 插入匿名表单；已存在时返回已有记录，created 为 false。
	CreateFormIfAbsent(ctx context.Context, form *domain.Form) (stored *domain.Form, created bool, err error)
	// CreateForm 插入控制台表单（Hash 为空）并回填 ID。
	CreateForm(ctx context.Context, form *domain.Form) error
	// BindHost 仅在表单尚未绑定时写入 host，返回更新后的表单。
	BindHost(ctx context.Context, id uint64, host string) (*domain.Form, error)
	// MarkConfirmSent 仅在 confirm_sent=false 且 confirmed=false 时置位，返回是否由本次调用置位。
	MarkConfirmSent(ctx context.Context, id uint64) (bool, error)
	ResetConfirmSent(ctx context.Context, id uint64) error
	SetConfirmed(ctx context.Context, id uint64) error
	SetDisabled(ctx context.Context, id uint64, disabled bool) error
	// DeleteForm 删除表单及其提交、确认令牌和月度计数。
	DeleteForm(ctx context.Context, id uint64) error
	// ListFormsByOwner 按创建时间倒序返回账户的表单。
	ListFormsByOwner(ctx context.Context, ownerID uint64) ([]domain.Form, error)
}

// NonceRepository 定义确认令牌操作。
type NonceRepository interface {
	SaveNonce(ctx context.Context, nonce *domain.ConfirmationNonce) error
	// ConsumeNonce 原子地消费令牌并确认对应表单。未知或已消费的令牌返回 domain.ErrNonceNotFound。
	ConsumeNonce(ctx context.Context, nonce string, at time.Time) (*domain.Form, error)
}

// RecordRequest 描述一次需要计数的提交。
type RecordRequest struct {
	FormID     uint64
	Month      string             // domain.MonthKey
	Limit      int                // 月度上限，<=0 表示不限
	Submission *domain.Submission // 未超额时写入
}

// RecordResult 是计数后的状态。
type RecordResult struct {
	Counter int  // 表单累计计数
	Monthly int  // 本月计数
	Stored  bool // 是否写入了 Submission
}

// SubmissionRepository 定义提交与计数操作。
type SubmissionRepository interface {
	// RecordSubmission 在同一事务里递增累计计数和本月计数，
	// 仅当 Limit<=0 或递增后的本月计数不超过 Limit 时写入 Submission。
	RecordSubmission(ctx context.Context, req RecordRequest) (RecordResult, error)
	MonthlyCount(ctx context.Context, formID uint64, month string) (int, error)
	// ListSubmissions 按提交时间倒序返回。
	ListSubmissions(ctx context.Context, formID uint64) ([]domain.Submission, error)
	// DeleteSubmission 删除提交并把表单累计计数减一。
	DeleteSubmission(ctx context.Context, formID, submissionID uint64) error
}

// AccountRepository 定义账户操作。
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id uint64) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	SetUpgraded(ctx context.Context, id uint64, upgraded bool) error
	AddAccountEmail(ctx context.Context, email *domain.AccountEmail) error
	ListAccountEmails(ctx context.Context, accountID uint64) ([]domain.AccountEmail, error)
	// HasUpgradedController 判断表单是否由已升级账户控制：
	// 账户是表单所有者，或账户名下有已验证的表单目标邮箱。
	HasUpgradedController(ctx context.Context, form *domain.Form) (bool, error)
}

// RateLimitRepository 定义固定窗口限流计数。
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Store 定义完整的持久化接口。
type Store interface {
	FormRepository
	NonceRepository
	SubmissionRepository
	AccountRepository

	Close() error
	Health(ctx context.Context) error
}
