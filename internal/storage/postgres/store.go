package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"formrelay/backend/internal/config"
	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储实现，支持 PostgreSQL 与 SQLite
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open 按配置选择数据库驱动
func Open(cfg config.DatabaseConfig) (*Store, error) {
	pool := PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	switch cfg.Type {
	case "postgres":
		return NewStore(cfg.DSN, pool)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, pool PoolConfig) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), pool)
}

// NewSQLiteStore 创建 SQLite 存储实例。SQLite 只允许单写连接。
func NewSQLiteStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(sqlite.Open(dsn), PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, pool PoolConfig) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.AccountEmail{},
		&domain.Form{},
		&domain.Submission{},
		&domain.ConfirmationNonce{},
		&domain.MonthlyCounter{},
	)
}

func notFound(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

// ========== Form Repository ==========

// GetForm 根据 ID 获取表单
func (s *Store) GetForm(ctx context.Context, id uint64) (*domain.Form, error) {
	var form domain.Form
	if err := s.db.WithContext(ctx).First(&form, id).Error; err != nil {
		return nil, notFound(err, domain.ErrFormNotFound)
	}
	return &form, nil
}

// GetFormByHash 根据散列获取匿名表单
func (s *Store) GetFormByHash(ctx context.Context, hash string) (*domain.Form, error) {
	var form domain.Form
	if err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&form).Error; err != nil {
		return nil, notFound(err, domain.ErrFormNotFound)
	}
	return &form, nil
}

// CreateFormIfAbsent 插入匿名表单，散列冲突时读取已有记录
func (s *Store) CreateFormIfAbsent(ctx context.Context, form *domain.Form) (*domain.Form, bool, error) {
	if form.Hash == nil {
		return nil, false, domain.ErrInvalidTarget
	}

	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoNothing: true,
	}).Create(form)
	if res.Error != nil {
		return nil, false, res.Error
	}

	var stored domain.Form
	if err := db.Where("hash = ?", *form.Hash).First(&stored).Error; err != nil {
		return nil, false, err
	}
	return &stored, res.RowsAffected == 1, nil
}

// CreateForm 插入控制台表单
func (s *Store) CreateForm(ctx context.Context, form *domain.Form) error {
	return s.db.WithContext(ctx).Create(form).Error
}

// BindHost 仅在 host 为空时写入
func (s *Store) BindHost(ctx context.Context, id uint64, host string) (*domain.Form, error) {
	var form domain.Form
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Form{}).
			Where("id = ? AND host = ?", id, "").
			UpdateColumn("host", host).Error; err != nil {
			return err
		}
		return tx.First(&form, id).Error
	})
	if err != nil {
		return nil, notFound(err, domain.ErrFormNotFound)
	}
	return &form, nil
}

// MarkConfirmSent 条件置位 confirm_sent
func (s *Store) MarkConfirmSent(ctx context.Context, id uint64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Form{}).
		Where("id = ? AND confirm_sent = ? AND confirmed = ?", id, false, false).
		UpdateColumn("confirm_sent", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetForm(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ResetConfirmSent 清除 confirm_sent
func (s *Store) ResetConfirmSent(ctx context.Context, id uint64) error {
	return s.updateForm(ctx, id, map[string]interface{}{"confirm_sent": false})
}

// SetConfirmed 直接确认表单
func (s *Store) SetConfirmed(ctx context.Context, id uint64) error {
	return s.updateForm(ctx, id, map[string]interface{}{"confirmed": true, "confirm_sent": true})
}

// SetDisabled 启用或停用表单
func (s *Store) SetDisabled(ctx context.Context, id uint64, disabled bool) error {
	return s.updateForm(ctx, id, map[string]interface{}{"disabled": disabled})
}

func (s *Store) updateForm(ctx context.Context, id uint64, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&domain.Form{}).Where("id = ?", id).UpdateColumns(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrFormNotFound
	}
	return nil
}

// DeleteForm 删除表单及其关联数据
func (s *Store) DeleteForm(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&domain.Form{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrFormNotFound
		}
		if err := tx.Where("form_id = ?", id).Delete(&domain.Submission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("form_id = ?", id).Delete(&domain.ConfirmationNonce{}).Error; err != nil {
			return err
		}
		return tx.Where("form_id = ?", id).Delete(&domain.MonthlyCounter{}).Error
	})
}

// ListFormsByOwner 按创建时间倒序列出账户的表单
func (s *Store) ListFormsByOwner(ctx context.Context, ownerID uint64) ([]domain.Form, error) {
	forms := make([]domain.Form, 0)
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Find(&forms).Error
	return forms, err
}

// ========== Nonce Repository ==========

// SaveNonce 保存确认令牌
func (s *Store) SaveNonce(ctx context.Context, nonce *domain.ConfirmationNonce) error {
	return s.db.WithContext(ctx).Create(nonce).Error
}

// ConsumeNonce 在一个事务里消费令牌并确认表单，条件更新保证只有一个调用者成功
func (s *Store) ConsumeNonce(ctx context.Context, nonce string, at time.Time) (*domain.Form, error) {
	var form domain.Form
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.ConfirmationNonce{}).
			Where("nonce = ? AND consumed_at IS NULL", nonce).
			UpdateColumn("consumed_at", at.UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNonceNotFound
		}

		var n domain.ConfirmationNonce
		if err := tx.Where("nonce = ?", nonce).First(&n).Error; err != nil {
			return err
		}

		res = tx.Model(&domain.Form{}).Where("id = ?", n.FormID).
			UpdateColumns(map[string]interface{}{"confirmed": true, "confirm_sent": true})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNonceNotFound
		}
		return tx.First(&form, n.FormID).Error
	})
	if err != nil {
		return nil, notFound(err, domain.ErrNonceNotFound)
	}
	return &form, nil
}

// ========== Submission Repository ==========

// RecordSubmission 递增计数并在未超额时保存提交。
// 先更新表单行，表单行锁让同一表单的计数串行执行。
func (s *Store) RecordSubmission(ctx context.Context, req storage.RecordRequest) (storage.RecordResult, error) {
	var out storage.RecordResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Form{}).Where("id = ?", req.FormID).
			UpdateColumn("counter", gorm.Expr("counter + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrFormNotFound
		}
		if err := tx.Model(&domain.Form{}).Select("counter").
			Where("id = ?", req.FormID).Row().Scan(&out.Counter); err != nil {
			return err
		}

		monthly := tx.Model(&domain.MonthlyCounter{}).
			Where("form_id = ? AND month = ?", req.FormID, req.Month)
		res = monthly.UpdateColumn("total", gorm.Expr("total + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			row := &domain.MonthlyCounter{FormID: req.FormID, Month: req.Month, Total: 1}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&domain.MonthlyCounter{}).Select("total").
			Where("form_id = ? AND month = ?", req.FormID, req.Month).
			Row().Scan(&out.Monthly); err != nil {
			return err
		}

		if req.Limit > 0 && out.Monthly > req.Limit {
			return nil
		}
		if req.Submission != nil {
			req.Submission.FormID = req.FormID
			if err := tx.Create(req.Submission).Error; err != nil {
				return err
			}
			out.Stored = true
		}
		return nil
	})
	if err != nil {
		return storage.RecordResult{}, err
	}
	return out, nil
}

// MonthlyCount 返回表单在某月的计数
func (s *Store) MonthlyCount(ctx context.Context, formID uint64, month string) (int, error) {
	var row domain.MonthlyCounter
	err := s.db.WithContext(ctx).Where("form_id = ? AND month = ?", formID, month).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Total, nil
}

// ListSubmissions 按提交时间倒序列出提交
func (s *Store) ListSubmissions(ctx context.Context, formID uint64) ([]domain.Submission, error) {
	if _, err := s.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	subs := make([]domain.Submission, 0)
	err := s.db.WithContext(ctx).
		Where("form_id = ?", formID).
		Order("submitted_at DESC, id DESC").
		Find(&subs).Error
	return subs, err
}

// DeleteSubmission 删除提交并递减表单计数
func (s *Store) DeleteSubmission(ctx context.Context, formID, submissionID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var form domain.Form
		if err := tx.Select("id").First(&form, formID).Error; err != nil {
			return notFound(err, domain.ErrFormNotFound)
		}

		res := tx.Where("id = ? AND form_id = ?", submissionID, formID).Delete(&domain.Submission{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrSubmissionNotFound
		}

		return tx.Model(&domain.Form{}).Where("id = ? AND counter > 0", formID).
			UpdateColumn("counter", gorm.Expr("counter - ?", 1)).Error
	})
}

// ========== Account Repository ==========

// CreateAccount 创建账户
func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	err := s.db.WithContext(ctx).Create(account).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrAccountExists
	}
	return err
}

// GetAccount 根据 ID 获取账户
func (s *Store) GetAccount(ctx context.Context, id uint64) (*domain.Account, error) {
	var account domain.Account
	if err := s.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, notFound(err, domain.ErrAccountNotFound)
	}
	return &account, nil
}

// GetAccountByEmail 根据登录邮箱获取账户
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var account domain.Account
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		return nil, notFound(err, domain.ErrAccountNotFound)
	}
	return &account, nil
}

// SetUpgraded 修改账户升级状态
func (s *Store) SetUpgraded(ctx context.Context, id uint64, upgraded bool) error {
	res := s.db.WithContext(ctx).Model(&domain.Account{}).Where("id = ?", id).UpdateColumn("upgraded", upgraded)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// AddAccountEmail 为账户添加邮箱，重复添加时更新验证状态
func (s *Store) AddAccountEmail(ctx context.Context, email *domain.AccountEmail) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account domain.Account
		if err := tx.Select("id").First(&account, email.AccountID).Error; err != nil {
			return notFound(err, domain.ErrAccountNotFound)
		}

		var existing domain.AccountEmail
		err := tx.Where("address = ?", email.Address).First(&existing).Error
		switch {
		case err == nil:
			if existing.AccountID != email.AccountID {
				return domain.ErrEmailTaken
			}
			return tx.Model(&existing).UpdateColumn("verified", email.Verified).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(email).Error
		default:
			return err
		}
	})
}

// ListAccountEmails 列出账户邮箱
func (s *Store) ListAccountEmails(ctx context.Context, accountID uint64) ([]domain.AccountEmail, error) {
	emails := make([]domain.AccountEmail, 0)
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("address").Find(&emails).Error
	return emails, err
}

// HasUpgradedController 判断表单是否由已升级账户控制
func (s *Store) HasUpgradedController(ctx context.Context, form *domain.Form) (bool, error) {
	var ownerID uint64
	if form.OwnerID != nil {
		ownerID = *form.OwnerID
	}

	db := s.db.WithContext(ctx)
	verified := db.Model(&domain.AccountEmail{}).
		Select("account_id").
		Where("address = ? AND verified = ?", form.Email, true)

	var n int64
	err := db.Model(&domain.Account{}).
		Where("upgraded = ?", true).
		Where("id = ? OR id IN (?)", ownerID, verified).
		Count(&n).Error
	return n > 0, err
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
