package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/storage"
)

// Store 使用内存保存表单、提交与账户数据，用于开发和测试。
// 单把互斥锁保证每个方法原子执行，语义与数据库实现一致。
type Store struct {
	mu sync.RWMutex

	forms      map[uint64]*domain.Form
	byHash     map[string]uint64
	nonces     map[string]*domain.ConfirmationNonce
	subs       map[uint64][]*domain.Submission // formID -> submissions
	monthly    map[monthlyKey]int
	accounts   map[uint64]*domain.Account
	byAccEmail map[string]uint64                // account.Email -> accountID
	emails     map[string]*domain.AccountEmail  // address -> email

	nextFormID    uint64
	nextSubID     uint64
	nextNonceID   uint64
	nextAccountID uint64

	now func() time.Time
}

type monthlyKey struct {
	formID uint64
	month  string
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		forms:      make(map[uint64]*domain.Form),
		byHash:     make(map[string]uint64),
		nonces:     make(map[string]*domain.ConfirmationNonce),
		subs:       make(map[uint64][]*domain.Submission),
		monthly:    make(map[monthlyKey]int),
		accounts:   make(map[uint64]*domain.Account),
		byAccEmail: make(map[string]uint64),
		emails:     make(map[string]*domain.AccountEmail),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func cloneForm(f *domain.Form) *domain.Form {
	c := *f
	if f.Hash != nil {
		h := *f.Hash
		c.Hash = &h
	}
	if f.OwnerID != nil {
		o := *f.OwnerID
		c.OwnerID = &o
	}
	return &c
}

// GetForm 根据 ID 获取表单。
func (s *Store) GetForm(_ context.Context, id uint64) (*domain.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.forms[id]
	if !ok {
		return nil, domain.ErrFormNotFound
	}
	return cloneForm(f), nil
}

// GetFormByHash 根据散列获取匿名表单。
func (s *Store) GetFormByHash(_ context.Context, hash string) (*domain.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, domain.ErrFormNotFound
	}
	return cloneForm(s.forms[id]), nil
}

// CreateFormIfAbsent 插入匿名表单，散列已存在时返回已有表单。
func (s *Store) CreateFormIfAbsent(_ context.Context, form *domain.Form) (*domain.Form, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if form.Hash == nil {
		return nil, false, domain.ErrInvalidTarget
	}
	if id, ok := s.byHash[*form.Hash]; ok {
		return cloneForm(s.forms[id]), false, nil
	}

	s.insertFormLocked(form)
	s.byHash[*form.Hash] = form.ID
	return cloneForm(form), true, nil
}

// CreateForm 插入控制台表单。
func (s *Store) CreateForm(_ context.Context, form *domain.Form) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if form.Hash != nil {
		if _, ok := s.byHash[*form.Hash]; ok {
			return domain.ErrInvalidTarget
		}
	}
	s.insertFormLocked(form)
	if form.Hash != nil {
		s.byHash[*form.Hash] = form.ID
	}
	return nil
}

func (s *Store) insertFormLocked(form *domain.Form) {
	s.nextFormID++
	form.ID = s.nextFormID
	if form.CreatedAt.IsZero() {
		form.CreatedAt = s.now()
	}
	s.forms[form.ID] = cloneForm(form)
}

// BindHost 在表单未绑定时写入 host。
func (s *Store) BindHost(_ context.Context, id uint64, host string) (*domain.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[id]
	if !ok {
		return nil, domain.ErrFormNotFound
	}
	if f.Host == "" {
		f.Host = host
	}
	return cloneForm(f), nil
}

// MarkConfirmSent 条件置位 confirm_sent。
func (s *Store) MarkConfirmSent(_ context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[id]
	if !ok {
		return false, domain.ErrFormNotFound
	}
	if f.ConfirmSent || f.Confirmed {
		return false, nil
	}
	f.ConfirmSent = true
	return true, nil
}

// ResetConfirmSent 清除 confirm_sent。
func (s *Store) ResetConfirmSent(_ context.Context, id uint64) error {
	return s.updateForm(id, func(f *domain.Form) { f.ConfirmSent = false })
}

// SetConfirmed 直接确认表单。
func (s *Store) SetConfirmed(_ context.Context, id uint64) error {
	return s.updateForm(id, func(f *domain.Form) {
		f.Confirmed = true
		f.ConfirmSent = true
	})
}

// SetDisabled 启用或停用表单。
func (s *Store) SetDisabled(_ context.Context, id uint64, disabled bool) error {
	return s.updateForm(id, func(f *domain.Form) { f.Disabled = disabled })
}

func (s *Store) updateForm(id uint64, fn func(*domain.Form)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[id]
	if !ok {
		return domain.ErrFormNotFound
	}
	fn(f)
	return nil
}

// DeleteForm 删除表单及其关联数据。
func (s *Store) DeleteForm(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[id]
	if !ok {
		return domain.ErrFormNotFound
	}
	if f.Hash != nil {
		delete(s.byHash, *f.Hash)
	}
	delete(s.forms, id)
	delete(s.subs, id)
	for k, n := range s.nonces {
		if n.FormID == id {
			delete(s.nonces, k)
		}
	}
	for k := range s.monthly {
		if k.formID == id {
			delete(s.monthly, k)
		}
	}
	return nil
}

// ListFormsByOwner 按创建时间倒序列出账户的表单。
func (s *Store) ListFormsByOwner(_ context.Context, ownerID uint64) ([]domain.Form, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Form, 0)
	for _, f := range s.forms {
		if f.OwnerID != nil && *f.OwnerID == ownerID {
			out = append(out, *cloneForm(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SaveNonce 保存确认令牌。
func (s *Store) SaveNonce(_ context.Context, nonce *domain.ConfirmationNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.forms[nonce.FormID]; !ok {
		return domain.ErrFormNotFound
	}
	s.nextNonceID++
	nonce.ID = s.nextNonceID
	if nonce.CreatedAt.IsZero() {
		nonce.CreatedAt = s.now()
	}
	c := *nonce
	s.nonces[nonce.Nonce] = &c
	return nil
}

// ConsumeNonce 消费令牌并确认表单。
func (s *Store) ConsumeNonce(_ context.Context, nonce string, at time.Time) (*domain.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nonces[nonce]
	if !ok || n.ConsumedAt != nil {
		return nil, domain.ErrNonceNotFound
	}
	f, ok := s.forms[n.FormID]
	if !ok {
		return nil, domain.ErrNonceNotFound
	}
	consumed := at
	n.ConsumedAt = &consumed
	f.Confirmed = true
	f.ConfirmSent = true
	return cloneForm(f), nil
}

// RecordSubmission 递增计数并在未超额时保存提交。
func (s *Store) RecordSubmission(_ context.Context, req storage.RecordRequest) (storage.RecordResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[req.FormID]
	if !ok {
		return storage.RecordResult{}, domain.ErrFormNotFound
	}

	f.Counter++
	key := monthlyKey{formID: req.FormID, month: req.Month}
	s.monthly[key]++

	res := storage.RecordResult{Counter: f.Counter, Monthly: s.monthly[key]}
	if req.Limit > 0 && res.Monthly > req.Limit {
		return res, nil
	}

	if req.Submission != nil {
		s.nextSubID++
		req.Submission.ID = s.nextSubID
		req.Submission.FormID = req.FormID
		if req.Submission.SubmittedAt.IsZero() {
			req.Submission.SubmittedAt = s.now()
		}
		c := *req.Submission
		s.subs[req.FormID] = append(s.subs[req.FormID], &c)
		res.Stored = true
	}
	return res, nil
}

// MonthlyCount 返回表单在某月的计数。
func (s *Store) MonthlyCount(_ context.Context, formID uint64, month string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monthly[monthlyKey{formID: formID, month: month}], nil
}

// ListSubmissions 按提交时间倒序列出提交。
func (s *Store) ListSubmissions(_ context.Context, formID uint64) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.forms[formID]; !ok {
		return nil, domain.ErrFormNotFound
	}
	list := s.subs[formID]
	out := make([]domain.Submission, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, *list[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

// DeleteSubmission 删除提交并递减表单计数。
func (s *Store) DeleteSubmission(_ context.Context, formID, submissionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.forms[formID]
	if !ok {
		return domain.ErrFormNotFound
	}
	list := s.subs[formID]
	for i, sub := range list {
		if sub.ID == submissionID {
			s.subs[formID] = append(list[:i], list[i+1:]...)
			if f.Counter > 0 {
				f.Counter--
			}
			return nil
		}
	}
	return domain.ErrSubmissionNotFound
}

// CreateAccount 创建账户。
func (s *Store) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAccEmail[account.Email]; ok {
		return domain.ErrAccountExists
	}
	s.nextAccountID++
	account.ID = s.nextAccountID
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now()
	}
	c := *account
	s.accounts[account.ID] = &c
	s.byAccEmail[account.Email] = account.ID
	return nil
}

// GetAccount 根据 ID 获取账户。
func (s *Store) GetAccount(_ context.Context, id uint64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

// GetAccountByEmail 根据登录邮箱获取账户。
func (s *Store) GetAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAccEmail[email]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	c := *s.accounts[id]
	return &c, nil
}

// SetUpgraded 修改账户升级状态。
func (s *Store) SetUpgraded(_ context.Context, id uint64, upgraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.Upgraded = upgraded
	return nil
}

// AddAccountEmail 为账户添加邮箱。
func (s *Store) AddAccountEmail(_ context.Context, email *domain.AccountEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[email.AccountID]; !ok {
		return domain.ErrAccountNotFound
	}
	if existing, ok := s.emails[email.Address]; ok && existing.AccountID != email.AccountID {
		return domain.ErrEmailTaken
	}
	if email.CreatedAt.IsZero() {
		email.CreatedAt = s.now()
	}
	c := *email
	s.emails[email.Address] = &c
	return nil
}

// ListAccountEmails 列出账户邮箱。
func (s *Store) ListAccountEmails(_ context.Context, accountID uint64) ([]domain.AccountEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AccountEmail, 0)
	for _, e := range s.emails {
		if e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// HasUpgradedController 判断表单是否由已升级账户控制。
func (s *Store) HasUpgradedController(_ context.Context, form *domain.Form) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if form.OwnerID != nil {
		if a, ok := s.accounts[*form.OwnerID]; ok && a.Upgraded {
			return true, nil
		}
	}
	if e, ok := s.emails[form.Email]; ok && e.Verified {
		if a, ok := s.accounts[e.AccountID]; ok && a.Upgraded {
			return true, nil
		}
	}
	return false, nil
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error { return nil }

// Health 内存存储始终可用。
func (s *Store) Health(context.Context) error { return nil }
