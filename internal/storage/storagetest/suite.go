// Package storagetest 提供所有 storage.Store 实现共用的行为测试。
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/storage"
)

// Run 对 newStore 返回的存储执行完整测试。
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("匿名表单只创建一次", func(t *testing.T) { testCreateFormIfAbsent(t, newStore(t)) })
	t.Run("主机只绑定一次", func(t *testing.T) { testBindHost(t, newStore(t)) })
	t.Run("确认邮件状态", func(t *testing.T) { testConfirmSent(t, newStore(t)) })
	t.Run("令牌单次消费", func(t *testing.T) { testConsumeNonce(t, newStore(t)) })
	t.Run("配额计数", func(t *testing.T) { testRecordSubmission(t, newStore(t)) })
	t.Run("并发计数不越界", func(t *testing.T) { testConcurrentRecord(t, newStore(t)) })
	t.Run("删除提交递减计数", func(t *testing.T) { testDeleteSubmission(t, newStore(t)) })
	t.Run("控制台表单", func(t *testing.T) { testOwnedForms(t, newStore(t)) })
	t.Run("账户与控制者", func(t *testing.T) { testAccounts(t, newStore(t)) })
}

func strPtr(s string) *string { return &s }

func anonymousForm(hash string) *domain.Form {
	return &domain.Form{Hash: strPtr(hash), Email: "alice@example.com", Host: "example.com"}
}

func submission(name string, at time.Time) *domain.Submission {
	return &domain.Submission{
		Data:        datatypes.NewJSONType(domain.Payload{{Name: "name", Value: name}}),
		SubmittedAt: at,
	}
}

func testCreateFormIfAbsent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	first, created, err := s.CreateFormIfAbsent(ctx, anonymousForm("h1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, first.ID)

	second, created, err := s.CreateFormIfAbsent(ctx, anonymousForm("h1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetFormByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.False(t, got.Confirmed)

	_, err = s.GetFormByHash(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrFormNotFound)
	_, err = s.GetForm(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrFormNotFound)
}

func testBindHost(t *testing.T, s storage.Store) {
	ctx := context.Background()

	f := &domain.Form{Email: "owner@example.com"}
	require.NoError(t, s.CreateForm(ctx, f))

	bound, err := s.BindHost(ctx, f.ID, "site-a.com")
	require.NoError(t, err)
	assert.Equal(t, "site-a.com", bound.Host)

	again, err := s.BindHost(ctx, f.ID, "site-b.com")
	require.NoError(t, err)
	assert.Equal(t, "site-a.com", again.Host)
}

func testConfirmSent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	f, _, err := s.CreateFormIfAbsent(ctx, anonymousForm("h-confirm"))
	require.NoError(t, err)

	won, err := s.MarkConfirmSent(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.MarkConfirmSent(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.ResetConfirmSent(ctx, f.ID))
	won, err = s.MarkConfirmSent(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, won)

	require.NoError(t, s.SetConfirmed(ctx, f.ID))
	require.NoError(t, s.ResetConfirmSent(ctx, f.ID))
	won, err = s.MarkConfirmSent(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, won, "已确认的表单不再发送确认邮件")
}

func testConsumeNonce(t *testing.T, s storage.Store) {
	ctx := context.Background()

	f, _, err := s.CreateFormIfAbsent(ctx, anonymousForm("h-nonce"))
	require.NoError(t, err)
	require.NoError(t, s.SaveNonce(ctx, &domain.ConfirmationNonce{Nonce: "n-1", FormID: f.ID}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeNonce(ctx, "n-1", time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if assert.ErrorIs(t, err, domain.ErrNonceNotFound) {
				losers++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 7, losers)

	got, err := s.GetForm(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.Confirmed)

	_, err = s.ConsumeNonce(ctx, "unknown", time.Now())
	assert.ErrorIs(t, err, domain.ErrNonceNotFound)
}

func testRecordSubmission(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	f, _, err := s.CreateFormIfAbsent(ctx, anonymousForm("h-quota"))
	require.NoError(t, err)

	for i, name := range []string{"peter", "ana"} {
		res, err := s.RecordSubmission(ctx, storage.RecordRequest{
			FormID: f.ID, Month: "2026-03", Limit: 2, Submission: submission(name, now),
		})
		require.NoError(t, err)
		assert.True(t, res.Stored)
		assert.Equal(t, i+1, res.Counter)
		assert.Equal(t, i+1, res.Monthly)
	}

	res, err := s.RecordSubmission(ctx, storage.RecordRequest{
		FormID: f.ID, Month: "2026-03", Limit: 2, Submission: submission("maria", now),
	})
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.Equal(t, 3, res.Counter)
	assert.Equal(t, 3, res.Monthly)

	// 新的自然月重新计数
	res, err = s.RecordSubmission(ctx, storage.RecordRequest{
		FormID: f.ID, Month: "2026-04", Limit: 2, Submission: submission("noah", now.AddDate(0, 1, 0)),
	})
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, 4, res.Counter)
	assert.Equal(t, 1, res.Monthly)

	march, err := s.MonthlyCount(ctx, f.ID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, 3, march)

	subs, err := s.ListSubmissions(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, "noah", subs[0].Data.Data()[0].Value)

	// 不限额时始终保存
	res, err = s.RecordSubmission(ctx, storage.RecordRequest{
		FormID: f.ID, Month: "2026-03", Limit: 0, Submission: submission("zoe", now),
	})
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, 4, res.Monthly)
}

func testConcurrentRecord(t *testing.T, s storage.Store) {
	ctx := context.Background()

	f, _, err := s.CreateFormIfAbsent(ctx, anonymousForm("h-race"))
	require.NoError(t, err)

	const attempts, limit = 12, 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.RecordSubmission(ctx, storage.RecordRequest{
				FormID: f.ID, Month: "2026-05", Limit: limit, Submission: submission("x", time.Now()),
			})
			if !assert.NoError(t, err) {
				return
			}
			if res.Stored {
				mu.Lock()
				stored++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, stored)
	got, err := s.GetForm(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts, got.Counter)

	monthly, err := s.MonthlyCount(ctx, f.ID, "2026-05")
	require.NoError(t, err)
	assert.Equal(t, attempts, monthly)
}

func testDeleteSubmission(t *testing.T, s storage.Store) {
	ctx := context.Background()

	f, _, err := s.CreateFormIfAbsent(ctx, anonymousForm("h-delete"))
	require.NoError(t, err)
	sub := submission("x", time.Now())
	_, err = s.RecordSubmission(ctx, storage.RecordRequest{FormID: f.ID, Month: "2026-06", Submission: sub})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSubmission(ctx, f.ID, sub.ID))
	got, err := s.GetForm(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Counter)

	assert.ErrorIs(t, s.DeleteSubmission(ctx, f.ID, sub.ID), domain.ErrSubmissionNotFound)
}

func testOwnedForms(t *testing.T, s storage.Store) {
	ctx := context.Background()

	acc := &domain.Account{Email: "owner@example.com"}
	require.NoError(t, s.CreateAccount(ctx, acc))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, email := range []string{"a@example.com", "b@example.com"} {
		f := &domain.Form{Email: email, OwnerID: &acc.ID, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, s.CreateForm(ctx, f))
	}

	forms, err := s.ListFormsByOwner(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, forms, 2)
	assert.Equal(t, "b@example.com", forms[0].Email)

	require.NoError(t, s.SetDisabled(ctx, forms[0].ID, true))
	got, err := s.GetForm(ctx, forms[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)

	require.NoError(t, s.SaveNonce(ctx, &domain.ConfirmationNonce{Nonce: "n-owned", FormID: got.ID}))
	require.NoError(t, s.DeleteForm(ctx, got.ID))
	_, err = s.GetForm(ctx, got.ID)
	assert.ErrorIs(t, err, domain.ErrFormNotFound)
	_, err = s.ConsumeNonce(ctx, "n-owned", time.Now())
	assert.ErrorIs(t, err, domain.ErrNonceNotFound)

	forms, err = s.ListFormsByOwner(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, forms, 1)
}

func testAccounts(t *testing.T, s storage.Store) {
	ctx := context.Background()

	acc := &domain.Account{Email: "luke@example.com"}
	require.NoError(t, s.CreateAccount(ctx, acc))
	assert.ErrorIs(t, s.CreateAccount(ctx, &domain.Account{Email: "luke@example.com"}), domain.ErrAccountExists)

	_, err := s.GetAccount(ctx, 424242)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	f, _, err := s.CreateFormIfAbsent(ctx, &domain.Form{Hash: strPtr("h-luke"), Email: "luke@example.com", Host: "example.com"})
	require.NoError(t, err)

	upgraded, err := s.HasUpgradedController(ctx, f)
	require.NoError(t, err)
	assert.False(t, upgraded)

	require.NoError(t, s.SetUpgraded(ctx, acc.ID, true))
	upgraded, err = s.HasUpgradedController(ctx, f)
	require.NoError(t, err)
	assert.False(t, upgraded, "账户尚未关联表单邮箱")

	require.NoError(t, s.AddAccountEmail(ctx, &domain.AccountEmail{Address: "luke@example.com", AccountID: acc.ID, Verified: true}))
	upgraded, err = s.HasUpgradedController(ctx, f)
	require.NoError(t, err)
	assert.True(t, upgraded)

	emails, err := s.ListAccountEmails(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, emails, 1)

	other := &domain.Account{Email: "other@example.com"}
	require.NoError(t, s.CreateAccount(ctx, other))
	err = s.AddAccountEmail(ctx, &domain.AccountEmail{Address: "luke@example.com", AccountID: other.ID})
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	byEmail, err := s.GetAccountByEmail(ctx, "luke@example.com")
	require.NoError(t, err)
	assert.True(t, byEmail.Upgraded)
}
