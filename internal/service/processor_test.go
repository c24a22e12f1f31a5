package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/smtp"
)

func TestProcessor_FirstSubmission(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	t.Run("首次提交创建未确认表单并发送确认", func(t *testing.T) {
		res, err := f.submit(t, "Alice@Example.com", "example.com", fields("name", "alice"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeConfirmationSent, res.Outcome)

		form, err := f.store.GetFormByHash(ctx, f.identity.HashFor("alice@example.com", "example.com"))
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", form.Email)
		assert.Equal(t, "example.com", form.Host)
		assert.False(t, form.Confirmed)
		assert.True(t, form.ConfirmSent)
		assert.Equal(t, 0, form.Counter)

		confirmations := f.mailer.byKind(smtp.KindConfirmation)
		require.Len(t, confirmations, 1)
		assert.Equal(t, "alice@example.com", confirmations[0].To)
		assert.Contains(t, confirmations[0].Text, "https://formrelay.test/confirm/")
		assert.Contains(t, confirmations[0].Text, "name: alice")
	})

	t.Run("再次提交不创建新表单也不重复发送", func(t *testing.T) {
		res, err := f.submit(t, "alice@example.com", "example.com", fields("name", "again"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeConfirmationDuplicated, res.Outcome)
		assert.Len(t, f.mailer.byKind(smtp.KindConfirmation), 1)
	})

	t.Run("不同主机是另一个表单", func(t *testing.T) {
		res, err := f.submit(t, "alice@example.com", "other.org", fields("name", "alice"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeConfirmationSent, res.Outcome)
		assert.NotEqual(t, f.identity.HashFor("alice@example.com", "example.com"), f.identity.HashFor("alice@example.com", "other.org"))
	})
}

func TestProcessor_ConcurrentFirstSubmissions(t *testing.T) {
	f := newFixture(t, 0)

	var wg sync.WaitGroup
	outcomes := make([]domain.Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.submit(t, "race@example.com", "example.com", fields("n", "1"))
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	sent := 0
	for _, o := range outcomes {
		if o == domain.OutcomeConfirmationSent {
			sent++
		} else {
			assert.Equal(t, domain.OutcomeConfirmationDuplicated, o)
		}
	}
	assert.Equal(t, 1, sent)
	assert.Len(t, f.mailer.byKind(smtp.KindConfirmation), 1)
}

func TestProcessor_ConfirmedForm(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	form := f.confirmedForm(t, "owner@example.com", "example.com/contact")

	t.Run("转发邮件", func(t *testing.T) {
		res, err := f.submit(t, "owner@example.com", "example.com/contact", fields(
			"name", "Bob",
			"email", "bob@visitor.org",
			"_subject", "Hello there",
			"_cc", "boss@example.com, not-an-email",
		))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeEmailSent, res.Outcome)
		assert.Equal(t, "http://example.com/contact", res.Next)
		assert.False(t, res.Suppressed)

		relays := f.mailer.byKind(smtp.KindRelay)
		require.Len(t, relays, 1)
		msg := relays[0]
		assert.Equal(t, "owner@example.com", msg.To)
		assert.Equal(t, "bob@visitor.org", msg.ReplyTo)
		assert.Equal(t, "Hello there", msg.Subject)
		assert.Equal(t, []string{"boss@example.com"}, msg.CC)
		assert.Contains(t, msg.Text, "name:\nBob")
		assert.NotContains(t, msg.Text, "_subject")

		subs, err := f.store.ListSubmissions(ctx, form.ID)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, domain.Payload{{Name: "name", Value: "Bob"}, {Name: "email", Value: "bob@visitor.org"}}, subs[0].Data.Data())

		stored, err := f.store.GetForm(ctx, form.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Counter)
	})

	t.Run("默认主题与 _next 跳转", func(t *testing.T) {
		res, err := f.submit(t, "owner@example.com", "example.com/contact", fields("msg", "hi", "_next", "/thanks"))
		require.NoError(t, err)
		assert.Equal(t, "http://example.com/thanks", res.Next)

		relays := f.mailer.byKind(smtp.KindRelay)
		assert.Equal(t, "New submission from example.com/contact", relays[len(relays)-1].Subject)
	})

	t.Run("蜜罐字段静默丢弃", func(t *testing.T) {
		before, _ := f.store.GetForm(ctx, form.ID)
		relays := len(f.mailer.byKind(smtp.KindRelay))

		res, err := f.submit(t, "owner@example.com", "example.com/contact", fields("name", "bob", "_gotcha", "spam"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeEmailSent, res.Outcome)
		assert.True(t, res.Suppressed)

		after, _ := f.store.GetForm(ctx, form.ID)
		assert.Equal(t, before.Counter, after.Counter)
		assert.Len(t, f.mailer.byKind(smtp.KindRelay), relays)
	})

	t.Run("空蜜罐字段不误判", func(t *testing.T) {
		for _, payload := range []domain.Payload{
			fields("name", "real person", "_gotcha", "", "_gotcha", ""),
			fields("name", "real person", "_gotcha", "false"),
		} {
			before, _ := f.store.GetForm(ctx, form.ID)
			relays := len(f.mailer.byKind(smtp.KindRelay))

			res, err := f.submit(t, "owner@example.com", "example.com/contact", payload)
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeEmailSent, res.Outcome)
			assert.False(t, res.Suppressed)

			after, _ := f.store.GetForm(ctx, form.ID)
			assert.Equal(t, before.Counter+1, after.Counter)
			assert.Len(t, f.mailer.byKind(smtp.KindRelay), relays+1)
		}
	})

	t.Run("回复地址无效", func(t *testing.T) {
		before, _ := f.store.GetForm(ctx, form.ID)

		res, err := f.submit(t, "owner@example.com", "example.com/contact", fields("name", "x", "_replyto", "not-an-email"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeReplyToError, res.Outcome)
		assert.Equal(t, "not-an-email", res.Address)

		after, _ := f.store.GetForm(ctx, form.ID)
		assert.Equal(t, before.Counter, after.Counter)
	})

	t.Run("回复地址互相矛盾", func(t *testing.T) {
		res, err := f.submit(t, "owner@example.com", "example.com/contact",
			fields("name", "x", "_replyto", "a@visitor.org", "email", "b@visitor.org"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeReplyToError, res.Outcome)
		assert.Equal(t, "b@visitor.org", res.Address)
	})

	t.Run("只有保留字段视为空提交", func(t *testing.T) {
		res, err := f.submit(t, "owner@example.com", "example.com/contact", fields("_next", "/x", "_subject", "s"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeEmptySubmission, res.Outcome)
	})

	t.Run("投递失败不影响结果", func(t *testing.T) {
		f.mailer.err = smtp.ErrQueueFull
		defer func() { f.mailer.err = nil }()

		res, err := f.submit(t, "owner@example.com", "example.com/contact", fields("name", "late"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeEmailSent, res.Outcome)
	})
}

func TestProcessor_MonthlyLimit(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	form := f.confirmedForm(t, "busy@example.com", "example.com")

	for i := 0; i < 2; i++ {
		res, err := f.submit(t, "busy@example.com", "example.com", fields("n", "x"))
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeEmailSent, res.Outcome)
	}

	t.Run("第三次提交超额", func(t *testing.T) {
		res, err := f.submit(t, "busy@example.com", "example.com", fields("n", "x"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeOverLimit, res.Outcome)
		assert.True(t, res.Suppressed)

		stored, err := f.store.GetForm(ctx, form.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, stored.Counter)

		monthly, err := f.quota.MonthlyCount(ctx, form.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, monthly)

		subs, err := f.store.ListSubmissions(ctx, form.ID)
		require.NoError(t, err)
		assert.Len(t, subs, 2)
		assert.Len(t, f.mailer.byKind(smtp.KindRelay), 2)

		notices := f.mailer.byKind(smtp.KindLimitNotice)
		require.Len(t, notices, 1)
		assert.Equal(t, "busy@example.com", notices[0].To)
	})

	t.Run("本月只通知一次", func(t *testing.T) {
		res, err := f.submit(t, "busy@example.com", "example.com", fields("n", "x"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeOverLimit, res.Outcome)
		assert.Len(t, f.mailer.byKind(smtp.KindLimitNotice), 1)
	})

	t.Run("升级后立即解除限制", func(t *testing.T) {
		f.upgradedAccount(t, "busy-login@example.com", "busy@example.com")

		res, err := f.submit(t, "busy@example.com", "example.com", fields("n", "x"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeEmailSent, res.Outcome)

		subs, err := f.store.ListSubmissions(ctx, form.ID)
		require.NoError(t, err)
		assert.Len(t, subs, 3)
	})
}

func TestProcessor_Preconditions(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	t.Run("缺少来源", func(t *testing.T) {
		_, err := f.processor.Handle(ctx, SubmitInput{Target: "a@example.com", Payload: fields("n", "1")})
		assert.ErrorIs(t, err, domain.ErrMissingReferrer)
	})

	t.Run("无法解析的目标", func(t *testing.T) {
		_, err := f.submit(t, "not a target!", "example.com", fields("n", "1"))
		assert.ErrorIs(t, err, domain.ErrInvalidTarget)
	})

	t.Run("不存在的 hashid", func(t *testing.T) {
		hashid, err := f.identity.codec.Encode(999)
		require.NoError(t, err)
		_, err = f.submit(t, hashid, "example.com", fields("n", "1"))
		assert.ErrorIs(t, err, domain.ErrFormNotFound)
	})

	acc := f.upgradedAccount(t, "owner@site.com", "owner@site.com")
	view, err := f.dashboard.Create(ctx, CreateFormInput{AccountID: acc.ID, Email: "owner@site.com", URL: "site.com/contact"})
	require.NoError(t, err)
	require.True(t, view.Confirmed)

	t.Run("控制台表单转发", func(t *testing.T) {
		res, err := f.submit(t, view.Hashid, "site.com/contact", fields("n", "1"))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeEmailSent, res.Outcome)
	})

	t.Run("来源主机不符", func(t *testing.T) {
		_, err := f.submit(t, view.Hashid, "evil.com/contact", fields("n", "1"))
		var mismatch *domain.HostMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, "evil.com/contact", mismatch.Submitted)
		assert.Equal(t, "site.com/contact", mismatch.Confirmed)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("停用的表单", func(t *testing.T) {
		_, err := f.dashboard.Toggle(ctx, acc.ID, view.Hashid)
		require.NoError(t, err)

		_, err = f.submit(t, view.Hashid, "site.com/contact", fields("n", "1"))
		assert.ErrorIs(t, err, domain.ErrFormDisabled)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestProcessor_UnboundDashboardForm(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acc := f.upgradedAccount(t, "me@site.com", "me@site.com")

	view, err := f.dashboard.Create(ctx, CreateFormInput{AccountID: acc.ID, Email: "me@site.com"})
	require.NoError(t, err)
	assert.Empty(t, view.Host)

	// 未绑定的表单首次提交时绑定来源，随后进入确认流程
	res, err := f.submit(t, view.Hashid, "site.com/form", fields("n", "1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmationSent, res.Outcome)

	_, err = f.submit(t, view.Hashid, "other.com/form", fields("n", "1"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestNextURL(t *testing.T) {
	tests := []struct {
		name     string
		referrer string
		next     string
		want     string
	}{
		{"没有 _next", "http://a.com/x", "", "http://a.com/x"},
		{"绝对地址", "http://a.com/x", "https://b.com/thanks", "https://b.com/thanks"},
		{"相对地址", "http://a.com/dir/form", "thanks.html", "http://a.com/dir/thanks.html"},
		{"根相对地址", "https://a.com/dir/form", "/ok", "https://a.com/ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p domain.Payload
			if tt.next != "" {
				p = p.Set(domain.FieldNext, tt.next)
			}
			assert.Equal(t, tt.want, nextURL(tt.referrer, p))
		})
	}
}
