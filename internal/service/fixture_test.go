package service

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/bounce"
	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/formid"
	"formrelay/backend/internal/smtp"
	"formrelay/backend/internal/storage/memory"
)

// recordingMailer 记录所有投递请求
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

type sentMail struct {
	kind string
	msg  smtp.Message
}

func (m *recordingMailer) Dispatch(_ context.Context, kind string, msg smtp.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: kind, msg: msg})
	return m.err
}

func (m *recordingMailer) byKind(kind string) []smtp.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []smtp.Message
	for _, s := range m.sent {
		if s.kind == kind {
			out = append(out, s.msg)
		}
	}
	return out
}

var nonceInLink = regexp.MustCompile(`/confirm/([0-9a-f]{64})`)

// lastNonce 从最近一封确认邮件中取出令牌
func (m *recordingMailer) lastNonce(t *testing.T) string {
	t.Helper()
	msgs := m.byKind(smtp.KindConfirmation)
	require.NotEmpty(t, msgs, "no confirmation email dispatched")
	match := nonceInLink.FindStringSubmatch(msgs[len(msgs)-1].Text)
	require.Len(t, match, 2)
	return match[1]
}

// MockCaptcha 模拟人机验证
type MockCaptcha struct {
	mock.Mock
}

func (m *MockCaptcha) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	args := m.Called(ctx, token, remoteIP)
	return args.Bool(0), args.Error(1)
}

// MockSitewide 模拟 sitewide 文件校验
type MockSitewide struct {
	mock.Mock
}

func (m *MockSitewide) VerifyFileAt(ctx context.Context, rawURL, email string) (bool, error) {
	args := m.Called(ctx, rawURL, email)
	return args.Bool(0), args.Error(1)
}

type fixture struct {
	store        *memory.Store
	mailer       *recordingMailer
	bounces      *bounce.Memory
	captcha      *MockCaptcha
	sitewide     *MockSitewide
	identity     *IdentityResolver
	quota        *QuotaTracker
	confirmation *ConfirmationService
	processor    *Processor
	dashboard    *DashboardService
}

func newFixture(t *testing.T, monthlyLimit int) *fixture {
	t.Helper()

	codec, err := formid.NewCodec("test-salt", 8)
	require.NoError(t, err)

	f := &fixture{
		store:    memory.NewStore(),
		mailer:   &recordingMailer{},
		bounces:  bounce.NewMemory(),
		captcha:  &MockCaptcha{},
		sitewide: &MockSitewide{},
	}
	f.identity = NewIdentityResolver(f.store, formid.NewHasher("test-hash-secret-0123"), codec)
	f.quota = NewQuotaTracker(f.store, f.store, monthlyLimit)
	f.confirmation = NewConfirmationService(ConfirmationDeps{
		Forms:      f.store,
		Nonces:     f.store,
		Identity:   f.identity,
		Mailer:     f.mailer,
		Bounces:    f.bounces,
		Captcha:    f.captcha,
		ServiceURL: "https://formrelay.test/",
	})
	f.processor = NewProcessor(f.identity, NewHostGuard(f.store), f.quota, f.confirmation, f.mailer, nil, nil)
	f.dashboard = NewDashboardService(f.store, f.identity, f.confirmation, f.sitewide, "https://api.formrelay.test", nil)
	return f
}

func fields(kv ...string) domain.Payload {
	var p domain.Payload
	for i := 0; i+1 < len(kv); i += 2 {
		p = p.Set(kv[i], kv[i+1])
	}
	return p
}

func (f *fixture) submit(t *testing.T, target, host string, payload domain.Payload) (Result, error) {
	t.Helper()
	return f.processor.Handle(context.Background(), SubmitInput{
		Target:   target,
		Host:     host,
		Referrer: "http://" + host,
		Payload:  payload,
	})
}

// confirmedForm 走完一次提交和确认流程，返回已确认的匿名表单
func (f *fixture) confirmedForm(t *testing.T, email, host string) *domain.Form {
	t.Helper()
	res, err := f.submit(t, email, host, fields("name", "first"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeConfirmationSent, res.Outcome)

	form, err := f.confirmation.Confirm(context.Background(), f.mailer.lastNonce(t))
	require.NoError(t, err)
	require.True(t, form.Confirmed)
	return form
}

// upgradedAccount 创建已升级账户，并把 emails 作为已验证地址
func (f *fixture) upgradedAccount(t *testing.T, login string, emails ...string) *domain.Account {
	t.Helper()
	ctx := context.Background()
	acc := &domain.Account{Email: login, Upgraded: true}
	require.NoError(t, f.store.CreateAccount(ctx, acc))
	for _, e := range emails {
		require.NoError(t, f.store.AddAccountEmail(ctx, &domain.AccountEmail{Address: e, AccountID: acc.ID, Verified: true}))
	}
	return acc
}
