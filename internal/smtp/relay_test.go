package smtp

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/config"
)

// captureBackend 是测试用的收信端，记录收到的报文
type captureBackend struct {
	mu       sync.Mutex
	messages []captured
}

type captured struct {
	from string
	to   []string
	raw  string
}

func (b *captureBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &captureSession{backend: b}, nil
}

func (b *captureBackend) all() []captured {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]captured(nil), b.messages...)
}

type captureSession struct {
	backend *captureBackend
	from    string
	to      []string
}

func (s *captureSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if strings.HasSuffix(to, "@bounce.test") {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, captured{from: s.from, to: s.to, raw: string(raw)})
	s.backend.mu.Unlock()
	return nil
}

func (s *captureSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *captureSession) Logout() error { return nil }

func startCaptureServer(t *testing.T) (*captureBackend, config.MailConfig) {
	t.Helper()
	be := &captureBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return be, config.MailConfig{
		Host:       host,
		Port:       port,
		From:       "relay@formrelay.test",
		HeloDomain: "formrelay.test",
	}
}

func TestRelay_Send(t *testing.T) {
	be, cfg := startCaptureServer(t)
	relay := NewRelay(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("投递到收件人与抄送", func(t *testing.T) {
		receipt, err := relay.Send(ctx, Message{
			To:      "owner@example.com",
			CC:      []string{"boss@example.com", "OWNER@example.com"},
			ReplyTo: "visitor@example.org",
			Subject: "New submission from example.com/contact",
			Text:    "name:\nAlice\n",
		})
		require.NoError(t, err)
		assert.Contains(t, receipt.MessageID, "@formrelay.test>")

		msgs := be.all()
		require.Len(t, msgs, 1)
		assert.Equal(t, "relay@formrelay.test", msgs[0].from)
		assert.Equal(t, []string{"owner@example.com", "boss@example.com"}, msgs[0].to)
		assert.Contains(t, msgs[0].raw, "Reply-To: visitor@example.org")
		assert.Contains(t, msgs[0].raw, "Subject: New submission from example.com/contact")
		assert.Contains(t, msgs[0].raw, "Alice")
	})

	t.Run("收件人被拒绝为永久失败", func(t *testing.T) {
		_, err := relay.Send(ctx, Message{To: "gone@bounce.test", Subject: "x", Text: "y"})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("无收件人", func(t *testing.T) {
		_, err := relay.Send(ctx, Message{Subject: "x"})
		assert.Error(t, err)
	})
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&gosmtp.SMTPError{Code: 554}))
	assert.False(t, IsPermanent(&gosmtp.SMTPError{Code: 451}))
	assert.False(t, IsPermanent(io.EOF))
}
