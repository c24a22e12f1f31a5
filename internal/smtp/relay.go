// Package smtp 负责出站邮件：组装 MIME 报文并通过 SMTP 中继投递。
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"formrelay/backend/internal/config"
)

// Message 一封待投递的纯文本邮件
type Message struct {
	To      string
	CC      []string
	ReplyTo string
	Subject string
	Text    string
}

// Recipients 返回信封收件人（To 与 CC 去重）
func (m Message) Recipients() []string {
	seen := make(map[string]struct{}, len(m.CC)+1)
	out := make([]string, 0, len(m.CC)+1)
	for _, addr := range append([]string{m.To}, m.CC...) {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Receipt 投递回执
type Receipt struct {
	MessageID string
	SentAt    time.Time
}

// Sender 投递邮件
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Relay 通过外部 SMTP 服务器投递邮件
type Relay struct {
	addr      string
	host      string
	from      string
	helo      string
	username  string
	password  string
	startTLS  bool
	tlsConfig *tls.Config
	now       func() time.Time
}

// NewRelay 根据配置创建中继
func NewRelay(cfg config.MailConfig) *Relay {
	helo := cfg.HeloDomain
	if helo == "" {
		helo = "localhost"
	}
	return &Relay{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:      cfg.Host,
		from:      cfg.From,
		helo:      helo,
		username:  cfg.Username,
		password:  cfg.Password,
		startTLS:  cfg.StartTLS,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		now:       time.Now,
	}
}

// Send 组装并投递一封邮件，ctx 的截止时间作用于整个 SMTP 会话
func (r *Relay) Send(ctx context.Context, msg Message) (Receipt, error) {
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return Receipt{}, errors.New("smtp: message has no recipients")
	}

	receipt := Receipt{
		MessageID: fmt.Sprintf("<%s@%s>", uuid.NewString(), r.helo),
		SentAt:    r.now().UTC(),
	}
	raw, err := Compose(r.from, msg, receipt)
	if err != nil {
		return Receipt{}, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return Receipt{}, fmt.Errorf("smtp: dial %s: %w", r.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *gosmtp.Client
	if r.startTLS {
		client, err = gosmtp.NewClientStartTLS(conn, r.tlsConfig)
		if err != nil {
			_ = conn.Close()
			return Receipt{}, fmt.Errorf("smtp: starttls: %w", err)
		}
	} else {
		client = gosmtp.NewClient(conn)
	}
	defer client.Close()

	if err := client.Hello(r.helo); err != nil {
		return Receipt{}, fmt.Errorf("smtp: hello: %w", err)
	}
	if r.username != "" {
		if err := client.Auth(sasl.NewPlainClient("", r.username, r.password)); err != nil {
			return Receipt{}, fmt.Errorf("smtp: auth: %w", err)
		}
	}
	if err := client.SendMail(r.from, rcpts, bytes.NewReader(raw)); err != nil {
		return Receipt{}, fmt.Errorf("smtp: send: %w", err)
	}
	if err := client.Quit(); err != nil {
		return Receipt{}, fmt.Errorf("smtp: quit: %w", err)
	}
	return receipt, nil
}

// Compose 生成 RFC 5322 报文
func Compose(from string, msg Message, receipt Receipt) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	if len(msg.CC) > 0 {
		m.SetHeader("Cc", msg.CC...)
	}
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", receipt.MessageID)
	m.SetDateHeader("Date", receipt.SentAt)
	m.SetBody("text/plain", msg.Text)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("smtp: compose: %w", err)
	}
	return buf.Bytes(), nil
}

// IsPermanent 判断是否为永久性投递失败（5xx）
func IsPermanent(err error) bool {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500 && smtpErr.Code < 600
	}
	return false
}
