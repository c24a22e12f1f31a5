package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5322 邮箱地址长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	// dot-atom 形式的本地部分
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9!#$%&'*+/=?^_{|}~-]+(\.[a-zA-Z0-9!#$%&'*+/=?^_{|}~-]+)*$`)

	domainLabelRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// NormalizeEmail 校验邮箱地址并返回小写形式。
// 带显示名的地址（"Bob <bob@x.com>"）视为无效。
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return "", ErrEmailTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	local, host := email[:at], email[at+1:]

	if len(local) > MaxLocalPartLength {
		return "", ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(local) {
		return "", ErrInvalidLocalPart
	}
	if err := validateMailDomain(host); err != nil {
		return "", err
	}

	return email, nil
}

// IsEmailError 判断 err 是否来自邮箱校验
func IsEmailError(err error) bool {
	for _, target := range []error{ErrInvalidEmail, ErrEmailTooLong, ErrLocalPartTooLong, ErrInvalidLocalPart, ErrInvalidDomain} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidEmail 判断 s 是否是可用作转发目标或回复地址的邮箱
func IsValidEmail(s string) bool {
	_, err := NormalizeEmail(s)
	return err == nil
}

func validateMailDomain(host string) error {
	if host == "" || len(host) > MaxDomainLength || !strings.Contains(host, ".") {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(host, ".") {
		if !domainLabelRegex.MatchString(label) {
			return ErrInvalidDomain
		}
	}
	return nil
}
