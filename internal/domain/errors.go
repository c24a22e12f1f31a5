package domain

import (
	"errors"
	"fmt"
)

// 业务错误定义
var (
	ErrInvalidTarget      = errors.New("target is neither an email address nor a form identifier")
	ErrFormNotFound       = errors.New("form not found")
	ErrForbidden          = errors.New("forbidden")
	ErrFormDisabled       = fmt.Errorf("form not active: %w", ErrForbidden)
	ErrNotFormOwner       = fmt.Errorf("not the form owner: %w", ErrForbidden)
	ErrMissingReferrer    = errors.New("invalid referrer header")
	ErrNonceNotFound      = errors.New("confirmation nonce not found or already used")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrEmailTaken         = errors.New("email already belongs to an account")
	ErrUpgradeRequired    = errors.New("account upgrade required")
	ErrCaptchaFailed      = errors.New("captcha verification failed")
	ErrSitewideUnverified = errors.New("sitewide verification file not found")
	ErrNotBlocked         = errors.New("email is not on the bounce list")
)

// HostMismatchError 表示提交来源与表单已确认的主机不一致。
type HostMismatchError struct {
	Submitted string
	Confirmed string
}

func (e *HostMismatchError) Error() string {
	return fmt.Sprintf("submission from %q but form confirmed for %q", e.Submitted, e.Confirmed)
}

// Is 让 errors.Is(err, ErrForbidden) 成立
func (e *HostMismatchError) Is(target error) bool {
	return target == ErrForbidden
}

// ReplyToError 表示回复地址字段无效或相互矛盾。
type ReplyToError struct {
	Address string
}

func (e *ReplyToError) Error() string {
	return fmt.Sprintf("invalid reply-to address %q", e.Address)
}

// BlockedError 表示邮箱在退信列表中。
type BlockedError struct {
	Email  string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s is on the bounce list: %s", e.Email, e.Reason)
}
