package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/logger"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidEmail     = "邮箱地址无效"
	MsgMethodNotAllowed = "请使用 POST 提交表单"
	MsgNotFound         = "资源不存在"
	MsgInternalError    = "服务器内部错误，请稍后重试"
)

type errorMapping struct {
	target error
	status int
	msg    string
}

// errorTable 按顺序匹配，靠前的更具体
var errorTable = []errorMapping{
	{domain.ErrMissingReferrer, http.StatusBadRequest, "缺少或无效的 Referer，请从网页提交表单"},
	{domain.ErrInvalidTarget, http.StatusBadRequest, "无效的表单地址"},
	{domain.ErrFormNotFound, http.StatusNotFound, "表单不存在"},
	{domain.ErrFormDisabled, http.StatusForbidden, "表单已停用"},
	{domain.ErrNotFormOwner, http.StatusForbidden, "您不是该表单的所有者"},
	{domain.ErrNonceNotFound, http.StatusBadRequest, "确认链接无效或已使用"},
	{domain.ErrSubmissionNotFound, http.StatusNotFound, "提交记录不存在"},
	{domain.ErrAccountNotFound, http.StatusNotFound, "账户不存在"},
	{domain.ErrUpgradeRequired, http.StatusPaymentRequired, "请先升级账户"},
	{domain.ErrCaptchaFailed, http.StatusForbidden, "人机验证失败"},
	{domain.ErrSitewideUnverified, http.StatusForbidden, "站点根目录下未找到校验文件"},
	{domain.ErrNotBlocked, http.StatusBadRequest, "该邮箱不在退信列表中"},
	{domain.ErrForbidden, http.StatusForbidden, "无权访问"},
}

// errorResponse 把业务错误映射为状态码、消息和附加数据
func errorResponse(err error) (int, string, interface{}) {
	var mismatch *domain.HostMismatchError
	if errors.As(err, &mismatch) {
		return http.StatusForbidden, "提交来源与表单绑定的网站不一致", gin.H{
			"submitted": mismatch.Submitted,
			"confirmed": mismatch.Confirmed,
		}
	}
	var blocked *domain.BlockedError
	if errors.As(err, &blocked) {
		return http.StatusForbidden, "该邮箱曾投递失败，已被暂停发送", gin.H{
			"email":  blocked.Email,
			"reason": blocked.Reason,
		}
	}
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.msg, nil
		}
	}
	if domain.IsEmailError(err) {
		return http.StatusBadRequest, MsgInvalidEmail, nil
	}
	return http.StatusInternalServerError, MsgInternalError, nil
}

// respondError 写出错误响应，5xx 记录日志
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status, msg, data := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context(), log).Error("request failed", zap.Error(err))
	}
	ErrorWithData(c, status, msg, data)
}
