package httptransport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/logger"
	"formrelay/backend/internal/service"
)

// 人机验证令牌字段，兼容 reCAPTCHA 和 Turnstile
var captchaFields = []string{"g-recaptcha-response", "cf-turnstile-response"}

type submitResponse struct {
	Outcome string `json:"outcome"`
	Next    string `json:"next,omitempty"`
}

// wantsJSON 判断调用方是否需要 JSON 响应
func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

// reply 按响应模式写出消息：JSON 使用统一结构，页面模式返回纯文本
func reply(c *gin.Context, asJSON bool, status int, msg string, data interface{}) {
	if asJSON {
		ErrorWithData(c, status, msg, data)
		return
	}
	c.String(status, msg)
}

func (h *Handler) replyError(c *gin.Context, asJSON bool, err error) {
	status, msg, data := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context(), h.log).Error("request failed", zap.Error(err))
	}
	reply(c, asJSON, status, msg, data)
}

func (h *Handler) readPayload(c *gin.Context, asJSON bool) (domain.Payload, bool) {
	payload, err := parsePayload(c.Request)
	if err == nil {
		return payload, true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		reply(c, asJSON, http.StatusRequestEntityTooLarge, "请求体过大", nil)
		return nil, false
	}
	logger.FromContext(c.Request.Context(), h.log).Info("malformed submission body", zap.Error(err))
	reply(c, asJSON, http.StatusBadRequest, MsgInvalidRequest, nil)
	return nil, false
}

// submit 接收表单提交，POST /:target
func (h *Handler) submit(c *gin.Context) {
	target := c.Param("target")
	referrer := c.GetHeader("Referer")
	host := domain.ReferrerToPath(referrer)
	asJSON := wantsJSON(c.Request)

	reqLog := logger.FromContext(c.Request.Context(), h.log).With(
		zap.String("target", target),
		zap.String("host", host),
		zap.Bool("wants_json", asJSON),
	)
	c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))

	payload, ok := h.readPayload(c, asJSON)
	if !ok {
		return
	}

	res, err := h.processor.Handle(c.Request.Context(), service.SubmitInput{
		Target:   target,
		Host:     host,
		Referrer: referrer,
		Payload:  payload,
	})
	if err != nil {
		h.replyError(c, asJSON, err)
		return
	}

	switch res.Outcome {
	case domain.OutcomeEmailSent, domain.OutcomeOverLimit:
		// 超额与蜜罐对提交者表现为正常成功
		if !asJSON && res.Next != "" {
			c.Redirect(http.StatusFound, res.Next)
			return
		}
		if asJSON {
			Success(c, submitResponse{Outcome: domain.OutcomeEmailSent.String(), Next: res.Next})
			return
		}
		c.String(http.StatusOK, "提交成功")
	case domain.OutcomeEmptySubmission:
		reply(c, asJSON, http.StatusBadRequest, "提交内容为空", nil)
	case domain.OutcomeConfirmationSent, domain.OutcomeConfirmationDuplicated:
		msg := "该表单需要激活，确认邮件已发送到 " + res.Form.Email
		if asJSON {
			SuccessWithMsg(c, msg, submitResponse{Outcome: res.Outcome.String()})
			return
		}
		c.String(http.StatusOK, msg)
	case domain.OutcomeReplyToError:
		reply(c, asJSON, http.StatusBadRequest, fmt.Sprintf("回复地址 %q 无效", res.Address), gin.H{"address": res.Address})
	default:
		reply(c, asJSON, http.StatusInternalServerError, MsgInternalError, nil)
	}
}

// methodNotAllowed 提交端点只接受 POST
func (h *Handler) methodNotAllowed(c *gin.Context) {
	reply(c, wantsJSON(c.Request), http.StatusMethodNotAllowed, MsgMethodNotAllowed, nil)
}

// confirm 消费确认令牌，GET /confirm/:nonce
func (h *Handler) confirm(c *gin.Context) {
	asJSON := wantsJSON(c.Request)
	form, err := h.confirmation.Confirm(c.Request.Context(), c.Param("nonce"))
	if err != nil {
		h.replyError(c, asJSON, err)
		return
	}
	msg := fmt.Sprintf("表单已激活，之后来自 %s 的提交会转发到 %s", form.Host, form.Email)
	if asJSON {
		SuccessWithMsg(c, msg, gin.H{"email": form.Email, "host": form.Host})
		return
	}
	c.String(http.StatusOK, msg)
}

func captchaToken(p domain.Payload) string {
	for _, name := range captchaFields {
		if v, ok := p.Get(name); ok && v != "" {
			return v
		}
	}
	return ""
}

// resend 重新发送确认邮件，POST /resend/:email
func (h *Handler) resend(c *gin.Context) {
	asJSON := wantsJSON(c.Request)
	payload, ok := h.readPayload(c, asJSON)
	if !ok {
		return
	}
	host, _ := payload.Get("host")
	if host == "" {
		host = domain.ReferrerToPath(c.GetHeader("Referer"))
	}

	outcome, err := h.confirmation.Resend(c.Request.Context(), service.ResendInput{
		Email:        c.Param("email"),
		Host:         strings.TrimSpace(host),
		CaptchaToken: captchaToken(payload),
		RemoteIP:     c.ClientIP(),
	})
	if errors.Is(err, domain.ErrFormNotFound) {
		reply(c, asJSON, http.StatusBadRequest, "该邮箱在此网站下没有表单", nil)
		return
	}
	if err != nil {
		h.replyError(c, asJSON, err)
		return
	}
	msg := "确认邮件已重新发送"
	if asJSON {
		SuccessWithMsg(c, msg, submitResponse{Outcome: outcome.String()})
		return
	}
	c.String(http.StatusOK, msg)
}

// blockStatus 查询退信状态，GET /unblock/:email
func (h *Handler) blockStatus(c *gin.Context) {
	email := c.Param("email")
	blocked, reason, err := h.confirmation.BlockStatus(c.Request.Context(), email)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"email": email, "blocked": blocked, "reason": reason})
}

// unblock 移出退信列表，POST /unblock/:email
func (h *Handler) unblock(c *gin.Context) {
	asJSON := wantsJSON(c.Request)
	payload, ok := h.readPayload(c, asJSON)
	if !ok {
		return
	}
	if err := h.confirmation.Unblock(c.Request.Context(), c.Param("email"), captchaToken(payload), c.ClientIP()); err != nil {
		h.replyError(c, asJSON, err)
		return
	}
	msg := "已恢复向该邮箱发送邮件"
	if asJSON {
		SuccessWithMsg(c, msg, nil)
		return
	}
	c.String(http.StatusOK, msg)
}
