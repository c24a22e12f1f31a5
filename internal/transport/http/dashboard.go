package httptransport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"formrelay/backend/internal/domain"
	"formrelay/backend/internal/middleware"
	"formrelay/backend/internal/service"
)

type createFormRequest struct {
	Email    string `json:"email" binding:"required"`
	URL      string `json:"url"`
	Sitewide bool   `json:"sitewide"`
}

type formListResponse struct {
	Items []service.FormView `json:"items"`
	Count int                `json:"count"`
}

type submissionResponse struct {
	ID          uint64         `json:"id"`
	SubmittedAt time.Time      `json:"submittedAt"`
	Fields      domain.Payload `json:"fields"`
}

type submissionListResponse struct {
	Form  *service.FormView    `json:"form"`
	Items []submissionResponse `json:"items"`
	Count int                  `json:"count"`
}

func accountID(c *gin.Context) (uint64, bool) {
	id, ok := middleware.AccountID(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "需要登录认证")
	}
	return id, ok
}

// listForms 返回当前账户的表单
func (h *Handler) listForms(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	views, err := h.dashboard.List(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, formListResponse{Items: views, Count: len(views)})
}

// createForm 创建表单
func (h *Handler) createForm(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req createFormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	view, err := h.dashboard.Create(c.Request.Context(), service.CreateFormInput{
		AccountID: id,
		Email:     req.Email,
		URL:       req.URL,
		Sitewide:  req.Sitewide,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, view)
}

// listSubmissions 按时间倒序返回表单的提交
func (h *Handler) listSubmissions(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	view, subs, err := h.dashboard.Submissions(c.Request.Context(), id, c.Param("hashid"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	items := make([]submissionResponse, 0, len(subs))
	for _, s := range subs {
		items = append(items, submissionResponse{
			ID:          s.ID,
			SubmittedAt: s.SubmittedAt,
			Fields:      s.Data.Data(),
		})
	}
	Success(c, submissionListResponse{Form: view, Items: items, Count: len(items)})
}

// toggleForm 切换表单停用状态
func (h *Handler) toggleForm(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	view, err := h.dashboard.Toggle(c.Request.Context(), id, c.Param("hashid"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, view)
}

// deleteForm 删除表单及其提交
func (h *Handler) deleteForm(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := h.dashboard.Delete(c.Request.Context(), id, c.Param("hashid")); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "删除成功", nil)
}

// deleteSubmission 删除一条提交
func (h *Handler) deleteSubmission(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	submissionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		NotFound(c, "提交记录不存在")
		return
	}
	if err := h.dashboard.DeleteSubmission(c.Request.Context(), id, c.Param("hashid"), submissionID); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "删除成功", nil)
}

// sitewideCheck 检查站点根目录的校验文件，GET /api/sitewide-check?url=&email=
func (h *Handler) sitewideCheck(c *gin.Context) {
	rawURL, email := c.Query("url"), c.Query("email")
	if rawURL == "" || email == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	ok, err := h.dashboard.SitewideCheck(c.Request.Context(), rawURL, email)
	if err != nil && domain.IsEmailError(err) {
		BadRequest(c, MsgInvalidEmail)
		return
	}
	if !ok {
		NotFound(c, "站点根目录下未找到校验文件")
		return
	}
	Success(c, gin.H{"url": rawURL, "email": email})
}
