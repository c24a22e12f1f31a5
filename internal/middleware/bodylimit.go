package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// SubmissionBodyLimit 表单提交的请求体上限
const SubmissionBodyLimit = 1 * 1024 * 1024 // 1MB

// BodySizeLimit 限制请求体大小。声明长度超限时直接拒绝，
// 分块上传在读取时由 MaxBytesReader 截断
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	msg := fmt.Sprintf("请求体超过 %d 字节上限", maxBytes)
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code": http.StatusRequestEntityTooLarge,
				"msg":  msg,
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}
