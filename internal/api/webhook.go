package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxCallbackBody 限制回调请求体大小，防止异常推送占用内存。
const maxCallbackBody = 4 << 20

// ProviderCallback 接收供应商的回调推送。
// 不鉴权：供应商不会带网关的会话凭证，身份以路径中的 provider 标识。
// 重复与乱序送达由服务层幂等处理，处理过的推送一律返回 200，
// 避免供应商继续重试。
func (h *HTTPHandler) ProviderCallback(c *gin.Context) {
	providerID := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "failed to read callback body")
		return
	}
	if len(body) == 0 {
		BadRequest(c, ErrCodeInvalidRequest, "empty callback body")
		return
	}

	record, err := h.trackingService.HandleCallback(c.Request.Context(), providerID, body)
	if err != nil {
		logrus.WithError(err).WithField("provider", providerID).Warn("callback rejected")
		ProviderErrorResponse(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"provider":       providerID,
		"task_record_id": record.ID,
		"status":         record.Status,
	}).Info("callback_processed")

	c.JSON(http.StatusOK, gin.H{
		"task_id": record.TaskID,
		"status":  record.Status,
	})
}
