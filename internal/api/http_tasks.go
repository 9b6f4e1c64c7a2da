package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediagen/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SubmitTask 提交生成任务。校验在本地完成，提交成功即返回 202，
// 终态通过轮询 GetTask 或 SSE 推送观察。
func (h *HTTPHandler) SubmitTask(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var request entity.SubmitTaskRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		InvalidPayload(c)
		return
	}

	record, err := h.trackingService.SubmitTask(c.Request.Context(), requestUser.ID, request)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"provider":  request.Provider,
			"task_type": request.TaskType,
			"user_id":   requestUser.ID,
		}).Warn("task submission rejected")
		ProviderErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusAccepted, h.makeTaskSummary(record))
}

// GetTask 查询单个任务。:id 默认按供应商 task_id 解析，
// 带 external=true 时按客户端自定义 external_task_id 解析。
// 非终态任务会先向供应商刷新一次快照。
func (h *HTTPHandler) GetTask(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	idValue := strings.TrimSpace(c.Param("id"))
	if idValue == "" {
		MissingField(c, "id")
		return
	}

	ref := entity.TaskRefByID(idValue)
	if strings.EqualFold(strings.TrimSpace(c.Query("external")), "true") {
		ref = entity.TaskRefByExternalID(idValue)
	}

	record, err := h.trackingService.GetTask(c.Request.Context(), ref)
	if err != nil {
		ProviderErrorResponse(c, err)
		return
	}

	if record.UserID != requestUser.ID && !requestUser.IsAdmin() {
		NotFound(c, ErrCodeTaskNotFound, "task not found")
		return
	}

	c.JSON(http.StatusOK, h.makeTaskSummary(record))
}

// ListTasks 分页列出当前用户的任务。管理员加 all=true 可以查看全量。
func (h *HTTPHandler) ListTasks(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var query entity.TaskQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.Page > 1000 {
		query.Page = 1000
	}
	if query.PageSize <= 0 {
		query.PageSize = 20
	}
	if query.PageSize > 500 {
		query.PageSize = 500
	}

	query.UserID = requestUser.ID
	if requestUser.IsAdmin() && strings.EqualFold(strings.TrimSpace(c.Query("all")), "true") {
		query.IncludeAll = true
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	records, meta, err := h.trackingService.ListTasks(ctx, &query)
	if err != nil {
		logrus.WithError(err).Error("failed to list tasks")
		InternalError(c, "failed to load tasks")
		return
	}

	summaries := make([]entity.TaskSummary, 0, len(records))
	for idx := range records {
		summaries = append(summaries, h.makeTaskSummary(&records[idx]))
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": summaries,
		"meta":  meta,
	})
}

// DeleteTask 删除网关侧的任务记录。供应商侧任务不受影响。
func (h *HTTPHandler) DeleteTask(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	idValue := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseUint(idValue, 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, ErrCodeInvalidRequest, "invalid task id")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	record, err := h.repo.GetTask(ctx, uint(id))
	if err != nil {
		NotFound(c, ErrCodeTaskNotFound, "task not found")
		return
	}
	if record.UserID != requestUser.ID && !requestUser.IsAdmin() {
		NotFound(c, ErrCodeTaskNotFound, "task not found")
		return
	}

	if err := h.trackingService.DeleteTask(ctx, uint(id)); err != nil {
		logrus.WithError(err).WithField("task_record_id", id).Error("failed to delete task")
		InternalError(c, "failed to delete task")
		return
	}

	c.Status(http.StatusNoContent)
}

// ListProviders 列出已配置的供应商及其能力描述。
func (h *HTTPHandler) ListProviders(c *gin.Context) {
	registry := h.trackingService.Registry()

	type providerInfo struct {
		ID           string   `json:"id"`
		TaskTypes    []string `json:"task_types"`
		Models       []string `json:"models,omitempty"`
		AspectRatios []string `json:"aspect_ratios,omitempty"`
		Sizes        []string `json:"sizes,omitempty"`
		Durations    []int    `json:"durations,omitempty"`
		Callback     bool     `json:"supports_callback"`
	}

	providers := make([]providerInfo, 0)
	for _, id := range registry.IDs() {
		adapter, ok := registry.Get(id)
		if !ok {
			continue
		}
		caps := adapter.Capabilities()
		providers = append(providers, providerInfo{
			ID:           id,
			TaskTypes:    caps.TaskTypes,
			Models:       caps.Models,
			AspectRatios: caps.AspectRatios,
			Sizes:        caps.SupportedSizes,
			Durations:    caps.SupportedDurations,
			Callback:     caps.SupportsCallback,
		})
	}

	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// StreamTaskEvents 建立 SSE 长连接，推送任务终态事件。
// 客户端在提交任务时带上相同的 client_id 即可收到对应通知。
func (h *HTTPHandler) StreamTaskEvents(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		MissingField(c, "client_id")
		return
	}

	ctx := c.Request.Context()
	events := make(chan sseMessage, 8)
	h.registerSSEClient(clientID, events)
	defer h.unregisterSSEClient(clientID, events)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	heartbeatTicker := time.NewTicker(10 * time.Second)
	defer heartbeatTicker.Stop()

	logrus.WithFields(logrus.Fields{
		"user_id":   requestUser.ID,
		"client_id": clientID,
	}).Info("task sse connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"user_id":   requestUser.ID,
				"client_id": clientID,
			}).Info("task sse disconnected")
			return false
		case <-heartbeatTicker.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UnixMilli()})
			return true
		case msg, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(msg.event, msg.data)
			return true
		}
	})
}

// makeTaskSummary 构造 API 视图，归档路径转换为可访问的公共 URL。
func (h *HTTPHandler) makeTaskSummary(record *entity.DbTask) entity.TaskSummary {
	summary := entity.MakeTaskSummary(record)
	for idx, path := range summary.ArchivedPaths {
		summary.ArchivedPaths[idx] = h.publicURL(path)
	}
	return summary
}
