package api

import (
	"mediagen/internal/auth"
	"mediagen/internal/config"
	"mediagen/internal/model"
	"mediagen/internal/provider"
	"mediagen/internal/service"
	"mediagen/internal/storage"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg               config.Config
	repo              model.Repository
	storage           storage.Storage
	storagePublicBase string
	authManager       *auth.Manager

	// 服务层
	trackingService *service.TrackingService

	// SSE 客户端管理
	sseClients map[string][]chan sseMessage
	sseMu      sync.Mutex
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, repo model.Repository, store storage.Storage, registry *provider.Registry) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}

	// 创建任务跟踪服务
	dedupTTL := time.Duration(cfg.CallbackDedupMinutes) * time.Minute
	trackingSvc := service.NewTrackingService(repo, registry, store, dedupTTL)
	trackingSvc.SetSubmitMaxAttempts(cfg.SubmitMaxAttempts)

	handler := &HTTPHandler{
		cfg:               cfg,
		repo:              repo,
		storage:           store,
		storagePublicBase: normalisePublicBase(cfg.StoragePublicBaseURL),
		authManager:       authManager,
		trackingService:   trackingSvc,
		sseClients:        make(map[string][]chan sseMessage),
	}

	// 设置 SSE 通知回调
	trackingSvc.SetNotifyFunc(handler.notifyTaskComplete)

	return handler, nil
}

// TrackingService 返回底层任务跟踪服务，供启动恢复使用
func (h *HTTPHandler) TrackingService() *service.TrackingService {
	return h.trackingService
}

// normalisePublicBase 规范化公共 URL 基础路径
func normalisePublicBase(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "/files"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

// notifyTaskComplete 通知任务到达终态（用于 SSE 推送）
func (h *HTTPHandler) notifyTaskComplete(clientID string, recordID uint, status string, errMsg string) {
	if strings.TrimSpace(clientID) == "" {
		return
	}
	payload := gin.H{
		"record_id": recordID,
		"status":    status,
	}
	if trimmed := strings.TrimSpace(errMsg); trimmed != "" {
		payload["error"] = trimmed
	}
	h.publishSSEMessage(clientID, sseMessage{
		event: "task_completed",
		data:  payload,
	})
}
