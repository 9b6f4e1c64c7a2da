package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mediagen/internal/entity"
	"mediagen/internal/model"
	"mediagen/internal/provider"
	"mediagen/internal/storage"
	"mediagen/internal/utils"
)

// ErrDuplicateExternalID 表示客户端指定的 external_task_id 已被占用。
var ErrDuplicateExternalID = errors.New("external task id already exists")

// ErrTaskNotFound 表示请求的任务在网关中不存在。
var ErrTaskNotFound = errors.New("task not found")

// ErrProviderNotConfigured 表示请求的供应商未配置凭证或不存在。
var ErrProviderNotConfigured = errors.New("provider not configured")

// TrackingService 负责任务的提交、跟踪与结果归档。
// 提交成功后在后台轮询供应商直到终态，把快照写回数据库，
// 并将供应商侧会过期的资源 URL 归档到对象存储。
type TrackingService struct {
	repo     model.Repository
	registry *provider.Registry
	storage  storage.Storage

	// callbackSeen 缓存已处理过的回调指纹，保证重复推送幂等。
	// 各家供应商的回调都会在超时后重试（如 MJ proxy 在 1/5/15 分钟重发）。
	callbackSeen *gocache.Cache

	submitMaxAttempts int

	// pollOverride 覆盖默认轮询节奏（测试用）
	pollOverride *provider.PollConfig

	// notifyFunc 用于通知任务终态事件（由调用方设置，Web 层接 SSE）
	notifyFunc func(clientID string, taskRecordID uint, status string, errMsg string)
}

// NewTrackingService 创建任务跟踪服务实例
func NewTrackingService(repo model.Repository, registry *provider.Registry, store storage.Storage, dedupTTL time.Duration) *TrackingService {
	if dedupTTL <= 0 {
		dedupTTL = 30 * time.Minute
	}
	return &TrackingService{
		repo:              repo,
		registry:          registry,
		storage:           store,
		callbackSeen:      gocache.New(dedupTTL, 10*time.Minute),
		submitMaxAttempts: 3,
	}
}

// SetSubmitMaxAttempts 设置限流/服务端错误时的最大提交尝试次数
func (s *TrackingService) SetSubmitMaxAttempts(n int) {
	if n > 0 {
		s.submitMaxAttempts = n
	}
}

// SetNotifyFunc 设置通知函数（用于 SSE 推送）
func (s *TrackingService) SetNotifyFunc(fn func(clientID string, taskRecordID uint, status string, errMsg string)) {
	s.notifyFunc = fn
}

// Registry exposes the configured adapters for capability queries.
func (s *TrackingService) Registry() *provider.Registry {
	return s.registry
}

// SubmitTask 校验请求、提交到供应商并开始后台跟踪。
// 返回的记录里任务一定处于 submitted 状态：即使供应商同步完成，
// 结果也只能通过后续查询观察到。
func (s *TrackingService) SubmitTask(ctx context.Context, userID uint, request entity.SubmitTaskRequest) (*entity.DbTask, error) {
	request.Normalize()

	adapter, ok := s.registry.Get(request.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, request.Provider)
	}
	if !adapter.Capabilities().SupportsTaskType(request.TaskType) {
		return nil, &provider.ValidationError{
			Field:   "task_type",
			Rule:    "capability",
			Message: fmt.Sprintf("%s does not support %s", request.Provider, request.TaskType),
		}
	}

	if err := adapter.Validate(request); err != nil {
		return nil, err
	}

	// external_task_id 在账户内唯一；客户端未指定时由网关生成。
	if request.ExternalTaskID == "" {
		request.ExternalTaskID = uuid.NewString()
	} else if existing, err := s.repo.GetTaskByExternalID(ctx, request.ExternalTaskID); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalID, request.ExternalTaskID)
	}

	taskID, err := provider.SubmitWithBackoff(ctx, adapter, request, s.submitMaxAttempts)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"provider":  request.Provider,
			"task_type": request.TaskType,
		}).Error("task_submit_failed")
		return nil, err
	}

	record := &entity.DbTask{
		UserID:         userID,
		Provider:       request.Provider,
		TaskType:       request.TaskType,
		Model:          request.Model,
		Prompt:         request.Prompt,
		TaskID:         taskID,
		ExternalTaskID: request.ExternalTaskID,
		Status:         string(entity.TaskStatusSubmitted),
		CallbackURL:    request.CallbackURL,
		InputMedia:     entity.StringArray(request.Images),
		SubmittedAtMs:  entity.NowMs(),
	}
	if err := s.repo.CreateTask(ctx, record); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"provider": request.Provider,
			"task_id":  taskID,
		}).Error("task_record_create_failed")
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"provider":    request.Provider,
		"task_type":   request.TaskType,
		"task_id":     taskID,
		"external_id": request.ExternalTaskID,
		"record_id":   record.ID,
	}).Info("task_submitted")

	go s.trackTask(record.ID, request.ClientID)

	return record, nil
}

// pollConfigFor 按任务类型选择轮询节奏：视频任务耗时更长。
func pollConfigFor(providerID, taskType string) provider.PollConfig {
	switch {
	case providerID == provider.ProviderMidjourney:
		return provider.MidjourneyPollConfig
	case strings.Contains(taskType, "video") || taskType == entity.TaskTypeLipSync:
		return provider.VideoPollConfig
	default:
		return provider.DefaultPollConfig
	}
}

// trackTask 在后台轮询任务直到终态，然后归档结果并更新记录。
func (s *TrackingService) trackTask(recordID uint, clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	record, err := s.repo.GetTask(ctx, recordID)
	if err != nil {
		logrus.WithError(err).WithField("record_id", recordID).Error("track_load_record_failed")
		return
	}

	adapter, ok := s.registry.Get(record.Provider)
	if !ok {
		logrus.WithField("provider", record.Provider).Error("track_provider_missing")
		return
	}

	pollCfg := pollConfigFor(record.Provider, record.TaskType)
	if s.pollOverride != nil {
		pollCfg = *s.pollOverride
	}

	task, err := provider.WaitForTerminal(ctx, adapter, entity.TaskRefByID(record.TaskID), pollCfg)
	if err != nil {
		var failed *provider.TaskFailedError
		if errors.As(err, &failed) {
			s.finishTask(ctx, record, task, clientID)
			return
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"record_id": record.ID,
			"provider":  record.Provider,
			"task_id":   record.TaskID,
		}).Error("track_poll_failed")

		message := err.Error()
		s.applyUpdates(ctx, record.ID, entity.TaskUpdates{
			Status:        strPtr(string(entity.TaskStatusFailed)),
			StatusMessage: &message,
			CompletedAtMs: int64Ptr(entity.NowMs()),
		})
		s.notifyComplete(clientID, record.ID, string(entity.TaskStatusFailed), message)
		return
	}

	s.finishTask(ctx, record, task, clientID)
}

// finishTask 将终态快照写回记录，成功时归档资产。
func (s *TrackingService) finishTask(ctx context.Context, record *entity.DbTask, task *entity.GenerationTask, clientID string) {
	if task == nil {
		return
	}

	updates := entity.TaskUpdates{
		Status:        strPtr(string(task.Status)),
		CompletedAtMs: int64Ptr(entity.NowMs()),
	}
	if task.StatusMessage != "" {
		updates.StatusMessage = &task.StatusMessage
	}
	if task.Progress != "" {
		updates.Progress = &task.Progress
	}

	assets, err := provider.ResolveResult(task)
	if err != nil {
		var failed *provider.TaskFailedError
		if errors.As(err, &failed) {
			message := failed.Message
			if message == "" {
				message = err.Error()
			}
			updates.Status = strPtr(string(entity.TaskStatusFailed))
			updates.StatusMessage = &message
			s.applyUpdates(ctx, record.ID, updates)
			s.notifyComplete(clientID, record.ID, string(entity.TaskStatusFailed), message)
			return
		}
		logrus.WithError(err).WithField("record_id", record.ID).Error("track_resolve_failed")
		message := err.Error()
		updates.Status = strPtr(string(entity.TaskStatusFailed))
		updates.StatusMessage = &message
		s.applyUpdates(ctx, record.ID, updates)
		s.notifyComplete(clientID, record.ID, string(entity.TaskStatusFailed), message)
		return
	}

	assetArray := entity.AssetArray(assets)
	updates.Assets = &assetArray

	// 供应商返回的 URL 会在 24 小时到 30 天内过期，归档副本才长期可用
	archived, archiveErr := s.archiveAssets(ctx, record, provider.SucceededAssets(assets))
	if len(archived) > 0 {
		paths := entity.StringArray(archived)
		updates.ArchivedPaths = &paths
	}
	if archiveErr != nil {
		logrus.WithError(archiveErr).WithFields(logrus.Fields{
			"record_id": record.ID,
			"provider":  record.Provider,
		}).Warn("track_archive_partial_failure")
	}

	s.applyUpdates(ctx, record.ID, updates)

	logrus.WithFields(logrus.Fields{
		"record_id":   record.ID,
		"provider":    record.Provider,
		"task_id":     record.TaskID,
		"asset_count": len(assets),
		"archived":    len(archived),
	}).Info("task_completed")

	s.notifyComplete(clientID, record.ID, string(task.Status), "")
}

// archiveAssets 将结果 URL 的内容下载并保存到对象存储。
func (s *TrackingService) archiveAssets(parentCtx context.Context, record *entity.DbTask, assets []entity.Asset) ([]string, error) {
	if s.storage == nil || len(assets) == 0 {
		return nil, nil
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, 5*time.Minute)
	defer cancel()

	var (
		paths []string
		errs  []string
	)

	for _, asset := range assets {
		if asset.URL == "" {
			continue
		}

		data, ext, err := s.fetchAsset(ctx, asset.URL)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%d: %v", asset.Index, err))
			continue
		}

		relPath, err := s.storage.Save(ctx, data, storage.SaveOptions{
			Category:  "results",
			Extension: ext,
			BaseName:  buildArchiveBaseName(record.Provider, record.TaskID, asset.Index),
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%d: %v", asset.Index, err))
			continue
		}
		paths = append(paths, relPath)
	}

	if len(errs) > 0 {
		return paths, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return paths, nil
}

// fetchAsset 下载单个资源（URL 或 base64）。
func (s *TrackingService) fetchAsset(ctx context.Context, payload string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, "", fmt.Errorf("empty payload")
	}

	if utils.IsRemoteURL(trimmed) {
		reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, trimmed, nil)
		if err != nil {
			return nil, "", fmt.Errorf("create request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("download asset: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("download asset http %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("read asset body: %w", err)
		}

		ext := utils.ExtensionFromMime(resp.Header.Get("Content-Type"))
		if ext == "" {
			ext = utils.ExtensionFromMime(http.DetectContentType(data))
		}
		if ext == "" {
			ext = "bin"
		}
		return data, ext, nil
	}

	data, ext, err := utils.DecodeMediaPayload(trimmed)
	if err == nil {
		return data, ext, nil
	}
	data, ext, err = utils.DecodeMediaPayload(utils.EnsureDataURL(trimmed))
	if err != nil {
		return nil, "", err
	}
	return data, ext, nil
}

// HandleCallback 处理供应商的回调推送。
// 回调会超时重试，因此凭 (provider, task_id, status) 指纹去重，
// 重复送达与乱序送达都不会让记录回退。
func (s *TrackingService) HandleCallback(ctx context.Context, providerID string, body []byte) (*entity.DbTask, error) {
	adapter, ok := s.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, providerID)
	}
	parser, ok := adapter.(provider.CallbackParser)
	if !ok {
		return nil, fmt.Errorf("provider %q does not push callbacks", providerID)
	}

	task, err := parser.ParseCallback(body)
	if err != nil {
		return nil, err
	}

	fingerprint := fmt.Sprintf("%s:%s:%s", providerID, task.TaskID, task.Status)
	if _, seen := s.callbackSeen.Get(fingerprint); seen {
		logrus.WithFields(logrus.Fields{
			"provider": providerID,
			"task_id":  task.TaskID,
			"status":   task.Status,
		}).Debug("callback_duplicate_ignored")
		return s.lookupRecord(ctx, providerID, task)
	}
	s.callbackSeen.SetDefault(fingerprint, struct{}{})

	record, err := s.lookupRecord(ctx, providerID, task)
	if err != nil {
		return nil, err
	}

	if !entity.TaskStatus(record.Status).CanTransition(task.Status) && entity.TaskStatus(record.Status) != task.Status {
		logrus.WithFields(logrus.Fields{
			"record_id": record.ID,
			"known":     record.Status,
			"observed":  task.Status,
		}).Warn("callback_out_of_order_ignored")
		return record, nil
	}

	if task.Status.IsTerminal() {
		s.finishTask(ctx, record, task, "")
	} else {
		updates := entity.TaskUpdates{Status: strPtr(string(task.Status))}
		if task.StatusMessage != "" {
			updates.StatusMessage = &task.StatusMessage
		}
		if task.Progress != "" {
			updates.Progress = &task.Progress
		}
		s.applyUpdates(ctx, record.ID, updates)
	}

	return s.repo.GetTask(ctx, record.ID)
}

// lookupRecord 依次用供应商任务ID与外部ID定位记录。
func (s *TrackingService) lookupRecord(ctx context.Context, providerID string, task *entity.GenerationTask) (*entity.DbTask, error) {
	if task.TaskID != "" {
		if record, err := s.repo.GetTaskByTaskID(ctx, providerID, task.TaskID); err == nil {
			return record, nil
		}
	}
	if task.ExternalTaskID != "" {
		if record, err := s.repo.GetTaskByExternalID(ctx, task.ExternalTaskID); err == nil {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: provider %s task %s", ErrTaskNotFound, providerID, task.TaskID)
}

// GetTask 按内部ID或外部ID查询任务。
// 非终态记录会穿透到供应商刷新一次，保证读到的进度不落后于上游。
func (s *TrackingService) GetTask(ctx context.Context, ref entity.TaskRef) (*entity.DbTask, error) {
	record, err := s.resolveRecord(ctx, ref)
	if err != nil {
		return nil, err
	}

	if entity.TaskStatus(record.Status).IsTerminal() {
		return record, nil
	}

	adapter, ok := s.registry.Get(record.Provider)
	if !ok {
		return record, nil
	}

	snapshot, err := adapter.Poll(ctx, entity.TaskRefByID(record.TaskID))
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"record_id": record.ID,
			"provider":  record.Provider,
		}).Warn("task_refresh_failed")
		return record, nil
	}

	if entity.TaskStatus(record.Status).CanTransition(snapshot.Status) || entity.TaskStatus(record.Status) == snapshot.Status {
		updates := entity.TaskUpdates{Status: strPtr(string(snapshot.Status))}
		if snapshot.StatusMessage != "" {
			updates.StatusMessage = &snapshot.StatusMessage
		}
		if snapshot.Progress != "" {
			updates.Progress = &snapshot.Progress
		}
		if snapshot.Status.IsTerminal() {
			updates.CompletedAtMs = int64Ptr(entity.NowMs())
			if assets, resolveErr := provider.ResolveResult(snapshot); resolveErr == nil {
				assetArray := entity.AssetArray(assets)
				updates.Assets = &assetArray
			}
		}
		s.applyUpdates(ctx, record.ID, updates)
		return s.repo.GetTask(ctx, record.ID)
	}

	return record, nil
}

// ListTasks 分页查询任务记录。
func (s *TrackingService) ListTasks(ctx context.Context, params *entity.TaskQuery) ([]entity.DbTask, *entity.Meta, error) {
	return s.repo.ListTasks(ctx, params)
}

// DeleteTask 删除任务记录。远端任务不受影响：协议没有取消操作。
func (s *TrackingService) DeleteTask(ctx context.Context, id uint) error {
	return s.repo.DeleteTask(ctx, id)
}

// ResumeTracking 在进程启动时恢复所有未完成任务的跟踪。
// 宕机期间到达终态的任务会在第一次轮询时立即补齐。
func (s *TrackingService) ResumeTracking(ctx context.Context) error {
	tasks, err := s.repo.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if _, ok := s.registry.Get(task.Provider); !ok {
			logrus.WithFields(logrus.Fields{
				"record_id": task.ID,
				"provider":  task.Provider,
			}).Warn("resume_provider_not_configured")
			continue
		}
		go s.trackTask(task.ID, "")
	}
	if len(tasks) > 0 {
		logrus.WithField("count", len(tasks)).Info("resumed_task_tracking")
	}
	return nil
}

// resolveRecord 按 TaskRef 定位记录。
func (s *TrackingService) resolveRecord(ctx context.Context, ref entity.TaskRef) (*entity.DbTask, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("task ref is required")
	}

	var (
		record *entity.DbTask
		err    error
	)
	if ref.IsExternal() {
		record, err = s.repo.GetTaskByExternalID(ctx, ref.Value())
	} else {
		record, err = s.repo.GetTaskByTaskID(ctx, "", ref.Value())
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, ref.Value())
		}
		return nil, err
	}
	return record, nil
}

// applyUpdates 更新任务记录
func (s *TrackingService) applyUpdates(ctx context.Context, recordID uint, updates entity.TaskUpdates) {
	if s.repo == nil || recordID == 0 || updates.IsEmpty() {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.repo.UpdateTask(ctx, recordID, updates); err != nil {
		logrus.WithError(err).WithField("record_id", recordID).Error("task_record_update_failed")
	}
}

// notifyComplete 通知任务到达终态
func (s *TrackingService) notifyComplete(clientID string, recordID uint, status string, errMsg string) {
	if s.notifyFunc != nil && strings.TrimSpace(clientID) != "" {
		s.notifyFunc(clientID, recordID, status, errMsg)
	}
}

// buildArchiveBaseName 构建归档文件的基础名称
func buildArchiveBaseName(providerID, taskID string, idx int) string {
	token := storage.SanitizeToken(fmt.Sprintf("%s_%s", providerID, taskID))
	if token == "" {
		token = "task"
	}
	if len(token) > 64 {
		token = token[:64]
	}
	return fmt.Sprintf("%s_%d", token, idx)
}

func strPtr(v string) *string { return &v }

func int64Ptr(v int64) *int64 { return &v }
