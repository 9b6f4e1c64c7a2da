package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mediagen/internal/entity"
	"mediagen/internal/provider"
	"mediagen/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// fakeTaskRepo 是内存版 Repository，仅实现接口测试所需的行为。
type fakeTaskRepo struct {
	mu     sync.Mutex
	nextID uint
	tasks  map[uint]*entity.DbTask
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: make(map[uint]*entity.DbTask)}
}

func (r *fakeTaskRepo) CreateUser(ctx context.Context, user *entity.DbUser) error { return nil }
func (r *fakeTaskRepo) UpdateUser(ctx context.Context, id uint, updates entity.UserUpdates) error {
	return nil
}
func (r *fakeTaskRepo) GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeTaskRepo) GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeTaskRepo) ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error) {
	return nil, &entity.Meta{}, nil
}
func (r *fakeTaskRepo) DeleteUser(ctx context.Context, id uint) error { return nil }
func (r *fakeTaskRepo) CountUsers(ctx context.Context) (int64, error) { return 1, nil }

func (r *fakeTaskRepo) CreateTask(ctx context.Context, task *entity.DbTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	task.ID = r.nextID
	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

func (r *fakeTaskRepo) UpdateTask(ctx context.Context, id uint, updates entity.TaskUpdates) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.tasks[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if updates.TaskID != nil {
		record.TaskID = *updates.TaskID
	}
	if updates.Status != nil {
		record.Status = *updates.Status
	}
	if updates.StatusMessage != nil {
		record.StatusMessage = *updates.StatusMessage
	}
	if updates.Progress != nil {
		record.Progress = *updates.Progress
	}
	if updates.Assets != nil {
		record.Assets = *updates.Assets
	}
	if updates.ArchivedPaths != nil {
		record.ArchivedPaths = *updates.ArchivedPaths
	}
	if updates.CompletedAtMs != nil {
		record.CompletedAtMs = *updates.CompletedAtMs
	}
	return nil
}

func (r *fakeTaskRepo) GetTask(ctx context.Context, id uint) (*entity.DbTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.tasks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *fakeTaskRepo) GetTaskByTaskID(ctx context.Context, providerID, taskID string) (*entity.DbTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.tasks {
		if record.TaskID != taskID {
			continue
		}
		if providerID != "" && record.Provider != providerID {
			continue
		}
		copied := *record
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeTaskRepo) GetTaskByExternalID(ctx context.Context, externalID string) (*entity.DbTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.tasks {
		if record.ExternalTaskID == externalID {
			copied := *record
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeTaskRepo) ListTasks(ctx context.Context, params *entity.TaskQuery) ([]entity.DbTask, *entity.Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []entity.DbTask
	for _, record := range r.tasks {
		if !params.IncludeAll && record.UserID != params.UserID {
			continue
		}
		result = append(result, *record)
	}
	return result, &entity.Meta{Total: int64(len(result)), Page: params.Page, PageSize: params.PageSize}, nil
}

func (r *fakeTaskRepo) ListActiveTasks(ctx context.Context) ([]entity.DbTask, error) {
	return nil, nil
}

func (r *fakeTaskRepo) DeleteTask(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(r.tasks, id)
	return nil
}

// stubAdapter 是固定返回值的测试适配器。
type stubAdapter struct {
	id          string
	taskID      string
	validateErr error
	submitErr   error
	poll        *entity.GenerationTask
	callback    *entity.GenerationTask
}

func (a *stubAdapter) ProviderID() string { return a.id }

func (a *stubAdapter) Capabilities() *provider.Capabilities {
	return &provider.Capabilities{
		TaskTypes:        []string{entity.TaskTypeTextToImage},
		SupportsCallback: true,
	}
}

func (a *stubAdapter) Validate(request entity.SubmitTaskRequest) error { return a.validateErr }

func (a *stubAdapter) Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error) {
	if a.submitErr != nil {
		return "", a.submitErr
	}
	return a.taskID, nil
}

func (a *stubAdapter) Poll(ctx context.Context, ref entity.TaskRef) (*entity.GenerationTask, error) {
	if a.poll != nil {
		snapshot := *a.poll
		return &snapshot, nil
	}
	return &entity.GenerationTask{
		TaskID:   a.taskID,
		Provider: a.id,
		Status:   entity.TaskStatusProcessing,
	}, nil
}

func (a *stubAdapter) ParseCallback(body []byte) (*entity.GenerationTask, error) {
	if a.callback != nil {
		snapshot := *a.callback
		return &snapshot, nil
	}
	return nil, &provider.ValidationError{Field: "body", Rule: "format", Message: "unexpected payload"}
}

func newTaskTestHandler(t *testing.T, adapters ...provider.Adapter) (*HTTPHandler, *fakeTaskRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newFakeTaskRepo()
	registry := provider.NewRegistryWith(adapters...)
	svc := service.NewTrackingService(repo, registry, nil, time.Minute)

	handler := &HTTPHandler{
		repo:              repo,
		storagePublicBase: "/files",
		trackingService:   svc,
		sseClients:        make(map[string][]chan sseMessage),
	}
	return handler, repo
}

func asUser(user *RequestUser) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(currentUserContextKey, user)
		c.Next()
	}
}

func newTaskRouter(handler *HTTPHandler, user *RequestUser) *gin.Engine {
	r := gin.New()
	authed := r.Group("/api", asUser(user))
	authed.POST("/tasks", handler.SubmitTask)
	authed.GET("/tasks", handler.ListTasks)
	authed.GET("/tasks/:id", handler.GetTask)
	authed.DELETE("/tasks/:id", handler.DeleteTask)
	authed.GET("/providers", handler.ListProviders)
	r.POST("/api/callbacks/:provider", handler.ProviderCallback)
	return r
}

func TestSubmitTaskEndpoint(t *testing.T) {
	adapter := &stubAdapter{id: "kling", taskID: "task-123"}
	handler, _ := newTaskTestHandler(t, adapter)
	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	body, _ := json.Marshal(entity.SubmitTaskRequest{
		Provider: "kling",
		TaskType: entity.TaskTypeTextToImage,
		Prompt:   "一只在月球上的猫",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}

	var summary entity.TaskSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if summary.TaskID != "task-123" {
		t.Errorf("expected task id task-123, got %s", summary.TaskID)
	}
	if summary.Status != string(entity.TaskStatusSubmitted) {
		t.Errorf("expected submitted status, got %s", summary.Status)
	}
	if summary.ExternalTaskID == "" {
		t.Error("expected gateway-assigned external task id")
	}
}

func TestSubmitTaskUnknownProvider(t *testing.T) {
	handler, _ := newTaskTestHandler(t, &stubAdapter{id: "kling", taskID: "task-1"})
	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	body, _ := json.Marshal(entity.SubmitTaskRequest{
		Provider: "recraft",
		TaskType: entity.TaskTypeTextToImage,
		Prompt:   "测试",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response APIError
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response.Code != ErrCodeProviderNotConfigured {
		t.Errorf("expected code %s, got %s", ErrCodeProviderNotConfigured, response.Code)
	}
}

func TestSubmitTaskValidationRejected(t *testing.T) {
	adapter := &stubAdapter{
		id: "kling",
		validateErr: &provider.ValidationError{
			Field:   "prompt",
			Rule:    "max_length",
			Message: "prompt exceeds 2500 characters",
		},
	}
	handler, _ := newTaskTestHandler(t, adapter)
	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	body, _ := json.Marshal(entity.SubmitTaskRequest{
		Provider: "kling",
		TaskType: entity.TaskTypeTextToImage,
		Prompt:   "测试",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestGetTaskHidesOtherUsers(t *testing.T) {
	adapter := &stubAdapter{id: "kling", taskID: "task-9"}
	handler, repo := newTaskTestHandler(t, adapter)

	record := &entity.DbTask{
		UserID:         42,
		Provider:       "kling",
		TaskType:       entity.TaskTypeTextToImage,
		TaskID:         "task-9",
		ExternalTaskID: "ext-9",
		Status:         string(entity.TaskStatusSucceed),
	}
	if err := repo.CreateTask(context.Background(), record); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/task-9", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestGetTaskByExternalID(t *testing.T) {
	adapter := &stubAdapter{id: "kling", taskID: "task-10"}
	handler, repo := newTaskTestHandler(t, adapter)

	record := &entity.DbTask{
		UserID:         7,
		Provider:       "kling",
		TaskType:       entity.TaskTypeTextToImage,
		TaskID:         "task-10",
		ExternalTaskID: "my-external-id",
		Status:         string(entity.TaskStatusSucceed),
	}
	if err := repo.CreateTask(context.Background(), record); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/my-external-id?external=true", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var summary entity.TaskSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if summary.TaskID != "task-10" {
		t.Errorf("expected task id task-10, got %s", summary.TaskID)
	}
}

func TestListTasksScopedToUser(t *testing.T) {
	adapter := &stubAdapter{id: "kling", taskID: "task-1"}
	handler, repo := newTaskTestHandler(t, adapter)

	for _, record := range []*entity.DbTask{
		{UserID: 7, Provider: "kling", TaskID: "a", ExternalTaskID: "ext-a", Status: string(entity.TaskStatusSucceed)},
		{UserID: 42, Provider: "kling", TaskID: "b", ExternalTaskID: "ext-b", Status: string(entity.TaskStatusSucceed)},
	} {
		if err := repo.CreateTask(context.Background(), record); err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response struct {
		Tasks []entity.TaskSummary `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(response.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(response.Tasks))
	}
	if response.Tasks[0].TaskID != "a" {
		t.Errorf("expected task a, got %s", response.Tasks[0].TaskID)
	}
}

func TestDeleteTaskEndpoint(t *testing.T) {
	adapter := &stubAdapter{id: "kling", taskID: "task-1"}
	handler, repo := newTaskTestHandler(t, adapter)

	record := &entity.DbTask{
		UserID:         7,
		Provider:       "kling",
		TaskID:         "task-1",
		ExternalTaskID: "ext-1",
		Status:         string(entity.TaskStatusSucceed),
	}
	if err := repo.CreateTask(context.Background(), record); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/1", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	if _, err := repo.GetTask(context.Background(), record.ID); err == nil {
		t.Error("expected task to be deleted")
	}
}

func TestListProvidersEndpoint(t *testing.T) {
	handler, _ := newTaskTestHandler(t, &stubAdapter{id: "kling", taskID: "task-1"})
	router := newTaskRouter(handler, &RequestUser{ID: 7, Role: entity.UserRoleUser})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "kling") {
		t.Errorf("expected provider listing to include kling, got %s", w.Body.String())
	}
}
