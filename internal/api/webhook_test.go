package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mediagen/internal/entity"
)

func TestProviderCallbackEndpoint(t *testing.T) {
	adapter := &stubAdapter{
		id:     "kling",
		taskID: "task-cb",
		callback: &entity.GenerationTask{
			TaskID:   "task-cb",
			Provider: "kling",
			Status:   entity.TaskStatusSucceed,
			Assets: []entity.Asset{
				{Index: 0, Kind: entity.AssetKindVideo, URL: "https://cdn.example.com/v0.mp4"},
			},
		},
	}
	handler, repo := newTaskTestHandler(t, adapter)

	record := &entity.DbTask{
		UserID:         7,
		Provider:       "kling",
		TaskType:       entity.TaskTypeTextToImage,
		TaskID:         "task-cb",
		ExternalTaskID: "ext-cb",
		Status:         string(entity.TaskStatusProcessing),
	}
	if err := repo.CreateTask(context.Background(), record); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	router := newTaskRouter(handler, nil)

	body := []byte(`{"task_id":"task-cb","status":"succeed"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/kling", bytes.NewReader(body))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var response map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response["status"] != string(entity.TaskStatusSucceed) {
		t.Errorf("expected succeed status, got %s", response["status"])
	}

	updated, err := repo.GetTask(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if updated.Status != string(entity.TaskStatusSucceed) {
		t.Errorf("expected record marked succeed, got %s", updated.Status)
	}

	// 重复送达：同一指纹直接返回当前记录，仍是 200
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/callbacks/kling", bytes.NewReader(body))
	router.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Fatalf("expected status %d on duplicate delivery, got %d", http.StatusOK, w2.Code)
	}
}

func TestProviderCallbackUnknownProvider(t *testing.T) {
	handler, _ := newTaskTestHandler(t, &stubAdapter{id: "kling", taskID: "task-1"})
	router := newTaskRouter(handler, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/luma", bytes.NewReader([]byte(`{}`)))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestProviderCallbackEmptyBody(t *testing.T) {
	handler, _ := newTaskTestHandler(t, &stubAdapter{id: "kling", taskID: "task-1"})
	router := newTaskRouter(handler, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/kling", bytes.NewReader(nil))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}
