package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mediagen/internal/config"
	"mediagen/internal/entity"
)

func newTestKling(t *testing.T, handler http.Handler) *Kling {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter, err := NewKling(config.Config{
		KlingAPIKey:  "test-key",
		KlingBaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewKling() error = %v", err)
	}
	return adapter
}

func TestKlingValidate(t *testing.T) {
	adapter := &Kling{}

	tests := []struct {
		name    string
		request entity.SubmitTaskRequest
		wantErr bool
	}{
		{
			name:    "合法的文生视频请求",
			request: entity.SubmitTaskRequest{TaskType: entity.TaskTypeTextToVideo, Prompt: "waves", DurationSeconds: 5},
		},
		{
			name:    "非法时长",
			request: entity.SubmitTaskRequest{TaskType: entity.TaskTypeTextToVideo, Prompt: "waves", DurationSeconds: 7},
			wantErr: true,
		},
		{
			name: "图生视频首帧尾帧二选一",
			request: entity.SubmitTaskRequest{
				TaskType:  entity.TaskTypeImageToVideo,
				Images:    []string{"https://cdn.example.com/first.png"},
				ImageTail: "https://cdn.example.com/last.png",
			},
			wantErr: true,
		},
		{
			name: "仅尾帧合法",
			request: entity.SubmitTaskRequest{
				TaskType:  entity.TaskTypeImageToVideo,
				ImageTail: "https://cdn.example.com/last.png",
			},
		},
		{
			name:    "图生视频缺少参考帧",
			request: entity.SubmitTaskRequest{TaskType: entity.TaskTypeImageToVideo},
			wantErr: true,
		},
		{
			name: "对口型音频二选一都给则拒绝",
			request: entity.SubmitTaskRequest{
				TaskType:  entity.TaskTypeLipSync,
				FileURL:   "https://cdn.example.com/v.mp4",
				AudioID:   "audio-1",
				SoundFile: "base64data",
			},
			wantErr: true,
		},
		{
			name: "对口型仅音频ID合法",
			request: entity.SubmitTaskRequest{
				TaskType: entity.TaskTypeLipSync,
				FileURL:  "https://cdn.example.com/v.mp4",
				AudioID:  "audio-1",
			},
		},
		{
			name: "对口型视频引用二选一都给则拒绝",
			request: entity.SubmitTaskRequest{
				TaskType: entity.TaskTypeLipSync,
				FileURL:  "https://cdn.example.com/v.mp4",
				FileURLs: []string{"https://cdn.example.com/v1.mp4"},
				AudioID:  "audio-1",
			},
			wantErr: true,
		},
		{
			name: "对口型仅分段视频列表合法",
			request: entity.SubmitTaskRequest{
				TaskType: entity.TaskTypeLipSync,
				FileURLs: []string{"https://cdn.example.com/v1.mp4", "https://cdn.example.com/v2.mp4"},
				AudioID:  "audio-1",
			},
		},
		{
			name: "对口型缺少视频来源",
			request: entity.SubmitTaskRequest{
				TaskType: entity.TaskTypeLipSync,
				AudioID:  "audio-1",
			},
			wantErr: true,
		},
		{
			name:    "不支持的任务类型",
			request: entity.SubmitTaskRequest{TaskType: entity.TaskTypeVectorize},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.Validate(tt.request)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKlingSubmit(t *testing.T) {
	var gotPath string
	var gotBody klingSubmitRequest
	adapter := newTestKling(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(klingEnvelope{Code: klingCodeOK, Data: &klingTaskData{
			TaskID:     "kling-1",
			TaskStatus: "submitted",
		}})
	}))

	taskID, err := adapter.Submit(context.Background(), entity.SubmitTaskRequest{
		TaskType:        entity.TaskTypeImageToVideo,
		Images:          []string{"https://cdn.example.com/first.png"},
		DurationSeconds: 10,
		AspectRatio:     "16:9",
		ExternalTaskID:  "client-7",
		CallbackURL:     "https://gateway.example.com/api/callbacks/kling",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if taskID != "kling-1" {
		t.Errorf("expected kling-1, got %s", taskID)
	}
	if gotPath != "/v1/videos/image2video" {
		t.Errorf("unexpected endpoint %s", gotPath)
	}
	if gotBody.Duration != "10" {
		t.Errorf("duration should serialize as string, got %q", gotBody.Duration)
	}
	if gotBody.ExternalTaskID != "client-7" {
		t.Errorf("expected client-7, got %q", gotBody.ExternalTaskID)
	}
	if gotBody.CallbackURL == "" {
		t.Error("callback url should be forwarded")
	}
}

func TestKlingSubmitLipSyncForwardsSegmentList(t *testing.T) {
	var gotPath string
	var gotBody klingSubmitRequest
	adapter := newTestKling(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(klingEnvelope{Code: klingCodeOK, Data: &klingTaskData{
			TaskID:     "kling-2",
			TaskStatus: "submitted",
		}})
	}))

	request := entity.SubmitTaskRequest{
		TaskType: entity.TaskTypeLipSync,
		FileURLs: []string{"https://cdn.example.com/v1.mp4", "https://cdn.example.com/v2.mp4"},
		AudioID:  "audio-1",
	}
	if err := adapter.Validate(request); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, err := adapter.Submit(context.Background(), request); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if gotPath != "/v1/videos/lip-sync" {
		t.Errorf("unexpected endpoint %s", gotPath)
	}
	if gotBody.VideoURL != "" {
		t.Errorf("video_url should stay empty for segment submissions, got %q", gotBody.VideoURL)
	}
	if len(gotBody.VideoURLs) != 2 || gotBody.VideoURLs[0] != "https://cdn.example.com/v1.mp4" {
		t.Errorf("segment list should be forwarded in order, got %v", gotBody.VideoURLs)
	}
}

func TestKlingValidateRejectsCombinedVideoReferences(t *testing.T) {
	adapter := &Kling{}

	err := adapter.Validate(entity.SubmitTaskRequest{
		TaskType: entity.TaskTypeLipSync,
		FileURL:  "https://cdn.example.com/v.mp4",
		FileURLs: []string{"https://cdn.example.com/v1.mp4"},
		AudioID:  "audio-1",
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
	}
	if validation.Field != "file_url/file_urls" {
		t.Errorf("expected group file_url/file_urls, got %q", validation.Field)
	}
}

func TestKlingClassifyCode(t *testing.T) {
	adapter := &Kling{}

	tests := []struct {
		name string
		code int
		want func(error) bool
	}{
		{
			name: "并发额度耗尽",
			code: klingCodeConcurrency,
			want: func(err error) bool {
				var e *RateLimitError
				return errors.As(err, &e)
			},
		},
		{
			name: "风控拦截",
			code: klingCodeRiskControl,
			want: func(err error) bool {
				var e *ContentPolicyError
				return errors.As(err, &e)
			},
		},
		{
			name: "鉴权类错误码",
			code: 1002,
			want: func(err error) bool {
				var e *AuthError
				return errors.As(err, &e)
			},
		},
		{
			name: "其余归为参数错误",
			code: 1201,
			want: func(err error) bool {
				var e *ValidationError
				return errors.As(err, &e)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.classifyCode(tt.code, "boom")
			if !tt.want(err) {
				t.Errorf("classifyCode(%d) = %T, wrong class", tt.code, err)
			}
		})
	}
}

func TestKlingPollByExternalID(t *testing.T) {
	adapter := newTestKling(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks/client-7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("external_task_id") != "true" {
			t.Error("external lookups should be flagged in the query")
		}
		json.NewEncoder(w).Encode(klingEnvelope{Code: klingCodeOK, Data: &klingTaskData{
			TaskID:     "kling-1",
			ExternalID: "client-7",
			TaskStatus: "succeed",
			TaskResult: &klingTaskResult{
				Videos: []struct {
					ID       string `json:"id"`
					URL      string `json:"url"`
					Duration string `json:"duration"`
				}{
					{ID: "v1", URL: "https://cdn.example.com/v.mp4", Duration: "5.1"},
				},
			},
		}})
	}))

	task, err := adapter.Poll(context.Background(), entity.TaskRefByExternalID("client-7"))
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if task.TaskID != "kling-1" {
		t.Errorf("canonical task id should come back, got %s", task.TaskID)
	}
	if len(task.Assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(task.Assets))
	}
	asset := task.Assets[0]
	if asset.Kind != entity.AssetKindVideo {
		t.Errorf("expected video asset, got %s", asset.Kind)
	}
	if asset.DurationSeconds != 5.1 {
		t.Errorf("expected duration 5.1, got %v", asset.DurationSeconds)
	}
}

func TestKlingParseCallback(t *testing.T) {
	adapter := &Kling{}

	body := []byte(`{"task_id":"kling-1","task_status":"failed","task_status_msg":"risk control"}`)
	task, err := adapter.ParseCallback(body)
	if err != nil {
		t.Fatalf("ParseCallback() error = %v", err)
	}
	if task.Status != entity.TaskStatusFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if task.StatusMessage != "risk control" {
		t.Errorf("expected status message to carry through, got %q", task.StatusMessage)
	}
}
