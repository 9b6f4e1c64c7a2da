package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mediagen/internal/config"
	"mediagen/internal/entity"
)

func newTestLuma(t *testing.T, handler http.Handler) *Luma {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter, err := NewLuma(config.Config{
		LumaAPIKey:  "test-key",
		LumaBaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewLuma() error = %v", err)
	}
	return adapter
}

func TestLumaValidate(t *testing.T) {
	adapter := &Luma{}

	tests := []struct {
		name    string
		request entity.SubmitTaskRequest
		wantErr bool
	}{
		{
			name:    "合法的文生视频请求",
			request: entity.SubmitTaskRequest{TaskType: entity.TaskTypeTextToVideo, Prompt: "ocean at dusk", AspectRatio: "16:9"},
		},
		{
			name:    "缺少提示词",
			request: entity.SubmitTaskRequest{TaskType: entity.TaskTypeTextToVideo},
			wantErr: true,
		},
		{
			name: "关键帧必须是远程URL",
			request: entity.SubmitTaskRequest{
				TaskType: entity.TaskTypeImageToVideo,
				Prompt:   "ocean",
				Images:   []string{"iVBORw0KGgo="},
			},
			wantErr: true,
		},
		{
			name: "首帧加尾帧合法",
			request: entity.SubmitTaskRequest{
				TaskType:  entity.TaskTypeImageToVideo,
				Prompt:    "ocean",
				Images:    []string{"https://cdn.example.com/first.png"},
				ImageTail: "https://cdn.example.com/last.png",
			},
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

func TestLumaSubmitKeyframes(t *testing.T) {
	var gotBody lumaSubmitRequest
	adapter := newTestLuma(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != lumaGenerationsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(lumaGeneration{ID: "gen-1", State: "queued"})
	}))

	taskID, err := adapter.Submit(context.Background(), entity.SubmitTaskRequest{
		TaskType:  entity.TaskTypeImageToVideo,
		Prompt:    "loop the waves",
		Loop:      true,
		Images:    []string{"https://cdn.example.com/first.png"},
		ImageTail: "https://cdn.example.com/last.png",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if taskID != "gen-1" {
		t.Errorf("expected gen-1, got %s", taskID)
	}
	if !gotBody.Loop {
		t.Error("loop flag should be forwarded")
	}
	if gotBody.Keyframes["frame0"].URL != "https://cdn.example.com/first.png" {
		t.Errorf("frame0 should carry the start frame: %+v", gotBody.Keyframes)
	}
	if gotBody.Keyframes["frame1"].URL != "https://cdn.example.com/last.png" {
		t.Errorf("frame1 should carry the end frame: %+v", gotBody.Keyframes)
	}
}

func TestLumaPollStates(t *testing.T) {
	state := "dreaming"
	adapter := newTestLuma(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != lumaGenerationsPath+"/gen-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		generation := lumaGeneration{ID: "gen-1", State: state}
		if state == "completed" {
			generation.Assets = &struct {
				Video string `json:"video"`
				Image string `json:"image"`
			}{Video: "https://cdn.example.com/v.mp4", Image: "https://cdn.example.com/thumb.jpg"}
		}
		json.NewEncoder(w).Encode(generation)
	}))

	task, err := adapter.Poll(context.Background(), entity.TaskRefByID("gen-1"))
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if task.Status != entity.TaskStatusProcessing {
		t.Errorf("dreaming should map to processing, got %s", task.Status)
	}

	state = "completed"
	task, err = adapter.Poll(context.Background(), entity.TaskRefByID("gen-1"))
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if task.Status != entity.TaskStatusSucceed {
		t.Errorf("completed should map to succeed, got %s", task.Status)
	}
	if len(task.Assets) != 2 {
		t.Fatalf("expected video plus thumbnail, got %d assets", len(task.Assets))
	}
	if task.Assets[0].Kind != entity.AssetKindVideo || task.Assets[1].Kind != entity.AssetKindImage {
		t.Errorf("asset kinds out of order: %+v", task.Assets)
	}
}

func TestLumaPollRejectsExternalRef(t *testing.T) {
	adapter := &Luma{}
	if _, err := adapter.Poll(context.Background(), entity.TaskRefByExternalID("client-1")); err == nil {
		t.Fatal("expected error for external ref")
	}
}

func TestMapLumaState(t *testing.T) {
	tests := []struct {
		in   string
		want entity.TaskStatus
	}{
		{"queued", entity.TaskStatusSubmitted},
		{"dreaming", entity.TaskStatusProcessing},
		{"completed", entity.TaskStatusSucceed},
		{"failed", entity.TaskStatusFailed},
		{"", entity.TaskStatusProcessing},
	}
	for _, tt := range tests {
		if got := mapLumaState(tt.in); got != tt.want {
			t.Errorf("mapLumaState(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
