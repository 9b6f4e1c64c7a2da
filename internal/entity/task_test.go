package entity

import "testing"

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskStatusSubmitted, false},
		{TaskStatusProcessing, false},
		{TaskStatusSucceed, true},
		{TaskStatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s: expected terminal=%v, got %v", tt.status, tt.terminal, got)
		}
	}
}

func TestTaskStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"submitted to processing", TaskStatusSubmitted, TaskStatusProcessing, true},
		{"submitted to succeed", TaskStatusSubmitted, TaskStatusSucceed, true},
		{"submitted to failed", TaskStatusSubmitted, TaskStatusFailed, true},
		{"processing to succeed", TaskStatusProcessing, TaskStatusSucceed, true},
		{"processing to failed", TaskStatusProcessing, TaskStatusFailed, true},
		{"processing to submitted", TaskStatusProcessing, TaskStatusSubmitted, false},
		{"succeed to processing", TaskStatusSucceed, TaskStatusProcessing, false},
		{"succeed to failed", TaskStatusSucceed, TaskStatusFailed, false},
		{"failed to succeed", TaskStatusFailed, TaskStatusSucceed, false},
		{"failed to submitted", TaskStatusFailed, TaskStatusSubmitted, false},
		{"same non-terminal", TaskStatusProcessing, TaskStatusProcessing, true},
		{"same terminal", TaskStatusSucceed, TaskStatusSucceed, false},
		{"unknown status", TaskStatus("dreaming"), TaskStatusSucceed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s -> %s): expected %v, got %v", tt.from, tt.to, tt.want, got)
			}
		})
	}
}

func TestTaskRefDualAddressing(t *testing.T) {
	byID := TaskRefByID("task-123")
	if byID.IsExternal() {
		t.Fatal("provider-id ref reported as external")
	}
	if byID.Value() != "task-123" {
		t.Fatalf("unexpected ref value: %q", byID.Value())
	}

	byExternal := TaskRefByExternalID("my-job-1")
	if !byExternal.IsExternal() {
		t.Fatal("external ref not reported as external")
	}
	if byExternal.Value() != "my-job-1" {
		t.Fatalf("unexpected ref value: %q", byExternal.Value())
	}

	var zero TaskRef
	if !zero.IsZero() {
		t.Fatal("zero ref not reported as zero")
	}
}

func TestGenerationTaskClone(t *testing.T) {
	task := &GenerationTask{
		TaskID: "t1",
		Status: TaskStatusSucceed,
		Assets: []Asset{{Index: 0, Kind: AssetKindImage, URL: "https://example.com/a.png"}},
	}

	copied := task.Clone()
	copied.Assets[0].URL = "mutated"
	if task.Assets[0].URL != "https://example.com/a.png" {
		t.Fatal("clone shares asset backing array with original")
	}
}

func TestSubmitTaskRequestNormalize(t *testing.T) {
	req := SubmitTaskRequest{
		Provider:       "  Kling ",
		TaskType:       " text2video ",
		Prompt:         "  a red bicycle  ",
		Images:         []string{" https://example.com/a.png ", "  ", "payload"},
		FileURLs:       []string{"", " https://example.com/f.bin "},
		ExternalTaskID: " job-9 ",
	}
	req.Normalize()

	if req.Provider != "kling" {
		t.Fatalf("provider not lowercased: %q", req.Provider)
	}
	if req.Prompt != "a red bicycle" {
		t.Fatalf("prompt not trimmed: %q", req.Prompt)
	}
	if len(req.Images) != 2 {
		t.Fatalf("expected 2 images after normalize, got %d", len(req.Images))
	}
	if len(req.FileURLs) != 1 || req.FileURLs[0] != "https://example.com/f.bin" {
		t.Fatalf("file urls not cleaned: %#v", req.FileURLs)
	}
	if req.ExternalTaskID != "job-9" {
		t.Fatalf("external task id not trimmed: %q", req.ExternalTaskID)
	}
}
