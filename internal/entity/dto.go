package entity

import "strings"

// Task types accepted across provider adapters. Each adapter declares the
// subset it supports in its capabilities.
const (
	TaskTypeTextToImage  = "text2image"
	TaskTypeImageToImage = "image2image"
	TaskTypeTextToVideo  = "text2video"
	TaskTypeImageToVideo = "image2video"
	TaskTypeLipSync      = "lip_sync"
	TaskTypeVectorize    = "vectorize"
)

// SubmitTaskRequest 是提交生成任务的请求参数。
// 字段覆盖所有适配器的操作；各适配器只校验并使用与自身相关的字段。
type SubmitTaskRequest struct {
	ClientID string `json:"client_id,omitempty"` // 客户端ID，完成后用于 SSE 推送

	Provider string `json:"provider" binding:"required"`
	TaskType string `json:"task_type" binding:"required"`
	Model    string `json:"model,omitempty"`

	Prompt         string `json:"prompt,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`

	// Stylization/Variety use pointers: zero is a meaningful value.
	Stylization *int `json:"stylization,omitempty"` // 0-1000
	Variety     *int `json:"variety,omitempty"`     // 0-100，步长 5

	// Images carries reference images as URLs or raw base64 payloads.
	// A data URI prefix, if present, is stripped before submission.
	Images    []string `json:"images,omitempty"`
	ImageTail string   `json:"image_tail,omitempty"`

	// FileURL/FileURLs are mutually exclusive alternate references.
	FileURL  string   `json:"file_url,omitempty"`
	FileURLs []string `json:"file_urls,omitempty"`

	// AudioID/SoundFile are mutually exclusive audio references (lip sync).
	AudioID   string `json:"audio_id,omitempty"`
	SoundFile string `json:"sound_file,omitempty"`

	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Loop            bool   `json:"loop,omitempty"`
	NumOutputs      int    `json:"num_outputs,omitempty"`
	Size            string `json:"size,omitempty"`
	Style           string `json:"style,omitempty"`

	// CallbackURL, when set, is forwarded to the provider for webhook
	// delivery on terminal state.
	CallbackURL string `json:"callback_url,omitempty"`

	// ExternalTaskID is the client-assigned identifier, unique per account.
	// Left blank, the gateway assigns one.
	ExternalTaskID string `json:"external_task_id,omitempty"`
}

// Normalize trims whitespace on all string fields. Inline payload cleanup
// (data URI prefixes) is done by the provider validation layer.
func (r *SubmitTaskRequest) Normalize() {
	if r == nil {
		return
	}
	r.ClientID = strings.TrimSpace(r.ClientID)
	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	r.TaskType = strings.TrimSpace(r.TaskType)
	r.Model = strings.TrimSpace(r.Model)
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.NegativePrompt = strings.TrimSpace(r.NegativePrompt)
	r.AspectRatio = strings.TrimSpace(r.AspectRatio)
	r.ImageTail = strings.TrimSpace(r.ImageTail)
	r.FileURL = strings.TrimSpace(r.FileURL)
	r.AudioID = strings.TrimSpace(r.AudioID)
	r.SoundFile = strings.TrimSpace(r.SoundFile)
	r.Size = strings.TrimSpace(r.Size)
	r.Style = strings.TrimSpace(r.Style)
	r.CallbackURL = strings.TrimSpace(r.CallbackURL)
	r.ExternalTaskID = strings.TrimSpace(r.ExternalTaskID)

	images := r.Images[:0]
	for _, img := range r.Images {
		if trimmed := strings.TrimSpace(img); trimmed != "" {
			images = append(images, trimmed)
		}
	}
	r.Images = images

	fileURLs := r.FileURLs[:0]
	for _, u := range r.FileURLs {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			fileURLs = append(fileURLs, trimmed)
		}
	}
	r.FileURLs = fileURLs
}

// TaskSummary is the task representation returned by the gateway API.
type TaskSummary struct {
	ID             uint     `json:"id"`
	Provider       string   `json:"provider"`
	TaskType       string   `json:"task_type"`
	Model          string   `json:"model,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	TaskID         string   `json:"task_id"`
	ExternalTaskID string   `json:"external_task_id"`
	Status         string   `json:"status"`
	StatusMessage  string   `json:"status_message,omitempty"`
	Progress       string   `json:"progress,omitempty"`
	Assets         []Asset  `json:"assets,omitempty"`
	ArchivedPaths  []string `json:"archived_paths,omitempty"`
	SubmittedAtMs  int64    `json:"submitted_at"`
	CompletedAtMs  int64    `json:"completed_at,omitempty"`
}

// MakeTaskSummary builds the API view of a stored task.
func MakeTaskSummary(t *DbTask) TaskSummary {
	if t == nil {
		return TaskSummary{}
	}
	return TaskSummary{
		ID:             t.ID,
		Provider:       t.Provider,
		TaskType:       t.TaskType,
		Model:          t.Model,
		Prompt:         t.Prompt,
		TaskID:         t.TaskID,
		ExternalTaskID: t.ExternalTaskID,
		Status:         t.Status,
		StatusMessage:  t.StatusMessage,
		Progress:       t.Progress,
		Assets:         []Asset(t.Assets),
		ArchivedPaths:  t.ArchivedPaths.ToSlice(),
		SubmittedAtMs:  t.SubmittedAtMs,
		CompletedAtMs:  t.CompletedAtMs,
	}
}
