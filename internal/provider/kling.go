package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediagen/internal/config"
	"mediagen/internal/entity"
)

const (
	klingDefaultBaseURL = "https://api-singapore.klingai.com"

	klingCodeOK            = 0
	klingCodeRiskControl   = 1301 // request blocked by content risk control
	klingCodeConcurrency   = 1303 // resource pack concurrency saturated
	klingMaxPromptLength   = 2500
	klingMaxNegativeLength = 2500
)

var (
	klingAspectRatios = []string{"16:9", "9:16", "1:1"}
	klingDurations    = []int{5, 10}
)

// Kling drives the Kling AI open API for video, image, and lip-sync tasks.
// Every operation shares one envelope: {code, message, request_id, data}. A
// client-assigned external_task_id can be used as an alternate lookup key,
// and the API enforces its per-account uniqueness by rejecting duplicates at
// submission instead of silently creating a second task.
//
// Concurrency quota is consumed when a task is accepted and released on
// either terminal state. The quota pool is per resource-pack type (video,
// image, try-on) and sized to the largest active package tier; polling does
// not consume it.
type Kling struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewKling builds the adapter from gateway configuration.
func NewKling(cfg config.Config) (*Kling, error) {
	apiKey := strings.TrimSpace(cfg.KlingAPIKey)
	if apiKey == "" {
		return nil, errors.New("kling api key is not configured")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.KlingBaseURL), "/")
	if baseURL == "" {
		baseURL = klingDefaultBaseURL
	}

	return &Kling{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (k *Kling) ProviderID() string {
	return ProviderKling
}

func (k *Kling) Capabilities() *Capabilities {
	return &Capabilities{
		TaskTypes: []string{
			entity.TaskTypeTextToVideo,
			entity.TaskTypeImageToVideo,
			entity.TaskTypeTextToImage,
			entity.TaskTypeLipSync,
		},
		AspectRatios:           klingAspectRatios,
		SupportedDurations:     klingDurations,
		MaxReferenceImages:     1,
		SupportsCallback:       true,
		SupportsExternalLookup: true,
	}
}

func (k *Kling) Validate(request entity.SubmitTaskRequest) error {
	if err := checkMaxLength("prompt", request.Prompt, klingMaxPromptLength); err != nil {
		return err
	}
	if err := checkMaxLength("negative_prompt", request.NegativePrompt, klingMaxNegativeLength); err != nil {
		return err
	}
	if err := checkEnum("aspect_ratio", request.AspectRatio, klingAspectRatios); err != nil {
		return err
	}
	if request.DurationSeconds != 0 {
		valid := false
		for _, d := range klingDurations {
			if request.DurationSeconds == d {
				valid = true
				break
			}
		}
		if !valid {
			return &ValidationError{Field: "duration_seconds", Rule: "enum", Message: fmt.Sprintf("%d not in {5, 10}", request.DurationSeconds)}
		}
	}

	switch request.TaskType {
	case entity.TaskTypeTextToVideo, entity.TaskTypeTextToImage:
		if err := requireField("prompt", request.Prompt); err != nil {
			return err
		}
	case entity.TaskTypeImageToVideo:
		// First frame and tail frame are alternate references here: the
		// standard mode accepts exactly one of them.
		if err := checkExactlyOne(
			exclusiveField{Name: "images", Set: len(request.Images) > 0},
			exclusiveField{Name: "image_tail", Set: request.ImageTail != ""},
		); err != nil {
			return err
		}
		if err := checkImageCount(request.Images, 1); err != nil {
			return err
		}
	case entity.TaskTypeLipSync:
		if err := checkExactlyOne(
			exclusiveField{Name: "audio_id", Set: request.AudioID != ""},
			exclusiveField{Name: "sound_file", Set: request.SoundFile != ""},
		); err != nil {
			return err
		}
		// The source video is referenced by a single URL, an ordered segment
		// list, or an inline first frame. The URL forms never combine.
		if err := checkAtMostOne(
			exclusiveField{Name: "file_url", Set: request.FileURL != ""},
			exclusiveField{Name: "file_urls", Set: len(request.FileURLs) > 0},
		); err != nil {
			return err
		}
		if len(request.Images) == 0 && request.FileURL == "" && len(request.FileURLs) == 0 {
			return &ValidationError{Field: "file_url", Rule: "required", Message: "lip sync requires a source video reference"}
		}
	default:
		return &ValidationError{Field: "task_type", Rule: "enum", Message: fmt.Sprintf("%q is not supported by kling", request.TaskType)}
	}
	return nil
}

// endpointFor returns the REST path for the operation.
func (k *Kling) endpointFor(taskType string) (string, error) {
	switch taskType {
	case entity.TaskTypeTextToVideo:
		return "/v1/videos/text2video", nil
	case entity.TaskTypeImageToVideo:
		return "/v1/videos/image2video", nil
	case entity.TaskTypeTextToImage:
		return "/v1/images/generations", nil
	case entity.TaskTypeLipSync:
		return "/v1/videos/lip-sync", nil
	}
	return "", fmt.Errorf("kling: unsupported task type %q", taskType)
}

type klingSubmitRequest struct {
	ModelName      string   `json:"model_name,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Image          string   `json:"image,omitempty"`
	ImageTail      string   `json:"image_tail,omitempty"`
	AudioID        string   `json:"audio_id,omitempty"`
	SoundFile      string   `json:"sound_file,omitempty"`
	VideoURL       string   `json:"video_url,omitempty"`
	VideoURLs      []string `json:"video_urls,omitempty"`
	Duration       string   `json:"duration,omitempty"`
	AspectRatio    string   `json:"aspect_ratio,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	CallbackURL    string   `json:"callback_url,omitempty"`
	ExternalTaskID string   `json:"external_task_id,omitempty"`
}

type klingTaskResult struct {
	Videos []struct {
		ID       string `json:"id"`
		URL      string `json:"url"`
		Duration string `json:"duration"`
	} `json:"videos"`
	Images []struct {
		Index int    `json:"index"`
		URL   string `json:"url"`
	} `json:"images"`
}

type klingTaskData struct {
	TaskID        string           `json:"task_id"`
	TaskStatus    string           `json:"task_status"`
	TaskStatusMsg string           `json:"task_status_msg"`
	TaskInfo      *json.RawMessage `json:"task_info,omitempty"`
	TaskResult    *klingTaskResult `json:"task_result,omitempty"`
	ExternalID    string           `json:"external_task_id,omitempty"`
	CreatedAt     int64            `json:"created_at"`
	UpdatedAt     int64            `json:"updated_at"`
}

type klingEnvelope struct {
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Data      *klingTaskData `json:"data"`
}

func (k *Kling) Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error) {
	request = normalizeInlineMedia(request)

	endpoint, err := k.endpointFor(request.TaskType)
	if err != nil {
		return "", err
	}

	payload := klingSubmitRequest{
		ModelName:      request.Model,
		Prompt:         request.Prompt,
		NegativePrompt: request.NegativePrompt,
		ImageTail:      request.ImageTail,
		AudioID:        request.AudioID,
		SoundFile:      request.SoundFile,
		VideoURL:       request.FileURL,
		VideoURLs:      request.FileURLs,
		AspectRatio:    request.AspectRatio,
		CallbackURL:    request.CallbackURL,
		ExternalTaskID: request.ExternalTaskID,
	}
	if len(request.Images) > 0 {
		payload.Image = request.Images[0]
	}
	if request.DurationSeconds > 0 {
		payload.Duration = strconv.Itoa(request.DurationSeconds)
	}

	logrus.WithFields(logrus.Fields{
		"task_type":      request.TaskType,
		"prompt_preview": request.Prompt,
		"external_id":    request.ExternalTaskID,
	}).Info("kling_submit_start")

	envelope, err := k.call(ctx, http.MethodPost, k.baseURL+endpoint, payload)
	if err != nil {
		return "", err
	}
	if envelope.Data == nil || strings.TrimSpace(envelope.Data.TaskID) == "" {
		return "", &SubmissionError{Provider: k.ProviderID(), Err: errors.New("response missing task_id")}
	}
	return envelope.Data.TaskID, nil
}

// Poll queries the task. Kling's query endpoints accept either the provider
// task_id or the client's external_task_id in the path, so both ref kinds
// resolve without gateway-side translation; the response always carries the
// canonical task_id.
func (k *Kling) Poll(ctx context.Context, ref entity.TaskRef) (*entity.GenerationTask, error) {
	if ref.IsZero() {
		return nil, errors.New("kling: task ref is required")
	}

	pollURL := fmt.Sprintf("%s/v1/tasks/%s", k.baseURL, url.PathEscape(ref.Value()))
	if ref.IsExternal() {
		pollURL += "?external_task_id=true"
	}

	envelope, err := k.call(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("kling: poll response missing data")
	}
	return k.taskFromData(envelope.Data), nil
}

// ParseCallback decodes the webhook push, which carries the task data object.
func (k *Kling) ParseCallback(body []byte) (*entity.GenerationTask, error) {
	var data klingTaskData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("kling: decode callback: %w", err)
	}
	if strings.TrimSpace(data.TaskID) == "" {
		return nil, errors.New("kling: callback missing task_id")
	}
	return k.taskFromData(&data), nil
}

func (k *Kling) taskFromData(data *klingTaskData) *entity.GenerationTask {
	task := &entity.GenerationTask{
		TaskID:         data.TaskID,
		ExternalTaskID: data.ExternalID,
		Provider:       k.ProviderID(),
		Status:         mapKlingStatus(data.TaskStatus),
		StatusMessage:  data.TaskStatusMsg,
		CreatedAtMs:    data.CreatedAt,
		UpdatedAtMs:    data.UpdatedAt,
	}
	if task.UpdatedAtMs == 0 {
		task.UpdatedAtMs = entity.NowMs()
	}
	if task.Status == entity.TaskStatusSucceed && data.TaskResult != nil {
		for _, video := range data.TaskResult.Videos {
			duration, _ := strconv.ParseFloat(strings.TrimSpace(video.Duration), 64)
			task.Assets = append(task.Assets, entity.Asset{
				Index:           len(task.Assets),
				Kind:            entity.AssetKindVideo,
				URL:             strings.TrimSpace(video.URL),
				DurationSeconds: duration,
			})
		}
		for _, image := range data.TaskResult.Images {
			task.Assets = append(task.Assets, entity.Asset{
				Index: len(task.Assets),
				Kind:  entity.AssetKindImage,
				URL:   strings.TrimSpace(image.URL),
			})
		}
	}
	return task
}

// mapKlingStatus maps Kling's status names, which already match the canonical
// vocabulary.
func mapKlingStatus(status string) entity.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "submitted":
		return entity.TaskStatusSubmitted
	case "processing":
		return entity.TaskStatusProcessing
	case "succeed":
		return entity.TaskStatusSucceed
	case "failed":
		return entity.TaskStatusFailed
	default:
		return entity.TaskStatusProcessing
	}
}

func (k *Kling) call(ctx context.Context, method, callURL string, payload interface{}) (*klingEnvelope, error) {
	var body io.Reader
	if payload != nil {
		bs, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("kling: marshal request: %w", err)
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, body)
	if err != nil {
		return nil, fmt.Errorf("kling: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+k.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{Provider: k.ProviderID(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kling: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTP(k.ProviderID(), resp, string(raw))
	}

	var envelope klingEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("kling: decode response: %w", err)
	}

	if envelope.Code != klingCodeOK {
		return nil, k.classifyCode(envelope.Code, envelope.Message)
	}
	return &envelope, nil
}

func (k *Kling) classifyCode(code int, message string) error {
	switch code {
	case klingCodeConcurrency:
		return &RateLimitError{Provider: k.ProviderID(), Code: code, Message: message}
	case klingCodeRiskControl:
		return &ContentPolicyError{Provider: k.ProviderID(), Message: message}
	default:
		if code >= 1000 && code < 1300 {
			return &AuthError{Provider: k.ProviderID(), Message: fmt.Sprintf("code %d: %s", code, message)}
		}
		return &ValidationError{Field: "request", Rule: "provider_rejected", Message: fmt.Sprintf("code %d: %s", code, message)}
	}
}

var _ Adapter = (*Kling)(nil)
var _ CallbackParser = (*Kling)(nil)
