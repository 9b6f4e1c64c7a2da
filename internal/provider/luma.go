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
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediagen/internal/config"
	"mediagen/internal/entity"
)

const (
	lumaDefaultBaseURL  = "https://api.lumalabs.ai"
	lumaMaxPromptLength = 5000
	lumaGenerationsPath = "/dream-machine/v1/generations"
)

var lumaAspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "21:9", "9:21"}

// Luma drives the Dream Machine generations API. Intermediate progress is a
// vocabulary of dream states (queued, dreaming) rather than a percentage, and
// completed generations expose both the video asset and a thumbnail image.
type Luma struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewLuma(cfg config.Config) (*Luma, error) {
	apiKey := strings.TrimSpace(cfg.LumaAPIKey)
	if apiKey == "" {
		return nil, errors.New("luma api key is not configured")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.LumaBaseURL), "/")
	if baseURL == "" {
		baseURL = lumaDefaultBaseURL
	}

	return &Luma{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (l *Luma) ProviderID() string {
	return ProviderLuma
}

func (l *Luma) Capabilities() *Capabilities {
	return &Capabilities{
		TaskTypes: []string{
			entity.TaskTypeTextToVideo,
			entity.TaskTypeImageToVideo,
		},
		AspectRatios:       lumaAspectRatios,
		MaxReferenceImages: 2,
		SupportsCallback:   true,
	}
}

func (l *Luma) Validate(request entity.SubmitTaskRequest) error {
	if err := requireField("prompt", request.Prompt); err != nil {
		return err
	}
	if err := checkMaxLength("prompt", request.Prompt, lumaMaxPromptLength); err != nil {
		return err
	}
	if err := checkEnum("aspect_ratio", request.AspectRatio, lumaAspectRatios); err != nil {
		return err
	}

	switch request.TaskType {
	case entity.TaskTypeTextToVideo:
		// prompt only
	case entity.TaskTypeImageToVideo:
		if len(request.Images) == 0 && request.ImageTail == "" {
			return &ValidationError{Field: "images", Rule: "required", Message: "image to video requires a start or end frame"}
		}
		if err := checkImageCount(request.Images, 1); err != nil {
			return err
		}
		// Keyframes require remote URLs; inline base64 is not accepted.
		for _, img := range request.Images {
			if !strings.HasPrefix(img, "http://") && !strings.HasPrefix(img, "https://") {
				return &ValidationError{Field: "images", Rule: "format", Message: "keyframe references must be https URLs"}
			}
		}
		if request.ImageTail != "" && !strings.HasPrefix(request.ImageTail, "http") {
			return &ValidationError{Field: "image_tail", Rule: "format", Message: "keyframe references must be https URLs"}
		}
	default:
		return &ValidationError{Field: "task_type", Rule: "enum", Message: fmt.Sprintf("%q is not supported by luma", request.TaskType)}
	}
	return nil
}

type lumaKeyframe struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type lumaSubmitRequest struct {
	Prompt      string                  `json:"prompt"`
	Model       string                  `json:"model,omitempty"`
	AspectRatio string                  `json:"aspect_ratio,omitempty"`
	Loop        bool                    `json:"loop,omitempty"`
	CallbackURL string                  `json:"callback_url,omitempty"`
	Keyframes   map[string]lumaKeyframe `json:"keyframes,omitempty"`
}

type lumaGeneration struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	FailureReason string `json:"failure_reason"`
	CreatedAt     string `json:"created_at"`
	Assets        *struct {
		Video string `json:"video"`
		Image string `json:"image"`
	} `json:"assets"`
}

func (l *Luma) Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error) {
	payload := lumaSubmitRequest{
		Prompt:      request.Prompt,
		Model:       request.Model,
		AspectRatio: request.AspectRatio,
		Loop:        request.Loop,
		CallbackURL: request.CallbackURL,
	}
	// frame0 anchors the opening frame, frame1 the closing one.
	if len(request.Images) > 0 || request.ImageTail != "" {
		payload.Keyframes = make(map[string]lumaKeyframe)
		if len(request.Images) > 0 {
			payload.Keyframes["frame0"] = lumaKeyframe{Type: "image", URL: request.Images[0]}
		}
		if request.ImageTail != "" {
			payload.Keyframes["frame1"] = lumaKeyframe{Type: "image", URL: request.ImageTail}
		}
	}

	logrus.WithFields(logrus.Fields{
		"task_type": request.TaskType,
		"loop":      request.Loop,
	}).Info("luma_submit_start")

	generation, err := l.call(ctx, http.MethodPost, l.baseURL+lumaGenerationsPath, payload)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(generation.ID) == "" {
		return "", &SubmissionError{Provider: l.ProviderID(), Err: errors.New("response missing generation id")}
	}
	return generation.ID, nil
}

func (l *Luma) Poll(ctx context.Context, ref entity.TaskRef) (*entity.GenerationTask, error) {
	if ref.IsZero() {
		return nil, errors.New("luma: task ref is required")
	}
	if ref.IsExternal() {
		return nil, fmt.Errorf("luma: external task ids cannot be resolved upstream, canonicalize to a generation id first")
	}

	pollURL := fmt.Sprintf("%s%s/%s", l.baseURL, lumaGenerationsPath, url.PathEscape(ref.Value()))
	generation, err := l.call(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	return l.taskFromGeneration(generation), nil
}

// ParseCallback decodes the webhook push, which carries the generation object.
func (l *Luma) ParseCallback(body []byte) (*entity.GenerationTask, error) {
	var generation lumaGeneration
	if err := json.Unmarshal(body, &generation); err != nil {
		return nil, fmt.Errorf("luma: decode callback: %w", err)
	}
	if strings.TrimSpace(generation.ID) == "" {
		return nil, errors.New("luma: callback missing generation id")
	}
	return l.taskFromGeneration(&generation), nil
}

func (l *Luma) taskFromGeneration(generation *lumaGeneration) *entity.GenerationTask {
	task := &entity.GenerationTask{
		TaskID:        generation.ID,
		Provider:      l.ProviderID(),
		Status:        mapLumaState(generation.State),
		StatusMessage: generation.FailureReason,
		UpdatedAtMs:   entity.NowMs(),
	}
	if created, err := time.Parse(time.RFC3339, generation.CreatedAt); err == nil {
		task.CreatedAtMs = created.UnixMilli()
	}
	if task.Status == entity.TaskStatusSucceed && generation.Assets != nil {
		if videoURL := strings.TrimSpace(generation.Assets.Video); videoURL != "" {
			task.Assets = append(task.Assets, entity.Asset{
				Index: len(task.Assets),
				Kind:  entity.AssetKindVideo,
				URL:   videoURL,
			})
		}
		if imageURL := strings.TrimSpace(generation.Assets.Image); imageURL != "" {
			task.Assets = append(task.Assets, entity.Asset{
				Index: len(task.Assets),
				Kind:  entity.AssetKindImage,
				URL:   imageURL,
			})
		}
	}
	return task
}

// mapLumaState maps dream states to the canonical vocabulary: queued means
// accepted but not started, dreaming means rendering.
func mapLumaState(state string) entity.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "queued":
		return entity.TaskStatusSubmitted
	case "dreaming":
		return entity.TaskStatusProcessing
	case "completed":
		return entity.TaskStatusSucceed
	case "failed":
		return entity.TaskStatusFailed
	default:
		return entity.TaskStatusProcessing
	}
}

func (l *Luma) call(ctx context.Context, method, callURL string, payload interface{}) (*lumaGeneration, error) {
	var body io.Reader
	if payload != nil {
		bs, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("luma: marshal request: %w", err)
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, body)
	if err != nil {
		return nil, fmt.Errorf("luma: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{Provider: l.ProviderID(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("luma: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTP(l.ProviderID(), resp, string(raw))
	}

	var generation lumaGeneration
	if err := json.Unmarshal(raw, &generation); err != nil {
		return nil, fmt.Errorf("luma: decode response: %w", err)
	}
	return &generation, nil
}

var _ Adapter = (*Luma)(nil)
var _ CallbackParser = (*Luma)(nil)
