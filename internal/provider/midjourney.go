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
	mjDefaultBaseURL = "https://api.midjourney-proxy.example.com"

	mjTaskTypeTxt2Img = "mj_txt2img"
	mjTaskTypeImg2Img = "mj_img2img"

	mjCodeOK        = 200
	mjCodeRateLimit = 1303 // too many concurrent tasks for the account

	mjMaxPromptLength = 2500
	mjMaxImages       = 5
)

var mjAspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "3:2", "2:3"}

// Midjourney talks to a Midjourney proxy deployment. Submission returns an
// opaque taskId inside a {code, data} envelope; completion is observed by
// polling the task endpoint or by the proxy's webhook push (which retries
// after 15s timeouts at 1, 5, and 15 minutes, so the receiving side must be
// idempotent).
type Midjourney struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewMidjourney builds the adapter from gateway configuration.
func NewMidjourney(cfg config.Config) (*Midjourney, error) {
	apiKey := strings.TrimSpace(cfg.MidjourneyAPIKey)
	if apiKey == "" {
		return nil, errors.New("midjourney api key is not configured")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.MidjourneyBaseURL), "/")
	if baseURL == "" {
		baseURL = mjDefaultBaseURL
	}

	return &Midjourney{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (m *Midjourney) ProviderID() string {
	return ProviderMidjourney
}

func (m *Midjourney) Capabilities() *Capabilities {
	return &Capabilities{
		TaskTypes:              []string{entity.TaskTypeTextToImage, entity.TaskTypeImageToImage},
		AspectRatios:           mjAspectRatios,
		MaxReferenceImages:     mjMaxImages,
		SupportsCallback:       true,
		SupportsExternalLookup: false,
	}
}

func (m *Midjourney) Validate(request entity.SubmitTaskRequest) error {
	if err := requireField("prompt", request.Prompt); err != nil {
		return err
	}
	if err := checkMaxLength("prompt", request.Prompt, mjMaxPromptLength); err != nil {
		return err
	}
	if err := checkEnum("aspect_ratio", request.AspectRatio, mjAspectRatios); err != nil {
		return err
	}
	if request.Stylization != nil {
		if err := checkRange("stylization", *request.Stylization, 0, 1000); err != nil {
			return err
		}
	}
	if request.Variety != nil {
		if err := checkRange("variety", *request.Variety, 0, 100); err != nil {
			return err
		}
		if err := checkStep("variety", *request.Variety, 5); err != nil {
			return err
		}
	}
	if err := checkImageCount(request.Images, mjMaxImages); err != nil {
		return err
	}

	switch request.TaskType {
	case entity.TaskTypeTextToImage:
	case entity.TaskTypeImageToImage:
		if len(request.Images) == 0 {
			return &ValidationError{Field: "images", Rule: "required", Message: "image-to-image requires at least one reference image"}
		}
	default:
		return &ValidationError{Field: "task_type", Rule: "enum", Message: fmt.Sprintf("%q is not supported by midjourney", request.TaskType)}
	}
	return nil
}

type mjSubmitRequest struct {
	TaskType    string   `json:"taskType"`
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
	Stylization *int     `json:"stylization,omitempty"`
	Variety     *int     `json:"variety,omitempty"`
	Base64Array []string `json:"base64Array,omitempty"`
	NotifyHook  string   `json:"notifyHook,omitempty"`
	State       string   `json:"state,omitempty"`
}

type mjTaskData struct {
	TaskID     string   `json:"taskId"`
	Status     string   `json:"status"`
	Progress   string   `json:"progress"`
	ResultURLs []string `json:"resultUrls"`
	FailReason string   `json:"failReason"`
	State      string   `json:"state"`
	SubmitTime int64    `json:"submitTime"`
	FinishTime int64    `json:"finishTime"`
}

type mjEnvelope struct {
	Code        int         `json:"code"`
	Description string      `json:"description"`
	Data        *mjTaskData `json:"data"`
}

func (m *Midjourney) Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error) {
	request = normalizeInlineMedia(request)

	taskType := mjTaskTypeTxt2Img
	if request.TaskType == entity.TaskTypeImageToImage {
		taskType = mjTaskTypeImg2Img
	}

	payload := mjSubmitRequest{
		TaskType:    taskType,
		Prompt:      request.Prompt,
		AspectRatio: request.AspectRatio,
		Stylization: request.Stylization,
		Variety:     request.Variety,
		Base64Array: request.Images,
		NotifyHook:  request.CallbackURL,
		State:       request.ExternalTaskID,
	}

	logrus.WithFields(logrus.Fields{
		"task_type":           taskType,
		"prompt_preview":      request.Prompt,
		"reference_image_cnt": len(request.Images),
	}).Info("midjourney_submit_start")

	envelope, err := m.call(ctx, http.MethodPost, m.baseURL+"/mj/submit", payload)
	if err != nil {
		return "", err
	}
	if envelope.Data == nil || strings.TrimSpace(envelope.Data.TaskID) == "" {
		return "", &SubmissionError{Provider: m.ProviderID(), Err: errors.New("response missing taskId")}
	}
	return envelope.Data.TaskID, nil
}

func (m *Midjourney) Poll(ctx context.Context, ref entity.TaskRef) (*entity.GenerationTask, error) {
	if ref.IsZero() {
		return nil, errors.New("midjourney: task ref is required")
	}
	if ref.IsExternal() {
		return nil, errors.New("midjourney: external task ids must be resolved before polling")
	}

	pollURL := fmt.Sprintf("%s/mj/task/%s", m.baseURL, url.PathEscape(ref.Value()))
	envelope, err := m.call(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("midjourney: poll response missing data")
	}
	return m.taskFromData(envelope.Data), nil
}

// ParseCallback decodes a webhook push from the proxy. The push body carries
// the same task data shape as a poll response.
func (m *Midjourney) ParseCallback(body []byte) (*entity.GenerationTask, error) {
	var data mjTaskData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("midjourney: decode callback: %w", err)
	}
	if strings.TrimSpace(data.TaskID) == "" {
		return nil, errors.New("midjourney: callback missing taskId")
	}
	return m.taskFromData(&data), nil
}

func (m *Midjourney) taskFromData(data *mjTaskData) *entity.GenerationTask {
	task := &entity.GenerationTask{
		TaskID:         data.TaskID,
		ExternalTaskID: data.State,
		Provider:       m.ProviderID(),
		Status:         mapMidjourneyStatus(data.Status),
		StatusMessage:  data.FailReason,
		Progress:       data.Progress,
		CreatedAtMs:    data.SubmitTime,
		UpdatedAtMs:    data.FinishTime,
	}
	if task.UpdatedAtMs == 0 {
		task.UpdatedAtMs = entity.NowMs()
	}
	if task.Status == entity.TaskStatusSucceed {
		for idx, resultURL := range data.ResultURLs {
			trimmed := strings.TrimSpace(resultURL)
			if trimmed == "" {
				continue
			}
			task.Assets = append(task.Assets, entity.Asset{
				Index: idx,
				Kind:  entity.AssetKindImage,
				URL:   trimmed,
			})
		}
	}
	return task
}

// mapMidjourneyStatus folds the proxy's status vocabulary into the canonical
// state machine.
func mapMidjourneyStatus(status string) entity.TaskStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "NOT_START", "SUBMITTED", "IN_QUEUE":
		return entity.TaskStatusSubmitted
	case "IN_PROGRESS", "MODAL":
		return entity.TaskStatusProcessing
	case "SUCCESS":
		return entity.TaskStatusSucceed
	case "FAILURE":
		return entity.TaskStatusFailed
	default:
		return entity.TaskStatusProcessing
	}
}

func (m *Midjourney) call(ctx context.Context, method, callURL string, payload interface{}) (*mjEnvelope, error) {
	var body io.Reader
	if payload != nil {
		bs, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("midjourney: marshal request: %w", err)
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, body)
	if err != nil {
		return nil, fmt.Errorf("midjourney: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{Provider: m.ProviderID(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("midjourney: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTP(m.ProviderID(), resp, string(raw))
	}

	var envelope mjEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("midjourney: decode response: %w", err)
	}

	if envelope.Code != mjCodeOK {
		return nil, m.classifyCode(envelope.Code, envelope.Description)
	}
	return &envelope, nil
}

// classifyCode maps the proxy's in-envelope business codes onto the shared
// taxonomy. 1303 means account concurrency is saturated: retryable with
// backoff, not a parameter problem.
func (m *Midjourney) classifyCode(code int, description string) error {
	switch {
	case code == mjCodeRateLimit:
		return &RateLimitError{Provider: m.ProviderID(), Code: code, Message: description}
	case looksLikeContentPolicy(description):
		return &ContentPolicyError{Provider: m.ProviderID(), Message: description}
	case code >= 1000 && code < 2000:
		return &ValidationError{Field: "request", Rule: "provider_rejected", Message: fmt.Sprintf("code %d: %s", code, description)}
	default:
		return &SubmissionError{Provider: m.ProviderID(), Err: fmt.Errorf("unexpected code %d: %s", code, description)}
	}
}

var _ Adapter = (*Midjourney)(nil)
var _ CallbackParser = (*Midjourney)(nil)
