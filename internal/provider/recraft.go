package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediagen/internal/config"
	"mediagen/internal/entity"
	"mediagen/internal/utils"
)

const (
	recraftDefaultBaseURL  = "https://external.api.recraft.ai"
	recraftMaxPromptLength = 1000
	recraftMaxOutputs      = 6
	recraftCallTimeout     = 5 * time.Minute
)

var (
	recraftStyles = []string{
		"realistic_image", "digital_illustration", "vector_illustration", "icon",
	}
	recraftSizes = []string{
		"1024x1024", "1365x1024", "1024x1365", "1536x1024", "1024x1536",
		"1820x1024", "1024x1820", "1024x2048", "2048x1024", "1434x1024",
		"1024x1434", "1024x1280", "1280x1024", "1024x1707", "1707x1024",
	}
)

// Recraft drives the Recraft image API. The upstream is synchronous: one HTTP
// call blocks until all images are rendered. To present the shared
// submit/poll contract, Submit registers a ledger entry and runs the blocking
// call in a background goroutine; callers always observe the task through at
// least one poll, never a same-call completion.
type Recraft struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	ledger     *taskLedger
}

func NewRecraft(cfg config.Config) (*Recraft, error) {
	apiKey := strings.TrimSpace(cfg.RecraftAPIKey)
	if apiKey == "" {
		return nil, errors.New("recraft api key is not configured")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.RecraftBaseURL), "/")
	if baseURL == "" {
		baseURL = recraftDefaultBaseURL
	}

	return &Recraft{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: recraftCallTimeout},
		ledger:     newTaskLedger(),
	}, nil
}

func (r *Recraft) ProviderID() string {
	return ProviderRecraft
}

func (r *Recraft) Capabilities() *Capabilities {
	return &Capabilities{
		TaskTypes: []string{
			entity.TaskTypeTextToImage,
			entity.TaskTypeVectorize,
		},
		SupportedSizes: recraftSizes,
	}
}

func (r *Recraft) Validate(request entity.SubmitTaskRequest) error {
	switch request.TaskType {
	case entity.TaskTypeTextToImage:
		if err := requireField("prompt", request.Prompt); err != nil {
			return err
		}
		if err := checkMaxLength("prompt", request.Prompt, recraftMaxPromptLength); err != nil {
			return err
		}
		if err := checkEnum("style", request.Style, recraftStyles); err != nil {
			return err
		}
		if err := checkEnum("size", request.Size, recraftSizes); err != nil {
			return err
		}
		if request.NumOutputs != 0 {
			if err := checkRange("num_outputs", request.NumOutputs, 1, recraftMaxOutputs); err != nil {
				return err
			}
		}
	case entity.TaskTypeVectorize:
		if err := checkExactlyOne(
			exclusiveField{Name: "images", Set: len(request.Images) > 0},
			exclusiveField{Name: "file_url", Set: request.FileURL != ""},
		); err != nil {
			return err
		}
		if err := checkImageCount(request.Images, 1); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "task_type", Rule: "enum", Message: fmt.Sprintf("%q is not supported by recraft", request.TaskType)}
	}
	return nil
}

type recraftGenerateRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	Size   string `json:"size,omitempty"`
	Model  string `json:"model,omitempty"`
	N      int    `json:"n,omitempty"`
}

type recraftGenerateResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Submit registers the task as submitted and kicks off the blocking upstream
// call. The returned id is ledger-local; the upstream has no task ids.
func (r *Recraft) Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error) {
	request = normalizeInlineMedia(request)

	taskID := "recraft-" + uuid.NewString()
	now := entity.NowMs()
	r.ledger.create(&entity.GenerationTask{
		TaskID:         taskID,
		ExternalTaskID: request.ExternalTaskID,
		Provider:       r.ProviderID(),
		Status:         entity.TaskStatusSubmitted,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	})

	logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": request.TaskType,
	}).Info("recraft_submit_start")

	// The blocking call detaches from the caller's context: submission has
	// been acknowledged, so the lifetime of the render belongs to the task.
	go r.run(context.Background(), taskID, request)

	return taskID, nil
}

func (r *Recraft) run(ctx context.Context, taskID string, request entity.SubmitTaskRequest) {
	ctx, cancel := context.WithTimeout(ctx, recraftCallTimeout)
	defer cancel()

	if err := r.ledger.setStatus(taskID, entity.TaskStatusProcessing, ""); err != nil {
		logrus.WithError(err).WithField("task_id", taskID).Warn("recraft_status_transition_rejected")
	}

	var (
		assets []entity.Asset
		err    error
	)
	if request.TaskType == entity.TaskTypeVectorize {
		assets, err = r.vectorize(ctx, request)
	} else {
		assets, err = r.generate(ctx, request)
	}
	if err != nil {
		logrus.WithError(err).WithField("task_id", taskID).Error("recraft_generate_failed")
		_ = r.ledger.setStatus(taskID, entity.TaskStatusFailed, err.Error())
		return
	}

	for _, asset := range assets {
		if appendErr := r.ledger.appendAsset(taskID, asset); appendErr != nil {
			logrus.WithError(appendErr).WithField("task_id", taskID).Warn("recraft_asset_append_failed")
		}
	}
	_ = r.ledger.setStatus(taskID, entity.TaskStatusSucceed, "")

	logrus.WithFields(logrus.Fields{
		"task_id":     taskID,
		"asset_count": len(assets),
	}).Info("recraft_generate_done")
}

func (r *Recraft) generate(ctx context.Context, request entity.SubmitTaskRequest) ([]entity.Asset, error) {
	payload := recraftGenerateRequest{
		Prompt: request.Prompt,
		Style:  request.Style,
		Size:   request.Size,
		Model:  request.Model,
		N:      request.NumOutputs,
	}

	bs, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("recraft: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/images/generations", bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("recraft: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{Provider: r.ProviderID(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("recraft: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTP(r.ProviderID(), resp, string(raw))
	}

	var decoded recraftGenerateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("recraft: decode response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("recraft: response contains no images")
	}

	assets := make([]entity.Asset, 0, len(decoded.Data))
	for i, item := range decoded.Data {
		imageURL := strings.TrimSpace(item.URL)
		if imageURL == "" {
			assets = append(assets, entity.Asset{
				Index: i,
				Kind:  entity.AssetKindError,
				Error: "image slot returned without url",
			})
			continue
		}
		assets = append(assets, entity.Asset{
			Index: i,
			Kind:  entity.AssetKindImage,
			URL:   imageURL,
		})
	}
	return assets, nil
}

type recraftVectorizeResponse struct {
	Image struct {
		URL string `json:"url"`
	} `json:"image"`
}

// vectorize uploads the source image to the synchronous vectorize endpoint
// and returns the produced vector asset.
func (r *Recraft) vectorize(ctx context.Context, request entity.SubmitTaskRequest) ([]entity.Asset, error) {
	data, err := r.sourceImageBytes(ctx, request)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("recraft: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("recraft: build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("recraft: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/images/vectorize", &body)
	if err != nil {
		return nil, fmt.Errorf("recraft: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{Provider: r.ProviderID(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("recraft: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTP(r.ProviderID(), resp, string(raw))
	}

	var decoded recraftVectorizeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("recraft: decode response: %w", err)
	}
	imageURL := strings.TrimSpace(decoded.Image.URL)
	if imageURL == "" {
		return nil, fmt.Errorf("recraft: vectorize response missing image url")
	}
	return []entity.Asset{{Index: 0, Kind: entity.AssetKindImage, URL: imageURL}}, nil
}

// sourceImageBytes materializes the vectorize input: inline base64 payloads
// are decoded, remote references are fetched.
func (r *Recraft) sourceImageBytes(ctx context.Context, request entity.SubmitTaskRequest) ([]byte, error) {
	source := request.FileURL
	if len(request.Images) > 0 {
		source = request.Images[0]
	}
	if utils.IsRemoteURL(source) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("recraft: fetch source image: %w", err)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("recraft: fetch source image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("recraft: fetch source image: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	data, err := base64.StdEncoding.DecodeString(source)
	if err != nil {
		return nil, &ValidationError{Field: "images", Rule: "base64", Message: "source image is not valid base64"}
	}
	return data, nil
}

// Poll reads the ledger snapshot; it never touches the upstream.
func (r *Recraft) Poll(_ context.Context, ref entity.TaskRef) (*entity.GenerationTask, error) {
	if ref.IsZero() {
		return nil, errors.New("recraft: task ref is required")
	}

	var (
		task *entity.GenerationTask
		ok   bool
	)
	if ref.IsExternal() {
		task, ok = r.ledger.getByExternalID(ref.Value())
	} else {
		task, ok = r.ledger.get(ref.Value())
	}
	if !ok {
		return nil, fmt.Errorf("recraft: unknown task %q", ref.Value())
	}
	return task, nil
}

var _ Adapter = (*Recraft)(nil)
