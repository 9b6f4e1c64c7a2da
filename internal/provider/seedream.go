package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"

	"mediagen/internal/config"
	"mediagen/internal/entity"
)

// 文档: https://www.volcengine.com/docs/82379/1824121
const (
	seedreamDefaultModel    = "doubao-seedream-4-0-250828"
	seedreamMaxPromptLength = 5000
	seedreamMaxImages       = 10
	seedreamMaxBatchSize    = 15
	seedreamCallTimeout     = 10 * time.Minute
)

var seedreamSizes = []string{"1K", "2K", "4K"}

// Seedream drives ByteDance's Seedream models through the ModelArk SDK. The
// upstream is a streaming call that emits one event per batch item, so a
// request for N images can partially succeed: some slots carry URLs, others
// carry per-item errors. Each slot becomes a positioned asset and the task
// still terminates as succeed when at least one slot rendered.
//
// Like Recraft, the blocking stream is bridged to the submit/poll contract
// through the ledger.
type Seedream struct {
	client *arkruntime.Client
	ledger *taskLedger
}

func NewSeedream(cfg config.Config) (*Seedream, error) {
	apiKey := strings.TrimSpace(cfg.ArkAPIKey)
	if apiKey == "" {
		return nil, errors.New("ark api key is not configured")
	}

	return &Seedream{
		client: arkruntime.NewClientWithApiKey(apiKey),
		ledger: newTaskLedger(),
	}, nil
}

func (s *Seedream) ProviderID() string {
	return ProviderSeedream
}

func (s *Seedream) Capabilities() *Capabilities {
	return &Capabilities{
		TaskTypes: []string{
			entity.TaskTypeTextToImage,
			entity.TaskTypeImageToImage,
		},
		Models:             []string{seedreamDefaultModel},
		SupportedSizes:     seedreamSizes,
		MaxReferenceImages: seedreamMaxImages,
	}
}

func (s *Seedream) Validate(request entity.SubmitTaskRequest) error {
	if err := requireField("prompt", request.Prompt); err != nil {
		return err
	}
	if err := checkMaxLength("prompt", request.Prompt, seedreamMaxPromptLength); err != nil {
		return err
	}
	if err := checkEnum("size", request.Size, seedreamSizes); err != nil {
		return err
	}
	if request.NumOutputs != 0 {
		if err := checkRange("num_outputs", request.NumOutputs, 1, seedreamMaxBatchSize); err != nil {
			return err
		}
	}

	switch request.TaskType {
	case entity.TaskTypeTextToImage:
		// prompt only
	case entity.TaskTypeImageToImage:
		if len(request.Images) == 0 {
			return &ValidationError{Field: "images", Rule: "required", Message: "image to image requires at least one reference image"}
		}
		if err := checkImageCount(request.Images, seedreamMaxImages); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "task_type", Rule: "enum", Message: fmt.Sprintf("%q is not supported by seedream", request.TaskType)}
	}
	return nil
}

func (s *Seedream) Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error) {
	request = normalizeInlineMedia(request)

	taskID := "seedream-" + uuid.NewString()
	now := entity.NowMs()
	s.ledger.create(&entity.GenerationTask{
		TaskID:         taskID,
		ExternalTaskID: request.ExternalTaskID,
		Provider:       s.ProviderID(),
		Status:         entity.TaskStatusSubmitted,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	})

	logrus.WithFields(logrus.Fields{
		"task_id":     taskID,
		"task_type":   request.TaskType,
		"num_outputs": request.NumOutputs,
	}).Info("seedream_submit_start")

	go s.run(context.Background(), taskID, request)

	return taskID, nil
}

func (s *Seedream) run(ctx context.Context, taskID string, request entity.SubmitTaskRequest) {
	ctx, cancel := context.WithTimeout(ctx, seedreamCallTimeout)
	defer cancel()

	if err := s.ledger.setStatus(taskID, entity.TaskStatusProcessing, ""); err != nil {
		logrus.WithError(err).WithField("task_id", taskID).Warn("seedream_status_transition_rejected")
	}

	model := strings.TrimSpace(request.Model)
	if model == "" {
		model = seedreamDefaultModel
	}
	size := request.Size
	if size == "" {
		size = "2K"
	}

	// auto 时模型根据提示词决定组图张数；单图请求关闭组图功能。
	var sequential volcModel.SequentialImageGeneration = "disabled"
	maxImages := 1
	if request.NumOutputs > 1 {
		sequential = "auto"
		maxImages = request.NumOutputs
	}

	generateReq := volcModel.GenerateImagesRequest{
		Model:                     model,
		Prompt:                    request.Prompt,
		Image:                     request.Images,
		Size:                      volcengine.String(size),
		ResponseFormat:            volcengine.String(volcModel.GenerateImagesResponseFormatURL),
		Watermark:                 volcengine.Bool(false),
		SequentialImageGeneration: &sequential,
		SequentialImageGenerationOptions: &volcModel.SequentialImageGenerationOptions{
			MaxImages: &maxImages,
		},
	}

	stream, err := s.client.GenerateImagesStreaming(ctx, generateReq)
	if err != nil {
		logrus.WithError(err).WithField("task_id", taskID).Error("seedream_stream_open_failed")
		_ = s.ledger.setStatus(taskID, entity.TaskStatusFailed, err.Error())
		return
	}
	defer stream.Close()

	succeeded, failed := 0, 0
	var lastError string
	for {
		recv, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.WithError(err).WithField("task_id", taskID).Error("seedream_stream_recv_failed")
			lastError = err.Error()
			break
		}

		switch recv.Type {
		case "image_generation.partial_succeeded":
			if recv.Error == nil && recv.Url != nil {
				succeeded++
				if appendErr := s.ledger.appendAsset(taskID, entity.Asset{
					Kind: entity.AssetKindImage,
					URL:  *recv.Url,
				}); appendErr != nil {
					logrus.WithError(appendErr).WithField("task_id", taskID).Warn("seedream_asset_append_failed")
				}
			}
		case "image_generation.partial_failed":
			failed++
			if recv.Error != nil {
				lastError = recv.Error.Message
				_ = s.ledger.appendAsset(taskID, entity.Asset{
					Kind:  entity.AssetKindError,
					Error: fmt.Sprintf("%s: %s", recv.Error.Code, recv.Error.Message),
				})
				if strings.EqualFold(recv.Error.Code, "InternalServiceError") {
					// 服务端内部错误，后续事件不会再到达
					lastError = recv.Error.Message
					succeeded = 0
				}
			}
		case "image_generation.completed":
			if recv.Error == nil && recv.Usage != nil {
				logrus.WithFields(logrus.Fields{
					"task_id": taskID,
					"usage":   *recv.Usage,
				}).Debug("seedream_stream_completed")
			}
		}
	}

	if succeeded == 0 {
		if lastError == "" {
			lastError = "no images generated"
		}
		_ = s.ledger.setStatus(taskID, entity.TaskStatusFailed, lastError)
		return
	}

	message := ""
	if failed > 0 {
		message = fmt.Sprintf("%d of %d batch items failed", failed, succeeded+failed)
	}
	_ = s.ledger.setStatus(taskID, entity.TaskStatusSucceed, message)

	logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"succeeded": succeeded,
		"failed":    failed,
	}).Info("seedream_generate_done")
}

// Poll reads the ledger snapshot; the streaming call has no query endpoint.
func (s *Seedream) Poll(_ context.Context, ref entity.TaskRef) (*entity.GenerationTask, error) {
	if ref.IsZero() {
		return nil, errors.New("seedream: task ref is required")
	}

	var (
		task *entity.GenerationTask
		ok   bool
	)
	if ref.IsExternal() {
		task, ok = s.ledger.getByExternalID(ref.Value())
	} else {
		task, ok = s.ledger.get(ref.Value())
	}
	if !ok {
		return nil, fmt.Errorf("seedream: unknown task %q", ref.Value())
	}
	return task, nil
}

var _ Adapter = (*Seedream)(nil)
