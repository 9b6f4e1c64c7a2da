package provider

import (
	"errors"

	"mediagen/internal/entity"
)

// ResolveResult extracts the normalized asset list from a terminal task. It
// is a pure, idempotent transform: it never polls and never retries.
//
// For a succeeded task the returned list holds at least one non-error asset.
// Batch tasks (sequential image generation) may carry a mixed list where
// individual slots failed while siblings succeeded; those slots appear as
// error-kind assets rather than collapsing the whole task to a failure.
func ResolveResult(task *entity.GenerationTask) ([]entity.Asset, error) {
	if task == nil {
		return nil, errors.New("task is nil")
	}
	if !task.Status.IsTerminal() {
		return nil, errors.New("task has not reached a terminal state")
	}

	if task.Status == entity.TaskStatusFailed {
		return nil, &TaskFailedError{
			Provider: task.Provider,
			TaskID:   task.TaskID,
			Message:  task.StatusMessage,
		}
	}

	if len(task.Assets) == 0 {
		return nil, errors.New("succeeded task carries no assets")
	}

	succeeded := 0
	for _, asset := range task.Assets {
		if !asset.IsError() {
			succeeded++
		}
	}
	if succeeded == 0 {
		return nil, &TaskFailedError{
			Provider: task.Provider,
			TaskID:   task.TaskID,
			Message:  "all batch items failed",
		}
	}

	assets := make([]entity.Asset, len(task.Assets))
	copy(assets, task.Assets)
	return assets, nil
}

// SucceededAssets filters a resolved list down to the usable entries.
func SucceededAssets(assets []entity.Asset) []entity.Asset {
	out := make([]entity.Asset, 0, len(assets))
	for _, asset := range assets {
		if !asset.IsError() {
			out = append(out, asset)
		}
	}
	return out
}
