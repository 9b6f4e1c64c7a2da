package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"mediagen/internal/entity"
)

// PollConfig contains configuration for observing an async task.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Backoff     bool
	BackoffMax  time.Duration
}

// DefaultPollConfig provides default polling configuration.
var DefaultPollConfig = PollConfig{
	Interval:    5 * time.Second,
	MaxAttempts: 120, // 10 minutes with 5s interval
	Backoff:     false,
	BackoffMax:  30 * time.Second,
}

// MidjourneyPollConfig reflects the longer render times of Midjourney jobs.
var MidjourneyPollConfig = PollConfig{
	Interval:    10 * time.Second,
	MaxAttempts: 90,
	Backoff:     false,
}

// VideoPollConfig is used for video generation tasks (Kling, Luma), which
// regularly run for several minutes.
var VideoPollConfig = PollConfig{
	Interval:    10 * time.Second,
	MaxAttempts: 180,
	Backoff:     true,
	BackoffMax:  30 * time.Second,
}

// Poller is the subset of Adapter needed to observe a task.
type Poller interface {
	Poll(ctx context.Context, ref entity.TaskRef) (*entity.GenerationTask, error)
}

// WaitForTerminal polls a task until it reaches a terminal state, the attempt
// budget is exhausted, or ctx is cancelled.
//
// Cancellation is client-local only: the remote task keeps running, keeps
// consuming the account's concurrency quota until it reaches a terminal state
// on its own, and is billed regardless. There is no remote cancel operation
// in the protocol.
//
// Observed statuses are held to the forward-only state machine: a snapshot
// that would move the status backwards is ignored and logged, so callers
// always see a monotonic submitted → processing → terminal sequence.
func WaitForTerminal(ctx context.Context, poller Poller, ref entity.TaskRef, cfg PollConfig) (*entity.GenerationTask, error) {
	if ref.IsZero() {
		return nil, errors.New("task ref is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollConfig.Interval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollConfig.MaxAttempts
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	lastStatus := entity.TaskStatus("")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ticker.C:
			attempts++

			task, err := poller.Poll(ctx, ref)
			if err != nil {
				if IsRetryable(err) && attempts < maxAttempts {
					logrus.WithFields(logrus.Fields{
						"task_ref": ref.Value(),
						"attempt":  attempts,
						"error":    err,
					}).Warn("tracker_poll_retryable_error")
					continue
				}
				return nil, err
			}

			status := task.Status
			if lastStatus != "" && lastStatus != status && !lastStatus.CanTransition(status) {
				logrus.WithFields(logrus.Fields{
					"task_ref": ref.Value(),
					"observed": status,
					"known":    lastStatus,
				}).Warn("tracker_ignoring_backward_transition")
				status = lastStatus
			} else {
				lastStatus = status
			}

			logrus.WithFields(logrus.Fields{
				"task_ref": ref.Value(),
				"status":   status,
				"progress": task.Progress,
				"attempt":  attempts,
			}).Debug("tracker_poll_status")

			switch status {
			case entity.TaskStatusSucceed:
				return task, nil

			case entity.TaskStatusFailed:
				return task, &TaskFailedError{
					Provider: task.Provider,
					TaskID:   task.TaskID,
					Message:  task.StatusMessage,
				}

			case entity.TaskStatusSubmitted, entity.TaskStatusProcessing:
				if attempts >= maxAttempts {
					return nil, errors.New("polling exceeded maximum attempts")
				}
				if cfg.Backoff {
					newInterval := interval * 2
					if cfg.BackoffMax > 0 && newInterval > cfg.BackoffMax {
						newInterval = cfg.BackoffMax
					}
					if newInterval != interval {
						ticker.Reset(newInterval)
						interval = newInterval
					}
				}

			default:
				if attempts >= maxAttempts {
					return nil, errors.New("polling exceeded maximum attempts with unknown status")
				}
			}
		}
	}
}

// submitBackoffInitial is the documented minimum delay before retrying an
// over-quota submission.
const submitBackoffInitial = time.Second

// Submitter is the subset of Adapter needed to create a task.
type Submitter interface {
	ProviderID() string
	Submit(ctx context.Context, request entity.SubmitTaskRequest) (string, error)
}

// SubmitWithBackoff submits a task, retrying rate-limit and transient server
// errors with exponential backoff (1s, 2s, 4s, ...). Validation, auth, and
// content policy rejections are surfaced immediately: retrying them with
// unchanged input cannot succeed.
func SubmitWithBackoff(ctx context.Context, submitter Submitter, request entity.SubmitTaskRequest, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := submitBackoffInitial
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		taskID, err := submitter.Submit(ctx, request)
		if err == nil {
			return taskID, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxAttempts {
			return "", err
		}

		var rateLimit *RateLimitError
		wait := delay
		if errors.As(err, &rateLimit) && rateLimit.RetryAfter > wait {
			wait = rateLimit.RetryAfter
		}

		logrus.WithFields(logrus.Fields{
			"provider": submitter.ProviderID(),
			"attempt":  attempt,
			"wait":     wait.String(),
			"error":    err,
		}).Warn("submit_backoff_retry")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return "", lastErr
}
