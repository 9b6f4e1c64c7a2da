package provider

import (
	"fmt"
	"sync"

	"mediagen/internal/entity"
)

// taskLedger tracks tasks for adapters whose upstream API is synchronous or
// streaming rather than submit-and-poll (Recraft, Seedream). The adapter
// creates a ledger entry on submit, drives the upstream call in a background
// goroutine, and serves Poll from the ledger. Status updates are held to the
// forward-only state machine.
type taskLedger struct {
	mu    sync.RWMutex
	tasks map[string]*entity.GenerationTask
}

func newTaskLedger() *taskLedger {
	return &taskLedger{tasks: make(map[string]*entity.GenerationTask)}
}

func (l *taskLedger) create(task *entity.GenerationTask) {
	if task == nil || task.TaskID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks[task.TaskID] = task.Clone()
}

// get returns a snapshot copy so callers never observe concurrent mutation.
func (l *taskLedger) get(taskID string) (*entity.GenerationTask, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	task, ok := l.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// getByExternalID resolves a client-assigned identifier.
func (l *taskLedger) getByExternalID(externalID string) (*entity.GenerationTask, bool) {
	if externalID == "" {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, task := range l.tasks {
		if task.ExternalTaskID == externalID {
			return task.Clone(), true
		}
	}
	return nil, false
}

// setStatus advances the task status. Backward transitions are rejected,
// keeping every ledger task on the monotonic path.
func (l *taskLedger) setStatus(taskID string, status entity.TaskStatus, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	task, ok := l.tasks[taskID]
	if !ok {
		return fmt.Errorf("ledger: unknown task %s", taskID)
	}
	if task.Status == status {
		if message != "" {
			task.StatusMessage = message
			task.UpdatedAtMs = entity.NowMs()
		}
		return nil
	}
	if !task.Status.CanTransition(status) {
		return fmt.Errorf("ledger: illegal transition %s -> %s for task %s", task.Status, status, taskID)
	}
	task.Status = status
	if message != "" {
		task.StatusMessage = message
	}
	task.UpdatedAtMs = entity.NowMs()
	return nil
}

// appendAsset records a produced (or per-item failed) output slot.
func (l *taskLedger) appendAsset(taskID string, asset entity.Asset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	task, ok := l.tasks[taskID]
	if !ok {
		return fmt.Errorf("ledger: unknown task %s", taskID)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("ledger: task %s is already terminal", taskID)
	}
	asset.Index = len(task.Assets)
	task.Assets = append(task.Assets, asset)
	task.UpdatedAtMs = entity.NowMs()
	return nil
}
