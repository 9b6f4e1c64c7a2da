package sql

import (
	"context"
	"fmt"
	"strings"

	"mediagen/internal/entity"
)

// CreateTask persists a new task tracking record.
func (r *GormRepository) CreateTask(ctx context.Context, task *entity.DbTask) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// UpdateTask applies a partial update to a tracked task.
func (r *GormRepository) UpdateTask(ctx context.Context, id uint, updates entity.TaskUpdates) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid task id")
	}
	if updates.IsEmpty() {
		return nil
	}
	return r.db.WithContext(ctx).Model(&entity.DbTask{}).Where("id = ?", id).Updates(updates.ToMap()).Error
}

// GetTask loads a tracked task by primary key.
func (r *GormRepository) GetTask(ctx context.Context, id uint) (*entity.DbTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid task id")
	}
	var task entity.DbTask
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTaskByTaskID loads a task by the provider-assigned id. Task ids are only
// unique within a provider, so both keys are required.
func (r *GormRepository) GetTaskByTaskID(ctx context.Context, provider, taskID string) (*entity.DbTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return nil, fmt.Errorf("task id is empty")
	}

	query := r.db.WithContext(ctx).Where("task_id = ?", trimmed)
	if p := strings.TrimSpace(provider); p != "" {
		query = query.Where("provider = ?", p)
	}

	var task entity.DbTask
	if err := query.First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTaskByExternalID loads a task by the client-assigned external id.
func (r *GormRepository) GetTaskByExternalID(ctx context.Context, externalID string) (*entity.DbTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(externalID)
	if trimmed == "" {
		return nil, fmt.Errorf("external task id is empty")
	}
	var task entity.DbTask
	if err := r.db.WithContext(ctx).Where("external_task_id = ?", trimmed).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns paginated task tracking records, newest first.
func (r *GormRepository) ListTasks(ctx context.Context, params *entity.TaskQuery) ([]entity.DbTask, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbTask{})
	if params != nil {
		if !params.IncludeAll && params.UserID > 0 {
			query = query.Where("user_id = ?", params.UserID)
		}
		if p := strings.TrimSpace(params.Provider); p != "" {
			query = query.Where("provider = ?", p)
		}
		if tt := strings.TrimSpace(params.TaskType); tt != "" {
			query = query.Where("task_type = ?", tt)
		}
		if s := strings.TrimSpace(params.Status); s != "" {
			query = query.Where("status = ?", s)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	page := 1
	pageSize := 20
	if params != nil {
		if params.Page > 0 {
			page = int(params.Page)
		}
		if params.PageSize > 0 {
			pageSize = int(params.PageSize)
		}
	}

	offset := (page - 1) * pageSize
	if offset < 0 {
		offset = 0
	}

	var tasks []entity.DbTask
	if err := query.Order("id DESC").Offset(offset).Limit(pageSize).Find(&tasks).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(total, page, pageSize)
	return tasks, meta, nil
}

// ListActiveTasks returns every task that has not reached a terminal state.
func (r *GormRepository) ListActiveTasks(ctx context.Context) ([]entity.DbTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	var tasks []entity.DbTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(entity.TaskStatusSubmitted), string(entity.TaskStatusProcessing)}).
		Order("id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeleteTask removes a tracked task by primary key.
func (r *GormRepository) DeleteTask(ctx context.Context, id uint) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid task id")
	}
	return r.db.WithContext(ctx).Delete(&entity.DbTask{}, id).Error
}
