package model

import (
	"context"

	"mediagen/internal/entity"
)

// Repository 定义数据库操作接口
type Repository interface {
	// 用户管理
	CreateUser(ctx context.Context, user *entity.DbUser) error
	UpdateUser(ctx context.Context, id uint, updates entity.UserUpdates) error
	GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error)
	DeleteUser(ctx context.Context, id uint) error
	CountUsers(ctx context.Context) (int64, error)

	// 任务跟踪记录
	CreateTask(ctx context.Context, task *entity.DbTask) error
	UpdateTask(ctx context.Context, id uint, updates entity.TaskUpdates) error
	GetTask(ctx context.Context, id uint) (*entity.DbTask, error)
	GetTaskByTaskID(ctx context.Context, provider, taskID string) (*entity.DbTask, error)
	GetTaskByExternalID(ctx context.Context, externalID string) (*entity.DbTask, error)
	ListTasks(ctx context.Context, params *entity.TaskQuery) ([]entity.DbTask, *entity.Meta, error)
	// ListActiveTasks 返回所有未到终态的任务，用于重启后恢复跟踪
	ListActiveTasks(ctx context.Context) ([]entity.DbTask, error)
	DeleteTask(ctx context.Context, id uint) error
}
