package entity

import (
	"time"

	"mediagen/internal/entity/common"
)

// TaskStatus 是跨供应商统一的任务状态。
// 各供应商的原始状态名（succeed/completed、dreaming/processing 等）
// 由各自的适配器映射到这里。
type TaskStatus string

const (
	TaskStatusSubmitted  TaskStatus = "submitted"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSucceed    TaskStatus = "succeed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceed || s == TaskStatusFailed
}

// IsValid reports whether s is one of the canonical statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusSubmitted, TaskStatusProcessing, TaskStatusSucceed, TaskStatusFailed:
		return true
	}
	return false
}

// rank orders statuses along the forward-only state machine.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusSubmitted:
		return 0
	case TaskStatusProcessing:
		return 1
	case TaskStatusSucceed, TaskStatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Terminal states admit no transitions; a status never moves
// backwards. Staying on the same non-terminal status is allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	return next.rank() > s.rank()
}

// GenerationTask 是供应商侧异步任务的快照。
// 除 Status、StatusMessage、Progress、UpdatedAtMs 和 Assets 外，
// 任务创建后其余字段不可变；状态只会沿
// submitted → processing → {succeed | failed} 单向推进。
type GenerationTask struct {
	TaskID         string     `json:"task_id"`
	ExternalTaskID string     `json:"external_task_id,omitempty"`
	Provider       string     `json:"provider"`
	Status         TaskStatus `json:"status"`
	StatusMessage  string     `json:"status_message,omitempty"`
	Progress       string     `json:"progress,omitempty"`
	CreatedAtMs    int64      `json:"created_at"`
	UpdatedAtMs    int64      `json:"updated_at"`
	Assets         []Asset    `json:"assets,omitempty"`
}

// Clone returns a deep copy so callers can hold snapshots safely.
func (t *GenerationTask) Clone() *GenerationTask {
	if t == nil {
		return nil
	}
	copied := *t
	if len(t.Assets) > 0 {
		copied.Assets = make([]Asset, len(t.Assets))
		copy(copied.Assets, t.Assets)
	}
	return &copied
}

// TaskRef 是任务的查询键：要么是供应商分配的 task_id，
// 要么是客户端自定义的 external_task_id。两者共用一个不透明类型，
// 首次查询后统一解析为规范的 task_id，避免重复跟踪。
type TaskRef struct {
	id       string
	external bool
}

// TaskRefByID builds a ref addressing the provider-assigned identifier.
func TaskRefByID(taskID string) TaskRef {
	return TaskRef{id: taskID}
}

// TaskRefByExternalID builds a ref addressing the client-assigned identifier.
func TaskRefByExternalID(externalID string) TaskRef {
	return TaskRef{id: externalID, external: true}
}

// Value returns the raw identifier.
func (r TaskRef) Value() string { return r.id }

// IsExternal reports whether the ref carries a client-assigned identifier.
func (r TaskRef) IsExternal() bool { return r.external }

// IsZero reports whether the ref is empty.
func (r TaskRef) IsZero() bool { return r.id == "" }

// NowMs returns the current time as a millisecond Unix timestamp, the
// resolution used by every provider for created_at/updated_at.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// DbTask 是网关持久化的任务跟踪记录。
type DbTask struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint `gorm:"column:user_id;index" json:"user_id"`

	Provider string `gorm:"column:provider;type:varchar(64);index" json:"provider"`
	TaskType string `gorm:"column:task_type;type:varchar(64);index" json:"task_type"`
	Model    string `gorm:"column:model;type:varchar(255)" json:"model"`
	Prompt   string `gorm:"column:prompt;type:text" json:"prompt"`

	TaskID         string `gorm:"column:task_id;type:varchar(255);index" json:"task_id"`
	ExternalTaskID string `gorm:"column:external_task_id;type:varchar(255);uniqueIndex" json:"external_task_id"`

	Status        string `gorm:"column:status;type:varchar(32);index" json:"status"`
	StatusMessage string `gorm:"column:status_message;type:text" json:"status_message"`
	Progress      string `gorm:"column:progress;type:varchar(32)" json:"progress"`

	CallbackURL string `gorm:"column:callback_url;type:varchar(1024)" json:"callback_url,omitempty"`

	InputMedia common.StringArray `gorm:"column:input_media;type:json" json:"input_media"`
	Assets     common.AssetArray  `gorm:"column:assets;type:json" json:"assets"`
	// ArchivedPaths 保存归档到对象存储后的路径；
	// 供应商返回的 URL 会过期，归档副本才是长期可用的。
	ArchivedPaths common.StringArray `gorm:"column:archived_paths;type:json" json:"archived_paths"`

	SubmittedAtMs int64 `gorm:"column:submitted_at_ms" json:"submitted_at_ms"`
	CompletedAtMs int64 `gorm:"column:completed_at_ms" json:"completed_at_ms"`
}

// TableName 指定表名。
func (DbTask) TableName() string {
	return "tasks"
}

// Snapshot converts the stored record into a GenerationTask view.
func (t *DbTask) Snapshot() *GenerationTask {
	if t == nil {
		return nil
	}
	return &GenerationTask{
		TaskID:         t.TaskID,
		ExternalTaskID: t.ExternalTaskID,
		Provider:       t.Provider,
		Status:         TaskStatus(t.Status),
		StatusMessage:  t.StatusMessage,
		Progress:       t.Progress,
		CreatedAtMs:    t.SubmittedAtMs,
		UpdatedAtMs:    t.UpdatedAt.UnixMilli(),
		Assets:         []Asset(t.Assets),
	}
}

// TaskQuery supports listing tracked tasks with pagination.
type TaskQuery struct {
	UserID     uint   `form:"-"`
	IncludeAll bool   `form:"-"`
	Provider   string `form:"provider"`
	TaskType   string `form:"task_type"`
	Status     string `form:"status"`
	Page       int64  `form:"page"`
	PageSize   int64  `form:"page_size"`
}
