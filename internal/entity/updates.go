package entity

// UserUpdates 用户更新字段
type UserUpdates struct {
	DisplayName  *string
	Role         *string
	PasswordHash *string
	IsActive     *bool
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u UserUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.DisplayName != nil {
		updates["display_name"] = *u.DisplayName
	}
	if u.Role != nil {
		updates["role"] = *u.Role
	}
	if u.PasswordHash != nil {
		updates["password_hash"] = *u.PasswordHash
	}
	if u.IsActive != nil {
		updates["is_active"] = *u.IsActive
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u UserUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}

// TaskUpdates 任务跟踪记录更新字段。
// 任务创建后只有这些字段允许变化；状态推进的合法性由服务层保证。
type TaskUpdates struct {
	TaskID        *string
	Status        *string
	StatusMessage *string
	Progress      *string
	Assets        *AssetArray
	ArchivedPaths *StringArray
	CompletedAtMs *int64
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u TaskUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.TaskID != nil {
		updates["task_id"] = *u.TaskID
	}
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.StatusMessage != nil {
		updates["status_message"] = *u.StatusMessage
	}
	if u.Progress != nil {
		updates["progress"] = *u.Progress
	}
	if u.Assets != nil {
		updates["assets"] = *u.Assets
	}
	if u.ArchivedPaths != nil {
		updates["archived_paths"] = *u.ArchivedPaths
	}
	if u.CompletedAtMs != nil {
		updates["completed_at_ms"] = *u.CompletedAtMs
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u TaskUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}
