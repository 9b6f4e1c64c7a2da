package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AssetKind tags entries of a normalized task result.
type AssetKind string

const (
	AssetKindImage AssetKind = "image"
	AssetKindVideo AssetKind = "video"
	AssetKindAudio AssetKind = "audio"
	// AssetKindError marks a batch slot that failed while siblings succeeded.
	AssetKindError AssetKind = "error"
)

// Asset 是归一化后的单个生成产物。
// URL 为供应商返回的临时下载地址（24 小时至 30 天后过期），
// 不可假设其永久有效。
type Asset struct {
	Index           int       `json:"index"`
	Kind            AssetKind `json:"kind"`
	URL             string    `json:"url,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// IsError reports whether the slot holds a per-item failure.
func (a Asset) IsError() bool {
	return a.Kind == AssetKindError
}

// AssetArray 以 JSON 格式存储产物列表。
type AssetArray []Asset

// Value 实现 driver.Valuer 接口。
func (a AssetArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal([]Asset(a))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan 实现 sql.Scanner 接口。
func (a *AssetArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*a = []Asset{}
			return nil
		}
		return json.Unmarshal(v, (*[]Asset)(a))
	case string:
		if v == "" {
			*a = []Asset{}
			return nil
		}
		return json.Unmarshal([]byte(v), (*[]Asset)(a))
	default:
		return fmt.Errorf("unsupported type for AssetArray: %T", value)
	}
}
