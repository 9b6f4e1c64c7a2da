package provider

import (
	"errors"
	"testing"

	"mediagen/internal/entity"
)

func TestResolveResult(t *testing.T) {
	tests := []struct {
		name       string
		task       *entity.GenerationTask
		wantAssets int
		wantErr    bool
		wantFailed bool
	}{
		{
			name: "成功任务返回资产列表",
			task: &entity.GenerationTask{
				TaskID:   "t1",
				Provider: ProviderMidjourney,
				Status:   entity.TaskStatusSucceed,
				Assets: []entity.Asset{
					{Index: 0, Kind: entity.AssetKindImage, URL: "https://cdn.example.com/a.png"},
					{Index: 1, Kind: entity.AssetKindImage, URL: "https://cdn.example.com/b.png"},
				},
			},
			wantAssets: 2,
		},
		{
			name: "部分失败的批次保留错误槽位",
			task: &entity.GenerationTask{
				TaskID:   "t2",
				Provider: ProviderSeedream,
				Status:   entity.TaskStatusSucceed,
				Assets: []entity.Asset{
					{Index: 0, Kind: entity.AssetKindImage, URL: "https://cdn.example.com/a.png"},
					{Index: 1, Kind: entity.AssetKindError, Error: "OutputImageSensitiveContentDetected"},
					{Index: 2, Kind: entity.AssetKindImage, URL: "https://cdn.example.com/c.png"},
				},
			},
			wantAssets: 3,
		},
		{
			name: "全部槽位失败视为任务失败",
			task: &entity.GenerationTask{
				TaskID:   "t3",
				Provider: ProviderSeedream,
				Status:   entity.TaskStatusSucceed,
				Assets: []entity.Asset{
					{Index: 0, Kind: entity.AssetKindError, Error: "InternalServiceError"},
				},
			},
			wantErr:    true,
			wantFailed: true,
		},
		{
			name: "失败任务返回 TaskFailedError",
			task: &entity.GenerationTask{
				TaskID:        "t4",
				Provider:      ProviderKling,
				Status:        entity.TaskStatusFailed,
				StatusMessage: "risk control rejected",
			},
			wantErr:    true,
			wantFailed: true,
		},
		{
			name:    "非终态任务报错",
			task:    &entity.GenerationTask{TaskID: "t5", Status: entity.TaskStatusProcessing},
			wantErr: true,
		},
		{
			name:    "成功但无资产报错",
			task:    &entity.GenerationTask{TaskID: "t6", Status: entity.TaskStatusSucceed},
			wantErr: true,
		},
		{
			name:    "nil 任务报错",
			task:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assets, err := ResolveResult(tt.task)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantFailed {
				var failed *TaskFailedError
				if !errors.As(err, &failed) {
					t.Errorf("expected *TaskFailedError, got %T", err)
				}
			}
			if len(assets) != tt.wantAssets {
				t.Errorf("expected %d assets, got %d", tt.wantAssets, len(assets))
			}
		})
	}
}

func TestResolveResultIsIdempotent(t *testing.T) {
	task := &entity.GenerationTask{
		TaskID:   "t1",
		Provider: ProviderLuma,
		Status:   entity.TaskStatusSucceed,
		Assets: []entity.Asset{
			{Index: 0, Kind: entity.AssetKindVideo, URL: "https://cdn.example.com/v.mp4", DurationSeconds: 5},
		},
	}

	first, err := ResolveResult(task)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := ResolveResult(task)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(first) != len(second) || first[0].URL != second[0].URL {
		t.Error("repeated resolution should return identical results")
	}

	// 返回的是副本，修改不应影响任务本身
	first[0].URL = "mutated"
	if task.Assets[0].URL != "https://cdn.example.com/v.mp4" {
		t.Error("resolved assets should be a copy, not a view")
	}
}

func TestSucceededAssets(t *testing.T) {
	assets := []entity.Asset{
		{Index: 0, Kind: entity.AssetKindImage, URL: "https://cdn.example.com/a.png"},
		{Index: 1, Kind: entity.AssetKindError, Error: "slot failed"},
		{Index: 2, Kind: entity.AssetKindImage, URL: "https://cdn.example.com/c.png"},
	}

	usable := SucceededAssets(assets)
	if len(usable) != 2 {
		t.Fatalf("expected 2 usable assets, got %d", len(usable))
	}
	for _, asset := range usable {
		if asset.IsError() {
			t.Errorf("error slot leaked into usable assets: %+v", asset)
		}
	}
}
