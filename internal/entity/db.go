package entity

// Re-export common types from the common package so callers only import entity.

import (
	"mediagen/internal/entity/common"
)

// Type aliases for common types
type StringArray = common.StringArray
type JSONMap = common.JSONMap
type Response = common.Response
type ResponseItems = common.ResponseItems
type Meta = common.Meta
type Asset = common.Asset
type AssetArray = common.AssetArray
type AssetKind = common.AssetKind

// Constants
const (
	AssetKindImage = common.AssetKindImage
	AssetKindVideo = common.AssetKindVideo
	AssetKindAudio = common.AssetKindAudio
	AssetKindError = common.AssetKindError
)
