// types.go — 生成管线 REST 口径的请求/响应结构。
package genapi

import "github.com/pixelmuse/go-studio/internal/timeline"

// SubmitRequest POST /generations 请求体。
type SubmitRequest struct {
	Prompt          string   `json:"prompt"`
	InputImages     []string `json:"inputImages"`
	NumImages       int      `json:"numImages"`
	AspectRatio     string   `json:"aspectRatio"`
	AlbumID         string   `json:"albumId"`
	StyleTemplateID string   `json:"styleTemplateId,omitempty"`
}

// SubmitResponse 提交成功的响应体。requestId 用于后续事件追踪。
type SubmitResponse struct {
	RequestID     string `json:"requestId"`
	AlbumName     string `json:"albumName,omitempty"`
	SystemMessage string `json:"systemMessage,omitempty"`
}

// feedResponse GET /feed 响应体, 条目新到旧排列。
type feedResponse struct {
	Entries []timeline.Entry `json:"entries"`
}

// errorBody 上游错误响应 {"error": "..."}。
type errorBody struct {
	Error string `json:"error"`
}
