// Package genevent 定义生成任务状态事件的规范形态与归一化。
//
// 上游管线的推送流和轮询接口使用两种不同的线格式，本包将它们
// 统一为 StatusEvent，下游 (流复用/轮询兜底/编排器) 只消费规范形态。
package genevent

// Status 规范化后的任务状态 (3 种)。
type Status string

const (
	StatusOK       Status = "OK"
	StatusError    Status = "ERROR"
	StatusProgress Status = "PROGRESS"
)

// Terminal 返回该状态是否为终态。终态后订阅方应立即退订。
func (s Status) Terminal() bool { return s == StatusOK || s == StatusError }

// ImageRef 单张生成图片的引用。
type ImageRef struct {
	URL string `json:"url"`
}

// StatusEvent 归一化后的状态事件。
type StatusEvent struct {
	RequestID string     `json:"requestId"`
	Status    Status     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Images    []ImageRef `json:"images,omitempty"`
	Progress  *float64   `json:"progress,omitempty"`
}
