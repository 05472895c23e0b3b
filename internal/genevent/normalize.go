package genevent

import (
	"encoding/json"
	"strings"

	"github.com/pixelmuse/go-studio/pkg/util"
)

// 字段别名表。历史上前后端各自演化出过驼峰/下划线两套键名，
// 归一化统一在这里消化，下游不再感知。
var (
	requestIDKeys = []string{"requestId", "request_id", "RequestId", "jobId", "job_id"}
	imageListKeys = []string{"images", "Images", "imageUrls"}
	imageURLKeys  = []string{"url", "Url", "image_url"}
	progressKeys  = []string{"progress", "Progress"}
)

// Normalize 将上游原始 JSON 归一化为 StatusEvent。
//
// 支持两种线格式:
//   - 扁平状态: {"status": "OK", "data": {...}}
//   - 类型事件: {"type": "generation-complete", "data": {...}}
//
// 无法识别的形态、未知的状态/类型、或缺失 requestId 的事件返回 nil，
// 丢弃与否及如何记录由调用方决定。
//
// 纯函数, 无状态, 无锁, 热路径安全。
func Normalize(raw []byte) *StatusEvent {
	return normalize(raw, "")
}

// NormalizeForJob 归一化轮询接口的状态响应。
//
// GET /status/{jobId} 的响应体不含任务 id (调用方本来就知道)，
// 这里把 jobID 作为兜底 id 注入; 响应体内若带 id 则以响应体为准。
func NormalizeForJob(jobID string, raw []byte) *StatusEvent {
	return normalize(raw, jobID)
}

func normalize(raw []byte, fallbackID string) *StatusEvent {
	var envelope map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &envelope) != nil {
		return nil
	}

	data, _ := envelope["data"].(map[string]any)
	if data == nil {
		data = map[string]any{} // data 缺失时用空表, 后续查找免判 nil
	}

	// 形态判定: 扁平 status 优先，其次类型事件。
	var status Status
	if s, ok := envelope["status"].(string); ok {
		status = classifyStatus(s)
	} else if t, ok := envelope["type"].(string); ok {
		status = classifyEventType(t)
	}
	if status == "" {
		return nil
	}

	requestID := firstString([]map[string]any{envelope, data}, requestIDKeys)
	if requestID == "" {
		requestID = strings.TrimSpace(fallbackID)
	}
	if requestID == "" {
		return nil
	}

	return &StatusEvent{
		RequestID: requestID,
		Status:    status,
		Message:   extractMessage(data, envelope),
		Images:    extractImages(data, envelope),
		Progress:  extractProgress(data, envelope),
	}
}

// classifyStatus 按扁平状态字段分类。大小写不敏感。
func classifyStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK", "SUCCEEDED", "COMPLETED":
		return StatusOK
	case "ERROR", "FAILED":
		return StatusError
	case "PROGRESS", "PROCESSING", "PENDING", "RUNNING":
		return StatusProgress
	}
	return ""
}

// classifyEventType 按推送事件类型分类。
func classifyEventType(t string) Status {
	switch t {
	// ── 完成 ──
	case "generation-complete", "generation.complete", "job_complete":
		return StatusOK

	// ── 失败 ──
	case "generation-error", "generation.failed", "job_failed":
		return StatusError

	// ── 进行中 ──
	case "generation-progress", "generation.update", "job_progress":
		return StatusProgress
	}
	return ""
}

// firstString 依序在多个 payload 中查找第一个非空字符串字段。
func firstString(payloads []map[string]any, keys []string) string {
	for _, p := range payloads {
		for _, k := range keys {
			if v, ok := p[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// stringField 取单个 payload 中的字符串字段，不存在或非字符串返回 ""。
func stringField(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

// extractMessage 取事件文案 (优先级: message > error > text)，data 优先于顶层。
func extractMessage(data, envelope map[string]any) string {
	return util.FirstNonEmpty(
		stringField(data, "message"),
		stringField(data, "error"),
		stringField(data, "text"),
		stringField(envelope, "message"),
		stringField(envelope, "error"),
	)
}

// extractImages 取图片列表。元素既可能是 URL 字符串，也可能是带 url 字段的对象。
func extractImages(payloads ...map[string]any) []ImageRef {
	for _, p := range payloads {
		for _, key := range imageListKeys {
			list, ok := p[key].([]any)
			if !ok {
				continue
			}
			refs := make([]ImageRef, 0, len(list))
			for _, item := range list {
				switch v := item.(type) {
				case string:
					if v != "" {
						refs = append(refs, ImageRef{URL: v})
					}
				case map[string]any:
					for _, uk := range imageURLKeys {
						if u, ok := v[uk].(string); ok && u != "" {
							refs = append(refs, ImageRef{URL: u})
							break
						}
					}
				}
			}
			if len(refs) > 0 {
				return refs
			}
		}
	}
	return nil
}

// extractProgress 取进度值，原样透传 (上游有 0..1 和 0..100 两种口径, 不在此换算)。
func extractProgress(payloads ...map[string]any) *float64 {
	for _, p := range payloads {
		for _, key := range progressKeys {
			if v, ok := p[key].(float64); ok { // JSON numbers are float64 in generic map
				pv := v
				return &pv
			}
		}
	}
	return nil
}
