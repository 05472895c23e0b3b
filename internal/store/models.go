// Package store 提供所有数据库模型结构体。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名，
// json tag 对应网关 API 的输出字段。
package store

import (
	"time"

	"github.com/pixelmuse/go-studio/internal/timeline"
)

// ========================================
// Feed 条目 — 表 feed_entries
// ========================================

// FeedEntry 会话时间线条目的持久化形态。
// seq 为单调行号，仅用于游标分页，不对外输出。
type FeedEntry struct {
	Seq       int64     `db:"seq" json:"-"`
	ID        string    `db:"id" json:"id"`
	Kind      string    `db:"kind" json:"kind"`
	Status    string    `db:"status" json:"status"`
	RequestID string    `db:"request_id" json:"requestId"`
	AlbumID   string    `db:"album_id" json:"albumId"`
	Text      string    `db:"text" json:"text"`
	Message   string    `db:"message" json:"message"`
	Images    []string  `db:"images" json:"images"`
	Progress  *float64  `db:"progress" json:"progress,omitempty"`
	Ts        time.Time `db:"ts" json:"ts"`
}

// ToEntry 转为客户端时间线条目 (feed API 的输出口径)。
func (e FeedEntry) ToEntry() timeline.Entry {
	return timeline.Entry{
		ID:        e.ID,
		Kind:      timeline.Kind(e.Kind),
		Status:    timeline.EntryStatus(e.Status),
		RequestID: e.RequestID,
		Text:      e.Text,
		Message:   e.Message,
		Images:    e.Images,
		Progress:  e.Progress,
		Ts:        e.Ts,
	}
}

// FeedEntryFromTimeline 由时间线条目构造持久化行。
func FeedEntryFromTimeline(albumID string, e timeline.Entry) FeedEntry {
	return FeedEntry{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Status:    string(e.Status),
		RequestID: e.RequestID,
		AlbumID:   albumID,
		Text:      e.Text,
		Message:   e.Message,
		Images:    e.Images,
		Progress:  e.Progress,
		Ts:        e.Ts,
	}
}

// ========================================
// 系统日志 — 表 system_logs
// ========================================

// SystemLog 系统日志条目。列集合与 logger.DBHandler 的批量写入一致。
type SystemLog struct {
	ID         int       `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	Level      string    `db:"level" json:"level"`
	Logger     string    `db:"logger" json:"logger"`
	Message    string    `db:"message" json:"message"`
	Raw        string    `db:"raw" json:"raw"`
	Source     string    `db:"source" json:"source"`
	Component  string    `db:"component" json:"component"`
	RequestID  string    `db:"request_id" json:"request_id"`
	JobID      string    `db:"job_id" json:"job_id"`
	EventType  string    `db:"event_type" json:"event_type"`
	DurationMS *int      `db:"duration_ms" json:"duration_ms"`
	Extra      any       `db:"extra" json:"extra"`
}
