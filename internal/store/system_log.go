// system_log.go — 系统日志查询与保留期清理。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemLogStore 系统日志存储。写入走 logger.DBHandler 批量通道，
// 这里只提供查询与清理。
type SystemLogStore struct{ BaseStore }

// NewSystemLogStore 创建系统日志存储。
func NewSystemLogStore(pool *pgxpool.Pool) *SystemLogStore {
	return &SystemLogStore{NewBaseStore(pool)}
}

const sysLogCols = `id, ts, level, logger, message, raw,
	source, component, request_id, job_id,
	event_type, duration_ms, extra`

// ListParams 系统日志查询参数。
type ListParams struct {
	Level     string
	Logger    string
	Source    string
	Component string
	RequestID string
	JobID     string
	EventType string
	Keyword   string
	Limit     int
}

// List 查询系统日志 (支持全部字段过滤)。
func (s *SystemLogStore) List(ctx context.Context, p ListParams) ([]SystemLog, error) {
	q := NewQueryBuilder().
		Eq("level", p.Level).
		Eq("logger", p.Logger).
		Eq("source", p.Source).
		Eq("component", p.Component).
		Eq("request_id", p.RequestID).
		Eq("job_id", p.JobID).
		Eq("event_type", p.EventType).
		KeywordLike(p.Keyword, "level", "logger", "message", "raw", "component")
	sql, params := q.Build("SELECT "+sysLogCols+" FROM system_logs", "ts DESC, id DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[SystemLog](rows)
}

// ListFilterValues 返回去重筛选值。
func (s *SystemLogStore) ListFilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "system_logs", "level", "logger", "source", "component", "event_type")
}

// Cleanup 删除超过 retentionDays 天的系统日志，返回删除行数。
func (s *SystemLogStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM system_logs WHERE ts < NOW() - ($1 || ' days')::INTERVAL`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
