// feed_entry.go — Feed 条目 CRUD (时间线持久化 + 游标分页)。
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FeedEntryStore Feed 条目存储。
type FeedEntryStore struct{ BaseStore }

// NewFeedEntryStore 创建 Feed 条目存储。
func NewFeedEntryStore(pool *pgxpool.Pool) *FeedEntryStore {
	return &FeedEntryStore{NewBaseStore(pool)}
}

const feedCols = `seq, id, kind, status, request_id, album_id,
	text, message, images, progress, ts`

// Insert 写入条目。同 id 重复写入为就地覆盖，行号不变，
// 与客户端时间线的同 id 替换语义保持一致。
func (s *FeedEntryStore) Insert(ctx context.Context, e FeedEntry) error {
	imgJSON := mustMarshalJSON(e.Images)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feed_entries
			(id, kind, status, request_id, album_id, text, message, images, progress, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			request_id = EXCLUDED.request_id,
			album_id = EXCLUDED.album_id,
			text = EXCLUDED.text,
			message = EXCLUDED.message,
			images = EXCLUDED.images,
			progress = EXCLUDED.progress,
			ts = EXCLUDED.ts`,
		e.ID, e.Kind, e.Status, e.RequestID, e.AlbumID,
		e.Text, e.Message, string(imgJSON), e.Progress, e.Ts)
	return err
}

// FeedListParams Feed 查询参数。Before 为条目 id 游标，
// 返回比该条目更早的行 (最新在前)。
type FeedListParams struct {
	AlbumID   string
	RequestID string
	Kind      string
	Keyword   string
	Before    string
	Limit     int
}

// List 查询 Feed 条目，最新在前。未知游标返回空页，
// 客户端按短页停止继续加载。
func (s *FeedEntryStore) List(ctx context.Context, p FeedListParams) ([]FeedEntry, error) {
	q := NewQueryBuilder().
		Eq("album_id", p.AlbumID).
		Eq("request_id", p.RequestID).
		Eq("kind", p.Kind).
		KeywordLike(p.Keyword, "text", "message")
	if p.Before != "" {
		seq, ok, err := s.seqOf(ctx, p.Before)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []FeedEntry{}, nil
		}
		q.LtInt64("seq", seq)
	}
	sql, params := q.Build("SELECT "+feedCols+" FROM feed_entries", "seq DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[FeedEntry](rows)
}

// Get 按 id 查询单条，不存在返回 nil。
func (s *FeedEntryStore) Get(ctx context.Context, id string) (*FeedEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+feedCols+" FROM feed_entries WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	return collectOne[FeedEntry](rows)
}

// SetImages 任务成功后写入成片并标记完成。按 request_id 命中在途条目，
// 返回更新行数 (0 表示该请求没有在途条目，事件视为迟到重复)。
func (s *FeedEntryStore) SetImages(ctx context.Context, requestID string, urls []string) (int64, error) {
	imgJSON := mustMarshalJSON(urls)
	tag, err := s.pool.Exec(ctx,
		`UPDATE feed_entries
		 SET status = 'complete', images = $2::jsonb, progress = NULL, message = ''
		 WHERE request_id = $1 AND status = 'thinking'`,
		requestID, string(imgJSON))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkFailed 任务失败后标记错误并记录原因。只命中在途条目，
// 已终态的行不被迟到事件改写。
func (s *FeedEntryStore) MarkFailed(ctx context.Context, requestID, message string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE feed_entries
		 SET status = 'error', message = $2, progress = NULL
		 WHERE request_id = $1 AND status = 'thinking'`,
		requestID, message)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetProgress 更新在途条目进度 (0~1)。
func (s *FeedEntryStore) SetProgress(ctx context.Context, requestID string, progress float64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE feed_entries SET progress = $2 WHERE request_id = $1 AND status = 'thinking'`,
		requestID, progress)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InFlightRequestIDs 返回全部在途条目的 request_id (重启后恢复追踪用)。
func (s *FeedEntryStore) InFlightRequestIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT request_id FROM feed_entries
		 WHERE status = 'thinking' AND request_id <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailStale 把滞留超过 olderThan 的在途条目判定为追踪丢失，
// 返回改写行数。进程崩溃或事件彻底丢失时兜底，防止条目永久 thinking。
func (s *FeedEntryStore) FailStale(ctx context.Context, olderThan time.Duration, message string) (int64, error) {
	if message == "" {
		message = "generation tracking lost"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE feed_entries
		 SET status = 'error', message = $2, progress = NULL
		 WHERE status = 'thinking' AND ts < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds(), message)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListFilterValues 返回去重筛选值 (相册 + 条目类型)。
func (s *FeedEntryStore) ListFilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "feed_entries", "album_id", "kind", "status")
}

// Delete 删除单条目。
func (s *FeedEntryStore) Delete(ctx context.Context, id string) error {
	return DeleteByKey(ctx, s.pool, "feed_entries", "id", id)
}

// DeleteBatch 批量删除，返回删除行数。
func (s *FeedEntryStore) DeleteBatch(ctx context.Context, ids []string) (int64, error) {
	return DeleteBatchByKeys(ctx, s.pool, "feed_entries", "id", ids)
}

// seqOf 解析条目 id 游标为行号。未命中返回 ok=false。
func (s *FeedEntryStore) seqOf(ctx context.Context, entryID string) (int64, bool, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM feed_entries WHERE id = $1`, entryID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}
