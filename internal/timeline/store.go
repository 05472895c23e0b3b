// Package timeline 维护会话时间线: 历史分页加载 + 本地乐观条目。
//
// 条目始终按时间升序存放 (旧在前)。服务端按新到旧返回分页，
// Store 负责反转与去重，调用方只看到单调有序的列表。
package timeline

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
)

// Kind 条目类别。
type Kind string

const (
	KindUser   Kind = "user"
	KindSystem Kind = "system"
	KindError  Kind = "error"
)

// EntryStatus 条目状态。
type EntryStatus string

const (
	StatusThinking EntryStatus = "thinking"
	StatusComplete EntryStatus = "complete"
	StatusError    EntryStatus = "error"
)

// Entry 时间线条目。Text 保存用户输入或系统文案, Message 保存
// 失败原因等附加说明, 两者分开存放才能保留重试所需的原始输入。
type Entry struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	Status    EntryStatus `json:"status"`
	RequestID string      `json:"requestId,omitempty"`
	Text      string      `json:"text,omitempty"`
	Message   string      `json:"message,omitempty"`
	Images    []string    `json:"images,omitempty"`
	Progress  *float64    `json:"progress,omitempty"`
	Ts        time.Time   `json:"ts"`
}

// Fetcher 按游标取历史分页。返回新到旧排列; beforeID 为空取最新一页。
type Fetcher interface {
	Page(ctx context.Context, limit int, beforeID string) ([]Entry, error)
}

const defaultPageSize = 50

// Store 时间线存储。并发安全。
type Store struct {
	fetcher  Fetcher
	pageSize int

	mu      sync.Mutex
	entries []Entry
	loading bool // 分页请求在途
	hasMore bool // 上一页未见短页
}

// NewStore 创建时间线存储。pageSize <= 0 时用默认值。
func NewStore(fetcher Fetcher, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Store{
		fetcher:  fetcher,
		pageSize: pageSize,
		hasMore:  true,
	}
}

// FetchInitial 加载最新一页并替换当前内容。
func (s *Store) FetchInitial(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.mu.Unlock()

	page, err := s.fetcher.Page(ctx, s.pageSize, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return apperrors.Wrap(err, "Timeline.FetchInitial", "fetch latest page")
	}
	s.entries = reverseEntries(page)
	s.hasMore = len(page) == s.pageSize
	return nil
}

// LoadOlder 向前翻一页，prepend 到现有条目之前。
//
// 请求在途或上一页已短 (没有更多历史) 时为 no-op。
func (s *Store) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	beforeID := ""
	if len(s.entries) > 0 {
		beforeID = s.entries[0].ID
	}
	s.mu.Unlock()

	page, err := s.fetcher.Page(ctx, s.pageSize, beforeID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return apperrors.Wrap(err, "Timeline.LoadOlder", "fetch older page")
	}

	older := reverseEntries(page)
	// 游标重叠时跳过已存在的 id, 保持唯一性
	fresh := older[:0]
	for _, e := range older {
		if s.indexOfLocked(e.ID) < 0 {
			fresh = append(fresh, e)
		}
	}
	s.entries = append(fresh, s.entries...)
	s.hasMore = len(page) == s.pageSize
	return nil
}

// Insert 插入条目。id 已存在时原位替换，列表长度不变; 否则追加到末尾。
func (s *Store) Insert(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOfLocked(e.ID); i >= 0 {
		s.entries[i] = e
		return
	}
	s.entries = append(s.entries, e)
}

// Update 按 id 原位修改条目。找不到返回 false。
func (s *Store) Update(id string, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return false
	}
	mutate(&s.entries[i])
	return true
}

// Remove 按 id 删除条目。找不到返回 false。
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return false
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return true
}

// Get 按 id 取条目副本。
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Entries 返回全部条目的快照副本 (升序)。
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len 返回条目数。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HasMore 返回是否还有更早的历史可翻。
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Store) indexOfLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// reverseEntries 新到旧 → 旧到新。原地反转入参副本。
func reverseEntries(page []Entry) []Entry {
	out := make([]Entry, len(page))
	copy(out, page)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
