// Package monitor 周期巡检信息流中滞留的在途条目。
//
// 推流、轮询兜底与重启恢复都没能送达终态的条目 (事件彻底丢失、
// 追踪进程反复崩溃) 会永远停在 thinking。巡检把超时的在途条目
// 判定为追踪丢失, 信息流不留悬置占位。
package monitor

import (
	"context"
	"time"

	"github.com/pixelmuse/go-studio/pkg/logger"
	"github.com/pixelmuse/go-studio/pkg/util"
)

const (
	defaultMaxAge   = 30 * time.Minute
	defaultInterval = time.Minute
)

const sweepMessage = "generation tracking lost"

// FeedSweepStore 巡检需要的存储口径 (store.FeedEntryStore 的子集)。
type FeedSweepStore interface {
	FailStale(ctx context.Context, olderThan time.Duration, message string) (int64, error)
	InFlightRequestIDs(ctx context.Context) ([]string, error)
}

// EventPublisher 清扫结果通知口径 (解耦事件总线)。
type EventPublisher interface {
	PublishSweep(swept int64, inflight int)
}

// Sweeper 在途条目巡检器。
type Sweeper struct {
	feed     FeedSweepStore
	bus      EventPublisher
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper 创建巡检器。maxAge/interval 传零用默认值 (30m / 1m)。
// bus 可为 nil, 只清扫不通知。
func NewSweeper(feed FeedSweepStore, bus EventPublisher, maxAge, interval time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{feed: feed, bus: bus, maxAge: maxAge, interval: interval}
}

// SweepResult 单次巡检结果。
type SweepResult struct {
	OK       bool      `json:"ok"`
	Ts       time.Time `json:"ts"`
	Swept    int64     `json:"swept"`
	InFlight int       `json:"inflight"`
	Error    string    `json:"error,omitempty"`
}

// RunOnce 执行一次巡检: 清扫滞留条目并通知总线。
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	now := time.Now()

	swept, err := s.feed.FailStale(ctx, s.maxAge, sweepMessage)
	if err != nil {
		logger.Errorw("sweeper: fail stale entries failed", logger.FieldError, err)
		return &SweepResult{OK: false, Ts: now, Error: err.Error()}
	}

	ids, err := s.feed.InFlightRequestIDs(ctx)
	if err != nil {
		logger.Warnw("sweeper: count inflight failed", logger.FieldError, err)
	}

	result := &SweepResult{OK: true, Ts: now, Swept: swept, InFlight: len(ids)}
	if swept > 0 {
		logger.Warnw("sweeper: stale entries failed over",
			logger.FieldCount, swept, "inflight", len(ids))
		if s.bus != nil {
			s.bus.PublishSweep(swept, len(ids))
		}
	}
	return result
}

// Start 启动定期巡检, ctx 取消后停止。
func (s *Sweeper) Start(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	})
	logger.Infow("sweeper started",
		"interval_sec", int(s.interval.Seconds()), "max_age_min", int(s.maxAge.Minutes()))
}
