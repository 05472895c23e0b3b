// Package poll 以轮询方式跟踪生成任务状态，作为推送流不可用时的兜底。
//
// 回调面与 stream.Handlers 一致，编排器无需关心事件来自推送还是轮询。
package poll

import (
	"context"
	"time"

	"github.com/pixelmuse/go-studio/internal/genevent"
	"github.com/pixelmuse/go-studio/internal/stream"
	"github.com/pixelmuse/go-studio/pkg/logger"
	"github.com/pixelmuse/go-studio/pkg/util"
)

// StatusClient 查询单个任务的当前状态。无法识别的响应体返回 (nil, nil)。
type StatusClient interface {
	JobStatus(ctx context.Context, jobID string) (*genevent.StatusEvent, error)
}

const (
	defaultInterval    = 2 * time.Second
	defaultMaxAttempts = 60
)

// Watcher 单个任务的轮询器。一个任务一个实例，Start 后自驱直到终态、
// 超次或被 stop。
type Watcher struct {
	client      StatusClient
	jobID       string
	h           stream.Handlers
	interval    time.Duration
	maxAttempts int
	clock       stream.Clock
}

// Option 配置 Watcher。
type Option func(*Watcher)

// WithInterval 设置轮询间隔。
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithMaxAttempts 设置最大轮询次数。
func WithMaxAttempts(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithClock 注入时钟。
func WithClock(c stream.Clock) Option {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWatcher 创建轮询器。不启动，轮询从 Start 开始。
func NewWatcher(client StatusClient, jobID string, h stream.Handlers, opts ...Option) *Watcher {
	w := &Watcher{
		client:      client,
		jobID:       jobID,
		h:           h,
		interval:    defaultInterval,
		maxAttempts: defaultMaxAttempts,
		clock:       stream.RealClock(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start 启动轮询 goroutine，返回幂等的 stop 函数。
//
// 立即轮询第一次，之后每 interval 一次。单次失败只记日志不中断；
// 终态回调后自行停止; 连续 maxAttempts 次未见终态则按超时收尾。
func (w *Watcher) Start(ctx context.Context) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	util.SafeGo(func() { w.loop(runCtx) })
	return cancel
}

func (w *Watcher) loop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		ev, err := w.client.JobStatus(ctx, w.jobID)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil:
			// 单次失败不终止轮询, 只有超次才算输
			logger.Warn("poll: status request failed",
				logger.FieldJobID, w.jobID,
				logger.FieldAttempt, attempt,
				logger.FieldError, err)

		case ev == nil:
			logger.Warn("poll: unrecognized status body dropped",
				logger.FieldJobID, w.jobID,
				logger.FieldAttempt, attempt)

		case ev.Status == genevent.StatusProgress:
			if w.h.OnProgress != nil {
				w.h.OnProgress(*ev)
			}

		case ev.Status == genevent.StatusOK:
			if w.h.OnSuccess != nil {
				w.h.OnSuccess(*ev)
			}
			return

		case ev.Status == genevent.StatusError:
			if w.h.OnError != nil {
				w.h.OnError(*ev)
			}
			return
		}

		if attempt >= w.maxAttempts {
			logger.Warn("poll: attempts exhausted",
				logger.FieldJobID, w.jobID,
				logger.FieldMax, w.maxAttempts)
			if w.h.OnError != nil {
				w.h.OnError(genevent.StatusEvent{
					RequestID: w.jobID,
					Status:    genevent.StatusError,
					Message:   "generation status polling timed out",
				})
			}
			return
		}

		select {
		case <-w.clock.After(w.interval):
		case <-ctx.Done():
			return
		}
	}
}
