// await.go — 阻塞等待条目终态, 终态归类到错误哨兵。
//
// 事件回调面向 UI 状态, 不返回 error; 需要同步拿结果的调用方
// (CLI、集成测试) 从这里拿归好类的错误。
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/pixelmuse/go-studio/internal/stream"
	"github.com/pixelmuse/go-studio/internal/timeline"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
)

// streamLostMessage 推送重连耗尽后写入条目的失败文案。
// WaitTerminal 按它把连接丢失与任务失败区分开。
const streamLostMessage = "event stream lost"

const defaultWaitInterval = 250 * time.Millisecond

// WaitOptions 配置 WaitTerminal。零值取默认。
type WaitOptions struct {
	Interval   time.Duration     // 本地检查间隔, 默认 250ms
	Clock      stream.Clock      // 注入时钟, 默认真实时钟
	OnProgress func(pct float64) // 进度变化回调, 可空; 按采样观察
}

// WaitTerminal 阻塞直到条目进入终态, 返回终态条目。
//
// error 终态按失败文案归类: 连接丢失 → ErrConnectionLost, 其余
// → ErrJobFailed (文案随错误带出)。上下文到期 → ErrTimeout,
// 条目不存在或中途被移除 → ErrNotFound。
func WaitTerminal(ctx context.Context, tl *timeline.Store, entryID string, opt WaitOptions) (*timeline.Entry, error) {
	const op = "orchestrator.WaitTerminal"

	interval := opt.Interval
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	clock := opt.Clock
	if clock == nil {
		clock = stream.RealClock()
	}

	lastProgress := -1.0
	for {
		e, ok := tl.Get(entryID)
		if !ok {
			return nil, apperrors.Wrapf(apperrors.ErrNotFound, op, "entry %s", entryID)
		}
		if opt.OnProgress != nil && e.Progress != nil && *e.Progress != lastProgress {
			lastProgress = *e.Progress
			opt.OnProgress(*e.Progress)
		}
		switch e.Status {
		case timeline.StatusComplete:
			return &e, nil
		case timeline.StatusError:
			if e.Message == streamLostMessage {
				return nil, apperrors.Wrap(apperrors.ErrConnectionLost, op, e.Message)
			}
			return nil, apperrors.Wrap(apperrors.ErrJobFailed, op, e.Message)
		}

		select {
		case <-clock.After(interval):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, apperrors.Wrap(apperrors.ErrTimeout, op, "no terminal state before deadline")
			}
			return nil, apperrors.Wrap(ctx.Err(), op, "wait interrupted")
		}
	}
}
