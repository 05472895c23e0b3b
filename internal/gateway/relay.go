// relay.go — 上游生成事件到信息流存储与总线的中继。
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pixelmuse/go-studio/internal/genevent"
	"github.com/pixelmuse/go-studio/internal/metrics"
	"github.com/pixelmuse/go-studio/internal/stream"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
	"github.com/pixelmuse/go-studio/pkg/logger"
)

// 事件回调里访存的兜底超时。回调跑在推流读取 goroutine 上, 不能无限阻塞。
const relayStoreTimeout = 5 * time.Second

// feedUpdater 中继需要的信息流写口径 (store.FeedEntryStore 的子集)。
type feedUpdater interface {
	SetImages(ctx context.Context, requestID string, urls []string) (int64, error)
	MarkFailed(ctx context.Context, requestID, message string) (int64, error)
	SetProgress(ctx context.Context, requestID string, progress float64) (int64, error)
}

// streamSubscriber 推流订阅口径 (stream.Mux 的子集)。
type streamSubscriber interface {
	Subscribe(requestID string, h stream.Handlers) (func(), error)
}

// pollStarter 轮询兜底工厂: 启动对 jobID 的状态轮询并返回停止函数。
// nil 表示不启用兜底, 推流耗尽即判定任务失联。
type pollStarter func(jobID string, h stream.Handlers) (stop func())

// Relay 追踪在途生成任务: 订阅上游推流, 进度与终态写回信息流存储,
// 同时转发到事件总线供仪表盘消费。推流耗尽时切换到轮询兜底。
type Relay struct {
	subs streamSubscriber
	feed feedUpdater
	bus  *EventBus
	poll pollStarter

	mu      sync.Mutex
	closed  bool
	tracked map[string]*relayJob
}

// NewRelay 创建中继。poll 传 nil 时关闭轮询兜底。
func NewRelay(subs streamSubscriber, feed feedUpdater, bus *EventBus, poll pollStarter) *Relay {
	return &Relay{
		subs:    subs,
		feed:    feed,
		bus:     bus,
		poll:    poll,
		tracked: make(map[string]*relayJob),
	}
}

// Track 开始追踪一个请求。同一请求重复 Track 幂等。
//
// 订阅失败时任务不入追踪表, 客户端仍可自行轮询 /status/{jobId}。
func (r *Relay) Track(requestID string) error {
	const op = "Relay.Track"
	if requestID == "" {
		return apperrors.New(op, "empty request id")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperrors.New(op, "relay closed")
	}
	if _, ok := r.tracked[requestID]; ok {
		r.mu.Unlock()
		return nil
	}
	job := &relayJob{startedAt: time.Now()}
	r.tracked[requestID] = job
	n := len(r.tracked)
	r.mu.Unlock()
	metrics.SetInFlight(n)

	unsub, err := r.subs.Subscribe(requestID, r.handlers(requestID, job))
	if err != nil {
		r.drop(requestID)
		return apperrors.Wrap(err, op, "subscribe upstream stream")
	}
	job.arm(unsub)
	logger.Infow("relay: tracking generation", logger.FieldRequestID, requestID)
	return nil
}

// InFlight 当前追踪中的请求数。
func (r *Relay) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Close 停止全部追踪并拒绝后续 Track。
//
// 不对账不发事件: 在途条目保持 thinking, 由重启后的恢复流程或
// 过期清扫接手。
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	jobs := make([]*relayJob, 0, len(r.tracked))
	for _, job := range r.tracked {
		jobs = append(jobs, job)
	}
	r.tracked = make(map[string]*relayJob)
	r.mu.Unlock()

	for _, job := range jobs {
		job.finish()
	}
	metrics.SetInFlight(0)
}

// ========================================
// 事件回调
// ========================================

// handlers 构造单个请求的事件回调组。推流与轮询兜底共用同一组:
// 轮询器从不触发 OnDisconnect, 不会二次切换。
func (r *Relay) handlers(requestID string, job *relayJob) stream.Handlers {
	return stream.Handlers{
		OnProgress: func(ev genevent.StatusEvent) {
			metrics.ObserveStreamEvent("progress")
			r.relayProgress(requestID, ev)
		},
		OnSuccess: func(ev genevent.StatusEvent) {
			metrics.ObserveStreamEvent("success")
			if !job.finish() {
				return
			}
			r.completeJob(requestID, job, ev)
		},
		OnError: func(ev genevent.StatusEvent) {
			metrics.ObserveStreamEvent("error")
			if !job.finish() {
				return
			}
			r.failJob(requestID, job, ev.Message, "error")
		},
		OnDisconnect: func() {
			r.onStreamLost(requestID, job)
		},
	}
}

// relayProgress 进度事件: 存储就地更新 + 总线转发。非终态, 不退订。
func (r *Relay) relayProgress(requestID string, ev genevent.StatusEvent) {
	ctx, cancel := storeCtx()
	defer cancel()

	data := map[string]any{}
	if ev.Progress != nil {
		data["progress"] = *ev.Progress
		if _, err := r.feed.SetProgress(ctx, requestID, *ev.Progress); err != nil {
			logger.Warnw("relay: persist progress failed",
				logger.FieldRequestID, requestID, logger.FieldError, err)
		}
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	r.bus.Publish(ctx, Event{Type: EventGenerationProgress, RequestID: requestID, Data: data})
}

// completeJob 首个成功终态: 成品图写回信息流, 广播完成事件。
func (r *Relay) completeJob(requestID string, job *relayJob, ev genevent.StatusEvent) {
	urls := make([]string, 0, len(ev.Images))
	for _, img := range ev.Images {
		urls = append(urls, img.URL)
	}

	ctx, cancel := storeCtx()
	defer cancel()
	rows, err := r.feed.SetImages(ctx, requestID, urls)
	if err != nil {
		logger.Errorw("relay: persist completion failed",
			logger.FieldRequestID, requestID, logger.FieldError, err)
	} else if rows == 0 {
		// 条目已非 thinking: 迟到的重复终态, 存储侧已对账过
		logger.Debugw("relay: completion already reconciled", logger.FieldRequestID, requestID)
	}

	r.bus.Publish(ctx, Event{
		Type:      EventGenerationComplete,
		RequestID: requestID,
		Data:      map[string]any{"images": urls},
	})
	metrics.ObserveGenerationDone("complete", time.Since(job.startedAt))
	r.drop(requestID)
	logger.Infow("relay: generation complete",
		logger.FieldRequestID, requestID, logger.FieldCount, len(urls))
}

// failJob 首个失败终态: 条目置错误并附失败文案, 广播错误事件。
func (r *Relay) failJob(requestID string, job *relayJob, msg, outcome string) {
	if msg == "" {
		msg = "generation failed"
	}

	ctx, cancel := storeCtx()
	defer cancel()
	if _, err := r.feed.MarkFailed(ctx, requestID, msg); err != nil {
		logger.Errorw("relay: persist failure failed",
			logger.FieldRequestID, requestID, logger.FieldError, err)
	}

	r.bus.Publish(ctx, Event{
		Type:      EventGenerationError,
		RequestID: requestID,
		Data:      map[string]any{"message": msg},
	})
	metrics.ObserveGenerationDone(outcome, time.Since(job.startedAt))
	r.drop(requestID)
	logger.Warnw("relay: generation failed",
		logger.FieldRequestID, requestID, "reason", msg)
}

// onStreamLost 推流耗尽。配置了轮询兜底时把订阅切换到轮询器,
// 任务继续追踪; 否则判定失联并走失败对账。
func (r *Relay) onStreamLost(requestID string, job *relayJob) {
	if job.isDone() {
		return
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	if r.poll != nil {
		logger.Warnw("relay: stream lost, switching to polling",
			logger.FieldRequestID, requestID)
		job.swap(r.poll(requestID, r.handlers(requestID, job)))
		return
	}

	if !job.finish() {
		return
	}
	r.failJob(requestID, job, "event stream lost", "lost")
}

func (r *Relay) drop(requestID string) {
	r.mu.Lock()
	delete(r.tracked, requestID)
	n := len(r.tracked)
	r.mu.Unlock()
	metrics.SetInFlight(n)
}

func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), relayStoreTimeout)
}

// ========================================
// relayJob — 终态去重与订阅释放
// ========================================

// relayJob 单个在途任务的订阅句柄。终态只放行一次, 放行后立即释放
// 订阅; 释放函数尚未就绪时延后到 arm 执行。swap 支持推流到轮询的
// 订阅切换。
type relayJob struct {
	mu        sync.Mutex
	done      bool
	release   func()
	startedAt time.Time
}

// finish 终态到达。返回 true 表示首个终态, 由调用方执行对账。
func (j *relayJob) finish() bool {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return false
	}
	j.done = true
	release := j.release
	j.mu.Unlock()
	if release != nil {
		release()
	}
	return true
}

// arm 装入释放函数。终态已先一步到达时就地释放。
func (j *relayJob) arm(release func()) {
	j.mu.Lock()
	j.release = release
	done := j.done
	j.mu.Unlock()
	if done {
		release()
	}
}

// swap 替换释放函数并释放旧订阅。终态已到达时新订阅就地释放。
func (j *relayJob) swap(release func()) {
	j.mu.Lock()
	old := j.release
	j.release = release
	done := j.done
	j.mu.Unlock()
	if old != nil {
		old()
	}
	if done {
		release()
	}
}

func (j *relayJob) isDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}
