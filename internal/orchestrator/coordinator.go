// coordinator.go — 生成请求编排: 乐观条目、占位对账与订阅生命周期。
//
// Submit 先把乐观 UI 状态同步落地再发网络请求, 终态事件到达后把
// 占位对账成真实结果。每个请求至多对账一次, 重连后的重复投递与
// 迟到事件都不会二次改写状态。
package orchestrator

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pixelmuse/go-studio/internal/gallery"
	"github.com/pixelmuse/go-studio/internal/genapi"
	"github.com/pixelmuse/go-studio/internal/genevent"
	"github.com/pixelmuse/go-studio/internal/stream"
	"github.com/pixelmuse/go-studio/internal/timeline"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
	"github.com/pixelmuse/go-studio/pkg/logger"
)

// SubmitAPI 提交生成任务的上游接口 (genapi.Client 实现)。
type SubmitAPI interface {
	SubmitGeneration(ctx context.Context, req genapi.SubmitRequest) (*genapi.SubmitResponse, error)
}

// Streams 推流订阅接口 (stream.Mux 实现)。
type Streams interface {
	Subscribe(requestID string, h stream.Handlers) (func(), error)
}

// Poller 轮询回退的最小接口 (poll.Watcher 实现)。
type Poller interface {
	Start(ctx context.Context) (stop func())
}

// PollerFactory 按任务 id 构造轮询器。
type PollerFactory func(jobID string, h stream.Handlers) Poller

// AlbumProvider 返回当前相册 id, 请求未指定相册时兜底。
type AlbumProvider func() string

// Deps Coordinator 依赖集合。API / Timeline / Gallery 必填,
// Streams 与 Pollers 按使用的追踪方式至少配一个, 其余为空取默认。
type Deps struct {
	API      SubmitAPI
	Timeline *timeline.Store
	Gallery  *gallery.Gallery
	Streams  Streams
	Pollers  PollerFactory
	Albums   AlbumProvider
	Resolve  PreferenceResolver
	Clock    stream.Clock
	IDGen    func() string
}

// Coordinator 生成请求编排器。可多实例, 实例间互不共享状态。
type Coordinator struct {
	api      SubmitAPI
	timeline *timeline.Store
	gallery  *gallery.Gallery
	streams  Streams
	pollers  PollerFactory
	albums   AlbumProvider
	resolve  PreferenceResolver
	clock    stream.Clock
	idgen    func() string
}

// New 创建编排器并填充默认依赖。
func New(d Deps) *Coordinator {
	if d.Resolve == nil {
		d.Resolve = ResolvePreferences
	}
	if d.Clock == nil {
		d.Clock = stream.RealClock()
	}
	if d.IDGen == nil {
		d.IDGen = uuid.NewString
	}
	return &Coordinator{
		api:      d.API,
		timeline: d.Timeline,
		gallery:  d.Gallery,
		streams:  d.Streams,
		pollers:  d.Pollers,
		albums:   d.Albums,
		resolve:  d.Resolve,
		clock:    d.Clock,
		idgen:    d.IDGen,
	}
}

// SubmitRequest 一次生成提交。
type SubmitRequest struct {
	Prompt      string
	InputImages []string
	Prefs       Preferences
	AlbumID     string // 为空时取 AlbumProvider
	ViaPolling  bool   // 走轮询回退而非推流
}

// Result 提交结果。
type Result struct {
	RequestID      string
	EntryID        string
	PlaceholderIDs []string
	AlbumName      string
	SystemMessage  string
}

// Submit 提交生成请求。
//
// 乐观用户条目与 N 个渲染占位在任何网络调用之前同步落地。
// 传输层失败时同步撤下占位, 条目原位替换为错误条目并保留原始
// 提示词与参考图 (重试数据), 返回 (nil, err)。
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	const op = "Coordinator.Submit"

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" && len(req.InputImages) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "prompt and input images both empty")
	}

	resolved := c.resolve(req.Prefs)
	albumID := strings.TrimSpace(req.AlbumID)
	if albumID == "" && c.albums != nil {
		albumID = c.albums()
	}

	// 乐观状态: 占位先用条目 id 当批次键登记, 提交成功后换绑 requestId
	entryID := c.idgen()
	c.timeline.Insert(timeline.Entry{
		ID:     entryID,
		Kind:   timeline.KindUser,
		Status: timeline.StatusThinking,
		Text:   prompt,
		Images: req.InputImages,
		Ts:     c.clock.Now(),
	})
	placeholders := c.gallery.AddPlaceholders(entryID, resolved.NumImages)
	phIDs := make([]string, len(placeholders))
	for i, ph := range placeholders {
		phIDs[i] = ph.ID
	}

	resp, err := c.api.SubmitGeneration(ctx, genapi.SubmitRequest{
		Prompt:          prompt,
		InputImages:     req.InputImages,
		NumImages:       resolved.NumImages,
		AspectRatio:     resolved.AspectRatio,
		AlbumID:         albumID,
		StyleTemplateID: resolved.StyleTemplateID,
	})
	if err != nil {
		c.rollbackSubmit(entryID, prompt, req.InputImages, "generation request failed")
		logger.Warnw("coordinator: submission transport failure",
			logger.FieldEntryID, entryID, logger.FieldError, err)
		return nil, apperrors.Wrap(err, op, "submit generation")
	}

	requestID := resp.RequestID
	c.gallery.Rekey(entryID, requestID)
	c.timeline.Update(entryID, func(e *timeline.Entry) { e.RequestID = requestID })

	if resp.SystemMessage != "" {
		c.timeline.Insert(timeline.Entry{
			ID:     c.idgen(),
			Kind:   timeline.KindSystem,
			Status: timeline.StatusComplete,
			Text:   resp.SystemMessage,
			Ts:     c.clock.Now(),
		})
	}

	if err := c.track(ctx, requestID, entryID, req.ViaPolling); err != nil {
		// 任务已提交但追踪挂不上, 迟到事件会被正常丢弃
		c.gallery.RemovePlaceholders(requestID)
		c.timeline.Update(entryID, func(e *timeline.Entry) {
			e.Status = timeline.StatusError
			e.Message = "generation submitted but tracking failed"
		})
		logger.Errorw("coordinator: tracking attach failed",
			logger.FieldRequestID, requestID, logger.FieldError, err)
		return nil, apperrors.Wrap(err, op, "attach tracking")
	}

	logger.Infow("coordinator: generation submitted",
		logger.FieldRequestID, requestID,
		logger.FieldEntryID, entryID,
		logger.FieldCount, resolved.NumImages,
	)
	return &Result{
		RequestID:      requestID,
		EntryID:        entryID,
		PlaceholderIDs: phIDs,
		AlbumName:      resp.AlbumName,
		SystemMessage:  resp.SystemMessage,
	}, nil
}

// rollbackSubmit 传输层失败的同步回滚: 撤占位, 条目原位替换为
// 错误条目。错误条目沿用同一 id, 原始输入全部保留。
func (c *Coordinator) rollbackSubmit(entryID, prompt string, inputImages []string, msg string) {
	c.gallery.RemovePlaceholders(entryID)
	c.timeline.Insert(timeline.Entry{
		ID:      entryID,
		Kind:    timeline.KindError,
		Status:  timeline.StatusError,
		Text:    prompt,
		Images:  inputImages,
		Message: msg,
		Ts:      c.clock.Now(),
	})
}

// ========================================
// 事件追踪与对账
// ========================================

// track 附加事件订阅 (推流或轮询)。终态只放行一次。
func (c *Coordinator) track(ctx context.Context, requestID, entryID string, viaPolling bool) error {
	const op = "Coordinator.track"

	t := &tracker{}
	h := stream.Handlers{
		OnProgress: func(ev genevent.StatusEvent) {
			if ev.Progress == nil {
				return
			}
			c.timeline.Update(entryID, func(e *timeline.Entry) { e.Progress = ev.Progress })
		},
		OnSuccess: func(ev genevent.StatusEvent) {
			if !t.finish() {
				return
			}
			c.reconcileSuccess(requestID, entryID, ev)
		},
		OnError: func(ev genevent.StatusEvent) {
			if !t.finish() {
				return
			}
			c.reconcileFailure(requestID, entryID, ev.Message)
		},
		OnDisconnect: func() {
			if !t.finish() {
				return
			}
			c.reconcileFailure(requestID, entryID, streamLostMessage)
		},
	}

	if viaPolling {
		if c.pollers == nil {
			return apperrors.New(op, "no poller factory configured")
		}
		// 轮询寿命不跟随请求上下文, 由终态或 maxAttempts 终止
		stop := c.pollers(requestID, h).Start(context.WithoutCancel(ctx))
		t.arm(stop)
		return nil
	}

	if c.streams == nil {
		return apperrors.New(op, "no stream configured")
	}
	unsub, err := c.streams.Subscribe(requestID, h)
	if err != nil {
		return err
	}
	t.arm(unsub)
	return nil
}

// reconcileSuccess 占位按位替换为成品, 条目置完成。
func (c *Coordinator) reconcileSuccess(requestID, entryID string, ev genevent.StatusEvent) {
	urls := make([]string, 0, len(ev.Images))
	for _, img := range ev.Images {
		urls = append(urls, img.URL)
	}
	completed, removed := c.gallery.ReplaceByPosition(requestID, urls)
	c.timeline.Update(entryID, func(e *timeline.Entry) {
		e.Status = timeline.StatusComplete
		e.Progress = nil
	})
	logger.Infow("coordinator: generation complete",
		logger.FieldRequestID, requestID, logger.FieldCount, completed)
	if removed > 0 {
		logger.Warnw("coordinator: fewer images than placeholders",
			logger.FieldRequestID, requestID, logger.FieldCount, removed)
	}
}

// reconcileFailure 任务级失败: 撤下剩余占位, 条目状态置错误并
// 附失败文案。条目类别不变, 原始输入保留。
func (c *Coordinator) reconcileFailure(requestID, entryID, msg string) {
	removed := c.gallery.RemovePlaceholders(requestID)
	if msg == "" {
		msg = "generation failed"
	}
	c.timeline.Update(entryID, func(e *timeline.Entry) {
		e.Status = timeline.StatusError
		e.Message = msg
		e.Progress = nil
	})
	logger.Warnw("coordinator: generation failed",
		logger.FieldRequestID, requestID, "reason", msg, logger.FieldCount, removed)
}

// ========================================
// tracker — 终态去重与退订
// ========================================

// tracker 单个请求的订阅句柄。终态只放行一次, 放行后立即退订,
// 退订函数尚未就绪时 (订阅注册与事件投递竞争) 延后到 arm 执行。
type tracker struct {
	mu      sync.Mutex
	done    bool
	release func()
}

// finish 终态到达。返回 true 表示首个终态, 由调用方执行对账。
func (t *tracker) finish() bool {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return false
	}
	t.done = true
	release := t.release
	t.mu.Unlock()
	if release != nil {
		release()
	}
	return true
}

// arm 装入退订/停止函数。终态已先一步到达时就地退订。
func (t *tracker) arm(release func()) {
	t.mu.Lock()
	t.release = release
	done := t.done
	t.mu.Unlock()
	if done {
		release()
	}
}
