// bus.go — 推送事件总线 (本地扇出 + 可选 Redis 跨副本桥接)。
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixelmuse/go-studio/internal/metrics"
	"github.com/pixelmuse/go-studio/pkg/logger"
	"github.com/pixelmuse/go-studio/pkg/util"
)

// Event 总线事件。RequestID 供 WS 订阅方按请求过滤，可为空 (全局事件)。
type Event struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// 事件类型。生成类事件沿用上游推送的线上词汇，/stream 的下游订阅方
// (含 stream.Mux 客户端) 可用同一套归一化逻辑解析。
const (
	// 生成生命周期
	EventGenerationProgress = "generation-progress"
	EventGenerationComplete = "generation-complete"
	EventGenerationError    = "generation-error"

	// 信息流
	EventEntryCreated = "entry_created"
	EventFeedRefresh  = "feed_refresh"
)

// EventBus 事件总线。配置了 Redis 客户端时，事件经 PUBLISH 走频道再回流
// 本地广播，多副本网关共享同一事件流且本副本不重复投递；未配置时纯本地扇出。
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	client  redis.UniversalClient
	channel string
	cancel  context.CancelFunc
}

// NewEventBus 创建事件总线。client 为 nil 时仅本地扇出。
func NewEventBus(client redis.UniversalClient, channel string) *EventBus {
	b := &EventBus{
		subs:    make(map[string]chan Event),
		client:  client,
		channel: channel,
	}
	if client != nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		util.SafeGo(func() { b.observeRedis(ctx) })
	}
	return b
}

// Publish 广播事件。Redis 模式下经频道回流，失败时退化为本地直投。
func (b *EventBus) Publish(ctx context.Context, evt Event) {
	if b.client == nil {
		b.broadcast(evt)
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Warn("bus: marshal event failed", logger.FieldError, err, logger.FieldEventType, evt.Type)
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		logger.Warn("bus: redis publish failed, delivering locally",
			logger.FieldError, err, logger.FieldChannel, b.channel)
		b.broadcast(evt)
	}
}

// PublishSweep 实现 monitor.EventPublisher: 巡检清扫后通知仪表盘刷新。
func (b *EventBus) PublishSweep(swept int64, inflight int) {
	b.Publish(context.Background(), Event{
		Type: EventFeedRefresh,
		Data: map[string]any{"swept": swept, "inflight": inflight},
	})
}

// Subscribe 注册订阅方，返回其事件通道。
func (b *EventBus) Subscribe(id string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.subs[id] = ch
	metrics.AddBusSubscriber(1)
	return ch
}

// Unsubscribe 移除订阅方。
//
// 不关闭 ch — 推送 handler 通过 ctx.Done() 退出, GC 回收未引用的 channel。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	if _, ok := b.subs[id]; ok {
		delete(b.subs, id)
		metrics.AddBusSubscriber(-1)
	}
	b.mu.Unlock()
}

// Close 停止 Redis 回流循环。已注册订阅方不受影响。
func (b *EventBus) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

// SubscriberCount 当前订阅方数量。
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// 满缓冲直接丢弃, 慢订阅方不拖垮其他连接
			logger.Warn("bus: event dropped, subscriber backlog full",
				logger.FieldSubscriber, id, logger.FieldEventType, evt.Type)
		}
	}
}

func (b *EventBus) observeRedis(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	logger.Info("bus: redis bridge attached", logger.FieldChannel, b.channel)
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("bus: redis receive failed, retrying", logger.FieldError, err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			logger.Warn("bus: invalid event payload", logger.FieldError, err)
			continue
		}
		b.broadcast(evt)
	}
}
