// Package stream 维护到生成管线的共享推送连接。
//
// 所有在途请求复用同一条连接 (Mux)，按 requestId 把事件路由给各自的
// 订阅方。连接断开时按指数退避重连，重连耗尽后逐一通知订阅方。
package stream

import (
	"context"
	"time"

	"github.com/pixelmuse/go-studio/internal/genevent"
)

// Handlers 单个订阅方的回调集合。未设置的回调按 no-op 处理。
//
// 回调在读循环 goroutine 上同步执行，不应长时间阻塞。
type Handlers struct {
	OnProgress   func(genevent.StatusEvent)
	OnSuccess    func(genevent.StatusEvent)
	OnError      func(genevent.StatusEvent)
	OnDisconnect func() // 仅在重连耗尽后触发, 每个订阅方至多一次
}

// State 连接状态机。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error" // 重连耗尽
)

// Conn 一条已建立的推送连接。ReadMessage 返回一条完整事件的原始 JSON。
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer 建立推送连接。requestIDs 为拨号时刻的在途请求集合，
// 服务端以此做可选过滤; 路由仍由 Mux 按订阅表兜底完成。
type Dialer interface {
	Dial(ctx context.Context, requestIDs []string) (Conn, error)
}

// Clock 抽象时间源，测试中注入假时钟驱动退避。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock 返回走真实时间的 Clock。
func RealClock() Clock { return realClock{} }

// 默认重连参数。
const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultMaxAttempts = 10
	defaultDialTimeout = 5 * time.Second
)

// Option 配置 Mux。
type Option func(*Mux)

// WithClock 注入时钟。
func WithClock(c Clock) Option {
	return func(m *Mux) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithBackoff 设置重连退避的基础间隔与上限。
func WithBackoff(base, max time.Duration) Option {
	return func(m *Mux) {
		if base > 0 {
			m.backoffBase = base
		}
		if max > 0 {
			m.backoffMax = max
		}
	}
}

// WithMaxAttempts 设置单次断开后的最大重连次数。
func WithMaxAttempts(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithDialTimeout 设置单次拨号超时。
func WithDialTimeout(d time.Duration) Option {
	return func(m *Mux) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}
