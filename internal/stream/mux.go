// mux.go — 共享推送连接的多路复用: 订阅管理、读循环、断线重连。
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pixelmuse/go-studio/internal/genevent"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
	"github.com/pixelmuse/go-studio/pkg/logger"
	"github.com/pixelmuse/go-studio/pkg/util"
)

// Mux 把一条推送连接复用给多个 requestId 订阅方。
//
// 生命周期: 首个 Subscribe 建立连接，最后一个退订或 Disconnect()
// 拆除连接。拆除后再次 Subscribe 会重新建立。
type Mux struct {
	dialer      Dialer
	clock       Clock
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
	dialTimeout time.Duration

	mu    sync.Mutex
	subs  map[string]*subscriber
	sess  *session
	state State
}

type subscriber struct {
	h Handlers
}

// session 一次连接会话。Mux 拆旧建新时整体替换，
// 旧会话的读循环通过指针比对发现自己已被撤销。
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   Conn
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel}
}

func (s *session) current() Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// setConn 替换会话连接，关闭旧连接。
func (s *session) setConn(c Conn) {
	s.connMu.Lock()
	prev := s.conn
	s.conn = c
	s.connMu.Unlock()
	if prev != nil && prev != c {
		_ = prev.Close()
	}
}

// teardown 撤销会话: 取消 ctx 并关闭连接，令阻塞中的 ReadMessage 立即返回。
func (s *session) teardown() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

// New 创建 Mux。不拨号，连接建立推迟到首个 Subscribe。
func New(dialer Dialer, opts ...Option) *Mux {
	m := &Mux{
		dialer:      dialer,
		clock:       realClock{},
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		maxAttempts: defaultMaxAttempts,
		dialTimeout: defaultDialTimeout,
		subs:        make(map[string]*subscriber),
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State 返回当前连接状态。
func (m *Mux) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe 注册 requestID 的事件回调，返回退订函数。
//
// 首个订阅方触发连接建立。同一 requestID 重复订阅时后者替换前者。
// 退订函数幂等; 最后一个订阅方退订即拆除连接。
func (m *Mux) Subscribe(requestID string, h Handlers) (func(), error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Mux.Subscribe", "empty request id")
	}

	sub := &subscriber{h: h}

	m.mu.Lock()
	m.subs[requestID] = sub
	if m.sess == nil {
		s := newSession()
		m.sess = s
		m.state = StateConnecting
		util.SafeGo(func() { m.run(s) })
	}
	m.mu.Unlock()

	logger.Debug("stream: subscribed", logger.FieldRequestID, requestID)
	return func() { m.unsubscribe(requestID, sub) }, nil
}

func (m *Mux) unsubscribe(requestID string, sub *subscriber) {
	m.mu.Lock()
	cur, ok := m.subs[requestID]
	if !ok || cur != sub {
		// 已退订，或该 id 已被新订阅替换
		m.mu.Unlock()
		return
	}
	delete(m.subs, requestID)

	var s *session
	if len(m.subs) == 0 && m.sess != nil {
		s = m.sess
		m.sess = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if s != nil {
		s.teardown()
		logger.Info("stream: last subscriber gone, connection closed",
			logger.FieldRequestID, requestID)
	} else {
		logger.Debug("stream: unsubscribed", logger.FieldRequestID, requestID)
	}
}

// Disconnect 主动拆除连接并清空全部订阅。不触发重连，也不触发 OnDisconnect。
func (m *Mux) Disconnect() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.subs = make(map[string]*subscriber)
	m.state = StateDisconnected
	m.mu.Unlock()

	if s != nil {
		s.teardown()
		logger.Info("stream: disconnected by caller")
	}
}

// ========================================
// 读循环与重连
// ========================================

func (m *Mux) run(s *session) {
	defer s.teardown()

	if !m.establish(s, nil, true) {
		return
	}

	for {
		conn := s.current()
		if conn == nil {
			return
		}
		raw, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				// 主动拆除: 不重连不通知
				return
			}
			logger.Warn("stream: read failed", logger.FieldError, err)
			m.transitionIf(s, StateConnecting)
			if !m.establish(s, err, false) {
				return
			}
			continue
		}
		m.dispatch(raw)
	}
}

// establish 拨号直至成功。initial 时先立即拨一次，之后按指数退避
// 重试至多 maxAttempts 次。成功返回 true; 会话被撤销或重连耗尽返回 false，
// 耗尽时负责通知订阅方。
func (m *Mux) establish(s *session, lastErr error, initial bool) bool {
	if initial {
		if m.dialInto(s) {
			return true
		}
		if s.ctx.Err() != nil {
			return false
		}
	}

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if !m.sleep(s.ctx, Delay(m.backoffBase, m.backoffMax, attempt)) {
			return false
		}
		if m.dialInto(s) {
			logger.Info("stream: reconnected", logger.FieldAttempt, attempt+1)
			return true
		}
		if s.ctx.Err() != nil {
			return false
		}
		logger.Warn("stream: reconnect attempt failed",
			logger.FieldAttempt, attempt+1,
			logger.FieldMax, m.maxAttempts)
	}

	m.exhausted(s, lastErr)
	return false
}

// dialInto 单次拨号，成功则装入会话并置为 connected。
func (m *Mux) dialInto(s *session) bool {
	ctx, cancel := context.WithTimeout(s.ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, m.trackedIDs())
	if err != nil {
		return false
	}
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	s.setConn(conn)
	m.transitionIf(s, StateConnected)
	return true
}

// sleep 按注入时钟等待 d，会话撤销时提前返回 false。
func (m *Mux) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-m.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// exhausted 重连耗尽: 置 error 态，清空订阅并逐一触发 OnDisconnect。
func (m *Mux) exhausted(s *session, lastErr error) {
	m.mu.Lock()
	if m.sess != s {
		// 会话已被拆除或替换, 轮不到这里收尾
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.state = StateError
	subs := m.subs
	m.subs = make(map[string]*subscriber)
	m.mu.Unlock()

	logger.Warn("stream: reconnect exhausted",
		logger.FieldMax, m.maxAttempts,
		logger.FieldCount, len(subs),
		logger.FieldError, lastErr)

	for _, sub := range subs {
		if sub.h.OnDisconnect != nil {
			sub.h.OnDisconnect()
		}
	}
}

// transitionIf 仅当会话仍是当前会话时变更状态，避免旧会话覆盖新状态。
func (m *Mux) transitionIf(s *session, st State) {
	m.mu.Lock()
	if m.sess == s {
		m.state = st
	}
	m.mu.Unlock()
}

// trackedIDs 返回当前订阅的 requestId 快照。
func (m *Mux) trackedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	return ids
}

// dispatch 归一化并按订阅表路由一条事件。
func (m *Mux) dispatch(raw []byte) {
	ev := genevent.Normalize(raw)
	if ev == nil {
		logger.Warn("stream: unrecognized event payload dropped",
			logger.FieldLen, len(raw))
		return
	}

	m.mu.Lock()
	sub, ok := m.subs[ev.RequestID]
	m.mu.Unlock()
	if !ok {
		// 迟到事件 (已退订) 或从未订阅过的 id
		logger.Debug("stream: event for untracked request dropped",
			logger.FieldRequestID, ev.RequestID,
			logger.FieldStatus, string(ev.Status))
		return
	}

	switch ev.Status {
	case genevent.StatusProgress:
		if sub.h.OnProgress != nil {
			sub.h.OnProgress(*ev)
		}
	case genevent.StatusOK:
		if sub.h.OnSuccess != nil {
			sub.h.OnSuccess(*ev)
		}
	case genevent.StatusError:
		if sub.h.OnError != nil {
			sub.h.OnError(*ev)
		}
	}
}
