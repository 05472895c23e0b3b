// ws.go — /stream WebSocket 事件推送端点。
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pixelmuse/go-studio/pkg/logger"
	"github.com/pixelmuse/go-studio/pkg/util"
)

const (
	wsPingPeriod   = 30 * time.Second // 必须小于客户端 90s 读 idle 超时
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1024 // 单向推送端点, 客户端不发业务消息
)

// upgrader 放行全部来源: 产品面要服务远端仪表盘, 鉴权走 Bearer token
// 中间件, 跨域收口交给部署层。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamHandler GET /stream — WebSocket 事件推送。
//
// 每条 WS 消息是一个完整的 JSON 事件 (总线 Event 序列化)。可附带若干
// requestId 查询参数做订阅过滤; 不带参数则接收全部事件。
func (s *Server) streamHandler(c *gin.Context) {
	// 先计数后判限, 超限立即回退, 避免 check-then-act 竞态。
	if s.wsConns.Add(1) > int64(s.cfg.StreamMaxConns) {
		s.wsConns.Add(-1)
		logger.Warn("gateway: stream connection rejected (max reached)",
			logger.FieldMax, s.cfg.StreamMaxConns)
		plainError(c, http.StatusServiceUnavailable, "too many connections")
		return
	}
	defer s.wsConns.Add(-1)

	filter := newRequestFilter(c.QueryArray("requestId"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时 gorilla 已写出 HTTP 错误响应
		logger.Error("gateway: stream upgrade failed", logger.FieldError, err)
		return
	}
	ws.SetReadLimit(wsReadLimit)

	connID := fmt.Sprintf("ws-%d", s.nextWS.Add(1))
	logger.Info("gateway: stream client connected",
		logger.FieldConn, connID, logger.FieldRemote, c.Request.RemoteAddr)
	defer func() {
		_ = ws.Close()
		logger.Info("gateway: stream client disconnected", logger.FieldConn, connID)
	}()

	// 读循环只为感知对端关闭, 消息内容丢弃。
	done := make(chan struct{})
	util.SafeGo(func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	events := s.bus.Subscribe(connID)
	defer s.bus.Unsubscribe(connID)

	// 所有写操作都在本循环内串行发生, 无需写锁。
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case evt := <-events:
			if !filter.want(evt) {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				logger.Warn("gateway: marshal stream event failed",
					logger.FieldError, err, logger.FieldEventType, evt.Type)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Warn("gateway: stream write failed",
					logger.FieldConn, connID, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// requestFilter WS 订阅过滤集。空集表示不过滤。
type requestFilter map[string]struct{}

func newRequestFilter(ids []string) requestFilter {
	f := make(requestFilter, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			f[id] = struct{}{}
		}
	}
	return f
}

// want 判定事件是否投递: 全局事件 (无 RequestID) 恒投递。
func (f requestFilter) want(evt Event) bool {
	if len(f) == 0 || evt.RequestID == "" {
		return true
	}
	_, ok := f[evt.RequestID]
	return ok
}
