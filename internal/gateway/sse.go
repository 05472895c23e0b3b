// sse.go — /events SSE 推送端点 (无 WS 能力环境的降级通道)。
package gateway

import (
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixelmuse/go-studio/pkg/logger"
)

// sseHandler GET /events — Server-Sent Events 推送。
//
// 与 /stream 输出同构: 事件名为 Event.Type, data 为整个事件的 JSON,
// 订阅方两种通道解析同一套载荷。同样支持 requestId 查询参数过滤。
func (s *Server) sseHandler(c *gin.Context) {
	filter := newRequestFilter(c.QueryArray("requestId"))
	clientID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.bus.Subscribe(clientID)
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("gateway: SSE client disconnected", logger.FieldConn, clientID)
	}()

	logger.Info("gateway: SSE client connected",
		logger.FieldConn, clientID, logger.FieldRemote, c.Request.RemoteAddr)

	interval := time.Duration(s.cfg.SSEKeepaliveSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	// timer 提到闭包外跨步复用, 不必每个事件新建定时器。
	keepalive := time.NewTimer(interval)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			if !filter.want(evt) {
				return true
			}
			c.SSEvent(evt.Type, evt)
			resetTimer(keepalive, interval)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(interval)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// resetTimer 排空后重置, 防止旧的到期信号串扰下一轮 select。
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
