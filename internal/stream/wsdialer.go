// wsdialer.go — 基于 gorilla/websocket 的真实拨号器。
package stream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
)

const wsReadIdleTimeout = 90 * time.Second

// WSDialer 连接网关 /stream 的 WebSocket 推送端点。
// 每条 WS 消息是一个完整的 JSON 事件。
type WSDialer struct {
	URL       string        // ws(s)://host/stream
	Token     string        // 可选 Bearer token
	Handshake time.Duration // 握手超时, 零值用 5s
}

// Dial 实现 Dialer。requestIDs 作为 requestId 查询参数附加，
// 供服务端做可选过滤。
func (d *WSDialer) Dial(ctx context.Context, requestIDs []string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, apperrors.Wrap(err, "WSDialer.Dial", "parse stream url")
	}
	q := u.Query()
	for _, id := range requestIDs {
		q.Add("requestId", id)
	}
	u.RawQuery = q.Encode()

	handshake := d.Handshake
	if handshake <= 0 {
		handshake = 5 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
		NetDialContext:   (&net.Dialer{Timeout: handshake}).DialContext,
	}

	var header http.Header
	if d.Token != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, apperrors.Wrap(err, "WSDialer.Dial", "ws connect")
	}
	if conn == nil {
		return nil, apperrors.New("WSDialer.Dial", "dial returned nil websocket connection")
	}

	// 服务端按固定周期发 ping 保活; ping 或数据消息都会重置 idle deadline,
	// 超过 wsReadIdleTimeout 无任何帧到达视为连接死亡。
	_ = conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
	conn.SetPingHandler(func(message string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return &wsConn{ws: conn}, nil
}

// wsConn 将 *websocket.Conn 适配为 Conn。
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	if err == nil {
		// 收到有效消息 = 连接活跃, 重置 idle deadline
		_ = c.ws.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
	}
	return msg, err
}

func (c *wsConn) Close() error { return c.ws.Close() }
