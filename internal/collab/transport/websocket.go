package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// WSConfig 描述 WebSocket 拨号器的基础配置。
type WSConfig struct {
	// HandshakeTimeout 为握手超时时间。
	HandshakeTimeout time.Duration

	// WriteTimeout 为单次写入的超时时间，0 表示不限制。
	WriteTimeout time.Duration

	// Jar 为拨号时使用的 CookieJar。
	// 会话 Cookie 通过 Jar 随握手请求发出，与浏览器行为保持一致。
	Jar http.CookieJar
}

func defaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// wsDialer 是基于 gorilla/websocket 的默认 Dialer 实现。
type wsDialer struct {
	cfg WSConfig
}

// 编译期断言：确保 wsDialer 实现了 Dialer 接口。
var _ Dialer = (*wsDialer)(nil)

// NewWSDialer 创建一个基于 WebSocket 的 Dialer。
func NewWSDialer(cfg WSConfig) Dialer {
	def := defaultWSConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &wsDialer{cfg: cfg}
}

func (d *wsDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Jar:              d.cfg.Jar,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "transport: handshake rejected with status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "transport: dial failed")
	}

	return &wsConn{
		conn:         conn,
		writeTimeout: d.cfg.WriteTimeout,
	}, nil
}

// wsConn 是基于 gorilla/websocket 的 Conn 默认实现。
type wsConn struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// 编译期断言：确保 wsConn 实现了 Conn 接口。
var _ Conn = (*wsConn)(nil)

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		// 协议为 JSON 文本帧，忽略其它帧类型。
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		// 尽量发送关闭帧，失败时直接关闭底层连接。
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
