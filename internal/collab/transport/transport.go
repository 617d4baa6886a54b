package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// 保留的 WebSocket 关闭码。
const (
	// CloseCodeAuthFailed 表示服务器侧鉴权失败。
	// 收到该关闭码后不应再自动重连。
	CloseCodeAuthFailed = 4401

	// CloseCodeNormal 为正常关闭。
	CloseCodeNormal = 1000
)

// CloseError 表示连接被对端关闭，携带关闭码与原因。
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: connection closed, code=%d reason=%q", e.Code, e.Reason)
}

// AsCloseError 尝试从错误链中提取 CloseError。
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Conn 抽象了一条已建立的双工连接。
//
// 约定：
//   - ReadMessage 阻塞直到收到一条完整消息或连接关闭；
//     对端关闭时返回 *CloseError；
//   - WriteMessage 内部串行化写入，可被多协程并发调用；
//   - Close 幂等。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 抽象了连接的建立过程。
//
// 实现方负责在握手请求上附带 Cookie 等会话凭据。
type Dialer interface {
	Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}
