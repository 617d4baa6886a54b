package connection

import (
	"time"

	"github.com/lk2023060901/flowsync-go/internal/collab/health"
)

// State 为连接管理器的对外状态。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// 连接层事件类型。
//
// 事件负载类型见各事件旁的注释；订阅方通过类型断言取回负载。
const (
	// EventConnected 负载为 *ConnectedInfo。
	EventConnected = "connected"

	// EventDisconnected 负载为 *DisconnectedInfo。
	EventDisconnected = "disconnected"

	// EventStateChanged 负载为 *StateChange。
	EventStateChanged = "connection-state-changed"

	// EventConnectionBlocked 负载为 *BlockedInfo。
	EventConnectionBlocked = "connection-blocked"

	// EventReconnecting 负载为 *ReconnectInfo。
	EventReconnecting = "reconnecting"

	// EventReconnectFailed 负载为 *ReconnectFailedInfo。
	EventReconnectFailed = "reconnect-failed"

	// EventAuthError 负载为 *AuthErrorInfo。
	EventAuthError = "auth-error"

	// EventRateLimited 负载为 *RateLimitInfo。
	EventRateLimited = "rate-limited"

	// EventHealthStatus 负载为 *health.Status。
	EventHealthStatus = "health-status"

	// EventVersionMismatch 负载为 *VersionMismatchInfo。
	EventVersionMismatch = "version-mismatch"

	// EventNetworkOnline / EventNetworkOffline 无负载。
	EventNetworkOnline  = "network-online"
	EventNetworkOffline = "network-offline"

	// EventError 负载为 error。
	EventError = "error"

	// EventMessage 负载为 *wire.Inbound。
	// 除保留消息外的每条入站消息都会同时以自身类型和本类型各分发一次。
	EventMessage = "message"
)

// ConnectedInfo 为连接建立事件的负载。
type ConnectedInfo struct {
	SessionID string
	// Resumed 表示本次连接是否复用了已有会话标识。
	Resumed bool
}

// DisconnectedInfo 为连接断开事件的负载。
type DisconnectedInfo struct {
	Code   int
	Reason string
	// Manual 表示断开是否由本端主动发起。
	Manual bool
}

// StateChange 为状态变更事件的负载。
type StateChange struct {
	Previous State
	Current  State
}

// BlockedInfo 为服务器过载阻断事件的负载。
type BlockedInfo struct {
	Reason     string
	RetryAfter time.Duration
	Status     *health.Status
}

// ReconnectInfo 为重连调度事件的负载。
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectFailedInfo 为重连放弃事件的负载。
type ReconnectFailedInfo struct {
	Attempts int
}

// AuthErrorInfo 为鉴权失败事件的负载。
type AuthErrorInfo struct {
	Code   int
	Reason string
}

// RateLimitInfo 为限流事件的负载。
type RateLimitInfo struct {
	RetryAfter time.Duration
	Message    string
}

// VersionMismatchInfo 为版本不兼容事件的负载。
type VersionMismatchInfo struct {
	ServerVersion  string
	SupportedRange string
}

// Snapshot 为连接管理器的状态快照，用于诊断与展示。
type Snapshot struct {
	State             State
	SessionID         string
	ReconnectAttempts int
	LastHealth        *health.Status
}
