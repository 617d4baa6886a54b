package wire

import (
	"github.com/lk2023060901/flowsync-go/internal/json"
)

// PresenceUser 为服务器推送的在线用户条目。
type PresenceUser struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	SessionID        string `json:"sessionId"`
	Color            string `json:"color"`
	Status           Status `json:"status"`
	LastActivityTime int64  `json:"lastActivityTime"`
}

// Viewport 为共享文档的视口信息。
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Snapshot 为共享文档可见状态的完整序列化。
//
// 节点与连线对图编辑器而言是业务数据，本层只做透传，不解释其内容。
type Snapshot struct {
	Nodes    []json.RawMessage `json:"nodes"`
	Edges    []json.RawMessage `json:"edges"`
	Viewport Viewport          `json:"viewport"`
}

// 入站消息负载。

type PresenceUpdatedPayload struct {
	ChatflowID string         `json:"chatflowId"`
	Users      []PresenceUser `json:"users"`
}

type RemoteChangePayload struct {
	ChatflowID string          `json:"chatflowId"`
	ChangeType string          `json:"changeType"`
	Node       json.RawMessage `json:"node,omitempty"`
	Edge       json.RawMessage `json:"edge,omitempty"`
}

type CursorMovedPayload struct {
	ChatflowID string  `json:"chatflowId"`
	SessionID  string  `json:"sessionId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	Timestamp  int64   `json:"timestamp"`
}

type SnapshotSyncPayload struct {
	ChatflowID string   `json:"chatflowId"`
	Snapshot   Snapshot `json:"snapshot"`
}

type NodePresencePayload struct {
	ChatflowID string `json:"chatflowId"`
	UserID     string `json:"userId"`
	SessionID  string `json:"sessionId"`
	Action     string `json:"action"`
	NodeID     string `json:"nodeId"`
}

// RateLimitPayload 为保留限流消息的平铺负载。
// RetryAfter 单位为毫秒，由服务器给出。
type RateLimitPayload struct {
	RetryAfter int64  `json:"retryAfter"`
	Message    string `json:"message"`
}

type AuthzErrorPayload struct {
	Message string `json:"message"`
}

// 出站消息负载。

type JoinChatflowRequest struct {
	ChatflowID string `json:"chatflowId"`
	SessionID  string `json:"sessionId"`
	Color      string `json:"color"`
	Timestamp  int64  `json:"timestamp"`
}

type LeaveChatflowRequest struct {
	ChatflowID string `json:"chatflowId"`
	SessionID  string `json:"sessionId"`
}

type NodeUpdatedRequest struct {
	ChatflowID string          `json:"chatflowId"`
	Node       json.RawMessage `json:"node"`
	ChangeType string          `json:"changeType"`
	Timestamp  int64           `json:"timestamp"`
}

type EdgeUpdatedRequest struct {
	ChatflowID string          `json:"chatflowId"`
	Edge       json.RawMessage `json:"edge"`
	ChangeType string          `json:"changeType"`
	Timestamp  int64           `json:"timestamp"`
}

type CursorMovedRequest struct {
	ChatflowID string  `json:"chatflowId"`
	SessionID  string  `json:"sessionId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	Timestamp  int64   `json:"timestamp"`
}

type UserColorUpdatedRequest struct {
	ChatflowID string `json:"chatflowId"`
	SessionID  string `json:"sessionId"`
	Color      string `json:"color"`
	Timestamp  int64  `json:"timestamp"`
}

type UserHeartbeatRequest struct {
	ChatflowID string `json:"chatflowId"`
	SessionID  string `json:"sessionId"`
	Status     Status `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

type RequestSnapshotSyncRequest struct {
	ChatflowID string `json:"chatflowId"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"`
}

// NodePresenceAction 为节点级在场动作。
type NodePresenceAction string

const (
	NodePresenceEnter NodePresenceAction = "enter"
	NodePresenceLeave NodePresenceAction = "leave"
	NodePresenceEdit  NodePresenceAction = "edit"
)

type NodePresenceUpdatedRequest struct {
	ChatflowID string             `json:"chatflowId"`
	NodeID     string             `json:"nodeId"`
	SessionID  string             `json:"sessionId"`
	Action     NodePresenceAction `json:"action"`
	Timestamp  int64              `json:"timestamp"`
}
