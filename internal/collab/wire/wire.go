package wire

import (
	"github.com/lk2023060901/flowsync-go/internal/json"
	"github.com/lk2023060901/flowsync-go/pkg/util/merr"
)

// 出站消息类型（客户端 -> 服务器，与服务器协议保持一致）。
const (
	TypeJoinChatflow        = "JOIN_CHAT_FLOW"
	TypeLeaveChatflow       = "LEAVE_CHAT_FLOW"
	TypeNodeUpdated         = "NODE_UPDATED"
	TypeEdgeUpdated         = "EDGE_UPDATED"
	TypeCursorMoved         = "CURSOR_MOVED"
	TypeUserColorUpdated    = "USER_COLOR_UPDATED"
	TypeUserHeartbeat       = "USER_HEARTBEAT"
	TypeRequestSnapshotSync = "REQUEST_SNAPSHOT_SYNC"
	TypeNodePresenceUpdated = "NODE_PRESENCE_UPDATED"
)

// 入站消息类型（服务器 -> 客户端）。
const (
	TypeOnPresenceUpdated     = "ON_PRESENCE_UPDATED"
	TypeOnRemoteChange        = "ON_REMOTE_CHANGE"
	TypeOnCursorMoved         = "ON_CURSOR_MOVED"
	TypeOnSnapshotSync        = "ON_SNAPSHOT_SYNC"
	TypeOnNodePresenceUpdated = "ON_NODE_PRESENCE_UPDATED"

	// TypeRateLimitExceeded 为保留的限流消息类型。
	// 连接层会将其短路为 rate-limited 事件，不会作为普通消息转发。
	TypeRateLimitExceeded = "rate-limit-exceeded"

	// TypeAuthzError 为服务器下发的鉴权失败消息。
	TypeAuthzError = "authz-error"
)

// Status 为用户活跃状态。
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

// Inbound 为一条已经完成外层解码的入站消息。
//
// 约定：
//   - 服务器下发的业务消息为 {"type": T, "payload": {...}} 结构；
//   - 保留消息（rate-limit-exceeded / authz-error）为平铺结构，
//     此时 Payload 为空，完整内容保留在 Raw 中。
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// Raw 为原始消息字节，用于延迟解码平铺字段。
	Raw []byte `json:"-"`
}

// DecodeInbound 解析一条入站消息的外层结构。
func DecodeInbound(data []byte) (*Inbound, error) {
	in := &Inbound{}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, merr.WrapErrMessageMalformed(err.Error())
	}
	if in.Type == "" {
		return nil, merr.WrapErrMessageMalformed("missing type field")
	}
	in.Raw = data
	return in, nil
}

// DecodePayload 将入站消息的 payload 解码到目标对象。
//
// 对平铺结构的保留消息，直接使用 Raw 解码。
func (in *Inbound) DecodePayload(v any) error {
	data := []byte(in.Payload)
	if len(data) == 0 {
		data = in.Raw
	}
	if err := json.Unmarshal(data, v); err != nil {
		return merr.WrapErrMessageMalformed(err.Error(), "decode payload for "+in.Type)
	}
	return nil
}

// EncodeOutbound 将出站消息编码为平铺的 {"type": T, ...fields} 结构。
//
// payload 为结构体或 map；其顶层字段会与 type 字段合并后编码。
func EncodeOutbound(msgType string, payload any) ([]byte, error) {
	fields := map[string]any{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}
	fields["type"] = msgType
	return json.Marshal(fields)
}
