package json

import (
	"io"

	"github.com/bytedance/sonic"
)

// api 为全局使用的 sonic 配置。
//
// 说明：
//   - 使用 ConfigStd 保证与 encoding/json 行为一致（键排序、HTML 转义等），
//     便于与服务器侧实现保持字节级兼容；
//   - 业务代码应统一通过本包进行 JSON 编解码，不直接依赖 sonic。
var api = sonic.ConfigStd

// Marshal 将任意对象编码为 JSON 字节序列。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal 将 JSON 字节序列解码到目标对象。
//
// v 通常为指针类型，用于接收解码结果。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// NewDecoder 基于给定 Reader 创建一个流式解码器。
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

// NewEncoder 基于给定 Writer 创建一个流式编码器。
func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

// RawMessage 为未解码的 JSON 原始片段。
//
// 与 encoding/json.RawMessage 语义一致，用于延迟解码消息负载。
type RawMessage []byte

// MarshalJSON 实现 json.Marshaler。
func (m RawMessage) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (m *RawMessage) UnmarshalJSON(data []byte) error {
	*m = append((*m)[0:0], data...)
	return nil
}
