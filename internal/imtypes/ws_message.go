package imtypes

import "encoding/json"

// ClientOp 是客户端帧的操作类型。
type ClientOp string

const (
	OpSubscribe   ClientOp = "subscribe"
	OpUnsubscribe ClientOp = "unsubscribe"
)

// FrameType 是服务端帧的类型。
type FrameType string

const (
	FrameData         FrameType = "data"
	FrameError        FrameType = "error"
	FrameUnsubscribed FrameType = "unsubscribed"
)

// ClientFrame 是客户端通过 WebSocket 发送的订阅控制消息。
type ClientFrame struct {
	Op    ClientOp        `json:"op"`
	ID    string          `json:"id"` // 客户端自定义的订阅 ID
	Query string          `json:"query,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// ServerFrame 是服务端推送给客户端的消息。
// 同一订阅的 Seq 严格递增，客户端可以丢弃序号更小的帧。
type ServerFrame struct {
	Type  FrameType   `json:"type"`
	ID    string      `json:"id"`
	Seq   uint64      `json:"seq,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}
