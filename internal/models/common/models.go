package common

import (
	"fmt"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
)

// MessageType 表示所有者信箱中消息的类型
type MessageType int

const (
	// EventMessage 表示流式订阅收到的单个事件
	EventMessage MessageType = iota
	// BatchMessage 表示批量订阅超时或取消时发送的事件列表
	BatchMessage
	// ErrorMessage 表示订阅出现的错误
	ErrorMessage
)

func (t MessageType) String() string {
	switch t {
	case EventMessage:
		return "event"
	case BatchMessage:
		return "batch"
	case ErrorMessage:
		return "error"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

// NewMessageTypeFromString 从 enum 名称获得 MessageType enum。
func NewMessageTypeFromString(enumString string) (ret MessageType, err error) {
	switch enumString {
	case "event":
		ret = EventMessage
		return
	case "batch":
		ret = BatchMessage
		return
	case "error":
		ret = ErrorMessage
		return
	default:
		err = fmt.Errorf("不正确的 enum 字符串")
		return
	}
}

// Message 表示交给所有者的一条订阅消息
type Message struct {
	Type           MessageType         // 消息类型
	OwnerID        string              // 所有者 ID
	SubscriptionID string              // 订阅 ID。订阅建立之前出现的错误可能为空。
	Event          *eventmgr.Payload   // 单个事件，仅 EventMessage 有效
	Batch          []*eventmgr.Payload // 事件列表，仅 BatchMessage 有效。可能为空列表。
	Error          *ErrorInfo          // 错误信息，仅 ErrorMessage 有效
	TimeReceived   time.Time           // 消息产生的时间
}

// ErrorInfo 表示订阅错误的可序列化形式
type ErrorInfo struct {
	Code    string `json:"code"`    // 错误代码，见 `errorcode`
	Message string `json:"message"` // 错误信息
}

// Data 返回消息中要发给客户端的部分。
func (m *Message) Data() interface{} {
	switch m.Type {
	case EventMessage:
		return m.Event
	case BatchMessage:
		if m.Batch == nil {
			return []*eventmgr.Payload{}
		}
		return m.Batch
	default:
		return m.Error
	}
}

// JournalEntry 表示消息记录中的一条，一个批量消息的每个事件各为一条
type JournalEntry struct {
	ID             string            `json:"id"`                // 记录 ID
	OwnerID        string            `json:"ownerId"`           // 所有者 ID
	SubscriptionID string            `json:"subscriptionId"`    // 订阅 ID
	Type           string            `json:"type"`              // 消息类型
	BatchID        string            `json:"batchId,omitempty"` // 批量消息 ID
	BatchIndex     int               `json:"batchIndex"`        // 在批量消息中的序号
	BatchSize      int               `json:"batchSize"`         // 批量消息中的事件数量
	Event          *eventmgr.Payload `json:"event,omitempty"`   // 事件
	Error          *ErrorInfo        `json:"error,omitempty"`   // 错误信息
	TimeReceived   time.Time         `json:"timeReceived"`      // 消息产生的时间
}
