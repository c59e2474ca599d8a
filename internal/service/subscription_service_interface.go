package service

import (
	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/common"
)

// SubscriptionServiceInterface 定义了代表所有者订阅链码事件的服务的接口。
type SubscriptionServiceInterface interface {
	// 创建一个所有者，并为其开设信箱。
	//
	// 返回：
	//   所有者 ID
	CreateOwner() (string, error)

	// 为所有者订阅链码事件。订阅收到的事件、批量事件与错误都会进入所有者的信箱。
	//
	// 参数：
	//   所有者 ID
	//   订阅参数（channelName, chaincodeId, eventPattern, peerName, startBlock, endBlock, timeout）
	//
	// 返回：
	//   订阅 ID
	Subscribe(ownerID string, params map[string]interface{}) (string, error)

	// 取消订阅。批量订阅会先发送已收到的事件。
	//
	// 参数：
	//   订阅 ID
	Unsubscribe(subscriptionID string) error

	// 关闭所有者：断开其所有事件中心并关闭信箱。可重复调用。
	//
	// 参数：
	//   所有者 ID
	CloseOwner(ownerID string)

	// 获取所有者的信箱。所有者关闭后信箱通道也随之关闭。
	//
	// 参数：
	//   所有者 ID
	//
	// 返回：
	//   消息通道
	Messages(ownerID string) (<-chan *common.Message, error)

	// 从消息记录中读取订阅收到的消息。未启用消息记录时返回错误。
	//
	// 参数：
	//   订阅 ID
	//
	// 返回：
	//   按时间排列的消息记录
	GetJournal(subscriptionID string) ([]*common.JournalEntry, error)

	// 关闭所有所有者。
	Close()
}
