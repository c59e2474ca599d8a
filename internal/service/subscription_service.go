package service

import (
	"fmt"
	"sync"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/db"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/common"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/idutils"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// SubscriptionService 用于代表所有者订阅链码事件，并将收到的消息放入所有者的信箱。
type SubscriptionService struct {
	ServiceInfo *Info

	mu            sync.Mutex
	owners        map[string]*ownerState
	subscriptions map[string]*eventmgr.Subscription // subscriptionID -> subscription
	closed        bool
}

type ownerState struct {
	mailbox         *mailbox
	subscriptionIDs map[string]struct{}
}

func NewSubscriptionService(serviceInfo *Info) *SubscriptionService {
	return &SubscriptionService{
		ServiceInfo:   serviceInfo,
		owners:        make(map[string]*ownerState),
		subscriptions: make(map[string]*eventmgr.Subscription),
	}
}

// CreateOwner 创建一个所有者，并为其开设信箱。
//
// 返回：
//   所有者 ID
func (s *SubscriptionService) CreateOwner() (string, error) {
	ownerID, err := idutils.GenerateSnowflakeId()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("订阅服务已关闭")
	}

	s.owners[ownerID] = &ownerState{
		mailbox:         newMailbox(ownerID, s.journal),
		subscriptionIDs: make(map[string]struct{}),
	}
	log.Infof("已创建所有者 %v。", ownerID)

	return ownerID, nil
}

// Subscribe 为所有者订阅链码事件。
//
// 参数：
//   所有者 ID
//   订阅参数。区块号可以是数字或字符串。
//
// 返回：
//   订阅 ID
func (s *SubscriptionService) Subscribe(ownerID string, params map[string]interface{}) (string, error) {
	req, err := DecodeSubscribeRequest(params)
	if err != nil {
		return "", err
	}

	owner, err := s.getOwner(ownerID)
	if err != nil {
		return "", err
	}

	sink := newMailboxSink(ownerID, owner.mailbox)
	sub, err := s.ServiceInfo.Manager.Subscribe(ownerID, req, sink)
	if err != nil {
		sink.fail()
		if errors.Cause(err) == errorcode.ErrorInvalidPattern {
			return "", &ErrorBadRequest{errMsg: err.Error()}
		}
		if _, ok := err.(*eventmgr.SubscriptionError); !ok {
			// Rejected before any hub was created
			return "", &ErrorBadRequest{errMsg: err.Error()}
		}
		return "", err
	}
	sink.ready(sub.ID())

	s.mu.Lock()
	// The owner may have been closed while subscribing
	if o, ok := s.owners[ownerID]; !ok || o != owner {
		s.mu.Unlock()
		sub.Unregister()
		return "", errors.Wrapf(errorcode.ErrorNotFound, "所有者 %v 已关闭", ownerID)
	}
	owner.subscriptionIDs[sub.ID()] = struct{}{}
	s.subscriptions[sub.ID()] = sub
	s.mu.Unlock()

	return sub.ID(), nil
}

// Unsubscribe 取消订阅。批量订阅会先发送已收到的事件。
func (s *SubscriptionService) Unsubscribe(subscriptionID string) error {
	s.mu.Lock()
	sub, ok := s.subscriptions[subscriptionID]
	if ok {
		delete(s.subscriptions, subscriptionID)
		if owner, ok := s.owners[sub.OwnerID()]; ok {
			delete(owner.subscriptionIDs, subscriptionID)
		}
	}
	s.mu.Unlock()

	if !ok {
		return errors.Wrapf(errorcode.ErrorNotFound, "订阅 %v 不存在", subscriptionID)
	}

	sub.Unregister()
	return nil
}

// CloseOwner 关闭所有者：断开其所有事件中心并关闭信箱。批量订阅中尚未发送的事件将被丢弃。可重复调用。
func (s *SubscriptionService) CloseOwner(ownerID string) {
	s.mu.Lock()
	owner, ok := s.owners[ownerID]
	if ok {
		delete(s.owners, ownerID)
		for subscriptionID := range owner.subscriptionIDs {
			delete(s.subscriptions, subscriptionID)
		}
	}
	s.mu.Unlock()

	s.ServiceInfo.Manager.Teardown(ownerID)
	if ok {
		owner.mailbox.close()
		log.Infof("已关闭所有者 %v。", ownerID)
	}
}

// Messages 获取所有者的信箱。
func (s *SubscriptionService) Messages(ownerID string) (<-chan *common.Message, error) {
	owner, err := s.getOwner(ownerID)
	if err != nil {
		return nil, err
	}

	return owner.mailbox.out, nil
}

// GetJournal 从消息记录中读取订阅收到的消息。
func (s *SubscriptionService) GetJournal(subscriptionID string) ([]*common.JournalEntry, error) {
	if s.ServiceInfo.DB == nil {
		return nil, fmt.Errorf("未启用消息记录")
	}

	records, err := db.ListRecordsBySubscriptionFromLocalDB(subscriptionID, s.ServiceInfo.DB)
	if err != nil {
		return nil, err
	}

	ret := make([]*common.JournalEntry, 0, len(records))
	for _, record := range records {
		entry, err := record.ToModel()
		if err != nil {
			return nil, err
		}
		ret = append(ret, entry)
	}

	return ret, nil
}

// Close 关闭所有所有者。之后不能再创建所有者。
func (s *SubscriptionService) Close() {
	s.mu.Lock()
	s.closed = true
	ownerIDs := make([]string, 0, len(s.owners))
	for ownerID := range s.owners {
		ownerIDs = append(ownerIDs, ownerID)
	}
	s.mu.Unlock()

	for _, ownerID := range ownerIDs {
		s.CloseOwner(ownerID)
	}
	s.ServiceInfo.Manager.Close()
}

func (s *SubscriptionService) getOwner(ownerID string) (*ownerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[ownerID]
	if !ok {
		return nil, errors.Wrapf(errorcode.ErrorNotFound, "所有者 %v 不存在", ownerID)
	}

	return owner, nil
}

// journal 将消息写入消息记录。失败只记日志，不影响消息的发送。
func (s *SubscriptionService) journal(message *common.Message) {
	if s.ServiceInfo.DB == nil {
		return
	}

	if err := db.SaveMessageToLocalDB(message, s.ServiceInfo.DB); err != nil {
		log.Errorf("无法记录所有者 %v 的订阅消息: %v", message.OwnerID, err)
	}
}

// DecodeSubscribeRequest 将自由格式的订阅参数解析为订阅请求。区块号、超时标记等可以是数字、布尔值或字符串。
func DecodeSubscribeRequest(params map[string]interface{}) (*eventmgr.SubscribeRequest, error) {
	req := &eventmgr.SubscribeRequest{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           req,
	})
	if err != nil {
		return nil, errors.Wrap(err, "无法创建订阅参数解析器")
	}

	if err = decoder.Decode(params); err != nil {
		return nil, &ErrorBadRequest{errMsg: fmt.Sprintf("无法解析订阅参数: %v", err)}
	}

	if err = req.Validate(); err != nil {
		return nil, &ErrorBadRequest{errMsg: err.Error()}
	}

	return req, nil
}

// mailboxSink turns what a subscription delivers into mailbox messages. Events and batches wait for the subscription ID, which is only known once `Subscribe` returns.
type mailboxSink struct {
	ownerID        string
	mailbox        *mailbox
	subscriptionID atomic.String
	failed         atomic.Bool
	readyChan      chan struct{}
	readyOnce      sync.Once
}

func newMailboxSink(ownerID string, mailbox *mailbox) *mailboxSink {
	return &mailboxSink{
		ownerID:   ownerID,
		mailbox:   mailbox,
		readyChan: make(chan struct{}),
	}
}

func (s *mailboxSink) ready(subscriptionID string) {
	s.subscriptionID.Store(subscriptionID)
	s.readyOnce.Do(func() { close(s.readyChan) })
}

// fail releases whatever was waiting on a subscription that never came to be. Those deliveries are dropped.
func (s *mailboxSink) fail() {
	s.failed.Store(true)
	s.readyOnce.Do(func() { close(s.readyChan) })
}

func (s *mailboxSink) waitReady() bool {
	<-s.readyChan
	return !s.failed.Load()
}

func (s *mailboxSink) OnEvent(payload *eventmgr.Payload) {
	if !s.waitReady() {
		return
	}

	s.mailbox.push(&common.Message{
		Type:           common.EventMessage,
		OwnerID:        s.ownerID,
		SubscriptionID: s.subscriptionID.Load(),
		Event:          payload,
		TimeReceived:   time.Now(),
	})
}

func (s *mailboxSink) OnBatch(payloads []*eventmgr.Payload) {
	if !s.waitReady() {
		return
	}

	if payloads == nil {
		payloads = []*eventmgr.Payload{}
	}
	s.mailbox.push(&common.Message{
		Type:           common.BatchMessage,
		OwnerID:        s.ownerID,
		SubscriptionID: s.subscriptionID.Load(),
		Batch:          payloads,
		TimeReceived:   time.Now(),
	})
}

// OnError doesn't wait: a connection failure is reported while `Subscribe` is still running.
func (s *mailboxSink) OnError(err error) {
	subscriptionID := s.subscriptionID.Load()
	code := errorcode.CodeUnexpectedTransport
	if subErr, ok := err.(*eventmgr.SubscriptionError); ok {
		if subErr.SubscriptionID != "" {
			subscriptionID = subErr.SubscriptionID
		}
		if subErr.Code != nil {
			code = subErr.Code.Error()
		}
	}

	s.mailbox.push(&common.Message{
		Type:           common.ErrorMessage,
		OwnerID:        s.ownerID,
		SubscriptionID: subscriptionID,
		Error: &common.ErrorInfo{
			Code:    code,
			Message: err.Error(),
		},
		TimeReceived: time.Now(),
	})
}
