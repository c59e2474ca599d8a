package eventmgr

import (
	"regexp"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/idutils"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// DefaultEventPattern matches every event name.
const DefaultEventPattern = ".*"

// Listener is one chaincode event registration on a hub.
type Listener struct {
	id           string
	hub          *EventHub
	chaincodeID  string
	eventPattern string
	matcher      *regexp.Regexp
	opts         RangeOptions
	reg          IEventRegistration

	onEvent  func(*Payload)
	onError  func(error)
	onClosed func(*Listener)

	cancelled        atomic.Bool
	expectedShutdown atomic.Bool
}

// CompileEventPattern compiles an event-name pattern. An empty pattern matches every event.
func CompileEventPattern(eventPattern string) (*regexp.Regexp, error) {
	if eventPattern == "" {
		eventPattern = DefaultEventPattern
	}

	matcher, err := regexp.Compile(eventPattern)
	if err != nil {
		return nil, errors.Wrapf(errorcode.ErrorInvalidPattern, "无法解析事件名称模式 '%v': %v", eventPattern, err)
	}

	return matcher, nil
}

// Bind registers a chaincode event on the hub. Every raw event is normalized before it's handed to `onEvent`. Transport errors go to `onError` as `*SubscriptionError` unless a deliberate shutdown is in progress. The hub is not connected by this call.
//
// Parameters:
//   the hub
//   chaincode ID
//   event name pattern (regular expression, empty for all events)
//   range options
//   event callback
//   error callback
func Bind(hub *EventHub, chaincodeID, eventPattern string, opts RangeOptions, onEvent func(*Payload), onError func(error)) (*Listener, error) {
	return bindListener(hub, chaincodeID, eventPattern, opts, onEvent, onError, nil)
}

func bindListener(hub *EventHub, chaincodeID, eventPattern string, opts RangeOptions, onEvent func(*Payload), onError func(error), onClosed func(*Listener)) (*Listener, error) {
	matcher, err := CompileEventPattern(eventPattern)
	if err != nil {
		return nil, err
	}
	if eventPattern == "" {
		eventPattern = DefaultEventPattern
	}

	l := &Listener{
		id:           idutils.MustGenerateSnowflakeId(),
		hub:          hub,
		chaincodeID:  chaincodeID,
		eventPattern: eventPattern,
		matcher:      matcher,
		opts:         opts,
		onEvent:      onEvent,
		onError:      onError,
		onClosed:     onClosed,
	}

	if err := hub.attach(l); err != nil {
		return nil, err
	}

	log.Debugf("已在节点 '%v' 上监听链码 '%v' 的事件 '%v'，区块范围 %v。", hub.PeerName(), chaincodeID, eventPattern, opts)

	return l, nil
}

func (l *Listener) ID() string {
	return l.id
}

func (l *Listener) Hub() *EventHub {
	return l.hub
}

func (l *Listener) ChaincodeID() string {
	return l.chaincodeID
}

func (l *Listener) EventPattern() string {
	return l.eventPattern
}

func (l *Listener) Options() RangeOptions {
	return l.opts
}

// IsActive tells whether the listener still delivers.
func (l *Listener) IsActive() bool {
	return !l.cancelled.Load()
}

// markExpectedShutdown suppresses the shutdown error that follows a deliberate teardown.
func (l *Listener) markExpectedShutdown() {
	l.expectedShutdown.Store(true)
}

// Unregister stops the listener. No callback starts after it returns. Unregistering twice is a no-op.
//
// Returns:
//   the number of listeners left on the hub
func (l *Listener) Unregister() int {
	if !l.cancelled.CAS(false, true) {
		return l.hub.NumListeners()
	}

	remaining := l.hub.detach(l)
	if l.onClosed != nil {
		l.onClosed(l)
	}

	return remaining
}

// cancelByHub is called by a disconnecting hub. The transport registration goes away with the transport.
func (l *Listener) cancelByHub() {
	if !l.cancelled.CAS(false, true) {
		return
	}

	if l.onClosed != nil {
		l.onClosed(l)
	}
}

func (l *Listener) handleEvent(event *ChaincodeEvent) {
	if l.cancelled.Load() || event == nil {
		return
	}

	if event.ChaincodeID != "" && event.ChaincodeID != l.chaincodeID {
		return
	}

	if !l.matcher.MatchString(event.EventName) {
		return
	}

	// The transport is never told to stop at the end block, so events past it are dropped here.
	if l.opts.EndBlock != nil && event.BlockNumber > *l.opts.EndBlock {
		log.Tracef("丢弃区块 %v 中的事件 '%v'：超出结束区块 %v。", event.BlockNumber, event.EventName, *l.opts.EndBlock)
		return
	}
	if l.opts.StartBlock != nil && event.BlockNumber < *l.opts.StartBlock {
		return
	}

	log.Tracef("监听 %v 收到区块 %v 中的事件 '%v' (交易 %v)。", l.id, event.BlockNumber, event.EventName, event.TxID)
	l.onEvent(NewPayload(event))
}

func (l *Listener) handleError(err error) {
	if err == nil {
		return
	}

	if l.expectedShutdown.Load() || l.hub.IsShuttingDown() {
		log.Debugf("忽略主动断开时收到的错误: %v", &SubscriptionError{
			Code:       errorcode.ErrorExpectedShutdown,
			ListenerID: l.id,
			PeerName:   l.hub.PeerName(),
			Err:        err,
		})
		return
	}

	if l.cancelled.Load() {
		return
	}

	log.Warnf("监听 %v 在节点 '%v' 上出现传输错误: %v", l.id, l.hub.PeerName(), err)
	if l.onError != nil {
		l.onError(&SubscriptionError{
			Code:       errorcode.ErrorUnexpectedTransport,
			ListenerID: l.id,
			PeerName:   l.hub.PeerName(),
			Err:        err,
		})
	}
}
