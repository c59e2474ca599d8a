package eventmgr

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/idutils"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/timingutils"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// SubscribeRequest describes a chaincode event subscription. Block numbers are kept raw; anything that doesn't parse as an unsigned integer counts as unspecified.
type SubscribeRequest struct {
	ChannelID    string `mapstructure:"channelName" json:"channelName"`
	ChaincodeID  string `mapstructure:"chaincodeId" json:"chaincodeId"`
	EventPattern string `mapstructure:"eventPattern" json:"eventPattern"`
	PeerName     string `mapstructure:"peerName" json:"peerName"`
	StartBlock   string `mapstructure:"startBlock" json:"startBlock"`
	EndBlock     string `mapstructure:"endBlock" json:"endBlock"`
	Timeout      bool   `mapstructure:"timeout" json:"timeout"`
}

// Mode returns the delivery mode the request asks for.
func (r *SubscribeRequest) Mode() DeliveryMode {
	if r.Timeout {
		return ModeBatch
	}
	return ModeStream
}

// Validate checks the mandatory fields.
func (r *SubscribeRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ChannelID) == "" {
		missing = append(missing, "channelName")
	}
	if strings.TrimSpace(r.ChaincodeID) == "" {
		missing = append(missing, "chaincodeId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("订阅请求缺少字段: %v", strings.Join(missing, ", "))
	}

	return nil
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBatchTimeout sets the inactivity window of batch subscriptions.
func WithBatchTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.batchTimeout = timeout
		}
	}
}

// WithHubSelection sets the policy used when a subscription names no peer.
func WithHubSelection(selection HubSelection) ManagerOption {
	return func(m *Manager) {
		m.selection = selection
	}
}

// WithWaitForReady tells whether hub connections block until the stream is ready. Otherwise `Subscribe` returns once the listeners are bound and a connection failure reaches the sink only.
func WithWaitForReady(waitForReady bool) ManagerOption {
	return func(m *Manager) {
		m.waitForReady = waitForReady
	}
}

// Manager creates and tears down chaincode event subscriptions on behalf of owners.
type Manager struct {
	registry     *OwnerRegistry
	factory      *HubFactory
	batchTimeout time.Duration
	selection    HubSelection
	waitForReady bool
}

func NewManager(client INetworkClient, registry *OwnerRegistry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:     registry,
		batchTimeout: DefaultBatchTimeout,
		selection:    HubSelectionFirstPeer,
		waitForReady: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.factory = NewHubFactory(client, registry, m.selection)

	return m
}

func (m *Manager) Registry() *OwnerRegistry {
	return m.registry
}

func (m *Manager) BatchTimeout() time.Duration {
	return m.batchTimeout
}

// Subscribe creates a subscription for the owner: it obtains fresh hubs, binds the listener on each, connects them and starts delivery to the sink.
//
// A registration or connection failure is reported once through `sink.OnError` and returned; the hubs created for the attempt are disconnected. There's no retry. When hubs connect in the background, a connection failure is only reported through `sink.OnError` and aborts the subscription the same way.
func (m *Manager) Subscribe(ownerID string, req *SubscribeRequest, sink ISink) (*Subscription, error) {
	defer timingutils.GetDeferrableTimingLogger(fmt.Sprintf("订阅链码 '%v' 的事件", req.ChaincodeID))()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := CompileEventPattern(req.EventPattern); err != nil {
		return nil, err
	}

	opts := BuildRangeOptions(req.StartBlock, req.EndBlock)
	sub := &Subscription{
		id:       idutils.MustGenerateSnowflakeId(),
		ownerID:  ownerID,
		request:  *req,
		opts:     opts,
		sink:     sink,
		registry: m.registry,
	}
	sub.controller = newDeliveryController(req.Mode(), m.batchTimeout, sink, sub.expire)

	hubs, err := m.factory.ObtainHubs(req.ChannelID, ownerID, req.PeerName)
	if err != nil {
		if IsNoPeerAvailable(err) {
			return nil, &SubscriptionError{Code: errorcode.ErrorNoPeerAvailable, SubscriptionID: sub.id, PeerName: req.PeerName, Err: err}
		}
		return nil, &SubscriptionError{Code: errorcode.ErrorConnectionFailed, SubscriptionID: sub.id, PeerName: req.PeerName, Err: err}
	}
	sub.hubs = hubs

	// Bind on every hub first, then connect, so no early event is missed.
	for _, hub := range hubs {
		l, err := bindListener(hub, req.ChaincodeID, req.EventPattern, opts, sub.controller.onEvent, sub.forwardError, sub.controller.listenerClosed)
		if err != nil {
			return nil, sub.fail(hub.PeerName(), err)
		}
		sub.controller.listenerBound()
		sub.listeners = append(sub.listeners, l)
	}

	for _, hub := range hubs {
		if !m.waitForReady {
			hub.ConnectAsync(sub.connectFailedFunc(hub))
			continue
		}
		if err := hub.Connect(); err != nil {
			return nil, sub.fail(hub.PeerName(), err)
		}
	}

	sub.controller.start()
	log.Infof("所有者 %v 已订阅通道 '%v' 上链码 '%v' 的事件 '%v' (订阅 %v，模式 %v，区块范围 %v，事件中心 %v 个)。",
		ownerID, req.ChannelID, req.ChaincodeID, req.EventPattern, sub.id, req.Mode(), opts, len(hubs))

	return sub, nil
}

// Teardown disconnects every hub of the owner. Safe to call repeatedly and for owners without hubs.
func (m *Manager) Teardown(ownerID string) {
	m.registry.DisconnectAll(ownerID)
}

// Close tears down every owner.
func (m *Manager) Close() {
	m.registry.Close()
}

// Subscription is a live chaincode event subscription: one listener per hub and one delivery controller.
type Subscription struct {
	id         string
	ownerID    string
	request    SubscribeRequest
	opts       RangeOptions
	sink       ISink
	registry   *OwnerRegistry
	controller *deliveryController

	mu        sync.Mutex
	hubs      []*EventHub
	listeners []*Listener
	done      atomic.Bool
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) OwnerID() string {
	return s.ownerID
}

func (s *Subscription) Request() SubscribeRequest {
	return s.request
}

func (s *Subscription) Options() RangeOptions {
	return s.opts
}

func (s *Subscription) Mode() DeliveryMode {
	return s.controller.mode
}

// Hubs returns the hubs the subscription was bound to.
func (s *Subscription) Hubs() []*EventHub {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*EventHub, len(s.hubs))
	copy(ret, s.hubs)
	return ret
}

// IsDone tells whether the subscription has been unregistered, flushed or closed along with its hubs.
func (s *Subscription) IsDone() bool {
	return s.done.Load() || s.controller.isTerminal()
}

// Unregister stops the subscription. A batch subscription flushes what it has accumulated so far. Hubs left without listeners are disconnected. Unregistering twice is a no-op.
func (s *Subscription) Unregister() {
	if !s.done.CAS(false, true) {
		return
	}

	s.controller.flush()
	s.release()
	log.Infof("已取消订阅 %v (所有者 %v)。", s.id, s.ownerID)
}

// expire is run by the controller when the batch timeout fires.
func (s *Subscription) expire() {
	if !s.done.CAS(false, true) {
		return
	}

	s.release()
	log.Infof("批量订阅 %v 超时，已断开其事件中心 (所有者 %v)。", s.id, s.ownerID)
}

// release unregisters the listeners and disconnects, one by one, the hubs no other listener needs. The owner's other hubs are left alone.
func (s *Subscription) release() {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.markExpectedShutdown()
		if remaining := l.Unregister(); remaining == 0 {
			hub := l.Hub()
			hub.MarkExpectedShutdown()
			s.registry.DisconnectOne(s.ownerID, hub)
		}
	}
}

// abort undoes a half-made subscription.
//
// Returns:
//   false if the subscription was already done
func (s *Subscription) abort() bool {
	if !s.done.CAS(false, true) {
		return false
	}
	s.controller.close()

	s.mu.Lock()
	listeners := s.listeners
	hubs := s.hubs
	s.mu.Unlock()

	for _, l := range listeners {
		l.markExpectedShutdown()
		l.Unregister()
	}
	for _, hub := range hubs {
		hub.MarkExpectedShutdown()
		s.registry.DisconnectOne(s.ownerID, hub)
	}

	return true
}

// fail aborts the subscription after a registration or connection failure and reports the failure to the sink once.
func (s *Subscription) fail(peerName string, err error) *SubscriptionError {
	subErr := &SubscriptionError{Code: errorcode.ErrorConnectionFailed, SubscriptionID: s.id, PeerName: peerName, Err: err}
	if s.abort() {
		log.Warnf("订阅 %v 无法连接节点 '%v': %v", s.id, peerName, err)
		s.sink.OnError(subErr)
	}

	return subErr
}

// connectFailedFunc returns the failure callback of a hub connected in the background. A hub closed by a teardown in the meantime is not a failure.
func (s *Subscription) connectFailedFunc(hub *EventHub) func(error) {
	return func(err error) {
		if hub.IsShuttingDown() || errors.Cause(err) == errorcode.ErrorHubClosed {
			return
		}
		s.fail(hub.PeerName(), err)
	}
}

func (s *Subscription) forwardError(err error) {
	if subErr, ok := err.(*SubscriptionError); ok {
		subErr.SubscriptionID = s.id
	}
	s.sink.OnError(err)
}
