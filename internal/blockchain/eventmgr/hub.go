package eventmgr

import (
	"sync"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/idutils"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// HubState is the connection state of an event hub.
type HubState int

const (
	HubDisconnected HubState = iota
	HubConnecting
	HubConnected
)

func (s HubState) String() string {
	switch s {
	case HubConnecting:
		return "connecting"
	case HubConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventHub is a handle on one transport connection to one peer's event service. A hub belongs to exactly one owner and is never shared. Once disconnected a hub can't be reused.
type EventHub struct {
	id        string
	ownerID   string
	channelID string
	transport IHubTransport

	mu        sync.Mutex
	state     HubState
	closed    bool
	listeners map[*Listener]struct{}
	hasRanged bool

	// Set right before a deliberate disconnect so the transport's shutdown error is not mistaken for a failure.
	expectedShutdown atomic.Bool
}

func newEventHub(ownerID, channelID string, transport IHubTransport) *EventHub {
	return &EventHub{
		id:        idutils.MustGenerateSnowflakeId(),
		ownerID:   ownerID,
		channelID: channelID,
		transport: transport,
		state:     HubDisconnected,
		listeners: make(map[*Listener]struct{}),
	}
}

func (h *EventHub) ID() string {
	return h.id
}

func (h *EventHub) OwnerID() string {
	return h.ownerID
}

func (h *EventHub) ChannelID() string {
	return h.channelID
}

func (h *EventHub) PeerName() string {
	return h.transport.GetPeerName()
}

func (h *EventHub) State() HubState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsClosed tells whether the hub has been disconnected for good.
func (h *EventHub) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// NumListeners returns the number of listeners still attached to the hub.
func (h *EventHub) NumListeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// HasRangedListener tells whether the hub hosts a ranged registration.
func (h *EventHub) HasRangedListener() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasRanged
}

// MarkExpectedShutdown flags the upcoming disconnect as deliberate.
func (h *EventHub) MarkExpectedShutdown() {
	h.expectedShutdown.Store(true)
}

// IsShuttingDown tells whether a deliberate disconnect is in progress or done.
func (h *EventHub) IsShuttingDown() bool {
	return h.expectedShutdown.Load()
}

// Connect connects the transport and blocks until the stream is ready or has failed. It should be called once all the listeners intended for the hub are bound, so no early event is missed. Connecting a connected hub is a no-op.
func (h *EventHub) Connect() error {
	connecting, err := h.beginConnect()
	if err != nil || !connecting {
		return err
	}

	return h.finishConnect(h.transport.Connect())
}

// ConnectAsync connects the transport in the background. The hub stays connecting until the stream is ready. On failure the hub goes back to disconnected and the error is handed to `onFailed`.
func (h *EventHub) ConnectAsync(onFailed func(error)) {
	connecting, err := h.beginConnect()
	if err != nil {
		onFailed(err)
		return
	}
	if !connecting {
		return
	}

	go func() {
		if err := h.finishConnect(h.transport.Connect()); err != nil {
			onFailed(err)
		}
	}()
}

// beginConnect moves a disconnected hub to connecting.
//
// Returns:
//   whether the caller should connect the transport
func (h *EventHub) beginConnect() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false, errors.Wrapf(errorcode.ErrorHubClosed, "无法连接已断开的事件中心 %v", h.id)
	}
	if h.state != HubDisconnected {
		return false, nil
	}
	h.state = HubConnecting

	log.Debugf("正在连接节点 '%v' 上的事件中心 %v...", h.transport.GetPeerName(), h.id)
	return true, nil
}

func (h *EventHub) finishConnect(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		if !h.closed {
			h.state = HubDisconnected
		}
		return errors.Wrapf(err, "无法连接节点 '%v' 上的事件中心", h.transport.GetPeerName())
	}
	if h.closed {
		return errors.Wrapf(errorcode.ErrorHubClosed, "事件中心 %v 在连接过程中被断开", h.id)
	}

	h.state = HubConnected
	log.Infof("已连接节点 '%v' 上的事件中心 %v (所有者 %v)。", h.transport.GetPeerName(), h.id, h.ownerID)

	return nil
}

// attach registers the listener on the transport. A ranged registration needs a hub of its own and no registration may join a hub that already hosts a ranged one.
func (h *EventHub) attach(l *Listener) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.Wrapf(errorcode.ErrorHubClosed, "事件中心 %v 已断开", h.id)
	}
	if h.hasRanged || (l.opts.IsRanged() && len(h.listeners) > 0) {
		h.mu.Unlock()
		return errors.Wrapf(errorcode.ErrorRangedHubInUse, "事件中心 %v 上不能再添加带区块范围的监听", h.id)
	}

	// Reserve the slot before calling into the transport
	h.listeners[l] = struct{}{}
	if l.opts.IsRanged() {
		h.hasRanged = true
	}
	h.mu.Unlock()

	reg, err := h.transport.RegisterChaincodeEvent(l.chaincodeID, l.eventPattern, l.handleEvent, l.handleError, l.opts)
	if err != nil {
		h.mu.Lock()
		delete(h.listeners, l)
		if l.opts.IsRanged() {
			h.hasRanged = false
		}
		h.mu.Unlock()
		return errors.Wrapf(err, "无法在节点 '%v' 上注册链码事件", h.PeerName())
	}

	l.reg = reg
	return nil
}

// detach removes the listener from the hub and unregisters it from the transport.
//
// Returns:
//   the number of listeners left on the hub
func (h *EventHub) detach(l *Listener) int {
	h.mu.Lock()
	_, ok := h.listeners[l]
	if ok {
		delete(h.listeners, l)
		if l.opts.IsRanged() {
			h.hasRanged = false
		}
	}
	remaining := len(h.listeners)
	closed := h.closed
	h.mu.Unlock()

	if ok && !closed && l.reg != nil {
		h.transport.UnregisterChaincodeEvent(l.reg)
	}

	return remaining
}

// Disconnect cancels every listener still attached and disconnects the transport. Disconnecting twice is a no-op.
func (h *EventHub) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.state = HubDisconnected
	listeners := make([]*Listener, 0, len(h.listeners))
	for l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.listeners = make(map[*Listener]struct{})
	h.hasRanged = false
	h.mu.Unlock()

	// Listeners must go quiet before the transport reports its shutdown.
	for _, l := range listeners {
		l.cancelByHub()
	}

	h.transport.Disconnect()
	log.Infof("已断开节点 '%v' 上的事件中心 %v (所有者 %v)。", h.PeerName(), h.id, h.ownerID)
}
