// Package mockeventmgr provides an in-memory network client whose hubs are driven by hand. It backs the tests of the packages built on `eventmgr`.
package mockeventmgr

import (
	"fmt"
	"regexp"
	"sync"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
)

// ErrorHubShutdown is what a hub reports to the registrations still attached when it's disconnected.
var ErrorHubShutdown = fmt.Errorf("event hub shutdown")

// NetworkClient is an in-memory `eventmgr.INetworkClient`.
type NetworkClient struct {
	mu            sync.Mutex
	channelPeers  map[string][]string
	orgPeers      map[string][]string
	connectErrors  map[string]error
	registerErrors map[string]error
	newHubErrors   map[string]error
	hubs           []*Hub
}

func NewNetworkClient() *NetworkClient {
	return &NetworkClient{
		channelPeers:   make(map[string][]string),
		orgPeers:       make(map[string][]string),
		connectErrors:  make(map[string]error),
		registerErrors: make(map[string]error),
		newHubErrors:   make(map[string]error),
	}
}

// SetChannelPeers sets the peers of the channel, in order.
func (c *NetworkClient) SetChannelPeers(channelID string, peers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelPeers[channelID] = peers
}

// SetOrgPeers sets the peers the caller's organization runs on the channel, in order.
func (c *NetworkClient) SetOrgPeers(channelID string, peers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orgPeers[channelID] = peers
}

// FailConnect makes every later hub on the peer fail to connect with the error.
func (c *NetworkClient) FailConnect(peerName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErrors[peerName] = err
}

// FailRegister makes every registration on later hubs of the peer fail with the error.
func (c *NetworkClient) FailRegister(peerName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerErrors[peerName] = err
}

// FailNewHub makes the creation of hubs on the peer fail with the error.
func (c *NetworkClient) FailNewHub(peerName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newHubErrors[peerName] = err
}

func (c *NetworkClient) GetChannelPeers(channelID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channelPeers[channelID]...), nil
}

func (c *NetworkClient) GetChannelPeersForOrg(channelID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.orgPeers[channelID]...), nil
}

func (c *NetworkClient) NewChannelEventHub(channelID, peerName string) (eventmgr.IHubTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.newHubErrors[peerName]; err != nil {
		return nil, err
	}

	hub := &Hub{
		channelID:  channelID,
		peerName:   peerName,
		connectErr:  c.connectErrors[peerName],
		registerErr: c.registerErrors[peerName],
		regs:        make(map[*Registration]struct{}),
	}
	c.hubs = append(c.hubs, hub)

	return hub, nil
}

// Hubs returns every hub created so far, in creation order.
func (c *NetworkClient) Hubs() []*Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Hub(nil), c.hubs...)
}

// HubsOnPeer returns the hubs created on the peer, in creation order.
func (c *NetworkClient) HubsOnPeer(peerName string) []*Hub {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ret []*Hub
	for _, hub := range c.hubs {
		if hub.peerName == peerName {
			ret = append(ret, hub)
		}
	}

	return ret
}

// Hub is an in-memory `eventmgr.IHubTransport`.
type Hub struct {
	channelID   string
	peerName    string
	connectErr  error
	registerErr error

	mu           sync.Mutex
	connected    bool
	disconnected bool
	connectCount int
	regs         map[*Registration]struct{}
}

// Registration is a chaincode event registration on a mock hub.
type Registration struct {
	ChaincodeID  string
	EventPattern string
	Options      eventmgr.RangeOptions
	matcher      *regexp.Regexp
	onEvent      func(*eventmgr.ChaincodeEvent)
	onError      func(error)
}

func (r *Registration) GetChaincodeID() string {
	return r.ChaincodeID
}

func (r *Registration) GetEventPattern() string {
	return r.EventPattern
}

func (h *Hub) GetPeerName() string {
	return h.peerName
}

func (h *Hub) ChannelID() string {
	return h.channelID
}

func (h *Hub) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connectCount++
	if h.disconnected {
		return fmt.Errorf("hub on '%v' is disconnected", h.peerName)
	}
	if h.connectErr != nil {
		return h.connectErr
	}
	h.connected = true

	return nil
}

func (h *Hub) RegisterChaincodeEvent(chaincodeID, eventPattern string, onEvent func(*eventmgr.ChaincodeEvent), onError func(error), opts eventmgr.RangeOptions) (eventmgr.IEventRegistration, error) {
	matcher, err := regexp.Compile(eventPattern)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disconnected {
		return nil, fmt.Errorf("hub on '%v' is disconnected", h.peerName)
	}
	if h.registerErr != nil {
		return nil, h.registerErr
	}

	r := &Registration{
		ChaincodeID:  chaincodeID,
		EventPattern: eventPattern,
		Options:      opts,
		matcher:      matcher,
		onEvent:      onEvent,
		onError:      onError,
	}
	h.regs[r] = struct{}{}

	return r, nil
}

func (h *Hub) UnregisterChaincodeEvent(reg eventmgr.IEventRegistration) {
	r, ok := reg.(*Registration)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.regs, r)
}

// Disconnect closes the hub. Registrations still attached receive `ErrorHubShutdown`, as a real transport reports its shutdown.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	if h.disconnected {
		h.mu.Unlock()
		return
	}
	h.disconnected = true
	h.connected = false
	regs := h.registrationsLocked()
	h.regs = make(map[*Registration]struct{})
	h.mu.Unlock()

	for _, r := range regs {
		r.onError(ErrorHubShutdown)
	}
}

// Emit delivers the event to every registration of the hub that matches it, synchronously. Nothing is delivered unless the hub is connected.
//
// Returns:
//   the number of registrations the event was delivered to
func (h *Hub) Emit(event *eventmgr.ChaincodeEvent) int {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return 0
	}
	regs := h.registrationsLocked()
	h.mu.Unlock()

	delivered := 0
	for _, r := range regs {
		if r.ChaincodeID != event.ChaincodeID || !r.matcher.MatchString(event.EventName) {
			continue
		}
		r.onEvent(event)
		delivered++
	}

	return delivered
}

// Fail reports the error to every registration of the hub.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	regs := h.registrationsLocked()
	h.mu.Unlock()

	for _, r := range regs {
		r.onError(err)
	}
}

func (h *Hub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *Hub) IsDisconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

func (h *Hub) ConnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectCount
}

// Registrations returns the registrations currently attached.
func (h *Hub) Registrations() []*Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registrationsLocked()
}

func (h *Hub) registrationsLocked() []*Registration {
	ret := make([]*Registration, 0, len(h.regs))
	for r := range h.regs {
		ret = append(ret, r)
	}
	return ret
}
