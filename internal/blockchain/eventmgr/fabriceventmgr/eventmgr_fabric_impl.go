package fabriceventmgr

import (
	"fmt"
	"strings"
	"sync"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/chaincodectx"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"github.com/hyperledger/fabric-sdk-go/pkg/client/common/discovery"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/options"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/context"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/fab"
	eventclient "github.com/hyperledger/fabric-sdk-go/pkg/fab/events/client"
	"github.com/hyperledger/fabric-sdk-go/pkg/fab/events/deliverclient"
	"github.com/hyperledger/fabric-sdk-go/pkg/fab/events/deliverclient/seek"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// eventService is the part of `deliverclient.Client` used by a hub.
type eventService interface {
	RegisterChaincodeEvent(ccID, eventFilter string) (fab.Registration, <-chan *fab.CCEvent, error)
	Unregister(reg fab.Registration)
	Close()
}

// eventServiceFactory creates the event service of a hub once it connects.
type eventServiceFactory func(channelProvider context.ChannelProvider, peerName string, opts eventmgr.RangeOptions) (eventService, error)

// newEventClient creates a deliver client of its own for a hub. The SDK's channel event service is cached per channel and would be shared by every hub, so it's not used.
//
// Block events are required, filtered blocks carry no chaincode event payload. The client only ever connects to the named peer. It's never told about the end block; events past it are dropped by the listener.
func newEventClient(channelProvider context.ChannelProvider, peerName string, opts eventmgr.RangeOptions) (eventService, error) {
	channelCtx, err := channelProvider()
	if err != nil {
		return nil, errors.Wrap(err, "无法创建通道上下文")
	}

	chConfig, err := channelCtx.ChannelService().ChannelConfig()
	if err != nil {
		return nil, errors.Wrap(err, "无法获取通道配置")
	}

	channelDiscovery, err := channelCtx.ChannelService().Discovery()
	if err != nil {
		return nil, errors.Wrap(err, "无法获取通道的节点发现服务")
	}

	peerConfig, ok := channelCtx.EndpointConfig().PeerConfig(peerName)
	if !ok {
		return nil, fmt.Errorf("连接配置中没有节点 '%v'", peerName)
	}
	peerDiscovery := discovery.NewDiscoveryFilterService(channelDiscovery, newPeerFilter(peerConfig.URL))

	clientOpts := append([]options.Opt{eventclient.WithBlockEvents()}, seekOptions(opts)...)
	client, err := deliverclient.New(channelCtx, chConfig, peerDiscovery, clientOpts...)
	if err != nil {
		return nil, err
	}

	return client, nil
}

// seekOptions positions the deliver stream at the start block. Without one the stream starts from the newest block.
func seekOptions(opts eventmgr.RangeOptions) []options.Opt {
	if opts.StartBlock == nil {
		return nil
	}

	return []options.Opt{deliverclient.WithSeekType(seek.FromBlock), deliverclient.WithBlockNum(*opts.StartBlock)}
}

// peerFilter accepts the peer at one address only. Addresses are compared without their scheme since discovered peers may not carry one.
type peerFilter struct {
	address string
}

func newPeerFilter(url string) *peerFilter {
	return &peerFilter{address: peerAddress(url)}
}

func (f *peerFilter) Accept(peer fab.Peer) bool {
	return peerAddress(peer.URL()) == f.address
}

func peerAddress(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[i+len("://"):]
	}

	return url
}

// FabricNetworkClient is the network client backed by the Fabric SDK. Peers are resolved from the connection profile.
type FabricNetworkClient struct {
	ctx        *chaincodectx.FabricChaincodeCtx
	newService eventServiceFactory
}

func NewFabricNetworkClient(ctx *chaincodectx.FabricChaincodeCtx) *FabricNetworkClient {
	return &FabricNetworkClient{
		ctx:        ctx,
		newService: newEventClient,
	}
}

func (c *FabricNetworkClient) GetChannelPeers(channelID string) ([]string, error) {
	if c.ctx.Network == nil {
		return nil, fmt.Errorf("网络信息未加载")
	}

	return c.ctx.Network.ChannelPeers(channelID), nil
}

func (c *FabricNetworkClient) GetChannelPeersForOrg(channelID string) ([]string, error) {
	if c.ctx.Network == nil {
		return nil, fmt.Errorf("网络信息未加载")
	}

	return c.ctx.Network.OrgChannelPeers(channelID, c.ctx.OrgName), nil
}

func (c *FabricNetworkClient) NewChannelEventHub(channelID, peerName string) (eventmgr.IHubTransport, error) {
	if c.ctx.Network != nil && !c.ctx.Network.HasPeer(peerName) {
		return nil, fmt.Errorf("连接配置中没有节点 '%v'", peerName)
	}

	return &FabricHub{
		channelID:       channelID,
		peerName:        peerName,
		channelProvider: c.ctx.ChannelProvider(channelID),
		newService:      c.newService,
		regs:            make(map[*fabricRegistration]struct{}),
	}, nil
}

// FabricHub is an event hub transport owning its own deliver client, streaming from the hub's peer only.
type FabricHub struct {
	channelID       string
	peerName        string
	channelProvider context.ChannelProvider
	newService      eventServiceFactory

	mu        sync.Mutex
	service   eventService
	connected bool
	closed    bool
	regs      map[*fabricRegistration]struct{}
}

type fabricRegistration struct {
	chaincodeID  string
	eventPattern string
	opts         eventmgr.RangeOptions
	onEvent      func(*eventmgr.ChaincodeEvent)
	onError      func(error)

	reg      fab.Registration
	quitChan chan struct{}
}

func (r *fabricRegistration) GetChaincodeID() string {
	return r.chaincodeID
}

func (r *fabricRegistration) GetEventPattern() string {
	return r.eventPattern
}

func (h *FabricHub) GetPeerName() string {
	return h.peerName
}

// Connect creates the event client and registers every pending registration. The seek position comes from the ranged registration if there is one. The call blocks until the stream is ready or has failed.
func (h *FabricHub) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("节点 '%v' 的事件中心已断开", h.peerName)
	}
	if h.connected {
		return nil
	}

	opts := eventmgr.RangeOptions{}
	for r := range h.regs {
		if r.opts.IsRanged() {
			opts = r.opts
			break
		}
	}

	service, err := h.newService(h.channelProvider, h.peerName, opts)
	if err != nil {
		return errors.Wrapf(err, "无法在通道 '%v' 上创建事件客户端", h.channelID)
	}
	h.service = service

	var started []*fabricRegistration
	for r := range h.regs {
		if err := h.startLocked(r); err != nil {
			for _, s := range started {
				h.stopLocked(s)
			}
			service.Close()
			h.service = nil
			return err
		}
		started = append(started, r)
	}

	h.connected = true
	return nil
}

func (h *FabricHub) RegisterChaincodeEvent(chaincodeID, eventPattern string, onEvent func(*eventmgr.ChaincodeEvent), onError func(error), opts eventmgr.RangeOptions) (eventmgr.IEventRegistration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("节点 '%v' 的事件中心已断开", h.peerName)
	}

	r := &fabricRegistration{
		chaincodeID:  chaincodeID,
		eventPattern: eventPattern,
		opts:         opts,
		onEvent:      onEvent,
		onError:      onError,
	}

	if h.connected {
		if err := h.startLocked(r); err != nil {
			return nil, err
		}
	}
	h.regs[r] = struct{}{}

	return r, nil
}

func (h *FabricHub) UnregisterChaincodeEvent(reg eventmgr.IEventRegistration) {
	r, ok := reg.(*fabricRegistration)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.regs[r]; !ok {
		return
	}
	delete(h.regs, r)
	h.stopLocked(r)
}

func (h *FabricHub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for r := range h.regs {
		h.stopLocked(r)
	}
	h.regs = make(map[*fabricRegistration]struct{})
	if h.service != nil {
		h.service.Close()
		h.service = nil
	}
	h.connected = false
}

// startLocked registers the chaincode event on the event client and starts forwarding. Background task: wrap received Fabric events to `eventmgr.ChaincodeEvent` objects.
func (h *FabricHub) startLocked(r *fabricRegistration) error {
	rawReg, rawNotifier, err := h.service.RegisterChaincodeEvent(r.chaincodeID, r.eventPattern)
	if err != nil {
		return errors.Wrapf(err, "无法注册链码 '%v' 的事件 '%v'", r.chaincodeID, r.eventPattern)
	}

	r.reg = rawReg
	r.quitChan = make(chan struct{})

	go forward(h.peerName, r, rawNotifier, r.quitChan)

	return nil
}

// stopLocked unregisters the chaincode event. Unregistering closes the notifier on the SDK side, so the quit chan is closed first to tell the forwarder it's expected.
func (h *FabricHub) stopLocked(r *fabricRegistration) {
	if r.quitChan == nil {
		return
	}

	close(r.quitChan)
	h.service.Unregister(r.reg)
	r.quitChan = nil
	r.reg = nil
}

func forward(peerName string, r *fabricRegistration, rawNotifier <-chan *fab.CCEvent, quitChan <-chan struct{}) {
	for {
		select {
		case ccEvent, ok := <-rawNotifier:
			if !ok {
				select {
				case <-quitChan:
				default:
					log.Warnf("节点 '%v' 上链码 '%v' 的事件流意外关闭。", peerName, r.chaincodeID)
					r.onError(fmt.Errorf("节点 '%v' 上链码 '%v' 的事件流已关闭", peerName, r.chaincodeID))
				}
				return
			}

			r.onEvent(&eventmgr.ChaincodeEvent{
				ChaincodeID: ccEvent.ChaincodeID,
				EventName:   ccEvent.EventName,
				Payload:     ccEvent.Payload,
				BlockNumber: ccEvent.BlockNumber,
				TxID:        ccEvent.TxID,
				TxStatus:    eventmgr.TxStatusValid,
				SourceURL:   ccEvent.SourceURL,
			})
		case <-quitChan:
			return
		}
	}
}
