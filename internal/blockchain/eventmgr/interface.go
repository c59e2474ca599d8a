package eventmgr

// INetworkClient is the network client collaborator. It knows which peers serve a channel and how to open an event stream on one of them. Implementations must return peers in a stable order.
type INetworkClient interface {
	// GetChannelPeers returns the names of all the peers joined to the channel.
	GetChannelPeers(channelID string) ([]string, error)

	// GetChannelPeersForOrg returns the names of the peers on the channel that are run by the caller's organization.
	GetChannelPeersForOrg(channelID string) ([]string, error)

	// NewChannelEventHub creates a disconnected event hub transport bound to the peer.
	NewChannelEventHub(channelID, peerName string) (IHubTransport, error)
}

// IHubTransport is a connection to one peer's event service. A transport hosts one or more chaincode event registrations but at most one of them may carry a block range.
type IHubTransport interface {
	GetPeerName() string

	// Connect establishes the connection. The call blocks until the stream is ready or has failed.
	Connect() error

	// RegisterChaincodeEvent registers a chaincode event. `onEvent` and `onError` are invoked from the transport's own goroutines, sequentially for one registration.
	//
	// Returns:
	//   the registration (used to unregister the event)
	RegisterChaincodeEvent(chaincodeID, eventPattern string, onEvent func(*ChaincodeEvent), onError func(error), opts RangeOptions) (IEventRegistration, error)

	// UnregisterChaincodeEvent unregisters a registration produced by the same transport. Unregistering twice is a no-op.
	UnregisterChaincodeEvent(reg IEventRegistration)

	// Disconnect closes the connection. Every registration still attached receives no further callbacks. Disconnecting twice is a no-op.
	Disconnect()
}

// IEventRegistration is the token returned by a transport for a chaincode event registration.
type IEventRegistration interface {
	GetChaincodeID() string
	GetEventPattern() string
}

// ChaincodeEvent is a raw chaincode event as emitted by a transport.
type ChaincodeEvent struct {
	ChaincodeID string
	EventName   string
	Payload     []byte
	BlockNumber uint64
	TxID        string
	TxStatus    string
	SourceURL   string
}

// ISink receives what a subscription delivers. Stream subscriptions call `OnEvent`, batch subscriptions call `OnBatch` exactly once. Errors are attributed `*SubscriptionError` values.
type ISink interface {
	OnEvent(payload *Payload)
	OnBatch(payloads []*Payload)
	OnError(err error)
}

// SinkFuncs adapts plain functions to `ISink`. Nil functions are skipped.
type SinkFuncs struct {
	Event func(payload *Payload)
	Batch func(payloads []*Payload)
	Error func(err error)
}

func (s SinkFuncs) OnEvent(payload *Payload) {
	if s.Event != nil {
		s.Event(payload)
	}
}

func (s SinkFuncs) OnBatch(payloads []*Payload) {
	if s.Batch != nil {
		s.Batch(payloads)
	}
}

func (s SinkFuncs) OnError(err error) {
	if s.Error != nil {
		s.Error(err)
	}
}
