package eventmgr_test

import (
	"fmt"
	"testing"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr/mockeventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(peers ...string) (*eventmgr.Manager, *mockeventmgr.NetworkClient) {
	client := mockeventmgr.NewNetworkClient()
	client.SetChannelPeers(testChannel, peers...)
	client.SetOrgPeers(testChannel, peers...)
	manager := eventmgr.NewManager(client, eventmgr.NewOwnerRegistry(), eventmgr.WithBatchTimeout(testWindow))

	return manager, client
}

func TestStreamSubscriptionDeliversEveryEvent(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}
	assert.Equal(t, eventmgr.ModeStream, sub.Mode())
	assert.True(t, sub.Options().IsEmpty())

	hub := client.Hubs()[0]
	assert.True(t, hub.IsConnected())

	const n = 10
	for i := 0; i < n; i++ {
		hub.Emit(newEvent("created", uint64(i)))
		assert.Len(t, sink.Events(), i+1, "every event is delivered as soon as it arrives")
	}

	time.Sleep(2 * testWindow)
	assert.Len(t, sink.Events(), n)
	assert.Empty(t, sink.Batches())
	assert.Empty(t, sink.Errors())
	assert.False(t, sub.IsDone())
}

func TestBatchSubscriptionWithEndBlock(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{
		ChannelID:   testChannel,
		ChaincodeID: testChaincode,
		EndBlock:    "20",
		Timeout:     true,
	}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}
	assert.Equal(t, eventmgr.ModeBatch, sub.Mode())

	hub := client.Hubs()[0]
	regs := hub.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "{startBlock=0, endBlock=20, disconnect=false}", regs[0].Options.String())

	for block := uint64(17); block <= 22; block++ {
		hub.Emit(newEvent("created", block))
	}
	assert.Empty(t, sink.Batches(), "nothing is delivered before the timeout")
	assert.Empty(t, sink.Events())

	assert.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, waitFor, tick)

	batch := sink.Batches()[0]
	require.Len(t, batch, 4)
	for i, payload := range batch {
		assert.Equal(t, uint64(17+i), payload.BlockNumber)
	}

	assert.True(t, hub.IsDisconnected())
	assert.Empty(t, manager.Registry().Hubs("owner"))
	assert.True(t, sub.IsDone())
	assert.Empty(t, sink.Errors(), "the deliberate disconnect is not reported")

	time.Sleep(2 * testWindow)
	assert.Len(t, sink.Batches(), 1)
}

func TestBatchSubscriptionWithoutEventsDeliversEmptyBatch(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sink := &recordingSink{}

	_, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, Timeout: true}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}

	assert.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, waitFor, tick)
	assert.NotNil(t, sink.Batches()[0])
	assert.Empty(t, sink.Batches()[0])
	assert.True(t, client.Hubs()[0].IsDisconnected())
}

func TestStreamSubscriptionWithStartBlock(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, StartBlock: "5"}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}
	assert.Equal(t, eventmgr.ModeStream, sub.Mode())

	hub := client.Hubs()[0]
	regs := hub.Registrations()
	require.Len(t, regs, 1)
	opts := regs[0].Options
	require.NotNil(t, opts.StartBlock)
	assert.Equal(t, uint64(5), *opts.StartBlock)
	assert.Nil(t, opts.EndBlock)
	assert.Nil(t, opts.Disconnect)

	for block := uint64(5); block < 9; block++ {
		hub.Emit(newEvent("created", block))
	}
	assert.Len(t, sink.Events(), 4)
	assert.Empty(t, sink.Batches())
}

func TestConnectionFailureIsReportedOnce(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	client.FailConnect("peer0.org1.example.com", fmt.Errorf("connection refused"))
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, Timeout: true}, sink)
	assert.Nil(t, sub)
	assert.True(t, eventmgr.IsConnectionFailed(err))

	errs := sink.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, errorcode.ErrorConnectionFailed, errors.Cause(errs[0]))

	hub := client.Hubs()[0]
	assert.Equal(t, 1, hub.ConnectCount(), "a failed connection is not retried")
	assert.True(t, hub.IsDisconnected())
	assert.Empty(t, hub.Registrations())
	assert.Empty(t, manager.Registry().Hubs("owner"))

	// No batch follows the failure
	time.Sleep(2 * testWindow)
	assert.Empty(t, sink.Batches())
	assert.Len(t, sink.Errors(), 1)
}

func TestRegistrationFailureIsReportedOnce(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	client.FailRegister("peer0.org1.example.com", fmt.Errorf("access denied"))
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode}, sink)
	assert.Nil(t, sub)
	assert.True(t, eventmgr.IsConnectionFailed(err))

	errs := sink.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, errorcode.ErrorConnectionFailed, errors.Cause(errs[0]))
	assert.Equal(t, err, errs[0])

	hub := client.Hubs()[0]
	assert.Equal(t, 0, hub.ConnectCount())
	assert.True(t, hub.IsDisconnected())
	assert.Empty(t, manager.Registry().Hubs("owner"))
}

func TestBackgroundConnectionFailureAbortsSubscription(t *testing.T) {
	client := mockeventmgr.NewNetworkClient()
	client.SetChannelPeers(testChannel, "peer0.org1.example.com")
	client.FailConnect("peer0.org1.example.com", fmt.Errorf("connection refused"))
	manager := eventmgr.NewManager(client, eventmgr.NewOwnerRegistry(), eventmgr.WithBatchTimeout(testWindow), eventmgr.WithWaitForReady(false))
	sink := &recordingSink{}

	// Subscribe doesn't wait for the connection
	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, Timeout: true}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}

	assert.Eventually(t, func() bool { return len(sink.Errors()) == 1 }, waitFor, tick)
	errs := sink.Errors()
	assert.True(t, eventmgr.IsConnectionFailed(errs[0]))
	subErr, ok := errs[0].(*eventmgr.SubscriptionError)
	require.True(t, ok)
	assert.Equal(t, sub.ID(), subErr.SubscriptionID)
	assert.Equal(t, "peer0.org1.example.com", subErr.PeerName)

	assert.Eventually(t, sub.IsDone, waitFor, tick)
	hub := client.Hubs()[0]
	assert.Equal(t, 1, hub.ConnectCount(), "a failed connection is not retried")
	assert.True(t, hub.IsDisconnected())
	assert.Equal(t, eventmgr.HubDisconnected, sub.Hubs()[0].State())
	assert.Empty(t, manager.Registry().Hubs("owner"))

	// Neither a batch nor a second error follows the failure
	time.Sleep(2 * testWindow)
	assert.Empty(t, sink.Batches())
	assert.Len(t, sink.Errors(), 1)
}

func TestBackgroundConnectionDelivers(t *testing.T) {
	client := mockeventmgr.NewNetworkClient()
	client.SetChannelPeers(testChannel, "peer0.org1.example.com")
	manager := eventmgr.NewManager(client, eventmgr.NewOwnerRegistry(), eventmgr.WithWaitForReady(false))
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}

	hub := sub.Hubs()[0]
	assert.Eventually(t, func() bool { return hub.State() == eventmgr.HubConnected }, waitFor, tick)
	client.Hubs()[0].Emit(newEvent("created", 1))
	assert.Len(t, sink.Events(), 1)
	assert.Empty(t, sink.Errors())
}

func TestSubscribeWithoutPeers(t *testing.T) {
	manager, client := newTestManager()
	sink := &recordingSink{}

	_, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode}, sink)
	assert.True(t, eventmgr.IsNoPeerAvailable(err))
	assert.Empty(t, client.Hubs())
	assert.Empty(t, sink.Errors())
}

func TestSubscribeRejectsBadRequests(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")

	_, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChaincodeID: testChaincode}, &recordingSink{})
	assert.Error(t, err)

	_, err = manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, EventPattern: "[a-"}, &recordingSink{})
	assert.Equal(t, errorcode.ErrorInvalidPattern, errors.Cause(err))

	assert.Empty(t, client.Hubs())
}

func TestUnregisterFlushesBatchOnce(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, Timeout: true}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}

	hub := client.Hubs()[0]
	hub.Emit(newEvent("created", 1))
	hub.Emit(newEvent("created", 2))

	sub.Unregister()
	sub.Unregister()

	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
	assert.True(t, hub.IsDisconnected())
	assert.Empty(t, sink.Errors())

	time.Sleep(2 * testWindow)
	assert.Len(t, sink.Batches(), 1)
}

func TestTeardownDiscardsPendingBatch(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, Timeout: true}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}

	client.Hubs()[0].Emit(newEvent("created", 1))
	manager.Teardown("owner")

	time.Sleep(2 * testWindow)
	assert.Empty(t, sink.Batches())
	assert.Empty(t, sink.Errors())
	assert.True(t, sub.IsDone())
}

func TestOrgPeersDeliverDuplicates(t *testing.T) {
	client := mockeventmgr.NewNetworkClient()
	client.SetOrgPeers(testChannel, "peer0.org1.example.com", "peer1.org1.example.com")
	manager := eventmgr.NewManager(client, eventmgr.NewOwnerRegistry(), eventmgr.WithHubSelection(eventmgr.HubSelectionOrgPeers))
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}
	assert.Len(t, sub.Hubs(), 2)

	event := newEvent("created", 3)
	for _, hub := range client.Hubs() {
		hub.Emit(event)
	}

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, events[0], events[1])

	// Unregistering disconnects both hubs
	sub.Unregister()
	for _, hub := range client.Hubs() {
		assert.True(t, hub.IsDisconnected())
	}
}

func TestTransportErrorCarriesSubscriptionID(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sink := &recordingSink{}

	sub, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode}, sink)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}

	client.Hubs()[0].Fail(fmt.Errorf("broken pipe"))

	errs := sink.Errors()
	require.Len(t, errs, 1)
	subErr, ok := errs[0].(*eventmgr.SubscriptionError)
	require.True(t, ok)
	assert.Equal(t, sub.ID(), subErr.SubscriptionID)
	assert.Equal(t, errorcode.ErrorUnexpectedTransport, errors.Cause(subErr))
}

func TestSubscriptionsOfOneOwnerUseSeparateHubs(t *testing.T) {
	manager, client := newTestManager("peer0.org1.example.com")
	sinkA, sinkB := &recordingSink{}, &recordingSink{}

	subA, err := manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode, Timeout: true}, sinkA)
	require.NoError(t, err)
	_, err = manager.Subscribe("owner", &eventmgr.SubscribeRequest{ChannelID: testChannel, ChaincodeID: testChaincode}, sinkB)
	require.NoError(t, err)

	hubs := client.Hubs()
	require.Len(t, hubs, 2)
	assert.Equal(t, subA.Hubs()[0].PeerName(), "peer0.org1.example.com")

	// The batch subscription expires and only its own hub goes away
	assert.Eventually(t, func() bool { return len(sinkA.Batches()) == 1 }, waitFor, tick)
	assert.True(t, hubs[0].IsDisconnected())
	assert.True(t, hubs[1].IsConnected())
	assert.Len(t, manager.Registry().Hubs("owner"), 1)

	hubs[1].Emit(newEvent("created", 1))
	assert.Len(t, sinkB.Events(), 1)
}
