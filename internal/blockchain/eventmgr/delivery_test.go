package eventmgr

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

const (
	testWindow  = 100 * time.Millisecond
	testSpacing = 20 * time.Millisecond
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

type recordingSink struct {
	mu      sync.Mutex
	events  []*Payload
	batches [][]*Payload
	errs    []error
}

func (s *recordingSink) OnEvent(payload *Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, payload)
}

func (s *recordingSink) OnBatch(payloads []*Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, payloads)
}

func (s *recordingSink) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) numBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *recordingSink) snapshot() ([]*Payload, [][]*Payload, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Payload(nil), s.events...), append([][]*Payload(nil), s.batches...), append([]error(nil), s.errs...)
}

// fakeTransport is a minimal transport for the tests of this package.
type fakeTransport struct {
	mu           sync.Mutex
	regs         map[*fakeRegistration]struct{}
	disconnected bool
}

type fakeRegistration struct {
	chaincodeID string
	pattern     string
	onEvent     func(*ChaincodeEvent)
	onError     func(error)
}

func (r *fakeRegistration) GetChaincodeID() string  { return r.chaincodeID }
func (r *fakeRegistration) GetEventPattern() string { return r.pattern }

func newFakeTransport() *fakeTransport {
	return &fakeTransport{regs: make(map[*fakeRegistration]struct{})}
}

func (t *fakeTransport) GetPeerName() string { return "peer0.org1.example.com" }
func (t *fakeTransport) Connect() error      { return nil }

func (t *fakeTransport) RegisterChaincodeEvent(chaincodeID, eventPattern string, onEvent func(*ChaincodeEvent), onError func(error), opts RangeOptions) (IEventRegistration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &fakeRegistration{chaincodeID: chaincodeID, pattern: eventPattern, onEvent: onEvent, onError: onError}
	t.regs[r] = struct{}{}
	return r, nil
}

func (t *fakeTransport) UnregisterChaincodeEvent(reg IEventRegistration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.regs, reg.(*fakeRegistration))
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	t.regs = make(map[*fakeRegistration]struct{})
}

func (t *fakeTransport) emit(event *ChaincodeEvent) {
	t.mu.Lock()
	regs := make([]*fakeRegistration, 0, len(t.regs))
	for r := range t.regs {
		regs = append(regs, r)
	}
	t.mu.Unlock()

	for _, r := range regs {
		r.onEvent(event)
	}
}

func (t *fakeTransport) isDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected
}

func testEvent(i int) *ChaincodeEvent {
	return &ChaincodeEvent{
		ChaincodeID: "cc",
		EventName:   "created",
		Payload:     []byte(fmt.Sprintf("payload-%v", i)),
		BlockNumber: uint64(i),
		TxID:        fmt.Sprintf("tx-%v", i),
	}
}

func TestBatchTimerIsRefreshedByEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	expired := atomic.NewInt32(0)
	c := newDeliveryController(ModeBatch, testWindow, sink, func() { expired.Inc() })
	c.listenerBound()
	c.start()

	// The events span more than one window in total but each arrives well within the window.
	const n = 8
	for i := 0; i < n; i++ {
		c.onEvent(NewPayload(testEvent(i)))
		time.Sleep(testSpacing)
	}
	assert.Equal(t, 0, sink.numBatches(), "a batch must not be flushed while events keep arriving")

	assert.Eventually(t, func() bool { return sink.numBatches() == 1 }, waitFor, tick)

	// No second flush ever happens
	time.Sleep(2 * testWindow)
	_, batches, _ := sink.snapshot()
	if isLen := assert.Len(t, batches, 1); !isLen {
		t.FailNow()
	}
	if isLen := assert.Len(t, batches[0], n); !isLen {
		t.FailNow()
	}
	for i, payload := range batches[0] {
		assert.Equal(t, fmt.Sprintf("tx-%v", i), payload.TransactionID)
	}
	assert.Equal(t, int32(1), expired.Load())
}

func TestEventBeforeTimerCallbackReschedulesFlush(t *testing.T) {
	sink := &recordingSink{}
	expired := atomic.NewInt32(0)
	c := newDeliveryController(ModeBatch, time.Hour, sink, func() { expired.Inc() })
	c.listenerBound()
	c.start()

	// An event gets in, then the timer goes off and its callback takes the lock.
	c.onEvent(NewPayload(testEvent(1)))
	c.timer.Stop()
	c.fire()

	assert.Equal(t, 0, sink.numBatches())
	assert.Equal(t, int32(0), expired.Load())
	assert.False(t, c.isTerminal())
	assert.True(t, c.timer.Stop(), "the firing is rescheduled")

	// Once a whole window has passed without events the firing flushes
	c.mu.Lock()
	c.lastActivity = time.Now().Add(-time.Hour)
	c.mu.Unlock()
	c.fire()

	_, batches, _ := sink.snapshot()
	if isLen := assert.Len(t, batches, 1); !isLen {
		t.FailNow()
	}
	assert.Len(t, batches[0], 1)
	assert.Equal(t, int32(1), expired.Load())
	assert.True(t, c.isTerminal())
}

func TestBatchWithoutEventsFlushesEmptyList(t *testing.T) {
	sink := &recordingSink{}
	c := newDeliveryController(ModeBatch, testWindow, sink, nil)
	c.listenerBound()
	c.start()

	assert.Eventually(t, func() bool { return sink.numBatches() == 1 }, waitFor, tick)
	_, batches, _ := sink.snapshot()
	assert.NotNil(t, batches[0])
	assert.Empty(t, batches[0])
}

func TestManualFlushHappensOnceAndDisarmsTimer(t *testing.T) {
	sink := &recordingSink{}
	expired := atomic.NewBool(false)
	c := newDeliveryController(ModeBatch, testWindow, sink, func() { expired.Store(true) })
	c.listenerBound()
	c.start()
	c.onEvent(NewPayload(testEvent(1)))

	assert.True(t, c.flush())
	assert.False(t, c.flush())

	time.Sleep(2 * testWindow)
	_, batches, _ := sink.snapshot()
	assert.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
	assert.False(t, expired.Load())

	// Events after the flush are dropped
	c.onEvent(NewPayload(testEvent(2)))
	events, batches, _ := sink.snapshot()
	assert.Empty(t, events)
	assert.Len(t, batches, 1)
}

func TestClosingLastListenerClearsPendingTimer(t *testing.T) {
	sink := &recordingSink{}
	c := newDeliveryController(ModeBatch, testWindow, sink, nil)
	c.listenerBound()
	c.listenerBound()
	c.start()
	c.onEvent(NewPayload(testEvent(1)))

	c.listenerClosed(nil)
	assert.False(t, c.isTerminal())
	c.listenerClosed(nil)
	assert.True(t, c.isTerminal())

	time.Sleep(2 * testWindow)
	assert.Equal(t, 0, sink.numBatches())
	assert.False(t, c.flush())
}

func TestStreamDeliversEveryEventImmediately(t *testing.T) {
	sink := &recordingSink{}
	c := newDeliveryController(ModeStream, testWindow, sink, nil)
	c.listenerBound()
	c.start()

	for i := 0; i < 5; i++ {
		c.onEvent(NewPayload(testEvent(i)))
		events, _, _ := sink.snapshot()
		assert.Len(t, events, i+1)
	}

	assert.False(t, c.flush())
	time.Sleep(2 * testWindow)
	assert.Equal(t, 0, sink.numBatches())
}

func TestBatchTimeoutKeepsSharedHubForOtherListeners(t *testing.T) {
	registry := NewOwnerRegistry()
	transport := newFakeTransport()
	hub := newEventHub("owner", "mychannel", transport)
	registry.Add("owner", hub)

	// A stream listener that still needs the hub
	other := &recordingSink{}
	otherListener, err := Bind(hub, "cc", "", RangeOptions{}, other.OnEvent, other.OnError)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}

	// A batch subscription sharing the same hub
	sink := &recordingSink{}
	sub := &Subscription{id: "sub", ownerID: "owner", registry: registry, sink: sink}
	sub.controller = newDeliveryController(ModeBatch, testWindow, sink, sub.expire)
	l, err := bindListener(hub, "cc", "", RangeOptions{}, sub.controller.onEvent, sub.forwardError, sub.controller.listenerClosed)
	if isNoError := assert.NoError(t, err); !isNoError {
		t.FailNow()
	}
	sub.controller.listenerBound()
	sub.listeners = []*Listener{l}
	sub.hubs = []*EventHub{hub}

	assert.NoError(t, hub.Connect())
	sub.controller.start()

	transport.emit(testEvent(1))
	assert.Eventually(t, func() bool { return sink.numBatches() == 1 }, waitFor, tick)

	// The hub is left connected for the other listener
	assert.False(t, transport.isDisconnected())
	assert.False(t, hub.IsClosed())
	assert.Equal(t, 1, hub.NumListeners())
	assert.True(t, otherListener.IsActive())
	assert.False(t, l.IsActive())
	assert.Len(t, registry.Hubs("owner"), 1)

	transport.emit(testEvent(2))
	events, _, _ := other.snapshot()
	assert.Len(t, events, 2)
	_, batches, _ := sink.snapshot()
	assert.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)

	// A listener bound on its own leaves the hub to the owner
	otherListener.Unregister()
	assert.Equal(t, 0, hub.NumListeners())
	registry.DisconnectAll("owner")
	assert.True(t, transport.isDisconnected())
}
