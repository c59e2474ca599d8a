package eventmgr

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DeliveryMode selects how a subscription hands events to its sink.
type DeliveryMode int

const (
	// ModeStream hands every event to the sink as soon as it arrives.
	ModeStream DeliveryMode = iota
	// ModeBatch accumulates events and flushes them as one list once no event has arrived for the batch timeout.
	ModeBatch
)

func (m DeliveryMode) String() string {
	if m == ModeBatch {
		return "batch-with-timeout"
	}
	return "stream"
}

// DefaultBatchTimeout is the inactivity window of batch subscriptions.
const DefaultBatchTimeout = 2 * time.Second

type deliveryState int

const (
	stateIdle deliveryState = iota
	stateRegistered
	stateStreaming
	stateBatching
	stateFlushed
	stateClosed
)

func (s deliveryState) isTerminal() bool {
	return s == stateFlushed || s == stateClosed
}

// deliveryController is the state machine deciding how and when the events of one subscription reach its sink.
//
//   Idle -> Registered -> Streaming | Batching -> Flushed | Closed
//
// A batch is flushed exactly once, on inactivity timeout or on manual unregistration. Closing (hub disconnect, owner teardown) discards it.
type deliveryController struct {
	mu           sync.Mutex
	mode         DeliveryMode
	state        deliveryState
	window       time.Duration
	timer        *time.Timer
	lastActivity time.Time
	batch        []*Payload
	numListeners int

	sink ISink
	// Called on timeout before the batch is delivered. Tears down what the subscription holds.
	onExpire func()
}

func newDeliveryController(mode DeliveryMode, window time.Duration, sink ISink, onExpire func()) *deliveryController {
	if window <= 0 {
		window = DefaultBatchTimeout
	}

	return &deliveryController{
		mode:     mode,
		state:    stateIdle,
		window:   window,
		batch:    make([]*Payload, 0),
		sink:     sink,
		onExpire: onExpire,
	}
}

// listenerBound records a listener bound for the subscription.
func (c *deliveryController) listenerBound() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.numListeners++
	if c.state == stateIdle {
		c.state = stateRegistered
	}
}

// start is called once the hubs are connected. In batch mode it arms the inactivity timer.
func (c *deliveryController) start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateRegistered {
		return
	}

	if c.mode == ModeStream {
		c.state = stateStreaming
		return
	}

	c.state = stateBatching
	c.lastActivity = time.Now()
	c.timer = time.AfterFunc(c.window, c.fire)
}

// onEvent is the event callback of every listener of the subscription.
func (c *deliveryController) onEvent(payload *Payload) {
	c.mu.Lock()
	if c.state.isTerminal() || c.state == stateIdle {
		c.mu.Unlock()
		return
	}

	if c.mode == ModeStream {
		c.mu.Unlock()
		c.sink.OnEvent(payload)
		return
	}

	c.batch = append(c.batch, payload)
	c.lastActivity = time.Now()
	if c.timer != nil {
		c.timer.Reset(c.window)
	}
	c.mu.Unlock()
}

// fire is the timer callback. An event that got in before the callback acquired the lock wins and the firing is rescheduled.
func (c *deliveryController) fire() {
	c.mu.Lock()
	if c.state != stateBatching {
		c.mu.Unlock()
		return
	}

	if remaining := c.window - time.Since(c.lastActivity); remaining > 0 {
		c.timer.Reset(remaining)
		c.mu.Unlock()
		return
	}

	c.state = stateFlushed
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	log.Debugf("批量订阅超时，共 %v 个事件待发送。", len(batch))
	if c.onExpire != nil {
		c.onExpire()
	}
	c.sink.OnBatch(batch)
}

// flush delivers the batch now. It's a no-op for stream subscriptions and for batches already flushed or closed.
//
// Returns:
//   whether a batch was delivered
func (c *deliveryController) flush() bool {
	c.mu.Lock()
	if c.mode != ModeBatch || c.state.isTerminal() || c.state == stateIdle {
		c.mu.Unlock()
		return false
	}

	c.state = stateFlushed
	if c.timer != nil {
		c.timer.Stop()
	}
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	c.sink.OnBatch(batch)
	return true
}

// close stops the controller without delivering anything further.
func (c *deliveryController) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *deliveryController) closeLocked() {
	if c.state.isTerminal() {
		return
	}

	c.state = stateClosed
	if c.timer != nil {
		c.timer.Stop()
	}
	c.batch = nil
}

// listenerClosed is notified whenever a listener of the subscription goes away. Once none is left the controller closes, which clears a pending timer.
func (c *deliveryController) listenerClosed(_ *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.numListeners--
	if c.numListeners <= 0 {
		c.closeLocked()
	}
}

// isTerminal tells whether the controller has flushed or closed.
func (c *deliveryController) isTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.isTerminal()
}
