package service

import (
	"sync"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/common"
)

// mailbox queues the messages of one owner without bounding them, so a slow reader never blocks the transport. A background task moves them to the output channel in order.
type mailbox struct {
	ownerID string

	mu     sync.Mutex
	queue  []*common.Message
	closed bool

	signal chan struct{}
	done   chan struct{}
	out    chan *common.Message

	// Called on every message before it's handed out. Used to journal messages.
	onDeliver func(*common.Message)
}

func newMailbox(ownerID string, onDeliver func(*common.Message)) *mailbox {
	m := &mailbox{
		ownerID:   ownerID,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan *common.Message),
		onDeliver: onDeliver,
	}
	go m.pump()

	return m
}

// push queues the message. Messages pushed after the mailbox is closed are discarded.
func (m *mailbox) push(message *common.Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, message)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}

	return true
}

func (m *mailbox) pop() (*common.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, false
	}
	message := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]

	return message, true
}

func (m *mailbox) pump() {
	defer close(m.out)

	for {
		message, ok := m.pop()
		if !ok {
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}

		if m.onDeliver != nil {
			m.onDeliver(message)
		}

		select {
		case m.out <- message:
		case <-m.done:
			return
		}
	}
}

// close stops the mailbox. Messages still queued are dropped and the output channel is closed. Closing twice is a no-op.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}
