package eventmgr_test

import (
	"fmt"
	"sync"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
)

const (
	testChannel   = "mychannel"
	testChaincode = "universalCc"
	testWindow    = 100 * time.Millisecond
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

type recordingSink struct {
	mu      sync.Mutex
	events  []*eventmgr.Payload
	batches [][]*eventmgr.Payload
	errs    []error
}

func (s *recordingSink) OnEvent(payload *eventmgr.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, payload)
}

func (s *recordingSink) OnBatch(payloads []*eventmgr.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, payloads)
}

func (s *recordingSink) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) Events() []*eventmgr.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*eventmgr.Payload(nil), s.events...)
}

func (s *recordingSink) Batches() [][]*eventmgr.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*eventmgr.Payload(nil), s.batches...)
}

func (s *recordingSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func newEvent(eventName string, blockNumber uint64) *eventmgr.ChaincodeEvent {
	return &eventmgr.ChaincodeEvent{
		ChaincodeID: testChaincode,
		EventName:   eventName,
		Payload:     []byte(fmt.Sprintf("%v@%v", eventName, blockNumber)),
		BlockNumber: blockNumber,
		TxID:        fmt.Sprintf("tx-%v", blockNumber),
	}
}
