package eventmgr

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

type ownerHubs struct {
	mu     sync.Mutex
	hubs   []*EventHub
	closed bool
}

// OwnerRegistry indexes event hubs by the owner that created them, so tearing down an owner disconnects its own hubs and nothing else. Mutation of one owner's set is serialized by a per-owner lock; different owners never contend.
//
// A registry is created at process start and closed at process shutdown.
type OwnerRegistry struct {
	owners sync.Map // ownerID -> *ownerHubs
}

func NewOwnerRegistry() *OwnerRegistry {
	return &OwnerRegistry{}
}

// Add appends the hub to the owner's set, creating the set if absent.
func (r *OwnerRegistry) Add(ownerID string, hub *EventHub) {
	for {
		v, _ := r.owners.LoadOrStore(ownerID, &ownerHubs{})
		entry := v.(*ownerHubs)

		entry.mu.Lock()
		if entry.closed {
			// The owner is being torn down concurrently. Its entry has left the map already so the next round gets a fresh one.
			entry.mu.Unlock()
			continue
		}
		entry.hubs = append(entry.hubs, hub)
		entry.mu.Unlock()

		log.Debugf("已登记所有者 %v 的事件中心 %v。", ownerID, hub.ID())
		return
	}
}

// DisconnectAll disconnects every hub owned by the owner and forgets the owner. Safe to call repeatedly and for unknown owners.
func (r *OwnerRegistry) DisconnectAll(ownerID string) {
	v, ok := r.owners.LoadAndDelete(ownerID)
	if !ok {
		return
	}
	entry := v.(*ownerHubs)

	entry.mu.Lock()
	entry.closed = true
	hubs := entry.hubs
	entry.hubs = nil
	entry.mu.Unlock()

	for _, hub := range hubs {
		hub.Disconnect()
	}

	log.Infof("已断开所有者 %v 的 %v 个事件中心。", ownerID, len(hubs))
}

// DisconnectOne disconnects the hub and removes it from the owner's set. No-op if the owner is unknown or doesn't own the hub.
func (r *OwnerRegistry) DisconnectOne(ownerID string, hub *EventHub) {
	v, ok := r.owners.Load(ownerID)
	if !ok {
		return
	}
	entry := v.(*ownerHubs)

	found := false
	entry.mu.Lock()
	for i, h := range entry.hubs {
		if h == hub {
			entry.hubs = append(entry.hubs[:i], entry.hubs[i+1:]...)
			found = true
			break
		}
	}
	entry.mu.Unlock()

	if found {
		hub.Disconnect()
	}
}

// Hubs returns a snapshot of the hubs owned by the owner.
func (r *OwnerRegistry) Hubs(ownerID string) []*EventHub {
	v, ok := r.owners.Load(ownerID)
	if !ok {
		return nil
	}
	entry := v.(*ownerHubs)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	ret := make([]*EventHub, len(entry.hubs))
	copy(ret, entry.hubs)

	return ret
}

// Owners returns the sorted IDs of the owners currently known.
func (r *OwnerRegistry) Owners() []string {
	var ret []string
	r.owners.Range(func(key, _ interface{}) bool {
		ret = append(ret, key.(string))
		return true
	})
	sort.Strings(ret)

	return ret
}

// Close tears down every owner. To be called at process shutdown.
func (r *OwnerRegistry) Close() {
	for _, ownerID := range r.Owners() {
		r.DisconnectAll(ownerID)
	}
}
