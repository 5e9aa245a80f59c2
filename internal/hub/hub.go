// Package hub maintains the subscription graph: which connections listen
// to which auction or vault channel, the global vault-observer set, and
// the fanout primitive over all of them.
package hub

import (
	"strconv"
	"strings"
	"sync"
)

// AuctionChannel names the per-auction bid channel.
func AuctionChannel(auctionID string) string {
	return "auction:" + auctionID
}

// VaultChannel names the per-vault quote channel.
func VaultChannel(chainID int64, vaultAddress string) string {
	return "vault:" + strconv.FormatInt(chainID, 10) + ":" + strings.ToLower(vaultAddress)
}

// Sender is one subscriber endpoint. TrySend must never block: it reports
// false when the connection is closed or its outbound buffer is full, and
// the hub drops the membership in response.
type Sender interface {
	TrySend(frame []byte) bool
}

// Hub is safe for concurrent use. Fanout iterates a snapshot of the member
// set and applies removals afterwards, so handlers may (un)subscribe
// concurrently with a broadcast.
type Hub struct {
	mu        sync.RWMutex
	conns     map[Sender]struct{}            // every open connection
	channels  map[string]map[Sender]struct{} // channel → members
	observers map[Sender]struct{}            // vault-observer set
}

func New() *Hub {
	return &Hub{
		conns:     make(map[Sender]struct{}),
		channels:  make(map[string]map[Sender]struct{}),
		observers: make(map[Sender]struct{}),
	}
}

// Register adds a connection to the all-connections set.
func (h *Hub) Register(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[s] = struct{}{}
}

// Deregister removes the connection from every set the hub knows about.
func (h *Hub) Deregister(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, s)
	delete(h.observers, s)
	for name, members := range h.channels {
		delete(members, s)
		if len(members) == 0 {
			delete(h.channels, name)
		}
	}
}

func (h *Hub) Subscribe(channel string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[Sender]struct{})
		h.channels[channel] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) Unsubscribe(channel string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(channel, s)
}

// UnsubscribeAll removes s from every channel and the observer set,
// returning the number of channel memberships dropped.
func (h *Hub) UnsubscribeAll(s Sender) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for name, members := range h.channels {
		if _, ok := members[s]; ok {
			n++
		}
		delete(members, s)
		if len(members) == 0 {
			delete(h.channels, name)
		}
	}
	delete(h.observers, s)
	return n
}

// Subscribed reports channel membership.
func (h *Hub) Subscribed(channel string, s Sender) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][s]
	return ok
}

func (h *Hub) Observe(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[s] = struct{}{}
}

func (h *Hub) Unobserve(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, s)
}

// Broadcast sends the pre-serialized frame to every member of the channel.
// Members whose send fails are dropped from the channel. Returns the number
// of successful deliveries.
func (h *Hub) Broadcast(channel string, frame []byte) int {
	h.mu.RLock()
	snapshot := make([]Sender, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	return h.deliver(snapshot, frame, channel)
}

// BroadcastAll sends the frame to every open connection. Failed connections
// lose all their memberships: they are dead weight everywhere.
func (h *Hub) BroadcastAll(frame []byte) int {
	h.mu.RLock()
	snapshot := make([]Sender, 0, len(h.conns))
	for s := range h.conns {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	return h.deliver(snapshot, frame, "")
}

// BroadcastWithObservers sends the frame to the union of the channel's
// members and the observer set, at most once per connection. Failed members
// lose both memberships.
func (h *Hub) BroadcastWithObservers(channel string, frame []byte) int {
	h.mu.RLock()
	union := make(map[Sender]struct{}, len(h.channels[channel])+len(h.observers))
	for s := range h.channels[channel] {
		union[s] = struct{}{}
	}
	for s := range h.observers {
		union[s] = struct{}{}
	}
	snapshot := make([]Sender, 0, len(union))
	for s := range union {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	sent := 0
	var dead []Sender
	for _, s := range snapshot {
		if s.TrySend(frame) {
			sent++
		} else {
			dead = append(dead, s)
		}
	}
	if len(dead) > 0 {
		h.mu.Lock()
		for _, s := range dead {
			h.removeLocked(channel, s)
			delete(h.observers, s)
		}
		h.mu.Unlock()
	}
	return sent
}

// BroadcastObservers sends the frame to the vault-observer set.
func (h *Hub) BroadcastObservers(frame []byte) int {
	h.mu.RLock()
	snapshot := make([]Sender, 0, len(h.observers))
	for s := range h.observers {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	sent := 0
	var dead []Sender
	for _, s := range snapshot {
		if s.TrySend(frame) {
			sent++
		} else {
			dead = append(dead, s)
		}
	}
	if len(dead) > 0 {
		h.mu.Lock()
		for _, s := range dead {
			delete(h.observers, s)
		}
		h.mu.Unlock()
	}
	return sent
}

// deliver fans the frame out to the snapshot; failures are removed from
// channel (or from everything when channel is empty) after the loop.
func (h *Hub) deliver(snapshot []Sender, frame []byte, channel string) int {
	sent := 0
	var dead []Sender
	for _, s := range snapshot {
		if s.TrySend(frame) {
			sent++
		} else {
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return sent
	}

	h.mu.Lock()
	for _, s := range dead {
		if channel != "" {
			h.removeLocked(channel, s)
		} else {
			delete(h.conns, s)
			delete(h.observers, s)
			for name, members := range h.channels {
				delete(members, s)
				if len(members) == 0 {
					delete(h.channels, name)
				}
			}
		}
	}
	h.mu.Unlock()
	return sent
}

func (h *Hub) removeLocked(channel string, s Sender) {
	members, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}
