package hub

import (
	"sync"

	v1 "tether/shared/contracts/sync/v1"
)

// GroupRegistry maps room names to the connection handles in their broadcast
// group. Membership is derived state: a handle is added when its owner's room
// participation becomes active and removed on disconnect or explicit leave.
type GroupRegistry struct {
	registry *Registry
	sender   *Sender

	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

// NewGroupRegistry constructs a GroupRegistry over the client registry.
func NewGroupRegistry(registry *Registry, sender *Sender) *GroupRegistry {
	return &GroupRegistry{
		registry: registry,
		sender:   sender,
		groups:   make(map[string]map[string]struct{}),
	}
}

// Add puts handle into room's broadcast group.
func (g *GroupRegistry) Add(room, handle string) {
	if room == "" || handle == "" {
		return
	}
	g.mu.Lock()
	set := g.groups[room]
	if set == nil {
		set = make(map[string]struct{})
		g.groups[room] = set
	}
	set[handle] = struct{}{}
	g.mu.Unlock()
}

// Remove takes handle out of room's broadcast group; empty groups are dropped.
func (g *GroupRegistry) Remove(room, handle string) {
	g.mu.Lock()
	if set := g.groups[room]; set != nil {
		delete(set, handle)
		if len(set) == 0 {
			delete(g.groups, room)
		}
	}
	g.mu.Unlock()
}

// Broadcast fanouts an envelope to every member of room's group.
// Per-connection ordering holds because each client drains a single queue;
// no ordering is guaranteed across different target connections.
func (g *GroupRegistry) Broadcast(room string, env v1.Envelope) {
	g.mu.RLock()
	handles := make([]string, 0, len(g.groups[room]))
	for h := range g.groups[room] {
		handles = append(handles, h)
	}
	g.mu.RUnlock()

	for _, h := range handles {
		if c, ok := g.registry.Get(h); ok {
			g.sender.enqueue(c, env)
		}
	}
}

// Members returns the handles currently in room's group.
func (g *GroupRegistry) Members(room string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.groups[room]))
	for h := range g.groups[room] {
		out = append(out, h)
	}
	return out
}
