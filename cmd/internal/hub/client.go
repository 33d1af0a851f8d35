// Package hub orchestrates the session lifecycle: connect, reconnect-takeover
// and disconnect, driving the presence directory, distributed status store,
// online-pair cache and room manager, and emitting broadcast-contract pushes.
package hub

import (
	"sync"

	v1 "tether/shared/contracts/sync/v1"
)

// Client represents one connected session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	Handle     string
	UID        string
	CharaIdent string
	Remote     string
	Send       chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(uid, charaIdent, handle, remote string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		Handle:     handle,
		UID:        uid,
		CharaIdent: charaIdent,
		Remote:     remote,
		Send:       make(chan v1.Envelope, sendQueueSize),
		done:       make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Registry maps connection handles to live clients on this instance.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers a client under its handle.
func (r *Registry) Add(c *Client) {
	if c == nil || c.Handle == "" {
		return
	}
	r.mu.Lock()
	r.clients[c.Handle] = c
	r.mu.Unlock()
}

// Remove drops the client registered under handle.
func (r *Registry) Remove(handle string) {
	r.mu.Lock()
	delete(r.clients, handle)
	r.mu.Unlock()
}

// Get returns the client registered under handle.
func (r *Registry) Get(handle string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.clients[handle]
	r.mu.RUnlock()
	return c, ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
