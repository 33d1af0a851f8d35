// Package presence tracks which logical user owns which live connection,
// locally (Directory) and across server instances (StatusStore), and derives
// the per-user online-pair view (PairCache) that drives peer notifications.
package presence

import (
	"hash/fnv"
	"sync"
)

const directoryShards = 32

// Directory is the in-process mapping from user uid to the single currently
// valid connection handle on this instance.
//
// Concurrency guarantees:
//   - safe under arbitrary concurrent callers
//   - per-uid operations are linearizable (shard mutex)
//   - no ordering guarantee between unrelated uids
type Directory struct {
	shards [directoryShards]directoryShard
}

type directoryShard struct {
	mu      sync.Mutex
	handles map[string]string
}

// NewDirectory constructs an empty Directory.
func NewDirectory() *Directory {
	d := &Directory{}
	for i := range d.shards {
		d.shards[i].handles = make(map[string]string)
	}
	return d
}

func (d *Directory) shard(uid string) *directoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	return &d.shards[h.Sum32()%directoryShards]
}

// Upsert registers handle as the current connection for uid and returns the
// previous handle, if any. This is the reconnect-takeover point: the previous
// handle is returned, not closed, and the mapping update is authoritative.
func (d *Directory) Upsert(uid, handle string) (prev string, took bool) {
	s := d.shard(uid)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, took = s.handles[uid]
	s.handles[uid] = handle
	return prev, took
}

// Remove deletes the mapping for uid only if the stored handle matches
// expected. A stale disconnect from a superseded connection must not evict a
// newer session.
func (d *Directory) Remove(uid, expected string) bool {
	s := d.shard(uid)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.handles[uid]
	if !ok || cur != expected {
		return false
	}
	delete(s.handles, uid)
	return true
}

// Lookup returns the current handle for uid.
func (d *Directory) Lookup(uid string) (string, bool) {
	s := d.shard(uid)
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[uid]
	return h, ok
}

// Len returns the number of registered uids.
func (d *Directory) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.handles)
		s.mu.Unlock()
	}
	return n
}
