package presence

import (
	"context"
	"log/slog"
	"sync"

	"tether/cmd/internal/store"
)

// Notifier receives the online/offline transitions the cache decides to
// announce. The hub's push sender implements it.
type Notifier interface {
	NotifyPairOnline(peerUID, uid, charaIdent string)
	NotifyPairOffline(peerUID, uid string)
}

// PairSource lists a user's pair links. Satisfied by store.Store.
type PairSource interface {
	ListPairLinksFor(ctx context.Context, uid string) ([]store.PairLink, error)
}

// PairCache is the derived per-user view of which authorized peers are online.
// It is rebuilt from presence transitions, never mutated by request handlers.
//
// Idempotence: each online transition is announced at most once, and the
// matching offline announcement fires exactly once even if the offline
// transition is reported repeatedly.
type PairCache struct {
	log   *slog.Logger
	pairs PairSource
	dir   *Directory

	mu     sync.Mutex
	online map[string]*onlineState // uid -> announced state
}

type onlineState struct {
	charaIdent string
	// announced holds the peer uids that were told "uid is online" and
	// therefore must be told when uid goes offline.
	announced map[string]struct{}
}

// NewPairCache constructs a PairCache over the given pair source and directory.
func NewPairCache(log *slog.Logger, pairs PairSource, dir *Directory) *PairCache {
	return &PairCache{
		log:    log,
		pairs:  pairs,
		dir:    dir,
		online: make(map[string]*onlineState),
	}
}

// OnUserOnline records uid's online transition and announces it to every
// paired peer with a live connection. It also back-fills uid's own view:
// peers already online are announced to uid through the same notifier.
func (c *PairCache) OnUserOnline(ctx context.Context, n Notifier, uid, charaIdent string) error {
	links, err := c.pairs.ListPairLinksFor(ctx, uid)
	if err != nil {
		return err
	}

	c.mu.Lock()
	st := c.online[uid]
	if st == nil {
		st = &onlineState{charaIdent: charaIdent, announced: make(map[string]struct{})}
		c.online[uid] = st
	} else {
		// Reconnect-takeover: same logical transition, refresh the identity
		// but do not double-announce to peers already told.
		st.charaIdent = charaIdent
	}

	var tellPeers []string
	var tellSelf []string
	var selfIdents []string
	for _, l := range links {
		peer := l.OtherUID
		if _, ok := c.dir.Lookup(peer); !ok {
			continue
		}
		if _, done := st.announced[peer]; !done {
			st.announced[peer] = struct{}{}
			tellPeers = append(tellPeers, peer)
		}
		// The peer's own view gains uid as well.
		if peerSt := c.online[peer]; peerSt != nil {
			if _, done := peerSt.announced[uid]; !done {
				peerSt.announced[uid] = struct{}{}
				tellSelf = append(tellSelf, peer)
				selfIdents = append(selfIdents, peerSt.charaIdent)
			}
		}
	}
	c.mu.Unlock()

	for _, peer := range tellPeers {
		n.NotifyPairOnline(peer, uid, charaIdent)
	}
	for i, peer := range tellSelf {
		n.NotifyPairOnline(uid, peer, selfIdents[i])
	}

	c.log.Debug("presence.pairs.online", "uid", uid, "peers_told", len(tellPeers))
	return nil
}

// OnUserOffline announces uid's offline transition to every peer that was
// told uid is online. Calling it again for the same transition is a no-op.
func (c *PairCache) OnUserOffline(_ context.Context, n Notifier, uid string) error {
	c.mu.Lock()
	st := c.online[uid]
	if st == nil {
		c.mu.Unlock()
		return nil
	}
	delete(c.online, uid)

	peers := make([]string, 0, len(st.announced))
	for peer := range st.announced {
		peers = append(peers, peer)
		// uid disappears from the peer's view too.
		if peerSt := c.online[peer]; peerSt != nil {
			delete(peerSt.announced, uid)
		}
	}
	c.mu.Unlock()

	for _, peer := range peers {
		// The peer may have disconnected in the meantime; the sender drops
		// targets with no live handle.
		n.NotifyPairOffline(peer, uid)
	}

	c.log.Debug("presence.pairs.offline", "uid", uid, "peers_told", len(peers))
	return nil
}

// OnlinePairs returns the uids currently announced as online to uid's view.
// The result is a last-known-state snapshot, not an ordered event log.
func (c *PairCache) OnlinePairs(uid string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.online[uid]
	if st == nil {
		return nil
	}
	out := make([]string, 0, len(st.announced))
	for peer := range st.announced {
		out = append(out, peer)
	}
	return out
}
