package presence

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"tether/cmd/internal/store"
)

type fakePairSource struct {
	links map[string][]store.PairLink
}

func (f *fakePairSource) ListPairLinksFor(_ context.Context, uid string) ([]store.PairLink, error) {
	return f.links[uid], nil
}

func pairLinks(pairs ...[2]string) *fakePairSource {
	f := &fakePairSource{links: make(map[string][]store.PairLink)}
	for _, p := range pairs {
		f.links[p[0]] = append(f.links[p[0]], store.PairLink{UserUID: p[0], OtherUID: p[1]})
		f.links[p[1]] = append(f.links[p[1]], store.PairLink{UserUID: p[1], OtherUID: p[0]})
	}
	return f
}

type recordingNotifier struct {
	mu      sync.Mutex
	online  []string // "peer<-uid"
	offline []string
}

func (r *recordingNotifier) NotifyPairOnline(peerUID, uid, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = append(r.online, peerUID+"<-"+uid)
}

func (r *recordingNotifier) NotifyPairOffline(peerUID, uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = append(r.offline, peerUID+"<-"+uid)
}

func (r *recordingNotifier) onlineEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.online...)
	sort.Strings(out)
	return out
}

func (r *recordingNotifier) offlineEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.offline...)
	sort.Strings(out)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPairCacheAnnouncesBothDirections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := NewDirectory()
	cache := NewPairCache(testLogger(), pairLinks([2]string{"u1", "u2"}), dir)
	n := &recordingNotifier{}

	dir.Upsert("u1", "h1")
	if err := cache.OnUserOnline(ctx, n, "u1", "ident-1"); err != nil {
		t.Fatal(err)
	}
	// u2 is not connected yet: nothing announced.
	if len(n.onlineEvents()) != 0 {
		t.Fatalf("premature events: %v", n.onlineEvents())
	}

	dir.Upsert("u2", "h2")
	if err := cache.OnUserOnline(ctx, n, "u2", "ident-2"); err != nil {
		t.Fatal(err)
	}

	want := []string{"u1<-u2", "u2<-u1"}
	if got := n.onlineEvents(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("online events=%v want=%v", got, want)
	}

	pairs := cache.OnlinePairs("u1")
	if len(pairs) != 1 || pairs[0] != "u2" {
		t.Fatalf("OnlinePairs(u1)=%v", pairs)
	}
}

func TestPairCacheReconnectDoesNotDoubleAnnounce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := NewDirectory()
	cache := NewPairCache(testLogger(), pairLinks([2]string{"u1", "u2"}), dir)
	n := &recordingNotifier{}

	dir.Upsert("u1", "h1")
	dir.Upsert("u2", "h2")
	_ = cache.OnUserOnline(ctx, n, "u1", "ident-1")
	_ = cache.OnUserOnline(ctx, n, "u2", "ident-2")

	before := len(n.onlineEvents())

	// Reconnect-takeover is the same logical online transition.
	dir.Upsert("u1", "h1b")
	_ = cache.OnUserOnline(ctx, n, "u1", "ident-1b")

	if got := len(n.onlineEvents()); got != before {
		t.Fatalf("reconnect re-announced: %d -> %d events", before, got)
	}
}

func TestPairCacheOfflineExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := NewDirectory()
	cache := NewPairCache(testLogger(), pairLinks([2]string{"u1", "u2"}), dir)
	n := &recordingNotifier{}

	dir.Upsert("u1", "h1")
	dir.Upsert("u2", "h2")
	_ = cache.OnUserOnline(ctx, n, "u1", "ident-1")
	_ = cache.OnUserOnline(ctx, n, "u2", "ident-2")

	if err := cache.OnUserOffline(ctx, n, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := n.offlineEvents(); len(got) != 1 || got[0] != "u2<-u1" {
		t.Fatalf("offline events=%v", got)
	}

	// A repeated offline report for the same transition stays silent.
	if err := cache.OnUserOffline(ctx, n, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := n.offlineEvents(); len(got) != 1 {
		t.Fatalf("offline announced twice: %v", got)
	}

	// u1 left u2's view as well.
	if pairs := cache.OnlinePairs("u2"); len(pairs) != 0 {
		t.Fatalf("OnlinePairs(u2)=%v want empty", pairs)
	}
}

func TestPairCacheOfflineForUnknownUserIsNoop(t *testing.T) {
	t.Parallel()

	dir := NewDirectory()
	cache := NewPairCache(testLogger(), pairLinks(), dir)
	n := &recordingNotifier{}

	if err := cache.OnUserOffline(context.Background(), n, "ghost"); err != nil {
		t.Fatal(err)
	}
	if len(n.offlineEvents()) != 0 {
		t.Fatalf("events=%v", n.offlineEvents())
	}
}

func TestPairCacheIgnoresUnpairedUsers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := NewDirectory()
	cache := NewPairCache(testLogger(), pairLinks([2]string{"u1", "u2"}), dir)
	n := &recordingNotifier{}

	// u3 is online but shares no pair link with u1.
	dir.Upsert("u1", "h1")
	dir.Upsert("u3", "h3")
	_ = cache.OnUserOnline(ctx, n, "u3", "ident-3")
	_ = cache.OnUserOnline(ctx, n, "u1", "ident-1")

	if got := n.onlineEvents(); len(got) != 0 {
		t.Fatalf("unpaired users announced: %v", got)
	}
}
