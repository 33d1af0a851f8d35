package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"tether/cmd/internal/metrics"
	"tether/cmd/internal/presence"
	"tether/cmd/internal/rooms"
	"tether/cmd/internal/store"
	v1 "tether/shared/contracts/sync/v1"

	"github.com/prometheus/client_golang/prometheus"
)

// downStatusStore refuses every operation, as a dead Redis would.
type downStatusStore struct{}

var errStatusDown = errors.New("dial tcp: connection refused")

func (downStatusStore) MarkOnline(context.Context, string, string) error { return errStatusDown }
func (downStatusStore) MarkOffline(context.Context, string) error        { return errStatusDown }
func (downStatusStore) Refresh(context.Context, string) error            { return errStatusDown }
func (downStatusStore) IsOnline(context.Context, string) (bool, error) {
	return false, errStatusDown
}
func (downStatusStore) CountOnline(context.Context) (int, error) { return 0, errStatusDown }

func newDegradedHub(t *testing.T) *testHub {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := store.NewMemoryStore()
	dir := presence.NewDirectory()
	m := metrics.New(prometheus.NewRegistry())

	registry := NewRegistry()
	sender := NewSender(log, dir, registry, m)
	groups := NewGroupRegistry(registry, sender)
	pairs := presence.NewPairCache(log, db, dir)

	roomMgr := rooms.NewManager(log, db, groups,
		rooms.WithHostAliveFunc(func(uid string) bool {
			_, ok := dir.Lookup(uid)
			return ok
		}),
	)
	t.Cleanup(roomMgr.Shutdown)

	h := New(Deps{
		Log:      log,
		DB:       db,
		Dir:      dir,
		Status:   presence.NewRetryingStatusStore(log, downStatusStore{}),
		Pairs:    pairs,
		Rooms:    roomMgr,
		Registry: registry,
		Groups:   groups,
		Sender:   sender,
		Metrics:  m,
	})

	return &testHub{hub: h, store: db, dir: dir}
}

// A session must come up on local presence alone when the status store is
// unreachable: the shared count is best-effort, the connection is not.
func TestConnectSucceedsWhenStatusStoreDown(t *testing.T) {
	t.Parallel()

	th := newDegradedHub(t)
	th.seedUser("solo")

	c := th.connect(t, "solo")

	if _, ok := th.dir.Lookup("solo"); !ok {
		t.Fatal("expected solo in local directory despite degraded status store")
	}

	envs := drain(c)
	var notice v1.ServerMessagePayload
	found := false
	for _, env := range envs {
		if env.Type != v1.TypeReceiveServerMessage {
			continue
		}
		if err := json.Unmarshal(env.Payload, &notice); err != nil {
			t.Fatalf("decode server message: %v", err)
		}
		found = true
	}
	if !found {
		t.Fatalf("no server message in %v", typesOf(envs))
	}
	if notice.Text != "Connected to the sync server." {
		t.Fatalf("welcome=%q, want the count-free fallback", notice.Text)
	}

	th.hub.Disconnect(context.Background(), c, nil)
	if _, ok := th.dir.Lookup("solo"); ok {
		t.Fatal("expected solo removed from directory after disconnect")
	}
}
