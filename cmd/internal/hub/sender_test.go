package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"tether/cmd/internal/metrics"
	"tether/cmd/internal/presence"
	v1 "tether/shared/contracts/sync/v1"
)

func newTestSender(t *testing.T) (*Sender, *presence.Directory, *Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := presence.NewDirectory()
	reg := NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	return NewSender(log, dir, reg, m), dir, reg
}

func register(t *testing.T, dir *presence.Directory, reg *Registry, uid, handle string, queue int) *Client {
	t.Helper()
	c := NewClient(uid, "ident-"+uid, handle, "test", queue)
	dir.Upsert(uid, handle)
	reg.Add(c)
	return c
}

func TestSenderToUser(t *testing.T) {
	t.Parallel()

	s, dir, reg := newTestSender(t)
	c := register(t, dir, reg, "u-1", "h-1", 4)

	if !s.ToUser("u-1", NewEnvelope(v1.TypeUserOnline, v1.UserOnlinePayload{UID: "u-2"})) {
		t.Fatal("expected delivery to a registered user")
	}
	if s.ToUser("ghost", NewEnvelope(v1.TypeUserOnline, v1.UserOnlinePayload{UID: "u-2"})) {
		t.Fatal("expected no delivery for an unknown user")
	}

	env := <-c.Send
	if env.Type != v1.TypeUserOnline {
		t.Fatalf("type=%s", env.Type)
	}
}

func TestSenderDropsOnFullQueue(t *testing.T) {
	t.Parallel()

	s, dir, reg := newTestSender(t)
	// Queue of 1: second push must drop, not block.
	c := register(t, dir, reg, "u-1", "h-1", 1)

	if !s.ToClient(c, NewEnvelope(v1.TypeUserOnline, v1.UserOnlinePayload{UID: "a"})) {
		t.Fatal("first push should land")
	}
	if s.ToClient(c, NewEnvelope(v1.TypeUserOnline, v1.UserOnlinePayload{UID: "b"})) {
		t.Fatal("second push should drop on a full queue")
	}
}

func TestSenderDropsOnClosedClient(t *testing.T) {
	t.Parallel()

	s, dir, reg := newTestSender(t)
	c := register(t, dir, reg, "u-1", "h-1", 4)
	c.Close()

	if s.ToClient(c, NewEnvelope(v1.TypeUserOffline, v1.UserOfflinePayload{UID: "a"})) {
		t.Fatal("push to a closed client should drop")
	}
	if s.ToClient(nil, NewEnvelope(v1.TypeUserOffline, v1.UserOfflinePayload{UID: "a"})) {
		t.Fatal("push to nil client should drop")
	}
}

func TestSenderVerificationPopup(t *testing.T) {
	t.Parallel()

	s, dir, reg := newTestSender(t)
	c := register(t, dir, reg, "u-1", "h-1", 4)

	if !s.VerificationPopup("u-1", "CLAIM-123") {
		t.Fatal("expected popup delivery")
	}

	env := <-c.Send
	if env.Type != v1.TypeVerificationPopup {
		t.Fatalf("type=%s", env.Type)
	}
	var p v1.VerificationPopupPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "CLAIM-123" {
		t.Fatalf("code=%q", p.Code)
	}
}

func TestSenderServerMessage(t *testing.T) {
	t.Parallel()

	s, dir, reg := newTestSender(t)
	c := register(t, dir, reg, "u-1", "h-1", 4)

	s.ServerMessage(c, v1.SeverityWarning, "maintenance soon")

	env := <-c.Send
	if env.Type != v1.TypeReceiveServerMessage {
		t.Fatalf("type=%s", env.Type)
	}
	var p v1.ServerMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Severity != v1.SeverityWarning || p.Text != "maintenance soon" {
		t.Fatalf("payload=%+v", p)
	}
}
