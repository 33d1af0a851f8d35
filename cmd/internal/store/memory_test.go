package store

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func TestMemoryStoreUserLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	s.PutUser(User{UID: "u1", Alias: "alias-1"})

	byUID, err := s.FindUserByIdentity(ctx, "u1")
	if err != nil || byUID.UID != "u1" {
		t.Fatalf("by uid: %+v err=%v", byUID, err)
	}
	byAlias, err := s.FindUserByIdentity(ctx, "alias-1")
	if err != nil || byAlias.UID != "u1" {
		t.Fatalf("by alias: %+v err=%v", byAlias, err)
	}

	if _, err := s.FindUserByIdentity(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: err=%v", err)
	}

	s.RemoveUser("u1")
	if _, err := s.FindUserByIdentity(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed user still found: err=%v", err)
	}
}

func TestMemoryStoreTouchLastLogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	s.PutUser(User{UID: "u1", Alias: "a1"})

	when := time.Now().UTC().Truncate(time.Second)
	if err := s.TouchLastLogin(ctx, "u1", when); err != nil {
		t.Fatal(err)
	}
	u, _ := s.FindUserByIdentity(ctx, "u1")
	if !u.LastLogin.Equal(when) {
		t.Fatalf("last_login=%v want=%v", u.LastLogin, when)
	}

	if err := s.TouchLastLogin(ctx, "ghost", when); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch unknown: err=%v", err)
	}
}

func TestMemoryStorePairLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	s.PutPairLink(PairLink{UserUID: "u1", OtherUID: "u2", AllowPerms: true})
	s.PutPairLink(PairLink{UserUID: "u1", OtherUID: "u3"})
	s.PutPairLink(PairLink{UserUID: "u2", OtherUID: "u1", AllowToybox: true})

	links, err := s.ListPairLinksFor(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	others := make([]string, 0, len(links))
	for _, l := range links {
		others = append(others, l.OtherUID)
	}
	sort.Strings(others)
	if len(others) != 2 || others[0] != "u2" || others[1] != "u3" {
		t.Fatalf("links=%v", others)
	}

	l, err := s.FindPairLink(ctx, "u1", "u2")
	if err != nil || !l.AllowPerms {
		t.Fatalf("link=%+v err=%v", l, err)
	}
	back, err := s.FindPairLink(ctx, "u2", "u1")
	if err != nil || !back.AllowToybox {
		t.Fatalf("reverse link=%+v err=%v", back, err)
	}

	s.RemovePairLink("u1", "u2")
	if _, err := s.FindPairLink(ctx, "u1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed link still found: err=%v", err)
	}
	// The reverse direction is a separate link.
	if _, err := s.FindPairLink(ctx, "u2", "u1"); err != nil {
		t.Fatalf("reverse link lost: %v", err)
	}
}

func TestMemoryStoreRoomsLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.UpsertRoom(ctx, Room{Name: "R1", HostUID: "host"}); err != nil {
		t.Fatal(err)
	}

	room, err := s.FindHostedRoom(ctx, "host")
	if err != nil || room.Name != "R1" {
		t.Fatalf("hosted: %+v err=%v", room, err)
	}
	if _, err := s.FindHostedRoom(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-host: err=%v", err)
	}
	if _, err := s.FindRoomByName(ctx, "R2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown room: err=%v", err)
	}

	parts := []RoomParticipant{
		{RoomName: "R1", UserUID: "host", ChatAlias: "H", ActiveInRoom: true},
		{RoomName: "R1", UserUID: "m1", ChatAlias: "M", ActiveInRoom: true, VibeAccess: true},
	}
	for _, p := range parts {
		if err := s.UpsertParticipant(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.SetParticipantActive(ctx, "R1", "m1", false); err != nil {
		t.Fatal(err)
	}
	got, _ := s.ListRoomParticipants(ctx, "R1")
	for _, p := range got {
		if p.UserUID == "m1" && p.ActiveInRoom {
			t.Fatal("m1 should be inactive")
		}
		if p.UserUID == "m1" && !p.VibeAccess {
			t.Fatal("vibe_access lost on deactivate")
		}
	}

	names, _ := s.ListRoomsFor(ctx, "m1")
	if len(names) != 1 || names[0] != "R1" {
		t.Fatalf("rooms for m1: %v", names)
	}

	if err := s.DeleteRoom(ctx, "R1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindRoomByName(ctx, "R1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted room found: err=%v", err)
	}
	if left, _ := s.ListRoomParticipants(ctx, "R1"); len(left) != 0 {
		t.Fatalf("participants survived delete: %v", left)
	}
}

func TestPairLinkAllows(t *testing.T) {
	t.Parallel()

	l := PairLink{AllowPerms: true, AllowWardrobe: true}

	cases := []struct {
		kind string
		want bool
	}{
		{kind: "pair_perms", want: true},
		{kind: "wardrobe", want: true},
		{kind: "appearance", want: false},
		{kind: "alias", want: false},
		{kind: "toybox", want: false},
		{kind: "bogus", want: false},
	}
	for _, tc := range cases {
		if got := l.Allows(tc.kind); got != tc.want {
			t.Fatalf("Allows(%q)=%v want=%v", tc.kind, got, tc.want)
		}
	}
}
