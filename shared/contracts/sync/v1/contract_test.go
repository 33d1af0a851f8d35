package v1

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEnvelopeValidateInbound(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	payload := json.RawMessage(`{}`)

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "hello", env: Envelope{V: Version, Type: TypeHello, ID: "1", TS: now, Payload: payload}},
		{name: "room join", env: Envelope{V: Version, Type: TypeRoomJoin, ID: "2", TS: now, Payload: payload}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeHello}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "banana"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.ValidateInbound()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelopeValidateInbound_PushTypesRejected(t *testing.T) {
	t.Parallel()

	// Every push type arriving from a client is a direction violation, not a
	// plain validation failure.
	for typ := range pushTypes {
		env := Envelope{V: Version, Type: typ}
		err := env.ValidateInbound()
		if !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("type %q: expected ErrProtocolViolation, got %v", typ, err)
		}
	}
}

func TestPushTypeForKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind DataKind
		want string
		ok   bool
	}{
		{kind: DataKindPairPerms, want: TypeReceivePairPerms, ok: true},
		{kind: DataKindAppearance, want: TypeReceiveAppearance, ok: true},
		{kind: DataKindWardrobe, want: TypeReceiveWardrobe, ok: true},
		{kind: DataKindAlias, want: TypeReceiveAlias, ok: true},
		{kind: DataKindToybox, want: TypeReceiveToybox, ok: true},
		{kind: DataKind("unknown"), want: "", ok: false},
	}

	for _, tc := range cases {
		got, ok := PushTypeForKind(tc.kind)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("PushTypeForKind(%q)=(%q,%v) want (%q,%v)", tc.kind, got, ok, tc.want, tc.ok)
		}
	}

	for k, typ := range map[DataKind]string{
		DataKindPairPerms:  TypeReceivePairPerms,
		DataKindAppearance: TypeReceiveAppearance,
	} {
		if got, _ := PushTypeForKind(k); !IsPushType(got) || got != typ {
			t.Fatalf("kind %q must map into the push set", k)
		}
	}
}
