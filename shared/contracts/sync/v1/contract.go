// Package v1 defines the Tether Sync Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
//
// Types are split into two disjoint direction sets. Inbound types are the only
// ones a client may send. Push types form the broadcast contract: operations
// the server invokes on a client, never callable in the reverse direction.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Inbound type constants (client -> server, wire-stable).
const (
	// TypeHello starts a session handshake.
	TypeHello = "hello"
	// TypeHealthCheck refreshes the caller's presence TTL.
	TypeHealthCheck = "health_check"
	// TypeConnectionInfoGet requests the caller's connection descriptor.
	TypeConnectionInfoGet = "connection_info_get"
	// TypeDataPush asks the server to push a state update to paired peers.
	TypeDataPush = "data_push"

	// TypeRoomCreate creates (or re-attaches to) a hosted room.
	TypeRoomCreate = "room_create"
	// TypeRoomJoin joins an active room.
	TypeRoomJoin = "room_join"
	// TypeRoomLeave leaves a room without dropping persisted membership.
	TypeRoomLeave = "room_leave"
	// TypeRoomDeviceCommand sends a device command into a room.
	TypeRoomDeviceCommand = "room_device_command"
)

// Push type constants (server -> client, wire-stable).
const (
	// TypeHelloAck acknowledges the session handshake.
	TypeHelloAck = "hello_ack"
	// TypeHealthAck acknowledges a health check.
	TypeHealthAck = "health_ack"
	// TypeConnectionInfo returns the caller's connection descriptor.
	TypeConnectionInfo = "connection_info"
	// TypeRoomAck acknowledges a room operation.
	TypeRoomAck = "room_ack"

	// TypeReceiveServerMessage delivers a server notice to one client or broadcast.
	TypeReceiveServerMessage = "receive_server_message"
	// TypeUserOnline tells a paired peer that a user came online.
	TypeUserOnline = "user_online"
	// TypeUserOffline tells a paired peer that a user went offline.
	TypeUserOffline = "user_offline"

	// TypeReceivePairPerms delivers a pair permission update.
	TypeReceivePairPerms = "receive_pair_perms"
	// TypeReceiveAppearance delivers an appearance state update.
	TypeReceiveAppearance = "receive_appearance"
	// TypeReceiveWardrobe delivers a wardrobe state update.
	TypeReceiveWardrobe = "receive_wardrobe"
	// TypeReceiveAlias delivers an alias state update.
	TypeReceiveAlias = "receive_alias"
	// TypeReceiveToybox delivers a toybox state update.
	TypeReceiveToybox = "receive_toybox"

	// TypeVerificationPopup requests an out-of-band account-claim confirmation.
	TypeVerificationPopup = "verification_popup"

	// TypeRoomClosed tells room members the room is gone.
	TypeRoomClosed = "room_closed"
	// TypeRoomUserJoined tells room members a participant became active.
	TypeRoomUserJoined = "room_user_joined"
	// TypeRoomUserLeft tells room members a participant went inactive.
	TypeRoomUserLeft = "room_user_left"
	// TypeReceiveDeviceCommand delivers a device command to a room member.
	TypeReceiveDeviceCommand = "receive_device_command"

	// TypeError is a generic error envelope.
	TypeError = "error"
)

// ErrProtocolViolation marks a client attempting to invoke a server-only push type.
var ErrProtocolViolation = errors.New("protocol violation: server-only type")

var inboundTypes = map[string]struct{}{
	TypeHello:             {},
	TypeHealthCheck:       {},
	TypeConnectionInfoGet: {},
	TypeDataPush:          {},
	TypeRoomCreate:        {},
	TypeRoomJoin:          {},
	TypeRoomLeave:         {},
	TypeRoomDeviceCommand: {},
}

var pushTypes = map[string]struct{}{
	TypeHelloAck:             {},
	TypeHealthAck:            {},
	TypeConnectionInfo:       {},
	TypeRoomAck:              {},
	TypeReceiveServerMessage: {},
	TypeUserOnline:           {},
	TypeUserOffline:          {},
	TypeReceivePairPerms:     {},
	TypeReceiveAppearance:    {},
	TypeReceiveWardrobe:      {},
	TypeReceiveAlias:         {},
	TypeReceiveToybox:        {},
	TypeVerificationPopup:    {},
	TypeRoomClosed:           {},
	TypeRoomUserJoined:       {},
	TypeRoomUserLeft:         {},
	TypeReceiveDeviceCommand: {},
	TypeError:                {},
}

// IsPushType reports whether typ belongs to the broadcast contract.
func IsPushType(typ string) bool {
	_, ok := pushTypes[typ]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ValidateInbound performs strict structural validation for a client-sent
// envelope. A push type arriving here is a direction violation, not a malformed
// frame: it is reported as ErrProtocolViolation so the gateway can terminate.
func (e Envelope) ValidateInbound() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	typ := strings.TrimSpace(e.Type)
	if typ == "" {
		return errors.New("missing field: type")
	}
	if _, ok := pushTypes[typ]; ok {
		return fmt.Errorf("%w: %q", ErrProtocolViolation, typ)
	}
	if _, ok := inboundTypes[typ]; !ok {
		return fmt.Errorf("unknown type: %q", typ)
	}
	return nil
}
