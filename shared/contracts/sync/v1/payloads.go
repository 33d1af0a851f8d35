package v1

import "encoding/json"

// Severity classifies server messages shown to users.
type Severity string

const (
	SeverityInformation Severity = "information"
	SeverityWarning     Severity = "warning"
	SeverityError       Severity = "error"
)

// DataKind identifies which slice of paired state a data push carries.
type DataKind string

const (
	DataKindPairPerms  DataKind = "pair_perms"
	DataKindAppearance DataKind = "appearance"
	DataKindWardrobe   DataKind = "wardrobe"
	DataKindAlias      DataKind = "alias"
	DataKindToybox     DataKind = "toybox"
)

// PushTypeForKind maps a data kind to its broadcast-contract envelope type.
func PushTypeForKind(kind DataKind) (string, bool) {
	switch kind {
	case DataKindPairPerms:
		return TypeReceivePairPerms, true
	case DataKindAppearance:
		return TypeReceiveAppearance, true
	case DataKindWardrobe:
		return TypeReceiveWardrobe, true
	case DataKindAlias:
		return TypeReceiveAlias, true
	case DataKindToybox:
		return TypeReceiveToybox, true
	default:
		return "", false
	}
}

// ---- inbound payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	ClientVersion string `json:"client_version,omitempty"`
}

// DataPushPayload asks the server to fan a state update out to paired peers.
// Targets lists the peer uids the sender intends to reach; the server
// re-checks pair authorization per target at send time.
type DataPushPayload struct {
	Kind    DataKind        `json:"kind"`
	Targets []string        `json:"targets"`
	Data    json.RawMessage `json:"data"`
}

// RoomCreatePayload creates or re-attaches to a hosted room.
type RoomCreatePayload struct {
	RoomName  string `json:"room_name"`
	ChatAlias string `json:"chat_alias,omitempty"`
}

// RoomJoinPayload joins an active room.
type RoomJoinPayload struct {
	RoomName   string `json:"room_name"`
	ChatAlias  string `json:"chat_alias,omitempty"`
	VibeAccess bool   `json:"vibe_access,omitempty"`
}

// RoomLeavePayload leaves a room. Persisted membership survives.
type RoomLeavePayload struct {
	RoomName string `json:"room_name"`
}

// RoomDeviceCommandPayload sends a device command into a room.
type RoomDeviceCommandPayload struct {
	RoomName string          `json:"room_name"`
	Command  json.RawMessage `json:"command"`
}

// ---- push payloads ----

// HelloAckPayload carries the transport session handle assigned to the client.
type HelloAckPayload struct {
	Handle string `json:"handle"`
}

// HealthAckPayload reports whether the presence TTL refresh reached the
// distributed store. False means local-only (degraded) presence.
type HealthAckPayload struct {
	Refreshed bool `json:"refreshed"`
}

// ServerMessagePayload is a user-visible server notice.
type ServerMessagePayload struct {
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
}

// UserOnlinePayload announces a paired peer coming online.
type UserOnlinePayload struct {
	UID        string `json:"uid"`
	CharaIdent string `json:"chara_ident"`
}

// UserOfflinePayload announces a paired peer going offline.
type UserOfflinePayload struct {
	UID string `json:"uid"`
}

// DataReceivePayload delivers a slice of a paired peer's state.
type DataReceivePayload struct {
	FromUID string          `json:"from_uid"`
	Kind    DataKind        `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// VerificationPopupPayload requests out-of-band account-claim confirmation.
type VerificationPopupPayload struct {
	Code string `json:"code"`
}

// RoomParticipantInfo describes one member of a room.
type RoomParticipantInfo struct {
	UID          string `json:"uid"`
	ChatAlias    string `json:"chat_alias,omitempty"`
	ActiveInRoom bool   `json:"active_in_room"`
	VibeAccess   bool   `json:"vibe_access"`
}

// RoomInfo describes a room and its membership.
type RoomInfo struct {
	RoomName       string                `json:"room_name"`
	Host           RoomParticipantInfo   `json:"host"`
	ConnectedUsers []RoomParticipantInfo `json:"connected_users"`
}

// RoomAckPayload acknowledges a room operation.
type RoomAckPayload struct {
	RoomName string    `json:"room_name"`
	Op       string    `json:"op"`
	Room     *RoomInfo `json:"room,omitempty"`
}

// RoomClosedPayload tells members a room no longer exists.
type RoomClosedPayload struct {
	RoomName string `json:"room_name"`
	Reason   string `json:"reason,omitempty"`
}

// RoomUserPayload announces a participant transition inside a room.
type RoomUserPayload struct {
	RoomName    string              `json:"room_name"`
	Participant RoomParticipantInfo `json:"participant"`
}

// DeviceCommandPayload delivers a device command to a room member.
type DeviceCommandPayload struct {
	RoomName string          `json:"room_name"`
	FromUID  string          `json:"from_uid"`
	Command  json.RawMessage `json:"command"`
}

// ConnectionInfoPayload is the caller's connection descriptor.
type ConnectionInfoPayload struct {
	ProtocolVersion string     `json:"protocol_version"`
	UID             string     `json:"uid"`
	OnlineUsers     int        `json:"online_users"`
	HostedRoom      *RoomInfo  `json:"hosted_room,omitempty"`
	ConnectedRooms  []RoomInfo `json:"connected_rooms,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
