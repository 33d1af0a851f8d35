// Package store is the persistence collaborator boundary: durable users,
// pair links, rooms, participants and profile reports. The hub calls it
// synchronously inside lifecycle steps and treats failures as
// retryable-once-then-surfaced.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// User is a registered account. The hub treats UID as an opaque key.
type User struct {
	UID       string
	Alias     string
	LastLogin time.Time
}

// PairLink is the directional authorization relationship between two users.
// The hub only reads it; mutation belongs to the pairing service.
type PairLink struct {
	UserUID  string
	OtherUID string

	// Directional permission flags granted by UserUID to OtherUID.
	AllowPerms      bool
	AllowAppearance bool
	AllowWardrobe   bool
	AllowAlias      bool
	AllowToybox     bool
}

// Allows reports whether the link grants the named data kind.
func (l PairLink) Allows(kind string) bool {
	switch kind {
	case "pair_perms":
		return l.AllowPerms
	case "appearance":
		return l.AllowAppearance
	case "wardrobe":
		return l.AllowWardrobe
	case "alias":
		return l.AllowAlias
	case "toybox":
		return l.AllowToybox
	default:
		return false
	}
}

// Room is a persisted room row. Exactly one host per room.
type Room struct {
	Name    string
	HostUID string
}

// RoomParticipant is persisted intent-to-join plus live flags.
// ActiveInRoom reflects broadcast-group membership, not the row's existence.
type RoomParticipant struct {
	RoomName     string
	UserUID      string
	ChatAlias    string
	ActiveInRoom bool
	VibeAccess   bool
}

// ProfileReport records a user-profile moderation report.
type ProfileReport struct {
	ReportedUID  string
	ReportingUID string
	Reason       string
	ReportedAt   time.Time
}

// Store is the persistence collaborator consumed by the hub.
type Store interface {
	// FindUserByIdentity resolves a uid or alias to a user.
	// Returns ErrNotFound for revoked/expired identities.
	FindUserByIdentity(ctx context.Context, ident string) (User, error)
	TouchLastLogin(ctx context.Context, uid string, at time.Time) error

	ListPairLinksFor(ctx context.Context, uid string) ([]PairLink, error)
	// FindPairLink returns the directional link from uid to otherUID.
	FindPairLink(ctx context.Context, uid, otherUID string) (PairLink, error)

	FindHostedRoom(ctx context.Context, hostUID string) (Room, error)
	FindRoomByName(ctx context.Context, roomName string) (Room, error)
	ListRoomParticipants(ctx context.Context, roomName string) ([]RoomParticipant, error)
	ListRoomsFor(ctx context.Context, uid string) ([]string, error)
	UpsertRoom(ctx context.Context, room Room) error
	DeleteRoom(ctx context.Context, roomName string) error
	UpsertParticipant(ctx context.Context, p RoomParticipant) error
	SetParticipantActive(ctx context.Context, roomName, uid string, active bool) error

	SaveProfileReport(ctx context.Context, r ProfileReport) error

	Close() error
}
