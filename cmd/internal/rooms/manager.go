// Package rooms tracks ephemeral host-owned rooms: membership, per-member
// capability flags, and the mapping to a transport-level broadcast group.
package rooms

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tether/cmd/internal/store"
	v1 "tether/shared/contracts/sync/v1"
)

// Room operation failures are reported to the caller; the connection stays up.
var (
	ErrRoomConflict = errors.New("rooms: name taken by a different host")
	ErrRoomNotFound = errors.New("rooms: not found")
	ErrRoomFull     = errors.New("rooms: participant cap reached")
	ErrNoVibeAccess = errors.New("rooms: no vibe access")
)

// State is a room's lifecycle state.
type State uint8

const (
	// StateForming means the host registered but no room row is persisted yet.
	StateForming State = iota
	// StateActive means the room row exists and the host is present.
	StateActive
	// StateClosed is terminal: the room is removed and members evicted.
	StateClosed
)

// DefaultParticipantCap bounds the active participants of one room.
const DefaultParticipantCap = 20

const sweepInterval = time.Minute

// Groups is the transport-level broadcast group surface the hub provides.
type Groups interface {
	Add(room, handle string)
	Remove(room, handle string)
	Broadcast(room string, env v1.Envelope)
}

// RoomStore is the persisted slice of the Store contract the manager needs.
type RoomStore interface {
	ListRoomParticipants(ctx context.Context, roomName string) ([]store.RoomParticipant, error)
	ListRoomsFor(ctx context.Context, uid string) ([]string, error)
	UpsertRoom(ctx context.Context, room store.Room) error
	DeleteRoom(ctx context.Context, roomName string) error
	UpsertParticipant(ctx context.Context, p store.RoomParticipant) error
	SetParticipantActive(ctx context.Context, roomName, uid string, active bool) error
}

// Manager owns the in-memory room table. It is mutated only from connect,
// disconnect, and room request handlers; cross-key invariants are maintained
// by write ordering inside one lifecycle step, not a global lock.
type Manager struct {
	log    *slog.Logger
	store  RoomStore
	groups Groups
	cap    int

	// hostAlive reports whether a host uid still owns a live connection.
	// Used by the stale-room sweeper, injected to avoid a presence dependency.
	hostAlive func(uid string) bool

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	name    string
	hostUID string
	state   State
	// active maps uid -> connection handle currently in the broadcast group.
	active map[string]string
	// hostMissingSince is set by the sweeper when the host has no live
	// connection; two consecutive observations close the room.
	hostMissingSince time.Time

	cancelSweep context.CancelFunc
}

// Option configures the Manager.
type Option func(*Manager)

// WithParticipantCap overrides the active-participant cap.
func WithParticipantCap(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cap = n
		}
	}
}

// WithHostAliveFunc injects the host liveness probe used by the sweeper.
func WithHostAliveFunc(fn func(uid string) bool) Option {
	return func(m *Manager) { m.hostAlive = fn }
}

// NewManager constructs a room Manager.
func NewManager(log *slog.Logger, st RoomStore, groups Groups, opts ...Option) *Manager {
	m := &Manager{
		log:    log,
		store:  st,
		groups: groups,
		cap:    DefaultParticipantCap,
		rooms:  make(map[string]*roomState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateOrAttach ensures an Active room named roomName hosted by hostUID.
// Fails with ErrRoomConflict if the name is held by a different host;
// re-attaching as the same host is idempotent.
func (m *Manager) CreateOrAttach(ctx context.Context, hostUID, roomName, chatAlias, handle string) error {
	m.mu.Lock()
	r := m.rooms[roomName]
	if r != nil && r.hostUID != hostUID {
		m.mu.Unlock()
		return ErrRoomConflict
	}
	if r == nil {
		r = &roomState{
			name:    roomName,
			hostUID: hostUID,
			state:   StateForming,
			active:  make(map[string]string),
		}
		m.rooms[roomName] = r
	}
	m.mu.Unlock()

	// Persist before announcing Active. A persistence failure leaves the room
	// Forming and the caller sees the error; nothing was broadcast.
	if err := m.store.UpsertRoom(ctx, store.Room{Name: roomName, HostUID: hostUID}); err != nil {
		return err
	}
	if err := m.store.UpsertParticipant(ctx, store.RoomParticipant{
		RoomName:     roomName,
		UserUID:      hostUID,
		ChatAlias:    chatAlias,
		ActiveInRoom: true,
		VibeAccess:   true,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	r.state = StateActive
	prev := r.active[hostUID]
	r.active[hostUID] = handle
	if r.cancelSweep == nil {
		sweepCtx, cancel := context.WithCancel(context.Background())
		r.cancelSweep = cancel
		go m.sweepRoom(sweepCtx, roomName)
	}
	m.mu.Unlock()

	// A re-attach with a new connection must not leave the superseded handle
	// in the broadcast group.
	if prev != "" && prev != handle {
		m.groups.Remove(roomName, prev)
	}
	m.groups.Add(roomName, handle)
	m.log.Info("rooms.active", "room", roomName, "host", hostUID)
	return nil
}

// Join adds uid to an Active room and its broadcast group.
func (m *Manager) Join(ctx context.Context, uid, roomName, chatAlias string, vibeAccess bool, handle string) error {
	m.mu.Lock()
	r := m.rooms[roomName]
	if r == nil || r.state != StateActive {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	prev, already := r.active[uid]
	if !already && len(r.active) >= m.cap {
		m.mu.Unlock()
		return ErrRoomFull
	}
	r.active[uid] = handle
	m.mu.Unlock()

	if err := m.store.UpsertParticipant(ctx, store.RoomParticipant{
		RoomName:     roomName,
		UserUID:      uid,
		ChatAlias:    chatAlias,
		ActiveInRoom: true,
		VibeAccess:   vibeAccess,
	}); err != nil {
		m.mu.Lock()
		if already {
			r.active[uid] = prev
		} else {
			delete(r.active, uid)
		}
		m.mu.Unlock()
		return err
	}

	// A rejoin from a new connection supersedes the old handle in the group.
	if prev != "" && prev != handle {
		m.groups.Remove(roomName, prev)
	}
	m.groups.Add(roomName, handle)
	m.broadcastParticipant(roomName, v1.TypeRoomUserJoined, store.RoomParticipant{
		RoomName: roomName, UserUID: uid, ChatAlias: chatAlias, ActiveInRoom: true, VibeAccess: vibeAccess,
	})
	return nil
}

// Reattach re-derives group membership from persisted participant rows on
// reconnect. The row survives disconnects, so no duplicate is created; the
// user simply becomes active again in every room that is still Active here.
func (m *Manager) Reattach(ctx context.Context, uid, handle string) error {
	names, err := m.store.ListRoomsFor(ctx, uid)
	if err != nil {
		return err
	}

	for _, roomName := range names {
		m.mu.Lock()
		r := m.rooms[roomName]
		ok := r != nil && r.state == StateActive
		var prev string
		if ok {
			prev = r.active[uid]
			r.active[uid] = handle
		}
		m.mu.Unlock()
		if !ok {
			continue
		}

		if err := m.store.SetParticipantActive(ctx, roomName, uid, true); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// A reconnect takeover must evict the superseded connection's handle
		// from the group, or dead handles pile up for the process lifetime.
		if prev != "" && prev != handle {
			m.groups.Remove(roomName, prev)
		}
		m.groups.Add(roomName, handle)
		m.broadcastParticipant(roomName, v1.TypeRoomUserJoined, m.participantRow(ctx, roomName, uid))
		m.log.Info("rooms.reattach", "room", roomName, "uid", uid)
	}
	return nil
}

// participantRow loads uid's persisted row so broadcasts carry the same
// alias and access flags an explicit Join produces. Falls back to a minimal
// row when the store cannot answer.
func (m *Manager) participantRow(ctx context.Context, roomName, uid string) store.RoomParticipant {
	row := store.RoomParticipant{RoomName: roomName, UserUID: uid, ActiveInRoom: true}
	parts, err := m.store.ListRoomParticipants(ctx, roomName)
	if err != nil {
		return row
	}
	for _, p := range parts {
		if p.UserUID == uid {
			p.ActiveInRoom = true
			return p
		}
	}
	return row
}

// Leave removes uid's connection from the broadcast group and marks the
// participant inactive. The persisted row survives (intent-to-join).
func (m *Manager) Leave(ctx context.Context, uid, roomName, handle string) error {
	m.mu.Lock()
	r := m.rooms[roomName]
	if r == nil || r.state != StateActive {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(r.active, uid)
	m.mu.Unlock()

	m.groups.Remove(roomName, handle)
	if err := m.store.SetParticipantActive(ctx, roomName, uid, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m.broadcastParticipant(roomName, v1.TypeRoomUserLeft, store.RoomParticipant{
		RoomName: roomName, UserUID: uid,
	})
	return nil
}

// LeaveAll detaches uid from every room it is active in. Called from the
// disconnect path; when uid hosts a room the room closes (no auto-failover).
func (m *Manager) LeaveAll(ctx context.Context, uid, handle string) {
	m.mu.Lock()
	var member, hosted []string
	for name, r := range m.rooms {
		if r.state == StateClosed {
			continue
		}
		// Hosted rooms close in any pre-Closed state. A room stranded in
		// Forming by a persistence failure would otherwise block its name
		// forever: no sweeper runs for Forming rooms.
		if r.hostUID == uid {
			hosted = append(hosted, name)
			continue
		}
		if r.state != StateActive {
			continue
		}
		if _, ok := r.active[uid]; ok {
			delete(r.active, uid)
			member = append(member, name)
		}
	}
	m.mu.Unlock()

	for _, name := range member {
		m.groups.Remove(name, handle)
		if err := m.store.SetParticipantActive(ctx, name, uid, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("rooms.detach.persist_fail", "room", name, "uid", uid, "err", err)
		}
		m.broadcastParticipant(name, v1.TypeRoomUserLeft, store.RoomParticipant{RoomName: name, UserUID: uid})
	}
	for _, name := range hosted {
		if err := m.HostDisconnect(ctx, name); err != nil {
			m.log.Warn("rooms.host_close.fail", "room", name, "err", err)
		}
	}
}

// HostDisconnect closes roomName: no successor policy exists, so the room
// transitions to Closed, all members are evicted from the group and notified.
func (m *Manager) HostDisconnect(ctx context.Context, roomName string) error {
	m.mu.Lock()
	r := m.rooms[roomName]
	if r == nil || r.state == StateClosed {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	r.state = StateClosed
	handles := make([]string, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	cancel := r.cancelSweep
	delete(m.rooms, roomName)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	payload := mustMarshal(v1.RoomClosedPayload{RoomName: roomName, Reason: "host disconnected"})
	m.groups.Broadcast(roomName, v1.Envelope{
		V: v1.Version, Type: v1.TypeRoomClosed, TS: time.Now().UTC(), Payload: payload,
	})
	for _, h := range handles {
		m.groups.Remove(roomName, h)
	}

	if err := m.store.DeleteRoom(ctx, roomName); err != nil {
		return err
	}
	m.log.Info("rooms.closed", "room", roomName)
	return nil
}

// DeviceCommand fans a device command out to the room's broadcast group.
// Only members whose participant row grants vibe access may send.
func (m *Manager) DeviceCommand(ctx context.Context, uid, roomName string, env v1.Envelope) error {
	m.mu.Lock()
	r := m.rooms[roomName]
	active := false
	if r != nil && r.state == StateActive {
		_, active = r.active[uid]
	}
	m.mu.Unlock()
	if !active {
		return ErrRoomNotFound
	}

	// Capability re-check against the persisted row, not a cached flag.
	parts, err := m.store.ListRoomParticipants(ctx, roomName)
	if err != nil {
		return err
	}
	allowed := false
	for _, p := range parts {
		if p.UserUID == uid && p.VibeAccess {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrNoVibeAccess
	}

	m.groups.Broadcast(roomName, env)
	return nil
}

// HostedBy returns the name of the Active room hosted by uid, if any.
func (m *Manager) HostedBy(uid string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, r := range m.rooms {
		if r.state == StateActive && r.hostUID == uid {
			return name, true
		}
	}
	return "", false
}

// ActiveIn reports whether uid is currently active in roomName.
func (m *Manager) ActiveIn(uid, roomName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomName]
	if r == nil || r.state != StateActive {
		return false
	}
	_, ok := r.active[uid]
	return ok
}

// RoomState returns the current state of roomName.
func (m *Manager) RoomState(roomName string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomName]
	if r == nil {
		return StateClosed
	}
	return r.state
}

// ActiveRoomCount returns the number of rooms currently in the Active state.
func (m *Manager) ActiveRoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rooms {
		if r.state == StateActive {
			n++
		}
	}
	return n
}

// Shutdown cancels every room sweeper. Rooms are ephemeral; nothing else to do.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.cancelSweep != nil {
			r.cancelSweep()
			r.cancelSweep = nil
		}
	}
}

// sweepRoom is the per-room reconciliation loop: when the host's presence is
// gone across two consecutive ticks (crash without clean disconnect), the
// room is closed. Each room owns its loop and cancellation; cancelling one
// room's sweeper cannot affect another's.
func (m *Manager) sweepRoom(ctx context.Context, roomName string) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.hostAlive == nil {
				continue
			}

			m.mu.Lock()
			r := m.rooms[roomName]
			if r == nil || r.state != StateActive {
				m.mu.Unlock()
				return
			}
			host := r.hostUID
			alive := m.hostAlive(host)
			var stale bool
			if alive {
				r.hostMissingSince = time.Time{}
			} else if r.hostMissingSince.IsZero() {
				r.hostMissingSince = time.Now()
			} else {
				stale = true
			}
			m.mu.Unlock()

			if stale {
				m.log.Warn("rooms.sweep.host_gone", "room", roomName, "host", host)
				if err := m.HostDisconnect(ctx, roomName); err != nil && !errors.Is(err, ErrRoomNotFound) {
					m.log.Warn("rooms.sweep.close_fail", "room", roomName, "err", err)
				}
				return
			}
		}
	}
}
