package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tether/cmd/internal/metrics"
	"tether/cmd/internal/presence"
	"tether/cmd/internal/rooms"
	"tether/cmd/internal/store"
	v1 "tether/shared/contracts/sync/v1"
)

// ErrIdentityRevoked marks a connect attempt with an identity that no longer
// exists in persistence. The connection is terminated with an explanatory
// message; there is nothing to retry.
var ErrIdentityRevoked = errors.New("hub: identity revoked")

// Hub is the session lifecycle orchestrator. It owns the presence directory,
// client registry and room manager for this process; they are created at
// startup and passed here, never reached as ambient globals.
type Hub struct {
	log      *slog.Logger
	db       store.Store
	dir      *presence.Directory
	status   presence.StatusStore
	pairs    *presence.PairCache
	rooms    *rooms.Manager
	registry *Registry
	groups   *GroupRegistry
	sender   *Sender
	metrics  *metrics.Metrics
}

// Deps bundles the collaborators the Hub drives.
type Deps struct {
	Log      *slog.Logger
	DB       store.Store
	Dir      *presence.Directory
	Status   presence.StatusStore
	Pairs    *presence.PairCache
	Rooms    *rooms.Manager
	Registry *Registry
	Groups   *GroupRegistry
	Sender   *Sender
	Metrics  *metrics.Metrics
}

// New constructs a Hub from its dependencies.
func New(d Deps) *Hub {
	return &Hub{
		log:      d.Log,
		db:       d.DB,
		dir:      d.Dir,
		status:   d.Status,
		pairs:    d.Pairs,
		rooms:    d.Rooms,
		registry: d.Registry,
		groups:   d.Groups,
		sender:   d.Sender,
		metrics:  d.Metrics,
	}
}

// Sender exposes the push capability for wiring (presence notifier, gateway).
func (h *Hub) Sender() *Sender { return h.sender }

// Rooms exposes the room manager for wiring (host liveness probe).
func (h *Hub) Rooms() *rooms.Manager { return h.rooms }

// Connect runs the lifecycle connect step for an authenticated client.
//
// Ordering matters: the persistence check runs first, before any in-memory
// mutation, so a failed step leaves no partial presence state behind.
func (h *Hub) Connect(ctx context.Context, c *Client) error {
	user, err := h.findUserRetry(ctx, c.UID)
	if errors.Is(err, store.ErrNotFound) {
		h.metrics.ConnectionsRejected.WithLabelValues("revoked").Inc()
		return fmt.Errorf("%w: %s", ErrIdentityRevoked, c.UID)
	}
	if err != nil {
		h.metrics.ConnectionsRejected.WithLabelValues("persistence").Inc()
		return fmt.Errorf("hub: identity lookup: %w", err)
	}
	// Claims may carry the revocable alias; presence is keyed by the stable uid.
	c.UID = user.UID

	if err := h.db.TouchLastLogin(ctx, user.UID, nowUTC()); err != nil {
		h.log.Warn("hub.connect.touch_fail", "uid", user.UID, "err", err)
	}

	h.registry.Add(c)

	prev, took := h.dir.Upsert(c.UID, c.Handle)
	if took {
		// Takeover: the new mapping is authoritative. The superseded
		// connection is not force-closed here; its own health check fails
		// within one TTL and its disconnect hits the mismatch guard.
		h.metrics.Takeovers.Inc()
		h.log.Warn("hub.connect.takeover", "uid", c.UID, "old_handle", prev, "new_handle", c.Handle, "remote", c.Remote)
	} else {
		h.log.Info("hub.connect", "uid", c.UID, "handle", c.Handle, "chara_ident", c.CharaIdent, "remote", c.Remote)
	}

	if err := h.status.MarkOnline(ctx, c.UID, c.CharaIdent); err != nil {
		// Degrade to local-only presence; the global count becomes best-effort.
		h.log.Warn("hub.connect.status_degraded", "uid", c.UID, "err", err)
	}

	if err := h.rooms.Reattach(ctx, c.UID, c.Handle); err != nil {
		h.log.Warn("hub.connect.reattach_fail", "uid", c.UID, "err", err)
	}

	if err := h.pairs.OnUserOnline(ctx, h.sender, c.UID, c.CharaIdent); err != nil {
		h.log.Warn("hub.connect.pairs_fail", "uid", c.UID, "err", err)
	}

	h.metrics.ConnectionsInitialized.Inc()

	if n, err := h.status.CountOnline(ctx); err == nil {
		h.sender.ServerMessage(c, v1.SeverityInformation,
			fmt.Sprintf("Connected to the sync server. %d users online.", n))
	} else {
		h.sender.ServerMessage(c, v1.SeverityInformation, "Connected to the sync server.")
	}
	return nil
}

// Disconnect runs the lifecycle disconnect step. It acts only when the
// disconnecting handle still matches the directory's current handle; a
// superseded connection's disconnect is expected during takeover and must
// not evict normally the newer session. Cleanup always completes; errors are
// logged, never propagated past this boundary.
func (h *Hub) Disconnect(ctx context.Context, c *Client, cause error) {
	defer h.registry.Remove(c.Handle)

	if !h.dir.Remove(c.UID, c.Handle) {
		// Expected during takeover, not an error.
		h.log.Info("hub.disconnect.stale", "uid", c.UID, "handle", c.Handle, "remote", c.Remote)
		return
	}

	if cause != nil {
		h.log.Warn("hub.disconnect.cause", "uid", c.UID, "handle", c.Handle, "remote", c.Remote, "err", cause)
	}

	if err := h.status.MarkOffline(ctx, c.UID); err != nil {
		h.log.Warn("hub.disconnect.status_degraded", "uid", c.UID, "err", err)
	}

	h.rooms.LeaveAll(ctx, c.UID, c.Handle)

	if err := h.pairs.OnUserOffline(ctx, h.sender, c.UID); err != nil {
		h.log.Warn("hub.disconnect.pairs_fail", "uid", c.UID, "err", err)
	}

	h.log.Info("hub.disconnect", "uid", c.UID, "handle", c.Handle)
}

// CheckHealth refreshes the caller's presence TTL. Requires Authenticated.
func (h *Hub) CheckHealth(ctx context.Context, c *Client) v1.HealthAckPayload {
	err := h.status.Refresh(ctx, c.UID)
	if err != nil {
		h.log.Warn("hub.health.refresh_fail", "uid", c.UID, "err", err)
	}
	return v1.HealthAckPayload{Refreshed: err == nil}
}

// ConnectionInfo builds the caller's connection descriptor. Requires Identified.
func (h *Hub) ConnectionInfo(ctx context.Context, c *Client) (v1.ConnectionInfoPayload, error) {
	info := v1.ConnectionInfoPayload{
		ProtocolVersion: v1.Version,
		UID:             c.UID,
	}

	if n, err := h.status.CountOnline(ctx); err == nil {
		info.OnlineUsers = n
	}

	if name, ok := h.rooms.HostedBy(c.UID); ok {
		room, err := h.roomInfo(ctx, name)
		if err != nil {
			return v1.ConnectionInfoPayload{}, err
		}
		info.HostedRoom = &room
	}

	names, err := h.db.ListRoomsFor(ctx, c.UID)
	if err != nil {
		return v1.ConnectionInfoPayload{}, fmt.Errorf("hub: list rooms: %w", err)
	}
	for _, name := range names {
		if info.HostedRoom != nil && info.HostedRoom.RoomName == name {
			continue
		}
		if h.rooms.RoomState(name) != rooms.StateActive {
			continue
		}
		room, err := h.roomInfo(ctx, name)
		if err != nil {
			return v1.ConnectionInfoPayload{}, err
		}
		info.ConnectedRooms = append(info.ConnectedRooms, room)
	}
	return info, nil
}

// DataPush fans a state update out to the requested paired peers. The pair
// link and its permission flag are re-checked per target at send time; a link
// revoked since the client cached its pair list suppresses that delivery.
func (h *Hub) DataPush(ctx context.Context, c *Client, p v1.DataPushPayload) (delivered int, err error) {
	pushType, ok := v1.PushTypeForKind(p.Kind)
	if !ok {
		return 0, fmt.Errorf("hub: unknown data kind: %q", p.Kind)
	}
	if len(p.Data) > maxDataPushBytes {
		return 0, fmt.Errorf("hub: data push too large: max=%d bytes", maxDataPushBytes)
	}

	for _, target := range p.Targets {
		target = strings.TrimSpace(target)
		if target == "" || target == c.UID {
			continue
		}

		link, err := h.db.FindPairLink(ctx, c.UID, target)
		if errors.Is(err, store.ErrNotFound) {
			h.log.Debug("hub.push.suppressed", "from", c.UID, "to", target, "reason", "unpaired")
			continue
		}
		if err != nil {
			return delivered, fmt.Errorf("hub: pair check: %w", err)
		}
		if !link.Allows(string(p.Kind)) {
			h.log.Debug("hub.push.suppressed", "from", c.UID, "to", target, "reason", "permission")
			continue
		}

		env := NewEnvelope(pushType, v1.DataReceivePayload{
			FromUID: c.UID,
			Kind:    p.Kind,
			Data:    p.Data,
		})
		if h.sender.ToUser(target, env) {
			delivered++
		}
	}
	return delivered, nil
}

// RoomCreate ensures an Active room hosted by the caller. Requires Authenticated.
func (h *Hub) RoomCreate(ctx context.Context, c *Client, p v1.RoomCreatePayload) error {
	name := strings.TrimSpace(p.RoomName)
	if name == "" {
		return errors.New("hub: missing room_name")
	}
	return h.rooms.CreateOrAttach(ctx, c.UID, name, p.ChatAlias, c.Handle)
}

// RoomJoin joins an Active room. Requires Authenticated.
func (h *Hub) RoomJoin(ctx context.Context, c *Client, p v1.RoomJoinPayload) error {
	name := strings.TrimSpace(p.RoomName)
	if name == "" {
		return errors.New("hub: missing room_name")
	}
	return h.rooms.Join(ctx, c.UID, name, p.ChatAlias, p.VibeAccess, c.Handle)
}

// RoomLeave leaves a room; persisted membership survives. Requires Authenticated.
func (h *Hub) RoomLeave(ctx context.Context, c *Client, p v1.RoomLeavePayload) error {
	name := strings.TrimSpace(p.RoomName)
	if name == "" {
		return errors.New("hub: missing room_name")
	}
	return h.rooms.Leave(ctx, c.UID, name, c.Handle)
}

// RoomDeviceCommand fans a device command into a room the caller is active in.
func (h *Hub) RoomDeviceCommand(ctx context.Context, c *Client, p v1.RoomDeviceCommandPayload) error {
	name := strings.TrimSpace(p.RoomName)
	if name == "" {
		return errors.New("hub: missing room_name")
	}
	env := NewEnvelope(v1.TypeReceiveDeviceCommand, v1.DeviceCommandPayload{
		RoomName: name,
		FromUID:  c.UID,
		Command:  p.Command,
	})
	return h.rooms.DeviceCommand(ctx, c.UID, name, env)
}

func (h *Hub) roomInfo(ctx context.Context, name string) (v1.RoomInfo, error) {
	parts, err := h.db.ListRoomParticipants(ctx, name)
	if err != nil {
		return v1.RoomInfo{}, fmt.Errorf("hub: room participants: %w", err)
	}

	room, err := h.db.FindRoomByName(ctx, name)
	if err != nil {
		return v1.RoomInfo{}, err
	}

	info := v1.RoomInfo{RoomName: name}
	for _, p := range parts {
		pi := v1.RoomParticipantInfo{
			UID:          p.UserUID,
			ChatAlias:    p.ChatAlias,
			ActiveInRoom: h.rooms.ActiveIn(p.UserUID, name),
			VibeAccess:   p.VibeAccess,
		}
		if p.UserUID == room.HostUID {
			info.Host = pi
		} else {
			info.ConnectedUsers = append(info.ConnectedUsers, pi)
		}
	}
	return info, nil
}

// findUserRetry retries the identity lookup once; persistence failures are
// surfaced after that (retryable-once-then-surfaced).
func (h *Hub) findUserRetry(ctx context.Context, ident string) (store.User, error) {
	u, err := h.db.FindUserByIdentity(ctx, ident)
	if err == nil || errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
		return u, err
	}
	h.log.Warn("hub.connect.lookup_retry", "ident", ident, "err", err)
	return h.db.FindUserByIdentity(ctx, ident)
}

func nowUTC() time.Time { return time.Now().UTC() }
