package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a dev/test fallback when the database is not configured.
// It implements the full Store contract with the same semantics the
// Postgres implementation provides, minus durability.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[string]User             // uid -> user
	aliases      map[string]string           // alias -> uid
	links        map[string][]PairLink       // uid -> outgoing links
	rooms        map[string]Room             // room name -> room
	participants map[string]map[string]RoomParticipant // room name -> uid -> row
	reports      []ProfileReport
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]User),
		aliases:      make(map[string]string),
		links:        make(map[string][]PairLink),
		rooms:        make(map[string]Room),
		participants: make(map[string]map[string]RoomParticipant),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// PutUser registers a user (test/dev seeding).
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UID] = u
	if u.Alias != "" {
		s.aliases[u.Alias] = u.UID
	}
}

// RemoveUser revokes a user (test/dev seeding).
func (s *MemoryStore) RemoveUser(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[uid]; ok && u.Alias != "" {
		delete(s.aliases, u.Alias)
	}
	delete(s.users, uid)
}

// PutPairLink registers a directional link (test/dev seeding).
func (s *MemoryStore) PutPairLink(l PairLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.links[l.UserUID] {
		if existing.OtherUID == l.OtherUID {
			s.links[l.UserUID][i] = l
			return
		}
	}
	s.links[l.UserUID] = append(s.links[l.UserUID], l)
}

// RemovePairLink revokes the directional link from uid to otherUID.
func (s *MemoryStore) RemovePairLink(uid, otherUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.links[uid][:0]
	for _, l := range s.links[uid] {
		if l.OtherUID != otherUID {
			out = append(out, l)
		}
	}
	s.links[uid] = out
}

func (s *MemoryStore) FindUserByIdentity(ctx context.Context, ident string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[ident]; ok {
		return u, nil
	}
	if uid, ok := s.aliases[ident]; ok {
		return s.users[uid], nil
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) TouchLastLogin(_ context.Context, uid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return ErrNotFound
	}
	u.LastLogin = at
	s.users[uid] = u
	return nil
}

func (s *MemoryStore) ListPairLinksFor(ctx context.Context, uid string) ([]PairLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PairLink(nil), s.links[uid]...), nil
}

func (s *MemoryStore) FindPairLink(ctx context.Context, uid, otherUID string) (PairLink, error) {
	if err := ctx.Err(); err != nil {
		return PairLink{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links[uid] {
		if l.OtherUID == otherUID {
			return l, nil
		}
	}
	return PairLink{}, ErrNotFound
}

func (s *MemoryStore) FindHostedRoom(ctx context.Context, hostUID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.HostUID == hostUID {
			return r, nil
		}
	}
	return Room{}, ErrNotFound
}

func (s *MemoryStore) FindRoomByName(ctx context.Context, roomName string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomName]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRoomParticipants(ctx context.Context, roomName string) ([]RoomParticipant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.participants[roomName]
	out := make([]RoomParticipant, 0, len(rows))
	for _, p := range rows {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) ListRoomsFor(ctx context.Context, uid string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for room, rows := range s.participants {
		if _, ok := rows[uid]; ok {
			out = append(out, room)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertRoom(ctx context.Context, room Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.Name] = room
	return nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomName)
	delete(s.participants, roomName)
	return nil
}

func (s *MemoryStore) UpsertParticipant(ctx context.Context, p RoomParticipant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.participants[p.RoomName]
	if rows == nil {
		rows = make(map[string]RoomParticipant)
		s.participants[p.RoomName] = rows
	}
	rows[p.UserUID] = p
	return nil
}

func (s *MemoryStore) SetParticipantActive(ctx context.Context, roomName, uid string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.participants[roomName]
	p, ok := rows[uid]
	if !ok {
		return ErrNotFound
	}
	p.ActiveInRoom = active
	rows[uid] = p
	return nil
}

func (s *MemoryStore) SaveProfileReport(ctx context.Context, r ProfileReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}
