package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tether").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tether",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) FindUserByIdentity(ctx context.Context, ident string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	users := pgIdent(s.schema, "users")

	var u User
	var alias *string
	var lastLogin *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT uid, alias, last_login FROM `+users+` WHERE uid = $1 OR alias = $1`,
		ident,
	).Scan(&u.UID, &alias, &lastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if alias != nil {
		u.Alias = *alias
	}
	if lastLogin != nil {
		u.LastLogin = *lastLogin
	}
	return u, nil
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, uid string, at time.Time) error {
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET last_login = $2 WHERE uid = $1`,
		uid, at,
	)
	return err
}

func (s *PostgresStore) ListPairLinksFor(ctx context.Context, uid string) ([]PairLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pairs := pgIdent(s.schema, "pair_links")

	rows, err := s.pool.Query(ctx,
		`SELECT user_uid, other_uid, allow_perms, allow_appearance, allow_wardrobe, allow_alias, allow_toybox
		 FROM `+pairs+` WHERE user_uid = $1`,
		uid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairLink
	for rows.Next() {
		var l PairLink
		if err := rows.Scan(&l.UserUID, &l.OtherUID,
			&l.AllowPerms, &l.AllowAppearance, &l.AllowWardrobe, &l.AllowAlias, &l.AllowToybox); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindPairLink(ctx context.Context, uid, otherUID string) (PairLink, error) {
	if err := ctx.Err(); err != nil {
		return PairLink{}, err
	}
	pairs := pgIdent(s.schema, "pair_links")

	var l PairLink
	err := s.pool.QueryRow(ctx,
		`SELECT user_uid, other_uid, allow_perms, allow_appearance, allow_wardrobe, allow_alias, allow_toybox
		 FROM `+pairs+` WHERE user_uid = $1 AND other_uid = $2`,
		uid, otherUID,
	).Scan(&l.UserUID, &l.OtherUID,
		&l.AllowPerms, &l.AllowAppearance, &l.AllowWardrobe, &l.AllowAlias, &l.AllowToybox)
	if errors.Is(err, pgx.ErrNoRows) {
		return PairLink{}, ErrNotFound
	}
	if err != nil {
		return PairLink{}, err
	}
	return l, nil
}

func (s *PostgresStore) FindHostedRoom(ctx context.Context, hostUID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	roomsT := pgIdent(s.schema, "rooms")

	var r Room
	err := s.pool.QueryRow(ctx,
		`SELECT name, host_uid FROM `+roomsT+` WHERE host_uid = $1`,
		hostUID,
	).Scan(&r.Name, &r.HostUID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

func (s *PostgresStore) FindRoomByName(ctx context.Context, roomName string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	roomsT := pgIdent(s.schema, "rooms")

	var r Room
	err := s.pool.QueryRow(ctx,
		`SELECT name, host_uid FROM `+roomsT+` WHERE name = $1`,
		roomName,
	).Scan(&r.Name, &r.HostUID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

func (s *PostgresStore) ListRoomParticipants(ctx context.Context, roomName string) ([]RoomParticipant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts := pgIdent(s.schema, "room_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT room_name, user_uid, chat_alias, active_in_room, vibe_access
		 FROM `+parts+` WHERE room_name = $1 ORDER BY joined_at`,
		roomName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomParticipant
	for rows.Next() {
		var p RoomParticipant
		if err := rows.Scan(&p.RoomName, &p.UserUID, &p.ChatAlias, &p.ActiveInRoom, &p.VibeAccess); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRoomsFor(ctx context.Context, uid string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts := pgIdent(s.schema, "room_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT room_name FROM `+parts+` WHERE user_uid = $1`,
		uid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertRoom(ctx context.Context, room Room) error {
	roomsT := pgIdent(s.schema, "rooms")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+roomsT+` (name, host_uid) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET host_uid = EXCLUDED.host_uid`,
		room.Name, room.HostUID,
	)
	return err
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomName string) error {
	roomsT := pgIdent(s.schema, "rooms")
	parts := pgIdent(s.schema, "room_participants")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM `+parts+` WHERE room_name = $1`, roomName); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+roomsT+` WHERE name = $1`, roomName); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p RoomParticipant) error {
	parts := pgIdent(s.schema, "room_participants")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+parts+` (room_name, user_uid, chat_alias, active_in_room, vibe_access, joined_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (room_name, user_uid) DO UPDATE
		 SET chat_alias = EXCLUDED.chat_alias,
		     active_in_room = EXCLUDED.active_in_room,
		     vibe_access = EXCLUDED.vibe_access`,
		p.RoomName, p.UserUID, p.ChatAlias, p.ActiveInRoom, p.VibeAccess,
	)
	return err
}

func (s *PostgresStore) SetParticipantActive(ctx context.Context, roomName, uid string, active bool) error {
	parts := pgIdent(s.schema, "room_participants")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+parts+` SET active_in_room = $3 WHERE room_name = $1 AND user_uid = $2`,
		roomName, uid, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveProfileReport(ctx context.Context, r ProfileReport) error {
	reports := pgIdent(s.schema, "profile_reports")
	at := r.ReportedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+reports+` (reported_uid, reporting_uid, reason, reported_at)
		 VALUES ($1, $2, $3, $4)`,
		r.ReportedUID, r.ReportingUID, r.Reason, at,
	)
	return err
}

// ---- identifier helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
