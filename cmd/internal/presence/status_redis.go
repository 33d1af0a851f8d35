package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatusStore records presence in a shared Redis, one TTL-bearing key
// per online user: presence:<namespace>:<uid>.
type RedisStatusStore struct {
	rdb        *redis.Client
	namespace  string
	instanceID string
	ttl        time.Duration
}

// RedisStatusOption configures RedisStatusStore behavior.
type RedisStatusOption func(*RedisStatusStore) error

// WithStatusTTL overrides the entry TTL (default DefaultStatusTTL).
func WithStatusTTL(ttl time.Duration) RedisStatusOption {
	return func(s *RedisStatusStore) error {
		if ttl <= 0 {
			return errors.New("presence: non-positive ttl")
		}
		s.ttl = ttl
		return nil
	}
}

// WithStatusNamespace sets the key namespace (default "main").
func WithStatusNamespace(ns string) RedisStatusOption {
	return func(s *RedisStatusStore) error {
		ns = strings.TrimSpace(ns)
		if ns == "" || strings.Contains(ns, ":") {
			return errors.New("presence: invalid namespace")
		}
		s.namespace = ns
		return nil
	}
}

// NewRedisStatusStore constructs a Redis-backed StatusStore. instanceID
// identifies this server process in the stored entries.
func NewRedisStatusStore(rdb *redis.Client, instanceID string, opts ...RedisStatusOption) (*RedisStatusStore, error) {
	if rdb == nil {
		return nil, errors.New("presence: nil redis client")
	}
	if strings.TrimSpace(instanceID) == "" {
		return nil, errors.New("presence: empty instance id")
	}

	s := &RedisStatusStore{
		rdb:        rdb,
		namespace:  "main",
		instanceID: instanceID,
		ttl:        DefaultStatusTTL,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *RedisStatusStore) key(uid string) string {
	return "presence:" + s.namespace + ":" + uid
}

// MarkOnline writes (or overwrites) the presence entry for uid with a fresh TTL.
func (s *RedisStatusStore) MarkOnline(ctx context.Context, uid, charaIdent string) error {
	b, err := json.Marshal(Entry{CharaIdent: charaIdent, InstanceID: s.instanceID})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(uid), b, s.ttl).Err()
}

// MarkOffline deletes the presence entry for uid. Deleting an absent key is
// not an error: offline must be idempotent.
func (s *RedisStatusStore) MarkOffline(ctx context.Context, uid string) error {
	return s.rdb.Del(ctx, s.key(uid)).Err()
}

// Refresh bumps the TTL for uid. A missing key means the entry already
// expired; the next MarkOnline recreates it.
func (s *RedisStatusStore) Refresh(ctx context.Context, uid string) error {
	return s.rdb.Expire(ctx, s.key(uid), s.ttl).Err()
}

// IsOnline reports whether uid has a live presence entry.
func (s *RedisStatusStore) IsOnline(ctx context.Context, uid string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(uid)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountOnline counts live presence entries in this namespace via SCAN.
// The snapshot is consistent within Redis's SCAN guarantees, which is within
// the staleness bound the moderation collaborator tolerates.
func (s *RedisStatusStore) CountOnline(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	match := "presence:" + s.namespace + ":*"
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 512).Result()
		if err != nil {
			return 0, fmt.Errorf("presence: scan: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Get returns the stored entry for uid, if present.
func (s *RedisStatusStore) Get(ctx context.Context, uid string) (Entry, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(uid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}
