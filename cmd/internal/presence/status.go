package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// DefaultHealthInterval is the expected client health-check cadence.
	DefaultHealthInterval = 30 * time.Second

	// DefaultStatusTTL keeps a crashed instance's entries from wedging
	// "online" forever while surviving normal health-check jitter.
	// Policy: 3x the health-check interval.
	DefaultStatusTTL = 3 * DefaultHealthInterval

	retryBackoff = 250 * time.Millisecond
)

// ErrStoreUnavailable marks a distributed presence store that could not be
// reached after a retry. Callers degrade to local-only presence.
var ErrStoreUnavailable = errors.New("presence: status store unavailable")

// Entry is the cross-instance presence record for one user.
type Entry struct {
	CharaIdent string `json:"chara_ident"`
	InstanceID string `json:"instance_id"`
}

// StatusStore is the shared, cross-instance record of who is online. It is
// the authority consumed by other instances and the moderation collaborator.
//
// MarkOnline/MarkOffline must be invoked in the same order as the local
// Directory transitions for a given uid; the hub guarantees this by calling
// them from within the owning lifecycle step.
type StatusStore interface {
	MarkOnline(ctx context.Context, uid, charaIdent string) error
	MarkOffline(ctx context.Context, uid string) error
	// Refresh bumps the TTL for uid without rewriting the entry.
	Refresh(ctx context.Context, uid string) error
	IsOnline(ctx context.Context, uid string) (bool, error)
	CountOnline(ctx context.Context) (int, error)
}

// RetryingStatusStore wraps a StatusStore with a single retry-with-backoff.
// A second failure is surfaced as ErrStoreUnavailable; write paths log and
// continue with local-only presence rather than failing the lifecycle step.
type RetryingStatusStore struct {
	log   *slog.Logger
	inner StatusStore
}

// NewRetryingStatusStore wraps inner with retry-once semantics.
func NewRetryingStatusStore(log *slog.Logger, inner StatusStore) *RetryingStatusStore {
	return &RetryingStatusStore{log: log, inner: inner}
}

func (r *RetryingStatusStore) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryBackoff):
	}

	if err2 := fn(ctx); err2 == nil {
		return nil
	} else {
		r.log.Warn("presence.status.unavailable", "op", op, "err", err2)
		return errors.Join(ErrStoreUnavailable, err2)
	}
}

func (r *RetryingStatusStore) MarkOnline(ctx context.Context, uid, charaIdent string) error {
	return r.retry(ctx, "mark_online", func(ctx context.Context) error {
		return r.inner.MarkOnline(ctx, uid, charaIdent)
	})
}

func (r *RetryingStatusStore) MarkOffline(ctx context.Context, uid string) error {
	return r.retry(ctx, "mark_offline", func(ctx context.Context) error {
		return r.inner.MarkOffline(ctx, uid)
	})
}

func (r *RetryingStatusStore) Refresh(ctx context.Context, uid string) error {
	return r.retry(ctx, "refresh", func(ctx context.Context) error {
		return r.inner.Refresh(ctx, uid)
	})
}

func (r *RetryingStatusStore) IsOnline(ctx context.Context, uid string) (bool, error) {
	var online bool
	err := r.retry(ctx, "is_online", func(ctx context.Context) error {
		var err error
		online, err = r.inner.IsOnline(ctx, uid)
		return err
	})
	return online, err
}

func (r *RetryingStatusStore) CountOnline(ctx context.Context) (int, error) {
	var n int
	err := r.retry(ctx, "count_online", func(ctx context.Context) error {
		var err error
		n, err = r.inner.CountOnline(ctx)
		return err
	})
	return n, err
}
