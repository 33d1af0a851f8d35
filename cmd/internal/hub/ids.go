package hub

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewConnectionHandle returns a ULID used as the per-session connection handle.
// ULIDs keep handles sortable by accept time in logs.
func NewConnectionHandle(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// NewEnvelopeID returns a ULID used as envelope id, uniform with handles.
func NewEnvelopeID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
