package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"tether/cmd/internal/metrics"
	"tether/cmd/internal/presence"
	v1 "tether/shared/contracts/sync/v1"
)

// Sender is the outbound push capability: the only path through which
// broadcast-contract envelopes reach clients. Request handlers receive it
// from the hub and cannot write to the transport any other way, which keeps
// the server-to-client direction structurally one-way.
type Sender struct {
	log      *slog.Logger
	dir      *presence.Directory
	registry *Registry
	metrics  *metrics.Metrics
}

// NewSender constructs the push sender. Only the hub should hold one.
func NewSender(log *slog.Logger, dir *presence.Directory, registry *Registry, m *metrics.Metrics) *Sender {
	return &Sender{log: log, dir: dir, registry: registry, metrics: m}
}

// NewEnvelope wraps a payload struct into a push envelope.
func NewEnvelope(typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		b = json.RawMessage(`{}`)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(time.Now().UTC()),
		TS:      time.Now().UTC(),
		Payload: b,
	}
}

// ToClient enqueues an envelope for one connection. Non-blocking: a full or
// closing queue drops the push rather than stalling the hub.
func (s *Sender) ToClient(c *Client, env v1.Envelope) bool {
	return s.enqueue(c, env)
}

// ToUser delivers an envelope to uid's current connection, if any.
func (s *Sender) ToUser(uid string, env v1.Envelope) bool {
	handle, ok := s.dir.Lookup(uid)
	if !ok {
		return false
	}
	c, ok := s.registry.Get(handle)
	if !ok {
		return false
	}
	return s.enqueue(c, env)
}

// ServerMessage pushes a user-visible notice to one connection.
func (s *Sender) ServerMessage(c *Client, sev v1.Severity, text string) {
	s.enqueue(c, NewEnvelope(v1.TypeReceiveServerMessage, v1.ServerMessagePayload{
		Severity: sev,
		Text:     text,
	}))
}

// VerificationPopup asks uid's connection to confirm an account claim with
// the given code. Claim flows run outside this process; this is their push
// path into a live session.
func (s *Sender) VerificationPopup(uid, code string) bool {
	return s.ToUser(uid, NewEnvelope(v1.TypeVerificationPopup, v1.VerificationPopupPayload{
		Code: code,
	}))
}

// NotifyPairOnline implements presence.Notifier.
func (s *Sender) NotifyPairOnline(peerUID, uid, charaIdent string) {
	s.ToUser(peerUID, NewEnvelope(v1.TypeUserOnline, v1.UserOnlinePayload{
		UID:        uid,
		CharaIdent: charaIdent,
	}))
}

// NotifyPairOffline implements presence.Notifier.
func (s *Sender) NotifyPairOffline(peerUID, uid string) {
	s.ToUser(peerUID, NewEnvelope(v1.TypeUserOffline, v1.UserOfflinePayload{
		UID: uid,
	}))
}

func (s *Sender) enqueue(c *Client, env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.Done():
		s.metrics.PushesDropped.Inc()
		return false
	default:
	}

	select {
	case c.Send <- env:
		s.metrics.PushesSent.WithLabelValues(env.Type).Inc()
		return true
	default:
		// Drop rather than block the hub on one slow client.
		s.metrics.PushesDropped.Inc()
		s.log.Debug("push.drop", "handle", c.Handle, "type", env.Type)
		return false
	}
}
