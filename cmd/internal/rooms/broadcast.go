package rooms

import (
	"encoding/json"
	"time"

	"tether/cmd/internal/store"
	v1 "tether/shared/contracts/sync/v1"
)

func (m *Manager) broadcastParticipant(roomName, typ string, p store.RoomParticipant) {
	payload := mustMarshal(v1.RoomUserPayload{
		RoomName: roomName,
		Participant: v1.RoomParticipantInfo{
			UID:          p.UserUID,
			ChatAlias:    p.ChatAlias,
			ActiveInRoom: p.ActiveInRoom,
			VibeAccess:   p.VibeAccess,
		},
	})
	m.groups.Broadcast(roomName, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
}

// mustMarshal serializes payloads assembled from our own structs; failure
// would be a programming error, so an empty payload is acceptable fallback.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
