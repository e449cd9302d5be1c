package collab

import (
	"encoding/json"
	"time"

	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

// newEvent builds an outbound envelope around an already-marshaled payload.
func newEvent(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

// marshalEvent builds an outbound envelope from a payload struct.
// Payload types are our own and marshal without error.
func marshalEvent(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return newEvent(typ, raw, ts)
}

// participantPayload converts a Participant to its wire view.
func participantPayload(p Participant) v1.ParticipantPayload {
	return v1.ParticipantPayload{
		ID:             p.ID.String(),
		SessionID:      p.SessionID.String(),
		UserID:         p.UserID.String(),
		Role:           string(p.Role),
		Online:         p.Online,
		CursorPosition: p.CursorPosition,
		Selection:      p.Selection,
		JoinedAt:       p.JoinedAt,
		LastSeenAt:     p.LastSeenAt,
		LeftAt:         p.LeftAt,
	}
}

// sessionInfoPayload converts a Session to its wire view. The password hash
// never crosses the wire; only the Protected flag does.
func sessionInfoPayload(s Session) v1.SessionInfoPayload {
	out := v1.SessionInfoPayload{
		ID:              s.ID.String(),
		ProjectID:       s.ProjectID.String(),
		CreatedBy:       s.CreatedBy.String(),
		Kind:            string(s.Kind),
		Title:           s.Title,
		Description:     s.Description,
		Active:          s.Active,
		MaxParticipants: s.MaxParticipants,
		Protected:       s.Protected(),
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		CreatedAt:       s.CreatedAt,
	}
	if s.FileID != nil {
		out.FileID = s.FileID.String()
	}
	return out
}
