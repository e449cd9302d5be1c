// Package v1 defines the Texler collaboration protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeAuthenticate presents a bearer credential (client -> server).
	TypeAuthenticate = "authenticate"
	// TypeAuthResult reports the authentication outcome (server -> client).
	TypeAuthResult = "auth_result"

	// TypeJoinSession requests membership in a collaboration session (client -> server).
	TypeJoinSession = "join_session"
	// TypeSessionJoined confirms a join with the current roster (server -> client).
	TypeSessionJoined = "session_joined"
	// TypeLeaveSession leaves the current session (client -> server).
	TypeLeaveSession = "leave_session"

	// TypeParticipantUpdate announces a joined or updated participant (server -> session).
	TypeParticipantUpdate = "participant_update"
	// TypeParticipantLeft announces a departed participant (server -> session).
	TypeParticipantLeft = "participant_left"

	// TypeOperation submits a document edit operation (client -> server).
	TypeOperation = "operation"
	// TypeCursor updates the sender's cursor/selection (client -> server).
	TypeCursor = "cursor"
	// TypeServerOperation broadcasts an accepted operation (server -> session).
	TypeServerOperation = "server_operation"

	// TypeChatMessage submits a chat message (client -> server).
	TypeChatMessage = "chat_message"
	// TypeServerChatMessage broadcasts an accepted chat message (server -> session).
	TypeServerChatMessage = "server_chat_message"

	// TypePing / TypePong are the application-level keepalive pair.
	TypePing = "ping"
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAuthenticate,
		TypeAuthResult,
		TypeJoinSession,
		TypeSessionJoined,
		TypeLeaveSession,
		TypeParticipantUpdate,
		TypeParticipantLeft,
		TypeOperation,
		TypeCursor,
		TypeServerOperation,
		TypeChatMessage,
		TypeServerChatMessage,
		TypePing,
		TypePong,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Client payloads ----

// AuthenticatePayload carries the bearer credential. SessionID optionally
// pre-selects the session the client intends to join.
type AuthenticatePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id,omitempty"`
}

// JoinSessionPayload requests membership in a session. Password is only
// consulted for password-protected sessions.
type JoinSessionPayload struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Password  string `json:"password,omitempty"`
}

// LeaveSessionPayload has no fields; leaving always targets the current session.
type LeaveSessionPayload struct{}

// OperationPayload submits one edit operation.
type OperationPayload struct {
	SessionID string  `json:"session_id"`
	Kind      string  `json:"kind"`
	Position  *int    `json:"position,omitempty"`
	Content   *string `json:"content,omitempty"`
	Length    *int    `json:"length,omitempty"`
	FileID    string  `json:"file_id,omitempty"`
}

// CursorPayload updates the sender's cursor position and optional selection.
type CursorPayload struct {
	SessionID string  `json:"session_id"`
	Position  int     `json:"position"`
	Selection *string `json:"selection,omitempty"`
}

// ChatMessagePayload submits one chat message.
type ChatMessagePayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// ---- Server payloads ----

// IdentityPayload is the authenticated principal echoed back to the client.
type IdentityPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// AuthResultPayload reports authentication success or failure.
type AuthResultPayload struct {
	Success  bool             `json:"success"`
	Identity *IdentityPayload `json:"identity,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// ParticipantPayload is the wire view of a session participant.
type ParticipantPayload struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	Role           string     `json:"role"`
	Online         bool       `json:"online"`
	CursorPosition *int       `json:"cursor_position,omitempty"`
	Selection      *string    `json:"selection,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
}

// SessionInfoPayload is the wire view of a session. The password hash is
// never serialized; Protected signals that a password is required.
type SessionInfoPayload struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	FileID          string     `json:"file_id,omitempty"`
	CreatedBy       string     `json:"created_by"`
	Kind            string     `json:"kind"`
	Title           string     `json:"title,omitempty"`
	Description     string     `json:"description,omitempty"`
	Active          bool       `json:"active"`
	MaxParticipants int        `json:"max_participants"`
	Protected       bool       `json:"protected"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SessionJoinedPayload confirms a join with session info and the live roster.
type SessionJoinedPayload struct {
	SessionID    string               `json:"session_id"`
	Participants []ParticipantPayload `json:"participants"`
	SessionInfo  SessionInfoPayload   `json:"session_info"`
}

// ParticipantUpdatePayload announces a joined or updated participant.
type ParticipantUpdatePayload struct {
	SessionID   string             `json:"session_id"`
	Participant ParticipantPayload `json:"participant"`
}

// ParticipantLeftPayload announces a departed participant.
type ParticipantLeftPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ServerOperationPayload broadcasts an accepted operation with its
// server-assigned ordering timestamp.
type ServerOperationPayload struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Position  *int      `json:"position,omitempty"`
	Content   *string   `json:"content,omitempty"`
	Length    *int      `json:"length,omitempty"`
	FileID    string    `json:"file_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerChatMessagePayload broadcasts an accepted chat message.
type ServerChatMessagePayload struct {
	SessionID string    `json:"session_id"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
