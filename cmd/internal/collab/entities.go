package collab

import (
	"time"

	"github.com/google/uuid"
)

// SessionKind distinguishes why a session exists. All kinds share the same
// relay semantics; clients render them differently.
type SessionKind string

const (
	SessionRealtime SessionKind = "realtime"
	SessionReview   SessionKind = "review"
	SessionTutorial SessionKind = "tutorial"
	SessionMeeting  SessionKind = "meeting"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	switch k {
	case SessionRealtime, SessionReview, SessionTutorial, SessionMeeting:
		return true
	}
	return false
}

// ParticipantRole orders capabilities within a session.
type ParticipantRole string

const (
	RoleHost      ParticipantRole = "host"
	RolePresenter ParticipantRole = "presenter"
	RoleEditor    ParticipantRole = "editor"
	RoleViewer    ParticipantRole = "viewer"
)

// Valid reports whether r is a known role.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleHost, RolePresenter, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// OperationKind classifies an edit operation.
type OperationKind string

const (
	OpInsert    OperationKind = "insert"
	OpDelete    OperationKind = "delete"
	OpReplace   OperationKind = "replace"
	OpFormat    OperationKind = "format"
	OpCursor    OperationKind = "cursor"
	OpSelection OperationKind = "selection"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpInsert, OpDelete, OpReplace, OpFormat, OpCursor, OpSelection:
		return true
	}
	return false
}

// Transient reports whether the operation only carries presence state.
// Transient operations update the participant row instead of the
// append-only log; only the latest cursor/selection matters.
func (k OperationKind) Transient() bool {
	return k == OpCursor || k == OpSelection
}

// MessageKind classifies a chat message.
type MessageKind string

const (
	MsgText   MessageKind = "text"
	MsgSystem MessageKind = "system"
	MsgFile   MessageKind = "file"
	MsgCode   MessageKind = "code"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MsgText, MsgSystem, MsgFile, MsgCode:
		return true
	}
	return false
}

// Session is a persisted collaboration session. The engine reads sessions
// through SessionStore and never caches the row.
type Session struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	FileID          *uuid.UUID
	CreatedBy       uuid.UUID
	Kind            SessionKind
	Title           string
	Description     string
	Active          bool
	MaxParticipants int
	// PasswordHash is empty for open sessions. Never serialized to clients.
	PasswordHash string
	Settings     *string
	StartedAt    *time.Time
	EndedAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Protected reports whether joining requires a password.
func (s Session) Protected() bool { return s.PasswordHash != "" }

// Participant is one user's membership record within one session visit.
// At most one row per (session, user) is online at a time.
type Participant struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	UserID         uuid.UUID
	Role           ParticipantRole
	Online         bool
	CursorPosition *int
	Selection      *string
	JoinedAt       time.Time
	LastSeenAt     time.Time
	LeftAt         *time.Time
}

// Operation is one persisted, immutable edit event. Operations are totally
// ordered per session by the server-assigned Timestamp.
type Operation struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	UserID     uuid.UUID
	Kind       OperationKind
	FileID     *uuid.UUID
	Position   *int
	Length     *int
	Content    *string
	Timestamp  time.Time
	Applied    bool
	AppliedAt  *time.Time
	Rejected   bool
	RejectedAt *time.Time
}

// ChatMessage is a persisted session chat entry with soft edit/delete.
type ChatMessage struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	UserID    uuid.UUID
	Kind      MessageKind
	Content   string
	ReplyTo   *uuid.UUID
	Edited    bool
	EditedAt  *time.Time
	Deleted   bool
	DeletedAt *time.Time
	CreatedAt time.Time
}

// SessionStats summarizes a session for the stats endpoint.
type SessionStats struct {
	SessionID           uuid.UUID
	TotalParticipants   int64
	CurrentParticipants int64
	TotalOperations     int64
	TotalMessages       int64
	Duration            time.Duration
}
